// Package memory is the in-process publisher used by tests and by
// deployments that run without a message broker.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// PublishedMessage captures one completion message handed to Publish.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// Publisher retains every published message for later inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message. The returned ID is the 1-based position in
// the publish order.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
