package events

import "context"

// Sink consumes batches of events. Implementations must be safe for repeated
// calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so
// components stay agnostic about how events are buffered or persisted.
type Emitter interface {
	Emit(evt Event)
}

// Nop is an Emitter that discards everything; useful for tests and for
// components constructed without observability wiring.
type Nop struct{}

// Emit discards the event.
func (Nop) Emit(Event) {}
