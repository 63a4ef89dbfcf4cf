// Package events defines the observability event stream emitted by the
// scheduler and pipeline. Emission is fire-and-forget; no component depends
// on an event being delivered.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the kind of milestone represented by an Event.
type Stage string

// Supported event stages.
const (
	StagePipelineStart Stage = "PIPELINE_START"
	StagePipelineDone  Stage = "PIPELINE_DONE"
	StagePipelineError Stage = "PIPELINE_ERROR"
	StageCacheHit      Stage = "CACHE_HIT"
	StageFetchDone     Stage = "FETCH_DONE"
	StageExtractDone   Stage = "EXTRACT_DONE"
	StageGateDecision  Stage = "GATE_DECISION"
	StageBudgetWarn    Stage = "BUDGET_WARN"
	StageBudgetDeny    Stage = "BUDGET_DENY"
	StageBreakerTrip   Stage = "BREAKER_TRIP"
	StageRequeue       Stage = "REQUEUE"
	StagePoolEvict     Stage = "POOL_EVICT"
)

// Event captures a single milestone. Fields beyond TS and Stage are optional
// and scoped by the stage.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Host optionally scopes the event to a host label.
	Host string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Bytes carries the response size delta for fetches.
	Bytes int64
	// Dur captures execution latency where applicable.
	Dur time.Duration
	// Value carries a stage-specific scalar (utilization, quality score).
	Value float64
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StagePipelineStart, StagePipelineDone, StagePipelineError,
		StageCacheHit, StageGateDecision, StageExtractDone,
		StageBudgetWarn, StageBudgetDeny, StageRequeue, StagePoolEvict:
	case StageFetchDone:
		if e.Host == "" {
			return errors.New("fetch done requires host")
		}
	case StageBreakerTrip:
		if e.Note == "" {
			return errors.New("breaker trip requires dependency note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
