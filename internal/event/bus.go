package event

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type represents the type of event.
type Type string

const (
	TypeBuildCreated       Type = "build_created"
	TypeBuildFinished      Type = "build_finished"
	TypeJobMaterialized    Type = "job_materialized"
	TypeJobFinished        Type = "job_finished"
	TypeJobStepAllocated   Type = "jobstep_allocated"
	TypeJobStepDeallocated Type = "jobstep_deallocated"
	TypeJobStepFinished    Type = "jobstep_finished"
	TypeJobStepReplaced    Type = "jobstep_replaced"
	TypeJobStepExpanded    Type = "jobstep_expanded"
	TypeSnapshotUpdated    Type = "snapshot_updated"
)

// Event represents a lifecycle change of a build or one of its parts.
type Event struct {
	Type      Type            `json:"type"`
	BuildID   uuid.UUID       `json:"build_id,omitempty"`
	JobID     uuid.UUID       `json:"job_id,omitempty"`
	StepID    uuid.UUID       `json:"jobstep_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an event stamped with the current time. payload is marshaled
// when non-nil.
func New(t Type, buildID, jobID, stepID uuid.UUID, payload any) Event {
	e := Event{
		Type:      t,
		BuildID:   buildID,
		JobID:     jobID,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}

// Filter defines criteria for receiving events.
type Filter struct {
	BuildID uuid.UUID
	JobID   uuid.UUID
	Types   []Type
}

// Bus defines the event bus interface.
type Bus interface {
	Publish(e Event)
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, error)
}

type bus struct {
	subscribers map[chan Event]Filter
	mu          sync.RWMutex
}

// NewBus creates a new event bus.
func NewBus() Bus {
	return &bus{
		subscribers: make(map[chan Event]Filter),
	}
}

func (b *bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter.matches(e) {
			select {
			case ch <- e:
			default:
				// drop rather than block publishers on a slow subscriber
			}
		}
	}
}

func (b *bus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	ch := make(chan Event, 100)

	b.mu.Lock()
	b.subscribers[ch] = filter
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, ch)
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

func (f Filter) matches(e Event) bool {
	if f.BuildID != uuid.Nil && f.BuildID != e.BuildID {
		return false
	}
	if f.JobID != uuid.Nil && f.JobID != e.JobID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return true
}

type nop struct{}

// Nop returns a bus that drops everything.
func Nop() Bus {
	return nop{}
}

func (nop) Publish(Event) {}

func (nop) Subscribe(ctx context.Context, _ Filter) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
