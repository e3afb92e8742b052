package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventFilter decides whether a subscriber receives an event.
type EventFilter func(ev *Event) bool

// FilterByPlanID only passes events for the given plan.
func FilterByPlanID(planID string) EventFilter {
	return func(ev *Event) bool { return ev.PlanID == planID }
}

// FilterByType only passes events of the given types.
func FilterByType(types ...EventType) EventFilter {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(ev *Event) bool { return set[ev.Type] }
}

type subscription struct {
	ch     chan Event
	filter EventFilter
}

// EventBus delivers progress events to subscribers in the order they
// are published. Publishing happens from the scheduler's owning
// goroutine after each state commit, so subscription order matches
// state-commit order. The one exception is step.retrying, which
// workers publish mid-attempt from their own goroutines; Publish is
// safe for concurrent use. Slow subscribers whose buffer is full drop
// events rather than stall the scheduler; the drop is logged.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[int]*subscription
	nextSubID  int
	bufferSize int
	logger     zerolog.Logger
	dropped    atomic.Int64
}

// NewEventBus creates an event bus with the given per-subscriber
// buffer size (minimum 1).
func NewEventBus(bufferSize int, logger zerolog.Logger) *EventBus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &EventBus{
		subs:       make(map[int]*subscription),
		bufferSize: bufferSize,
		logger:     logger.With().Str("component", "event-bus").Logger(),
	}
}

// Publish implements EventPublisher. Missing IDs and timestamps are
// filled in.
func (b *EventBus) Publish(_ context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- *ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn().
				Str("event_type", string(ev.Type)).
				Str("plan_id", ev.PlanID).
				Msg("subscriber buffer full, event dropped")
		}
	}
	return nil
}

// Subscribe registers a consumer. The returned cancel function must be
// called when done; it closes the channel. A nil filter receives all
// events.
func (b *EventBus) Subscribe(filter EventFilter) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++
	sub := &subscription{ch: make(chan Event, b.bufferSize), filter: filter}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Dropped reports how many events were discarded due to full buffers.
func (b *EventBus) Dropped() int {
	return int(b.dropped.Load())
}

type multiPublisher struct {
	pubs []EventPublisher
}

// MultiPublisher fans events out to several publishers, e.g. a live
// bus plus a persistent event log. Publish errors from one sink do not
// stop delivery to the others; the first error is returned.
func MultiPublisher(pubs ...EventPublisher) EventPublisher {
	out := make([]EventPublisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return &multiPublisher{pubs: out}
}

func (m *multiPublisher) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	var first error
	for _, p := range m.pubs {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
