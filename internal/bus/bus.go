// Package bus implements the typed, topic-partitioned event bus every
// subsystem publishes state transitions to (spec §6, §9).
//
// Subscribers are bounded queues with drop-oldest overflow so a slow
// consumer can never stall publication for the rest of the system — the
// reference engine's fan-out bus (system/core.Bus) instead blocks each
// publish on a per-handler timeout; this bus keeps that concurrent fan-out
// shape but replaces blocking timeouts with non-blocking bounded channels,
// per the redesign guidance in spec §9.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names follow q.qflow.<domain>.<verb>.vN (spec §6).
type Topic string

const (
	TopicFlowCreated              Topic = "q.qflow.flow.created.v1"
	TopicExecStarted              Topic = "q.qflow.exec.started.v1"
	TopicExecStepDispatched       Topic = "q.qflow.exec.step.dispatched.v1"
	TopicExecStepCompleted        Topic = "q.qflow.exec.step.completed.v1"
	TopicExecStepReassigned       Topic = "q.qflow.exec.step.reassigned.v1"
	TopicExecCompleted            Topic = "q.qflow.exec.completed.v1"
	TopicValidationExecuted       Topic = "q.qflow.validation.pipeline.executed.v1"
	TopicCapabilityTokenIssued    Topic = "q.qflow.capability.token.issued.v1"
	TopicCapabilityTokenUsed      Topic = "q.qflow.capability.token.used.v1"
	TopicCapabilityTokenRevoked   Topic = "q.qflow.capability.token.revoked.v1"
	TopicSandboxCreated           Topic = "q.qflow.sandbox.created.v1"
	TopicSandboxDestroyed         Topic = "q.qflow.sandbox.destroyed.v1"
	TopicSandboxViolation         Topic = "q.qflow.sandbox.violation.v1"
	TopicSandboxEscapeDetected    Topic = "q.qflow.sandbox.escape.detected.v1"
	TopicDegradationEscalated     Topic = "q.qflow.degradation.escalated.v1"
	TopicDegradationDeescalated   Topic = "q.qflow.degradation.deescalated.v1"
	TopicBurnRateCalculated       Topic = "q.qflow.burn_rate.calculated.v1"
)

// Event is the structured envelope every state transition publishes
// (spec §6).
type Event struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
	Version   int       `json:"version"`
	Source    string    `json:"source"`
	Actor     string    `json:"actor,omitempty"`
	Topic     Topic     `json:"topic"`
	Data      any       `json:"data"`
}

// NewEvent stamps an event with a fresh ID and timestamp.
func NewEvent(topic Topic, source, actor string, data any) Event {
	return Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now(),
		Version:   1,
		Source:    source,
		Actor:     actor,
		Topic:     topic,
		Data:      data,
	}
}

// DefaultQueueSize is the per-subscriber buffer depth before drop-oldest
// kicks in.
const DefaultQueueSize = 256

type subscriber struct {
	ch       chan Event
	queueCap int
	mu       sync.Mutex
}

func newSubscriber(queueCap int) *subscriber {
	if queueCap <= 0 {
		queueCap = DefaultQueueSize
	}
	return &subscriber{ch: make(chan Event, queueCap), queueCap: queueCap}
}

// deliver pushes ev, dropping the oldest queued event on overflow rather
// than blocking the publisher (spec §9).
func (s *subscriber) deliver(ev Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- ev:
		return false
	default:
		select {
		case <-s.ch:
			dropped = true
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
		return dropped
	}
}

// Bus is a process-local, topic-partitioned publish/subscribe hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]*subscriber

	statsMu sync.Mutex
	published map[Topic]int64
	dropped   map[Topic]int64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:      make(map[Topic][]*subscriber),
		published: make(map[Topic]int64),
		dropped:   make(map[Topic]int64),
	}
}

// Subscribe registers a bounded-queue consumer for topic and returns a
// receive-only channel plus an unsubscribe function.
func (b *Bus) Subscribe(topic Topic, queueCap int) (<-chan Event, func()) {
	sub := newSubscriber(queueCap)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s == sub {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, unsub
}

// Publish fans ev out to every subscriber of ev.Topic. Publish never blocks
// on a slow consumer: delivery is best-effort via bounded, drop-oldest
// channels.
func (b *Bus) Publish(_ context.Context, ev Event) {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[ev.Topic]...)
	b.mu.RUnlock()

	b.statsMu.Lock()
	b.published[ev.Topic]++
	b.statsMu.Unlock()

	for _, s := range subs {
		if s.deliver(ev) {
			b.statsMu.Lock()
			b.dropped[ev.Topic]++
			b.statsMu.Unlock()
		}
	}
}

// Stats reports published/dropped counters per topic, for /metrics export.
func (b *Bus) Stats() (published, dropped map[Topic]int64) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	published = make(map[Topic]int64, len(b.published))
	dropped = make(map[Topic]int64, len(b.dropped))
	for k, v := range b.published {
		published[k] = v
	}
	for k, v := range b.dropped {
		dropped[k] = v
	}
	return published, dropped
}

// SubscriberCount reports the number of active subscribers to topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
