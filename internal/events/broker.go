package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/security"
)

// Defaults for Options.
const (
	DefaultHistorySize      = 512
	DefaultSubscriberBuffer = 64
)

// Publisher forwards events outside the process.
type Publisher interface {
	Publish(ev Event) error
}

// Filter selects events for a subscriber. A nil Filter accepts everything.
type Filter func(Event) bool

// Options configure a Broker.
type Options struct {
	HistorySize      int
	SubscriberBuffer int
	// Bridge receives a copy of every published event. Optional.
	Bridge Publisher
	Logger *log.Logger
}

// Broker fans events out per orchestration.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	nextID uint64

	historySize int
	buffer      int
	bridge      Publisher
	logger      *log.Logger
}

type topic struct {
	history []Event
	subs    map[uint64]*Subscription
	closed  bool
}

// NewBroker creates a Broker.
func NewBroker(opts Options) *Broker {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	return &Broker{
		topics:      make(map[string]*topic),
		historySize: opts.HistorySize,
		buffer:      opts.SubscriberBuffer,
		bridge:      opts.Bridge,
		logger:      opts.Logger.WithComponent("events"),
	}
}

func (b *Broker) topicLocked(id string) *topic {
	t, ok := b.topics[id]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		b.topics[id] = t
	}
	return t
}

// Open registers an orchestration so subscribers can attach before its first
// event. Opening a known orchestration is a no-op.
func (b *Broker) Open(orchestrationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topicLocked(orchestrationID)
}

// Publish records ev in its orchestration's history and delivers it to every
// subscriber. Slow subscribers lose their oldest queued events rather than
// blocking the publisher. Events for a closed orchestration are dropped.
func (b *Broker) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = inferLevel(ev.Type)
	}
	ev.Message = security.MaskSecrets(ev.Message)
	ev.Data = security.SanitizeMetadata(ev.Data)

	b.mu.Lock()
	t := b.topicLocked(ev.OrchestrationID)
	if t.closed {
		b.mu.Unlock()
		b.logger.Debug("event dropped after close", "orchestration_id", ev.OrchestrationID, "type", string(ev.Type))
		return
	}
	t.history = append(t.history, ev)
	if over := len(t.history) - b.historySize; over > 0 {
		t.history = append([]Event(nil), t.history[over:]...)
	}
	for _, s := range t.subs {
		s.deliver(ev)
	}
	b.mu.Unlock()

	if b.bridge != nil {
		if err := b.bridge.Publish(ev); err != nil {
			b.logger.Warn("event bridge publish failed",
				"orchestration_id", ev.OrchestrationID,
				"type", string(ev.Type),
				"error", err.Error(),
			)
		}
	}
}

// Subscribe returns a subscription to one orchestration's events. Retained
// history matching filter is queued first. Subscribing to a closed
// orchestration yields its history and then a closed channel; an unknown or
// forgotten orchestration yields a closed channel right away.
func (b *Broker) Subscribe(orchestrationID string, filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	t, ok := b.topics[orchestrationID]
	if !ok {
		s := &Subscription{
			id:              b.nextID,
			orchestrationID: orchestrationID,
			ch:              make(chan Event),
			filter:          filter,
			broker:          b,
			closed:          true,
		}
		close(s.ch)
		return s
	}

	var replay []Event
	for _, ev := range t.history {
		if filter == nil || filter(ev) {
			replay = append(replay, ev)
		}
	}

	s := &Subscription{
		id:              b.nextID,
		orchestrationID: orchestrationID,
		ch:              make(chan Event, b.buffer+len(replay)),
		filter:          filter,
		broker:          b,
	}
	for _, ev := range replay {
		s.ch <- ev
	}
	if t.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	t.subs[s.id] = s
	return s
}

// History returns a copy of the retained events for an orchestration.
func (b *Broker) History(orchestrationID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[orchestrationID]
	if !ok {
		return nil
	}
	return append([]Event(nil), t.history...)
}

// Close ends an orchestration's stream: every subscriber channel is closed and
// later publishes are dropped. History is kept until Forget. Close is idempotent.
func (b *Broker) Close(orchestrationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[orchestrationID]
	if !ok || t.closed {
		return
	}
	t.closed = true
	for id, s := range t.subs {
		s.closeLocked()
		delete(t.subs, id)
	}
}

// Closed reports whether an orchestration's stream has ended.
func (b *Broker) Closed(orchestrationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[orchestrationID]
	return ok && t.closed
}

// Forget closes an orchestration's stream and discards its history.
func (b *Broker) Forget(orchestrationID string) {
	b.Close(orchestrationID)
	b.mu.Lock()
	delete(b.topics, orchestrationID)
	b.mu.Unlock()
}

// Shutdown closes every stream.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.topics))
	for id := range b.topics {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Close(id)
	}
}

// Subscribers returns the number of live subscribers for an orchestration.
func (b *Broker) Subscribers(orchestrationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[orchestrationID]; ok {
		return len(t.subs)
	}
	return 0
}

// Subscription is one consumer of an orchestration's events.
type Subscription struct {
	id              uint64
	orchestrationID string
	ch              chan Event
	filter          Filter
	broker          *Broker

	// guarded by broker.mu
	closed  bool
	dropped int
}

// C returns the event channel. It is closed when the orchestration's stream
// ends or the subscription is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() int {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if t, ok := s.broker.topics[s.orchestrationID]; ok {
		delete(t.subs, s.id)
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues ev, discarding the oldest queued event when full.
// Called with broker.mu held.
func (s *Subscription) deliver(ev Event) {
	if s.closed || (s.filter != nil && !s.filter(ev)) {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}
