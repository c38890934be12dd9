// Package bus is the typed publish/subscribe channel between session
// workers and the status detector. It decouples worker lifecycle from
// listener lifecycle: a worker can publish while no one is listening, and
// subscribers can come and go without workers noticing.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/twistedxcom/panewatch/internal/logging"
)

var busLog = logging.ForComponent(logging.CompBus)

// Kind identifies an event type.
type Kind string

const (
	KindStatusChange   Kind = "status-change"
	KindAnalysisNeeded Kind = "analysis-needed"
	KindSessionRemoved Kind = "session-removed"
	KindWorkerError    Kind = "worker-error"
)

// Event is one message from a worker. Fields are populated per kind:
// status events carry Status, escalations carry Snapshot, errors carry Err.
type Event struct {
	Kind      Kind
	SessionID string
	Title     string
	Tool      string
	Status    string
	Snapshot  string
	Err       error
	At        time.Time
}

// publishTimeout bounds how long a publisher waits on a saturated
// subscriber. Status-affecting events must not be silently dropped, so the
// wait is generous; hitting it means the consumer is wedged, which is worth
// a warning rather than a deadlocked worker.
const publishTimeout = 5 * time.Second

// Subscription is one consumer's view of the bus. The event channel is
// never closed; consumers select on Done() to learn about teardown. That
// keeps a publisher blocked mid-send from racing a channel close.
type Subscription struct {
	ch    chan Event
	done  chan struct{}
	once  sync.Once
	kinds map[Kind]struct{} // empty means all kinds
}

// Events returns the subscriber's receive channel. Events from any single
// worker arrive in publish order; no ordering holds across workers.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscription is cancelled or the bus shuts down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus is safe for concurrent publish from many workers and concurrent
// consumption by multiple subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer for the given kinds (all kinds if none
// given) with a bounded buffer.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
		kinds: make(map[Kind]struct{}, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		sub.cancel()
	} else {
		b.subs[sub] = struct{}{}
	}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and signals its Done channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.cancel()
}

// Publish delivers an event to every interested subscriber. Blocks up to
// publishTimeout per saturated subscriber, then drops with a warning.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.wants(ev.Kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
			continue
		case <-sub.done:
			continue
		default:
		}

		// Buffer full: wait bounded rather than dropping immediately.
		timer := time.NewTimer(publishTimeout)
		select {
		case sub.ch <- ev:
			timer.Stop()
		case <-sub.done:
			timer.Stop()
		case <-timer.C:
			busLog.Warn("event_dropped_slow_subscriber",
				slog.String("kind", string(ev.Kind)),
				slog.String("session", ev.SessionID))
		}
	}
}

// Close shuts the bus down. Subsequent publishes are no-ops and every
// subscriber's Done channel is signalled.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
}
