package logging

import (
	"log/slog"
	"sync"
	"time"
)

// aggKey identifies one batched event stream.
type aggKey struct {
	component string
	event     string
}

// aggEntry is the running tally for one event stream.
type aggEntry struct {
	count  int64
	fields []slog.Attr // most recent call wins
}

// Aggregator batches high-frequency events (poll ticks, cache hits) and
// emits one summary record per event stream per interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	streams map[aggKey]*aggEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAggregator creates an aggregator flushing every intervalSecs seconds.
// A nil logger drops all recorded events.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		streams:  make(map[aggKey]*aggEntry),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.done:
				return
			}
		}
	}()
}

// Stop halts the flush goroutine and emits a final summary.
func (a *Aggregator) Stop() {
	close(a.done)
	a.wg.Wait()
	a.flush()
}

// Record increments the counter for an event stream.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggKey{component: component, event: event}
	entry, ok := a.streams[key]
	if !ok {
		entry = &aggEntry{}
		a.streams[key] = entry
	}
	entry.count++
	if len(fields) > 0 {
		entry.fields = fields
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.streams) == 0 {
		a.mu.Unlock()
		return
	}
	streams := a.streams
	a.streams = make(map[aggKey]*aggEntry)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	for key, entry := range streams {
		attrs := []any{
			slog.String("component", key.component),
			slog.String("event", key.event),
			slog.Int64("count", entry.count),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		for _, f := range entry.fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
