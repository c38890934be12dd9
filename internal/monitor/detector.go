package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/twistedxcom/panewatch/internal/bus"
	"github.com/twistedxcom/panewatch/internal/classify"
	"github.com/twistedxcom/panewatch/internal/history"
	"github.com/twistedxcom/panewatch/internal/logging"
)

var detectorLog = logging.ForComponent(logging.CompDetect)

// defaultAnalysisCeiling bounds one full analysis (all stages) so a hanging
// endpoint can never leave a session stuck in analyzing.
const defaultAnalysisCeiling = 20 * time.Second

// Analyzer is the remote classification boundary. *classify.Client is the
// production implementation.
type Analyzer interface {
	Analyze(ctx context.Context, snapshot string, wasIdle bool) (classify.Result, error)
}

// Journal records externally-visible transitions. *history.Store implements
// it; a nil journal disables persistence.
type Journal interface {
	Append(t history.Transition) error
}

// Entry is one session's row in the status map.
type Entry struct {
	Status    Status
	Title     string
	Tool      string
	Summary   string              // last remote idle summary, if any
	Options   *classify.OptionSet // populated while waiting on a parsed dialog
	UpdatedAt time.Time
}

// Change is delivered to subscribers on every externally-visible change.
type Change struct {
	SessionID string
	Previous  Status
	New       Status
	Title     string
	Tool      string
	Summary   string
	Options   *classify.OptionSet
	Removed   bool
	At        time.Time
}

// Subscriber receives status changes. Called from the detector's event
// loop; implementations must not block.
type Subscriber func(Change)

// analysis tracks one in-flight remote classification.
type analysis struct {
	gen    uint64
	cancel context.CancelFunc
}

// analysisResult crosses from an analysis goroutine back into the event loop.
type analysisResult struct {
	sessionID string
	gen       uint64
	res       classify.Result
	err       error
}

// Detector owns the authoritative status map. It is the map's only writer:
// all mutation happens on the single event-loop goroutine, so reads need
// just an RLock and no per-entry locking exists anywhere.
type Detector struct {
	bus      *bus.Bus
	pool     *Pool
	analyzer Analyzer
	journal  Journal

	analysisCeiling time.Duration

	sub     *bus.Subscription
	results chan analysisResult

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	statuses map[string]*Entry

	subsMu      sync.RWMutex
	subscribers []Subscriber

	// event-loop-only state
	analyses map[string]*analysis
	nextGen  uint64

	stopOnce sync.Once
}

// Option configures a Detector.
type Option func(*Detector)

// WithJournal persists transitions to the given journal.
func WithJournal(j Journal) Option {
	return func(d *Detector) { d.journal = j }
}

// WithAnalysisCeiling overrides the overall per-analysis deadline.
func WithAnalysisCeiling(ceiling time.Duration) Option {
	return func(d *Detector) {
		if ceiling > 0 {
			d.analysisCeiling = ceiling
		}
	}
}

// NewDetector wires the detector to the bus and pool. Call Start to begin
// consuming events.
func NewDetector(b *bus.Bus, pool *Pool, analyzer Analyzer, opts ...Option) *Detector {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Detector{
		bus:             b,
		pool:            pool,
		analyzer:        analyzer,
		analysisCeiling: defaultAnalysisCeiling,
		results:         make(chan analysisResult, 16),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		statuses:        make(map[string]*Entry),
		analyses:        make(map[string]*analysis),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start subscribes to the bus and launches the event loop.
func (d *Detector) Start() {
	d.sub = d.bus.Subscribe(256,
		bus.KindStatusChange, bus.KindAnalysisNeeded,
		bus.KindSessionRemoved, bus.KindWorkerError)
	go d.run()
}

// Monitor is the idempotent reconciliation entry point.
func (d *Detector) Monitor(specs []Spec) {
	d.pool.Reconcile(specs)
}

// Subscribe registers a status change callback and returns the current map
// snapshot so callers can hydrate before the first event.
func (d *Detector) Subscribe(fn Subscriber) map[string]Entry {
	d.subsMu.Lock()
	d.subscribers = append(d.subscribers, fn)
	d.subsMu.Unlock()
	return d.GetAll()
}

// GetAll returns a copy of the current status map.
func (d *Detector) GetAll() map[string]Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Entry, len(d.statuses))
	for id, e := range d.statuses {
		out[id] = *e
	}
	return out
}

// Shutdown stops every worker, cancels in-flight analyses, and waits for
// the event loop to drain.
func (d *Detector) Shutdown() {
	d.stopOnce.Do(func() {
		d.pool.Shutdown()
		d.cancel()
		d.bus.Unsubscribe(d.sub)
		<-d.done
		detectorLog.Info("detector_stopped")
	})
}

func (d *Detector) run() {
	defer close(d.done)
	for {
		select {
		case ev := <-d.sub.Events():
			d.handleEvent(ev)
		case r := <-d.results:
			d.applyAnalysis(r)
		case <-d.sub.Done():
			// Drain any already-buffered events before exiting.
			for {
				select {
				case ev := <-d.sub.Events():
					d.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Detector) handleEvent(ev bus.Event) {
	switch ev.Kind {
	case bus.KindStatusChange:
		// Fresh local evidence supersedes whatever analysis was running.
		d.cancelAnalysis(ev.SessionID)
		d.apply(ev.SessionID, Entry{
			Status: Status(ev.Status),
			Title:  ev.Title,
			Tool:   ev.Tool,
		}, "heuristic")

	case bus.KindAnalysisNeeded:
		d.startAnalysis(ev)

	case bus.KindSessionRemoved:
		d.cancelAnalysis(ev.SessionID)
		d.remove(ev.SessionID, ev.Title, ev.Tool)
		d.pool.forget(ev.SessionID)

	case bus.KindWorkerError:
		// The worker already self-terminated; nothing to recover here.
		detectorLog.Warn("worker_error",
			slog.String("session", ev.SessionID),
			slog.String("error", errString(ev.Err)))
	}
}

// startAnalysis flips the session to analyzing and drives the remote
// classifier on its own goroutine. At most one analysis per session is live:
// a new request cancels and outgenerations the previous one.
func (d *Detector) startAnalysis(ev bus.Event) {
	d.cancelAnalysis(ev.SessionID)

	wasIdle := true
	d.mu.RLock()
	if e, ok := d.statuses[ev.SessionID]; ok {
		wasIdle = e.Status == StatusIdle
	}
	d.mu.RUnlock()

	d.apply(ev.SessionID, Entry{
		Status: StatusAnalyzing,
		Title:  ev.Title,
		Tool:   ev.Tool,
	}, "heuristic")

	d.nextGen++
	gen := d.nextGen
	ctx, cancel := context.WithTimeout(d.ctx, d.analysisCeiling)
	d.analyses[ev.SessionID] = &analysis{gen: gen, cancel: cancel}

	detectorLog.Debug("analysis_started",
		slog.String("session", ev.SessionID),
		slog.Uint64("gen", gen))

	go func() {
		defer cancel()
		res, err := d.analyzer.Analyze(ctx, ev.Snapshot, wasIdle)
		select {
		case d.results <- analysisResult{sessionID: ev.SessionID, gen: gen, res: res, err: err}:
		case <-d.ctx.Done():
		}
	}()
}

// applyAnalysis maps a finished analysis onto the status map, unless a
// newer request or cancellation made it stale.
func (d *Detector) applyAnalysis(r analysisResult) {
	cur, ok := d.analyses[r.sessionID]
	if !ok || cur.gen != r.gen {
		// Cancelled or superseded while in flight: silently dropped.
		detectorLog.Debug("stale_analysis_discarded",
			slog.String("session", r.sessionID),
			slog.Uint64("gen", r.gen))
		return
	}
	delete(d.analyses, r.sessionID)
	cur.cancel()

	if r.err != nil {
		switch {
		case errors.Is(r.err, classify.ErrUnavailable):
			// No credential: expected, stage skipped, default applied.
		case errors.Is(r.err, context.Canceled):
			return
		default:
			detectorLog.Warn("analysis_fallback",
				slog.String("session", r.sessionID),
				slog.String("error", r.err.Error()))
		}
	}

	// option-dialog means the agent needs a decision; everything else
	// resolves to idle, the safe "needs no action" default.
	entry := Entry{Status: StatusIdle}
	if r.res.State == classify.StateOptionDialog {
		entry.Status = StatusWaiting
		entry.Options = r.res.Options
	} else {
		entry.Summary = r.res.Summary
	}
	d.apply(r.sessionID, entry, "remote")
}

// cancelAnalysis cancels any in-flight analysis for the session. Its late
// result, if one still arrives, fails the generation check and is dropped.
func (d *Detector) cancelAnalysis(id string) {
	if a, ok := d.analyses[id]; ok {
		a.cancel()
		delete(d.analyses, id)
	}
}

// apply updates the map and notifies subscribers when the status actually
// changed. Last write wins per session.
func (d *Detector) apply(id string, next Entry, source string) {
	d.mu.Lock()
	prev, existed := d.statuses[id]
	var prevStatus Status
	if existed {
		prevStatus = prev.Status
		if next.Title == "" {
			next.Title = prev.Title
		}
		if next.Tool == "" {
			next.Tool = prev.Tool
		}
		if next.Summary == "" && next.Status != StatusIdle {
			next.Summary = prev.Summary
		}
	}
	if existed && prevStatus == next.Status {
		// Refresh metadata but publish nothing.
		next.UpdatedAt = prev.UpdatedAt
		d.statuses[id] = &next
		d.mu.Unlock()
		return
	}
	next.UpdatedAt = time.Now()
	d.statuses[id] = &next
	d.mu.Unlock()

	detectorLog.Info("status_changed",
		slog.String("session", id),
		slog.String("from", string(prevStatus)),
		slog.String("to", string(next.Status)),
		slog.String("source", source))

	change := Change{
		SessionID: id,
		Previous:  prevStatus,
		New:       next.Status,
		Title:     next.Title,
		Tool:      next.Tool,
		Summary:   next.Summary,
		Options:   next.Options,
		At:        next.UpdatedAt,
	}
	d.notify(change)
	d.record(change, source)
}

// remove deletes the session and emits a distinct removal notification.
func (d *Detector) remove(id, title, tool string) {
	d.mu.Lock()
	prev, existed := d.statuses[id]
	if !existed {
		d.mu.Unlock()
		return
	}
	prevStatus := prev.Status
	if title == "" {
		title = prev.Title
	}
	if tool == "" {
		tool = prev.Tool
	}
	delete(d.statuses, id)
	d.mu.Unlock()

	detectorLog.Info("session_removed", slog.String("session", id))

	change := Change{
		SessionID: id,
		Previous:  prevStatus,
		Title:     title,
		Tool:      tool,
		Removed:   true,
		At:        time.Now(),
	}
	d.notify(change)
	d.record(change, "removed")
}

func (d *Detector) notify(c Change) {
	d.subsMu.RLock()
	subs := d.subscribers
	d.subsMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

func (d *Detector) record(c Change, source string) {
	if d.journal == nil {
		return
	}
	// Transient analyzing states would flood the journal without telling
	// anyone anything; only durable statuses and removals are kept.
	if c.New == StatusAnalyzing {
		return
	}
	to := string(c.New)
	if c.Removed {
		to = "removed"
	}
	err := d.journal.Append(history.Transition{
		SessionID: c.SessionID,
		Title:     c.Title,
		Tool:      c.Tool,
		From:      string(c.Previous),
		To:        to,
		Source:    source,
		Summary:   c.Summary,
		At:        c.At,
	})
	if err != nil {
		detectorLog.Warn("journal_append_failed",
			slog.String("session", c.SessionID),
			slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
