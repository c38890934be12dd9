package monitor

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/twistedxcom/panewatch/internal/bus"
	"github.com/twistedxcom/panewatch/internal/detect"
	"github.com/twistedxcom/panewatch/internal/logging"
	"github.com/twistedxcom/panewatch/internal/tmux"
)

var workerLog = logging.ForComponent(logging.CompWorker)

// Sampler abstracts pane content capture so workers are testable without
// a live tmux server. *tmux.Pane is the production implementation.
type Sampler interface {
	Capture(ctx context.Context, lines int) (string, error)
	Rebind(live []tmux.LiveSession) bool
	Target() string
}

// Lister returns the live tmux session list, shared by rebind attempts.
type Lister func() ([]tmux.LiveSession, error)

// worker lifecycle states. Analysis itself is owned by the detector, not the
// worker: between requesting an escalation and the detector resolving it the
// worker sits in stateAwaitingEscalation, so there is no analyzing state here.
type workerState int32

const (
	stateStarting workerState = iota
	stateSampling
	stateAwaitingEscalation
	stateStopped
)

// consecutive unexpected capture errors before the worker gives up.
const maxCaptureErrors = 5

// Worker polls one session: sample, classify, debounce, publish.
// All per-session state (stability window, content hash, escalation flag)
// lives here and dies with the worker.
type Worker struct {
	spec       Spec
	pane       Sampler
	classifier *detect.Classifier
	window     *detect.Window
	bus        *bus.Bus
	list       Lister

	interval time.Duration
	lines    int

	state atomic.Int32

	cancel context.CancelFunc
	done   chan struct{}

	// poll-loop-only state, no locking needed
	tool        string
	lastHash    [32]byte
	lastVerdict detect.Verdict
	hadNonIdle  bool
	escalated   bool
	errStreak   int
}

func newWorker(spec Spec, pane Sampler, classifier *detect.Classifier, b *bus.Bus, list Lister, interval time.Duration, lines, windowSize int) *Worker {
	return &Worker{
		spec:        spec,
		pane:        pane,
		classifier:  classifier,
		window:      detect.NewWindow(windowSize, detect.VerdictIdle),
		bus:         b,
		list:        list,
		interval:    interval,
		lines:       lines,
		tool:        spec.Tool,
		lastVerdict: detect.VerdictIdle,
		done:        make(chan struct{}),
	}
}

// start launches the poll loop. When gate is non-nil the loop waits for it
// to close first; the pool uses this to keep a replacement worker from
// publishing before its predecessor for the same session has fully exited.
func (w *Worker) start(parent context.Context, gate <-chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go func() {
		if gate != nil {
			<-gate
		}
		w.run(ctx)
	}()
}

// stop requests termination and waits for the poll loop to exit.
func (w *Worker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.state.Store(int32(stateStopped))

	workerLog.Info("worker_started",
		slog.String("session", w.spec.ID),
		slog.String("target", w.pane.Target()))

	for {
		// Jittered sleep so a large pool doesn't sample tmux in lockstep.
		select {
		case <-ctx.Done():
			workerLog.Debug("worker_cancelled", slog.String("session", w.spec.ID))
			return
		case <-time.After(jitter(w.interval)):
		}

		if !w.tick(ctx) {
			return
		}
	}
}

// tick runs one poll cycle. Returns false when the worker should terminate.
func (w *Worker) tick(ctx context.Context) bool {
	logging.Aggregate(logging.CompWorker, "poll_tick")

	content, err := w.pane.Capture(ctx, w.lines)
	switch {
	case err == nil:
		w.errStreak = 0
	case errors.Is(err, tmux.ErrNotFound):
		return w.handleNotFound()
	case errors.Is(err, tmux.ErrCaptureTimeout):
		// Transient: keep previous state, retry next tick.
		logging.Aggregate(logging.CompWorker, "capture_timeout")
		return true
	case errors.Is(err, context.Canceled):
		return false
	default:
		w.errStreak++
		if w.errStreak >= maxCaptureErrors {
			workerLog.Error("worker_giving_up",
				slog.String("session", w.spec.ID),
				slog.String("error", err.Error()))
			w.bus.Publish(bus.Event{
				Kind:      bus.KindWorkerError,
				SessionID: w.spec.ID,
				Title:     w.spec.Title,
				Err:       err,
			})
			w.publishRemoved()
			return false
		}
		workerLog.Debug("capture_error",
			slog.String("session", w.spec.ID),
			slog.String("error", err.Error()))
		return true
	}

	if workerState(w.state.Load()) == stateStarting {
		w.state.Store(int32(stateSampling))
	}

	if w.tool == "" {
		w.tool = detect.DetectTool(content)
		workerLog.Info("tool_detected",
			slog.String("session", w.spec.ID),
			slog.String("tool", w.tool))
	}

	// Skip re-classification when the pane hasn't changed; reuse the last
	// verdict so the stability window still advances.
	hash := sha256.Sum256([]byte(content))
	verdict := w.lastVerdict
	if hash != w.lastHash {
		verdict = w.classifier.Classify(content, w.tool)
		w.lastHash = hash
		w.lastVerdict = verdict
	} else {
		logging.Aggregate(logging.CompWorker, "content_unchanged")
	}

	stable, changed := w.window.Push(verdict)
	if changed {
		w.onStableChange(stable, content)
	} else if w.shouldEscalate() {
		w.escalate(content)
	}
	return true
}

// onStableChange handles a debounced verdict transition.
func (w *Worker) onStableChange(stable detect.Verdict, content string) {
	switch stable {
	case detect.VerdictWorking, detect.VerdictWaiting:
		// High-confidence local signal: publish directly.
		w.hadNonIdle = true
		w.escalated = false
		w.state.Store(int32(stateSampling))
		w.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChange,
			SessionID: w.spec.ID,
			Title:     w.spec.Title,
			Tool:      w.tool,
			Status:    string(statusFromVerdict(stable)),
		})
	case detect.VerdictIdle:
		// Not a self-published idle: wait for the window to saturate,
		// then request authoritative disambiguation.
	}
}

// shouldEscalate reports whether this tick should request remote analysis:
// the idle candidate has persisted for a whole window, the session was
// previously non-idle, and no escalation is already in flight.
func (w *Worker) shouldEscalate() bool {
	return w.window.Published() == detect.VerdictIdle &&
		w.window.Saturated() &&
		w.hadNonIdle &&
		!w.escalated
}

func (w *Worker) escalate(content string) {
	w.escalated = true
	w.hadNonIdle = false
	w.state.Store(int32(stateAwaitingEscalation))
	workerLog.Debug("escalation_requested", slog.String("session", w.spec.ID))
	w.bus.Publish(bus.Event{
		Kind:      bus.KindAnalysisNeeded,
		SessionID: w.spec.ID,
		Title:     w.spec.Title,
		Tool:      w.tool,
		Snapshot:  content,
	})
}

// handleNotFound attempts a rebind; if no same-titled session exists among
// the live set, the session is confirmed gone and the worker terminates.
func (w *Worker) handleNotFound() bool {
	live, err := w.list()
	if err != nil {
		workerLog.Debug("rebind_list_failed",
			slog.String("session", w.spec.ID),
			slog.String("error", err.Error()))
		// Can't confirm the session is gone; treat as transient.
		return true
	}
	if w.pane.Rebind(live) {
		workerLog.Info("worker_rebound",
			slog.String("session", w.spec.ID),
			slog.String("target", w.pane.Target()))
		return true
	}

	workerLog.Info("session_gone", slog.String("session", w.spec.ID))
	w.publishRemoved()
	return false
}

func (w *Worker) publishRemoved() {
	w.bus.Publish(bus.Event{
		Kind:      bus.KindSessionRemoved,
		SessionID: w.spec.ID,
		Title:     w.spec.Title,
		Tool:      w.tool,
	})
}

// jitter spreads ticks by ±10% of the base interval.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		d = 1500 * time.Millisecond
	}
	spread := int64(d) / 10
	return d + time.Duration(rand.Int63n(2*spread+1)-spread)
}
