package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/twistedxcom/panewatch/internal/bus"
	"github.com/twistedxcom/panewatch/internal/detect"
	"github.com/twistedxcom/panewatch/internal/logging"
	"github.com/twistedxcom/panewatch/internal/tmux"
)

var poolLog = logging.ForComponent(logging.CompPool)

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	// Interval is the base poll interval (default 1.5s, jittered per tick).
	Interval time.Duration
	// Lines is how many trailing pane lines each sample captures.
	Lines int
	// WindowSize is the stability window length (3 or 4).
	WindowSize int
}

func (c *PoolConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 1500 * time.Millisecond
	}
	if c.Lines <= 0 {
		c.Lines = 60
	}
	if c.WindowSize <= 0 {
		c.WindowSize = detect.DefaultWindowSize
	}
}

// Pool reconciles the running worker set against the desired session list.
// One worker per monitored session; workers own their stability windows, so
// the pool is careful never to restart a worker whose spec hasn't changed.
type Pool struct {
	cfg        PoolConfig
	bus        *bus.Bus
	classifier *detect.Classifier
	lister     Lister

	// newSampler is swappable for tests.
	newSampler func(Spec) Sampler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	workers  map[string]*Worker
	draining map[string]*Worker
	closed   bool
}

// NewPool creates a pool publishing to b.
func NewPool(cfg PoolConfig, b *bus.Bus, classifier *detect.Classifier) *Pool {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		bus:        b,
		classifier: classifier,
		lister:     tmux.ListSessions,
		newSampler: func(s Spec) Sampler {
			return tmux.NewPane(s.ID, s.Target, s.Title)
		},
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*Worker),
		draining: make(map[string]*Worker),
	}
}

// SetSamplerFactory overrides pane construction (tests).
func (p *Pool) SetSamplerFactory(f func(Spec) Sampler) { p.newSampler = f }

// SetLister overrides the live-session lister (tests).
func (p *Pool) SetLister(l Lister) { p.lister = l }

// Reconcile computes the symmetric difference between desired and running
// and starts/stops workers accordingly. Idempotent: calling it repeatedly
// with an unchanged set is a no-op and preserves every worker's window.
func (p *Pool) Reconcile(desired []Spec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	want := make(map[string]Spec, len(desired))
	for _, spec := range desired {
		if spec.ID == "" {
			continue
		}
		want[spec.ID] = spec
	}

	var started, stopped []string

	// Stop workers for sessions that left the desired set. The worker's
	// state (window, hashes) is discarded with it. stop() blocks on the
	// poll loop, so it runs off the lock; the draining record lets a later
	// Reconcile gate a same-ID replacement on the old loop's exit.
	for id, w := range p.workers {
		if _, ok := want[id]; ok {
			continue
		}
		delete(p.workers, id)
		p.draining[id] = w
		stopped = append(stopped, id)
		go func(id string, w *Worker) {
			w.stop()
			p.mu.Lock()
			if p.draining[id] == w {
				delete(p.draining, id)
			}
			p.mu.Unlock()
		}(id, w)
	}

	// Start workers for newly desired sessions. A replacement for a still
	// draining worker starts only after its predecessor has exited, so two
	// workers never publish for the same session.
	for id, spec := range want {
		if _, running := p.workers[id]; running {
			continue
		}
		var gate <-chan struct{}
		if old, ok := p.draining[id]; ok {
			gate = old.done
		}
		w := newWorker(spec, p.newSampler(spec), p.classifier, p.bus, p.lister,
			p.cfg.Interval, p.cfg.Lines, p.cfg.WindowSize)
		p.workers[id] = w
		w.start(p.ctx, gate)
		started = append(started, id)
	}

	if len(started) > 0 || len(stopped) > 0 {
		sort.Strings(started)
		sort.Strings(stopped)
		poolLog.Info("pool_reconciled",
			slog.Int("running", len(p.workers)),
			slog.Any("started", started),
			slog.Any("stopped", stopped))
	}
}

// Running returns the IDs of sessions with live workers, sorted.
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// forget drops the pool's record of a worker that terminated itself
// (session gone). Safe to call for unknown IDs.
func (p *Pool) forget(id string) {
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
}

// Shutdown stops every worker and waits for their poll loops to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers)+len(p.draining))
	for id, w := range p.workers {
		workers = append(workers, w)
		delete(p.workers, id)
	}
	for id, w := range p.draining {
		workers = append(workers, w)
		delete(p.draining, id)
	}
	p.mu.Unlock()

	p.cancel()
	for _, w := range workers {
		<-w.done
	}
	poolLog.Info("pool_stopped", slog.Int("workers", len(workers)))
}
