package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twistedxcom/panewatch/internal/bus"
	"github.com/twistedxcom/panewatch/internal/classify"
	"github.com/twistedxcom/panewatch/internal/detect"
	"github.com/twistedxcom/panewatch/internal/history"
)

// fakeAnalyzer scripts the remote classification boundary.
type fakeAnalyzer struct {
	mu    sync.Mutex
	res   classify.Result
	err   error
	block bool // when true, Analyze waits for ctx cancellation
	calls int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, snapshot string, wasIdle bool) (classify.Result, error) {
	f.mu.Lock()
	f.calls++
	res, err, block := f.res, f.err, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return classify.Result{State: classify.StateOpenPrompt}, ctx.Err()
	}
	return res, err
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memJournal records transitions in memory.
type memJournal struct {
	mu          sync.Mutex
	transitions []history.Transition
}

func (j *memJournal) Append(t history.Transition) error {
	j.mu.Lock()
	j.transitions = append(j.transitions, t)
	j.mu.Unlock()
	return nil
}

func (j *memJournal) all() []history.Transition {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]history.Transition, len(j.transitions))
	copy(out, j.transitions)
	return out
}

type detectorFixture struct {
	bus      *bus.Bus
	detector *Detector
	analyzer *fakeAnalyzer
	journal  *memJournal

	mu      sync.Mutex
	changes []Change
}

func newDetectorFixture(t *testing.T, opts ...Option) *detectorFixture {
	t.Helper()
	f := &detectorFixture{
		bus:      bus.New(),
		analyzer: &fakeAnalyzer{res: classify.Result{State: classify.StateOpenPrompt}},
		journal:  &memJournal{},
	}
	pool := NewPool(PoolConfig{Interval: time.Hour}, f.bus, detect.NewClassifier())
	pool.SetLister(emptyLister)

	opts = append([]Option{WithJournal(f.journal)}, opts...)
	f.detector = NewDetector(f.bus, pool, f.analyzer, opts...)
	f.detector.Start()
	f.detector.Subscribe(func(c Change) {
		f.mu.Lock()
		f.changes = append(f.changes, c)
		f.mu.Unlock()
	})
	t.Cleanup(func() {
		f.detector.Shutdown()
		f.bus.Close()
	})
	return f
}

func (f *detectorFixture) awaitStatus(t *testing.T, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, ok := f.detector.GetAll()[id]
		return ok && e.Status == want
	}, 3*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}

func (f *detectorFixture) changeLog() []Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Change, len(f.changes))
	copy(out, f.changes)
	return out
}

func TestDetectorAppliesStatusChange(t *testing.T) {
	f := newDetectorFixture(t)

	f.bus.Publish(bus.Event{
		Kind: bus.KindStatusChange, SessionID: "s1",
		Title: "demo", Tool: "claude", Status: "working",
	})
	f.awaitStatus(t, "s1", StatusWorking)

	e := f.detector.GetAll()["s1"]
	assert.Equal(t, "demo", e.Title)
	assert.Equal(t, "claude", e.Tool)
}

func TestDetectorSameStatusNotRepublished(t *testing.T) {
	f := newDetectorFixture(t)

	for i := 0; i < 3; i++ {
		f.bus.Publish(bus.Event{Kind: bus.KindStatusChange, SessionID: "s1", Status: "working"})
	}
	f.awaitStatus(t, "s1", StatusWorking)
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, f.changeLog(), 1, "repeated identical statuses must notify once")
}

func TestDetectorAnalysisOptionDialogMeansWaiting(t *testing.T) {
	f := newDetectorFixture(t)
	f.analyzer.res = classify.Result{
		State: classify.StateOptionDialog,
		Options: &classify.OptionSet{
			Question: "Apply the edit?",
			Options:  []classify.Option{{Label: "Yes", Keys: "1"}},
		},
	}

	f.bus.Publish(bus.Event{Kind: bus.KindAnalysisNeeded, SessionID: "s1", Snapshot: "dialog"})
	f.awaitStatus(t, "s1", StatusWaiting)

	e := f.detector.GetAll()["s1"]
	require.NotNil(t, e.Options)
	assert.Equal(t, "Apply the edit?", e.Options.Question)
}

func TestDetectorDialogWithoutOptionsStillWaiting(t *testing.T) {
	f := newDetectorFixture(t)
	// The state stage saw a dialog but the options stage failed: the needs
	// attention signal must survive, just without an options payload.
	f.analyzer.res = classify.Result{State: classify.StateOptionDialog}
	f.analyzer.err = classify.ErrMalformed

	f.bus.Publish(bus.Event{Kind: bus.KindAnalysisNeeded, SessionID: "s1", Snapshot: "dialog"})
	f.awaitStatus(t, "s1", StatusWaiting)
	assert.Nil(t, f.detector.GetAll()["s1"].Options)
}

func TestDetectorAnalysisDefaultsToIdle(t *testing.T) {
	f := newDetectorFixture(t)
	f.analyzer.res = classify.Result{State: classify.StateOpenPrompt, Summary: "All tests pass."}

	f.bus.Publish(bus.Event{Kind: bus.KindAnalysisNeeded, SessionID: "s1", Snapshot: "quiet"})
	f.awaitStatus(t, "s1", StatusIdle)
	assert.Equal(t, "All tests pass.", f.detector.GetAll()["s1"].Summary)
}

func TestDetectorNoCredentialFallsBackSilently(t *testing.T) {
	f := newDetectorFixture(t)
	f.analyzer.res = classify.Result{State: classify.StateOpenPrompt}
	f.analyzer.err = classify.ErrUnavailable

	f.bus.Publish(bus.Event{Kind: bus.KindAnalysisNeeded, SessionID: "s1", Snapshot: "quiet"})
	f.awaitStatus(t, "s1", StatusIdle)
}

func TestDetectorAnalyzingIsTransient(t *testing.T) {
	f := newDetectorFixture(t)
	f.analyzer.block = true

	f.bus.Publish(bus.Event{Kind: bus.KindAnalysisNeeded, SessionID: "s1", Snapshot: "quiet"})
	f.awaitStatus(t, "s1", StatusAnalyzing)
}

func TestDetectorFreshEvidenceCancelsAnalysis(t *testing.T) {
	f := newDetectorFixture(t)
	f.analyzer.block = true

	f.bus.Publish(bus.Event{Kind: bus.KindAnalysisNeeded, SessionID: "s1", Snapshot: "quiet"})
	f.awaitStatus(t, "s1", StatusAnalyzing)

	// The worker sees new activity: the in-flight analysis is cancelled and
	// its (stale) result must never overwrite the fresh status.
	f.bus.Publish(bus.Event{Kind: bus.KindStatusChange, SessionID: "s1", Status: "working"})
	f.awaitStatus(t, "s1", StatusWorking)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusWorking, f.detector.GetAll()["s1"].Status)
}

func TestDetectorAnalysisCeiling(t *testing.T) {
	f := newDetectorFixture(t, WithAnalysisCeiling(50*time.Millisecond))
	f.analyzer.block = true

	f.bus.Publish(bus.Event{Kind: bus.KindAnalysisNeeded, SessionID: "s1", Snapshot: "quiet"})
	// The ceiling expires the blocked analysis; the session must not stay
	// wedged in analyzing.
	f.awaitStatus(t, "s1", StatusIdle)
}

func TestDetectorAtMostOneAnalysisPerSession(t *testing.T) {
	f := newDetectorFixture(t)
	f.analyzer.block = true

	f.bus.Publish(bus.Event{Kind: bus.KindAnalysisNeeded, SessionID: "s1", Snapshot: "a"})
	f.awaitStatus(t, "s1", StatusAnalyzing)
	f.bus.Publish(bus.Event{Kind: bus.KindAnalysisNeeded, SessionID: "s1", Snapshot: "b"})

	require.Eventually(t, func() bool {
		return f.analyzer.callCount() == 2
	}, 3*time.Second, 5*time.Millisecond)
	// Both analyses ran, but the first was cancelled before the second began;
	// the map never held two live analyses for one session.
	assert.Equal(t, StatusAnalyzing, f.detector.GetAll()["s1"].Status)
}

func TestDetectorSessionRemoved(t *testing.T) {
	f := newDetectorFixture(t)

	f.bus.Publish(bus.Event{Kind: bus.KindStatusChange, SessionID: "s1", Title: "demo", Status: "working"})
	f.awaitStatus(t, "s1", StatusWorking)

	f.bus.Publish(bus.Event{Kind: bus.KindSessionRemoved, SessionID: "s1", Title: "demo"})
	require.Eventually(t, func() bool {
		_, ok := f.detector.GetAll()["s1"]
		return !ok
	}, 3*time.Second, 5*time.Millisecond)

	changes := f.changeLog()
	last := changes[len(changes)-1]
	assert.True(t, last.Removed)
	assert.Equal(t, "demo", last.Title)
}

func TestDetectorRemoveUnknownSessionIsNoop(t *testing.T) {
	f := newDetectorFixture(t)

	f.bus.Publish(bus.Event{Kind: bus.KindSessionRemoved, SessionID: "ghost"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.changeLog())
}

func TestDetectorJournalSkipsAnalyzing(t *testing.T) {
	f := newDetectorFixture(t)
	f.analyzer.res = classify.Result{State: classify.StateOpenPrompt}

	f.bus.Publish(bus.Event{Kind: bus.KindStatusChange, SessionID: "s1", Status: "working"})
	f.awaitStatus(t, "s1", StatusWorking)
	f.bus.Publish(bus.Event{Kind: bus.KindAnalysisNeeded, SessionID: "s1", Snapshot: "quiet"})
	f.awaitStatus(t, "s1", StatusIdle)

	for _, tr := range f.journal.all() {
		assert.NotEqual(t, string(StatusAnalyzing), tr.To, "transient analyzing must not hit the journal")
	}
	transitions := f.journal.all()
	require.NotEmpty(t, transitions)
	assert.Equal(t, "idle", transitions[len(transitions)-1].To)
	assert.Equal(t, "remote", transitions[len(transitions)-1].Source)
}

func TestDetectorSubscribeReturnsSnapshot(t *testing.T) {
	f := newDetectorFixture(t)

	f.bus.Publish(bus.Event{Kind: bus.KindStatusChange, SessionID: "s1", Status: "working"})
	f.awaitStatus(t, "s1", StatusWorking)

	snap := f.detector.Subscribe(func(Change) {})
	require.Contains(t, snap, "s1")
	assert.Equal(t, StatusWorking, snap["s1"].Status)
}
