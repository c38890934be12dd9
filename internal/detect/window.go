package detect

// DefaultWindowSize is the verdict history length used for debouncing.
const DefaultWindowSize = 4

// Window debounces noisy instantaneous verdicts into a stable one.
// It keeps the last K verdicts and only moves the published verdict when a
// different verdict holds an uncontested majority (at least 2 occurrences,
// strictly more than any other verdict) within the window. A single outlier
// can never flip the published verdict, and a tied window never moves it:
// an alternating A,B,A,B input stays on whatever was published before.
//
// Each monitored session owns its own Window; there is no shared state.
type Window struct {
	size      int
	history   []Verdict
	published Verdict
}

// NewWindow creates a window of the given size publishing `initial` until a
// majority says otherwise. Sizes outside 3..4 are clamped to the default.
func NewWindow(size int, initial Verdict) *Window {
	if size < 3 || size > 4 {
		size = DefaultWindowSize
	}
	return &Window{size: size, published: initial}
}

// Published returns the current debounced verdict.
func (w *Window) Published() Verdict {
	return w.published
}

// Push records a verdict and reports whether the published verdict changed.
// The returned verdict is only meaningful when changed is true.
func (w *Window) Push(v Verdict) (stable Verdict, changed bool) {
	w.history = append(w.history, v)
	if len(w.history) > w.size {
		w.history = w.history[1:]
	}

	winner, count, contested := w.majority()
	if count < 2 || contested || winner == w.published {
		return w.published, false
	}

	w.published = winner
	return winner, true
}

// Saturated reports whether the window is full of the published verdict,
// i.e. the condition has persisted for a whole window. Workers use this to
// decide that an idle candidate is worth escalating.
func (w *Window) Saturated() bool {
	if len(w.history) < w.size {
		return false
	}
	for _, v := range w.history {
		if v != w.published {
			return false
		}
	}
	return true
}

// Reset clears the history, keeping the published verdict.
func (w *Window) Reset() {
	w.history = w.history[:0]
}

// majority returns the most frequent verdict in the window, its count, and
// whether another verdict ties it. A contested majority never flips the
// published verdict.
func (w *Window) majority() (Verdict, int, bool) {
	counts := make(map[Verdict]int, 3)
	for _, v := range w.history {
		counts[v]++
	}
	var winner Verdict
	best := 0
	contested := false
	for v, n := range counts {
		switch {
		case n > best:
			winner, best = v, n
			contested = false
		case n == best:
			contested = true
		}
	}
	return winner, best, contested
}
