package detect

import (
	"strings"
	"sync"

	"github.com/twistedxcom/panewatch/internal/tmux"
)

// Verdict is an instantaneous classification of one pane snapshot.
type Verdict string

const (
	// VerdictWorking means the agent is actively producing output.
	VerdictWorking Verdict = "working"
	// VerdictWaiting means the agent is blocked on user input.
	VerdictWaiting Verdict = "waiting"
	// VerdictIdle means no strong signal either way. It is a candidate
	// for escalation, not a final answer.
	VerdictIdle Verdict = "idle"
)

// recentLineCount bounds how much of the snapshot tail the heuristic reads.
const recentLineCount = 12

// Classifier maps pane snapshots to verdicts using per-tool pattern tables.
// Classification is deterministic and side-effect free; all state is the
// pattern tables themselves, which may be swapped at runtime (config reload).
type Classifier struct {
	mu       sync.RWMutex
	patterns map[string]*Patterns
}

// NewClassifier builds a classifier with default patterns for the known tools.
func NewClassifier() *Classifier {
	c := &Classifier{patterns: make(map[string]*Patterns)}
	for _, tool := range []string{"claude", "codex", "gemini", "opencode", "shell"} {
		if p, err := Compile(DefaultRawPatterns(tool)); err == nil {
			c.patterns[tool] = p
		}
	}
	return c
}

// SetPatterns replaces the pattern table for one tool.
func (c *Classifier) SetPatterns(tool string, p *Patterns) {
	c.mu.Lock()
	c.patterns[strings.ToLower(tool)] = p
	c.mu.Unlock()
}

func (c *Classifier) patternsFor(tool string) *Patterns {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.patterns[strings.ToLower(tool)]; ok {
		return p
	}
	return c.patterns["shell"]
}

// Classify evaluates one snapshot. Activity patterns win over everything;
// attention patterns are only consulted when nothing is working; anything
// else is an idle candidate.
func (c *Classifier) Classify(content, tool string) Verdict {
	p := c.patternsFor(tool)
	if p == nil {
		return VerdictIdle
	}

	clean := tmux.StripANSI(content)
	recent := lastNonEmptyLines(clean, recentLineCount)
	recentJoined := strings.Join(recent, "\n")
	recentLower := strings.ToLower(recentJoined)

	// Family 1: interruptible work in progress.
	if p.matchActivity(recentJoined, recentLower) {
		return VerdictWorking
	}
	if spinnerInRecent(recent, p.SpinnerChars) {
		return VerdictWorking
	}

	// Family 2: the agent is asking for something.
	if p.matchAttention(clean) {
		return VerdictWaiting
	}
	if genericAttention(recent) {
		return VerdictWaiting
	}

	return VerdictIdle
}

// lastNonEmptyLines returns up to n trailing non-blank lines in order.
func lastNonEmptyLines(content string, n int) []string {
	lines := strings.Split(content, "\n")
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			out = append([]string{lines[i]}, out...)
		}
	}
	return out
}

// spinnerInRecent checks recent lines for live spinner characters,
// skipping box-drawing border lines which reuse some of the same runes.
func spinnerInRecent(recent []string, spinners []string) bool {
	if len(spinners) == 0 {
		return false
	}
	for _, line := range recent {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isBorderRune([]rune(trimmed)[0]) {
			continue
		}
		for _, ch := range spinners {
			if strings.Contains(line, ch) {
				return true
			}
		}
	}
	return false
}

func isBorderRune(r rune) bool {
	switch r {
	case '│', '├', '└', '─', '┌', '┐', '┘', '┤', '┬', '┴', '┼', '╭', '╰', '╮', '╯':
		return true
	}
	return false
}

// genericAttention catches tool-agnostic waiting signals: trailing question
// marks, yes/no prompts, permission wording, and an empty bordered input box.
func genericAttention(recent []string) bool {
	if len(recent) == 0 {
		return false
	}

	last := strings.TrimSpace(recent[len(recent)-1])
	if strings.HasSuffix(last, "?") {
		return true
	}

	yesNo := []string{"(Y/n)", "(y/N)", "[Y/n]", "[y/N]", "(yes/no)", "[yes/no]"}
	confirm := []string{"Continue?", "Proceed?", "Approve this plan?", "permission", "approval", "confirmation"}
	recentJoined := strings.Join(recent, "\n")
	recentLower := strings.ToLower(recentJoined)
	for _, pat := range yesNo {
		if strings.Contains(recentJoined, pat) {
			return true
		}
	}
	for _, pat := range confirm {
		if strings.Contains(recentLower, strings.ToLower(pat)) {
			return true
		}
	}

	// Bordered input box with an empty prompt: "│ > │" or a bare ">"/"❯"
	// as the last meaningful content.
	for _, line := range recent {
		clean := strings.ReplaceAll(strings.TrimSpace(line), " ", " ")
		inner := clean
		if strings.HasPrefix(inner, "│") && strings.HasSuffix(inner, "│") && len(inner) > 2 {
			inner = strings.TrimSpace(strings.Trim(inner, "│"))
		}
		if inner == ">" || inner == "❯" {
			return true
		}
	}

	return false
}
