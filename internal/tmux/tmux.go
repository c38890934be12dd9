package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/twistedxcom/panewatch/internal/logging"
)

var samplerLog = logging.ForComponent(logging.CompSampler)

// ErrNotFound is returned when the target pane no longer exists.
// Callers should attempt a rebind before treating the session as gone.
var ErrNotFound = errors.New("tmux session not found")

// ErrCaptureTimeout is returned when capture-pane exceeds its deadline.
// Callers should keep the previous state rather than transitioning.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// SessionPrefix marks tmux sessions managed by panewatch.
const SessionPrefix = "panewatch_"

// captureCacheTTL bounds how often we actually shell out per pane.
// Multiple consumers polling the same pane within the TTL share one capture.
const captureCacheTTL = 500 * time.Millisecond

// LiveSession is one row from `tmux list-sessions`.
type LiveSession struct {
	Name  string
	Title string // stable label stored in the session's @pw_title option
}

// Pane samples the visible content of one tmux session.
// The logical ID is stable; the Target (tmux session name) may be swapped
// by Rebind when the underlying session is recreated.
type Pane struct {
	ID    string
	Title string

	mu     sync.RWMutex
	target string

	cacheMu      sync.RWMutex
	cacheContent string
	cacheTime    time.Time

	captureSf singleflight.Group
}

// NewPane creates a sampler for the given logical session.
func NewPane(id, target, title string) *Pane {
	return &Pane{ID: id, Title: title, target: target}
}

// Target returns the current physical tmux session name.
func (p *Pane) Target() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target
}

// Capture returns the last `lines` lines of visible pane content.
// Cached for a short window and deduplicated via singleflight so high
// frequency polling never stacks up capture-pane subprocesses.
func (p *Pane) Capture(ctx context.Context, lines int) (string, error) {
	p.cacheMu.RLock()
	if p.cacheContent != "" && time.Since(p.cacheTime) < captureCacheTTL {
		content := p.cacheContent
		p.cacheMu.RUnlock()
		logging.Aggregate(logging.CompSampler, "capture_cache_hit")
		return content, nil
	}
	p.cacheMu.RUnlock()

	v, err, _ := p.captureSf.Do("capture", func() (interface{}, error) {
		// Double-check under singleflight.
		p.cacheMu.RLock()
		if p.cacheContent != "" && time.Since(p.cacheTime) < captureCacheTTL {
			content := p.cacheContent
			p.cacheMu.RUnlock()
			return content, nil
		}
		p.cacheMu.RUnlock()

		content, err := p.captureOnce(ctx, lines)
		if err != nil {
			return "", err
		}

		p.cacheMu.Lock()
		p.cacheContent = content
		p.cacheTime = time.Now()
		p.cacheMu.Unlock()
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Pane) captureOnce(ctx context.Context, lines int) (string, error) {
	if lines <= 0 {
		lines = 60
	}
	target := p.Target()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	// -J joins wrapped lines so pattern matching doesn't break on resize.
	cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", target,
		"-p", "-J", "-S", "-"+strconv.Itoa(lines))
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", ErrCaptureTimeout
		}
		if isMissingTarget(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("capture pane %s: %w", target, err)
	}
	return string(output), nil
}

// isMissingTarget reports whether a tmux error means the pane is gone.
// tmux prints "can't find session" / "can't find pane" to stderr and exits 1.
func isMissingTarget(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	stderr := strings.ToLower(string(exitErr.Stderr))
	return strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "can't find pane") ||
		strings.Contains(stderr, "can't find window") ||
		strings.Contains(stderr, "no server running")
}

// InvalidateCache discards the cached capture so the next call re-samples.
func (p *Pane) InvalidateCache() {
	p.cacheMu.Lock()
	p.cacheContent = ""
	p.cacheTime = time.Time{}
	p.cacheMu.Unlock()
}

// Rebind tries to re-attach the pane to a live session with the same title.
// Returns true when a replacement target was found. The session list comes
// from one ListSessions call per reconcile pass, shared by all panes.
func (p *Pane) Rebind(live []LiveSession) bool {
	if p.Title == "" {
		return false
	}
	for _, s := range live {
		if s.Title == p.Title || strings.HasSuffix(s.Name, sanitizeTitle(p.Title)) {
			p.mu.Lock()
			old := p.target
			p.target = s.Name
			p.mu.Unlock()
			p.InvalidateCache()
			samplerLog.Info("pane_rebound",
				slog.String("id", p.ID),
				slog.String("old_target", old),
				slog.String("new_target", s.Name))
			return true
		}
	}
	return false
}

// ListSessions returns all live tmux sessions with their stable titles.
// One subprocess per call; callers should invoke it once per tick, not per pane.
func ListSessions() ([]LiveSession, error) {
	cmd := exec.Command("tmux", "list-sessions", "-F", "#{session_name}\t#{@pw_title}")
	output, err := cmd.Output()
	if err != nil {
		if isMissingTarget(err) {
			return nil, nil // no server means no sessions, not an error
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return parseSessionList(string(output)), nil
}

func parseSessionList(output string) []LiveSession {
	var sessions []LiveSession
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		name, title, _ := strings.Cut(line, "\t")
		if name == "" {
			continue
		}
		sessions = append(sessions, LiveSession{Name: name, Title: title})
	}
	return sessions
}

// sanitizeTitle converts a title to the form embedded in managed session names.
func sanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('_')
		}
	}
	return b.String()
}
