// Package classify escalates inconclusive heuristic verdicts to a remote
// chat-completion endpoint. Three stages run against the same snapshot:
// state (what kind of screen is this), options (parse a choice dialog),
// and summary (what did the agent last say). Every stage is cancellable,
// individually timed out, and falls back to a safe default on any failure.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/twistedxcom/panewatch/internal/logging"
)

var classifyLog = logging.ForComponent(logging.CompClassify)

// Sentinel errors. ErrUnavailable (no credential) is an expected condition,
// not worth a warning; the rest are logged by callers at warning level.
var (
	ErrUnavailable = errors.New("classifier unavailable: no credential configured")
	ErrTimeout     = errors.New("classifier stage timed out")
	ErrMalformed   = errors.New("classifier returned malformed payload")
)

// PaneState is the stage-1 classification of a snapshot.
type PaneState string

const (
	// StateOptionDialog means the agent is presenting selectable choices.
	StateOptionDialog PaneState = "option-dialog"
	// StateInProgress means the agent is still working.
	StateInProgress PaneState = "in-progress"
	// StateOpenPrompt is the safe default: nothing needs doing.
	StateOpenPrompt PaneState = "open-prompt"
)

// Option is one selectable action in a choice dialog.
type Option struct {
	Label string `json:"label"`
	Keys  string `json:"keys"` // literal key sequence that selects it
}

// OptionSet is the parsed stage-2 payload.
type OptionSet struct {
	Question string   `json:"question"`
	Options  []Option `json:"options"`
	Risky    bool     `json:"risky,omitempty"`
}

// Result is the outcome of a full staged analysis.
type Result struct {
	State   PaneState
	Options *OptionSet // populated when State == StateOptionDialog
	Summary string     // populated when State == StateOpenPrompt
}

// Config holds classifier settings.
type Config struct {
	Endpoint     string        // chat-completions URL
	Model        string
	APIKey       string        // empty means unavailable
	StageTimeout time.Duration // per stage (default 6s)
	RatePerSec   float64       // request rate limit (default 2/s)
	Burst        int
}

// Client is a stateless-per-call classifier. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a classifier client.
func New(cfg Config) *Client {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 6 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{}, // per-stage ctx carries the timeout
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

// Available reports whether a credential is configured.
func (c *Client) Available() bool {
	return c.cfg.APIKey != "" && c.cfg.Endpoint != ""
}

// Analyze runs the staged pipeline. One context threads through all stages,
// so cancelling it aborts whichever stage is in flight. wasIdle suppresses
// the summary stage when the session was already idle.
//
// Analyze never returns a zero State: failures map to StateOpenPrompt so a
// broken classifier degrades to "needs no action" rather than wedging
// sessions in analyzing.
func (c *Client) Analyze(ctx context.Context, snapshot string, wasIdle bool) (Result, error) {
	if !c.Available() {
		// Documented safe default, no network attempted. Expected when the
		// user has no credential, so debug rather than warn.
		classifyLog.Debug("classifier_skipped_no_credential")
		return Result{State: StateOpenPrompt}, ErrUnavailable
	}

	state, err := c.ClassifyState(ctx, snapshot)
	if err != nil {
		return Result{State: StateOpenPrompt}, err
	}

	res := Result{State: state}
	switch state {
	case StateOptionDialog:
		opts, err := c.ExtractOptions(ctx, snapshot)
		if err != nil {
			// Keep the dialog verdict; the options payload is best-effort.
			return res, err
		}
		res.Options = opts
	case StateOpenPrompt:
		if !wasIdle {
			summary, err := c.Summarize(ctx, snapshot)
			if err != nil {
				return res, err
			}
			res.Summary = summary
		}
	}
	return res, nil
}

const stateSystemPrompt = `You classify a terminal snapshot of an AI coding agent.
Respond with a single JSON object: {"state": "option-dialog" | "in-progress" | "open-prompt"}.
"option-dialog": the agent is presenting a question with selectable options.
"in-progress": the agent is still actively working.
"open-prompt": the agent is done and showing an empty input prompt.`

// ClassifyState is stage 1: what kind of screen is this.
// Any ambiguity resolves to StateOpenPrompt.
func (c *Client) ClassifyState(ctx context.Context, snapshot string) (PaneState, error) {
	raw, err := c.complete(ctx, stateSystemPrompt, snapshot)
	if err != nil {
		return StateOpenPrompt, err
	}

	var payload struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return StateOpenPrompt, fmt.Errorf("%w: stage state: %v", ErrMalformed, err)
	}
	switch PaneState(strings.TrimSpace(payload.State)) {
	case StateOptionDialog:
		return StateOptionDialog, nil
	case StateInProgress:
		return StateInProgress, nil
	case StateOpenPrompt:
		return StateOpenPrompt, nil
	default:
		// Unknown label: safe default, not an error.
		return StateOpenPrompt, nil
	}
}

const optionsSystemPrompt = `You extract the choice dialog from a terminal snapshot of an AI coding agent.
Respond with a single JSON object:
{"question": "...", "options": [{"label": "...", "keys": "..."}], "risky": false}
"keys" is the literal key sequence that selects the option (e.g. "1", "y", "Down Enter").
Set "risky" to true when an option would run a destructive or irreversible action.`

// ExtractOptions is stage 2, only called for option dialogs.
func (c *Client) ExtractOptions(ctx context.Context, snapshot string) (*OptionSet, error) {
	raw, err := c.complete(ctx, optionsSystemPrompt, snapshot)
	if err != nil {
		return nil, err
	}

	var opts OptionSet
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("%w: stage options: %v", ErrMalformed, err)
	}
	if len(opts.Options) == 0 {
		return nil, fmt.Errorf("%w: stage options: empty option list", ErrMalformed)
	}
	return &opts, nil
}

const summarySystemPrompt = `You summarize the last thing an AI coding agent communicated in a terminal snapshot.
Respond with a single JSON object: {"summary": "..."} where summary is one short sentence.`

// Summarize is stage 3, only called for open prompts that just went idle.
func (c *Client) Summarize(ctx context.Context, snapshot string) (string, error) {
	raw, err := c.complete(ctx, summarySystemPrompt, snapshot)
	if err != nil {
		return "", err
	}

	var payload struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("%w: stage summary: %v", ErrMalformed, err)
	}
	return strings.TrimSpace(payload.Summary), nil
}

// chat wire types (OpenAI-compatible chat completions)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// complete performs one request/response exchange and returns the raw JSON
// object from the model's reply. Respects ctx at every await point.
func (c *Client) complete(ctx context.Context, system, snapshot string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: snapshot},
		},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformed)
	}

	content := extractJSONObject(chat.Choices[0].Message.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformed)
	}
	return json.RawMessage(content), nil
}

// extractJSONObject pulls the first {...} object out of a model reply,
// tolerating markdown fences and prose around it.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
