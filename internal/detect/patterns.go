package detect

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/twistedxcom/panewatch/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompDetect)

// RawPatterns holds string-form detection patterns before compilation.
// Entries prefixed with "re:" compile as regex; everything else matches
// via strings.Contains. The pattern lists are tunable data, not protocol:
// config overrides replace them wholesale per tool.
type RawPatterns struct {
	// Activity patterns mean "interruptible work in progress".
	// A match short-circuits everything else.
	Activity []string

	// Attention patterns mean "the agent is waiting for the user".
	Attention []string

	// SpinnerChars are single runes whose presence in recent output
	// indicates active processing.
	SpinnerChars []string
}

// Patterns holds the compiled, ready-to-use detection patterns for one tool.
type Patterns struct {
	ActivityStrings  []string
	ActivityRegexps  []*regexp.Regexp
	AttentionStrings []string
	AttentionRegexps []*regexp.Regexp
	SpinnerChars     []string
}

// DefaultRawPatterns returns the built-in patterns for a known tool.
// Unknown tools fall back to the generic shell patterns.
func DefaultRawPatterns(tool string) *RawPatterns {
	switch strings.ToLower(tool) {
	case "claude":
		return &RawPatterns{
			Activity: []string{
				`re:(?m)^[✳✽✶✻✢·]\s*.+…`, // spinner + ellipsis line (Claude 2.1.25+)
				"ctrl+c to interrupt",
				"esc to interrupt",
				`re:…[^\n]*tokens`, // whimsical thinking word with token counter
			},
			Attention: []string{
				"No, and tell Claude what to do differently",
				"Yes, allow once",
				"Yes, allow always",
				"Do you trust the files in this folder?",
				"│ Do you want",
				"│ Would you like",
				"❯ Yes",
				"❯ No",
				"Use arrow keys to navigate",
				"Press Enter to select",
				"Run this command?",
				"Waiting for user confirmation",
			},
			SpinnerChars: []string{
				"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
				"✳", "✽", "✶", "✢",
			},
		}
	case "codex":
		return &RawPatterns{
			Activity: []string{
				"ctrl+c to interrupt",
				"esc to interrupt",
				"press esc to interrupt",
			},
			Attention: []string{"codex>", "How can I help", "Continue?"},
		}
	case "gemini":
		return &RawPatterns{
			Activity:  []string{"esc to cancel"},
			Attention: []string{"gemini>", "Type your message", "Yes, allow once"},
		}
	case "opencode":
		return &RawPatterns{
			Activity: []string{
				"esc interrupt",
				"esc to exit",
				"Thinking...",
				"Generating...",
				"Building tool call...",
				"Waiting for tool response...",
			},
			Attention:    []string{"Ask anything", "press enter to send"},
			SpinnerChars: []string{"█", "▓", "▒", "░"},
		}
	default:
		return &RawPatterns{
			Attention: []string{"$ ", "# ", "% "},
		}
	}
}

// Compile turns raw patterns into matchers. Invalid regexes are logged and
// skipped rather than failing the whole set.
func Compile(raw *RawPatterns) (*Patterns, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil RawPatterns")
	}

	p := &Patterns{SpinnerChars: raw.SpinnerChars}
	p.ActivityStrings, p.ActivityRegexps = splitCompile("activity", raw.Activity)
	p.AttentionStrings, p.AttentionRegexps = splitCompile("attention", raw.Attention)
	return p, nil
}

func splitCompile(family string, raw []string) ([]string, []*regexp.Regexp) {
	var strs []string
	var regexps []*regexp.Regexp
	for _, pat := range raw {
		if !strings.HasPrefix(pat, "re:") {
			strs = append(strs, pat)
			continue
		}
		re, err := regexp.Compile(pat[3:])
		if err != nil {
			patternLog.Warn("invalid_pattern_regex",
				slog.String("family", family),
				slog.String("pattern", pat),
				slog.String("error", err.Error()))
			continue
		}
		regexps = append(regexps, re)
	}
	return strs, regexps
}

// matchActivity reports whether content shows interruptible work in progress.
func (p *Patterns) matchActivity(content, contentLower string) bool {
	for _, s := range p.ActivityStrings {
		if strings.Contains(contentLower, strings.ToLower(s)) {
			return true
		}
	}
	for _, re := range p.ActivityRegexps {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// matchAttention reports whether content shows a tool-specific input prompt.
func (p *Patterns) matchAttention(content string) bool {
	for _, s := range p.AttentionStrings {
		if strings.Contains(content, s) {
			return true
		}
	}
	for _, re := range p.AttentionRegexps {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}
