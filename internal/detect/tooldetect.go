package detect

import (
	"regexp"

	"github.com/twistedxcom/panewatch/internal/tmux"
)

// toolSignatures are content markers for identifying which agent runs in a
// pane when the registry didn't say. Checked in order; first match wins.
var toolSignatures = []struct {
	tool     string
	patterns []*regexp.Regexp
}{
	{"claude", []*regexp.Regexp{
		regexp.MustCompile(`(?i)claude code`),
		regexp.MustCompile(`No, and tell Claude what to do differently`),
		regexp.MustCompile(`(?m)^[✳✽✶✻✢·]\s*\w+…`),
	}},
	{"codex", []*regexp.Regexp{
		regexp.MustCompile(`(?i)openai codex`),
		regexp.MustCompile(`codex>`),
	}},
	{"gemini", []*regexp.Regexp{
		regexp.MustCompile(`(?i)gemini cli`),
		regexp.MustCompile(`gemini>`),
	}},
	{"opencode", []*regexp.Regexp{
		regexp.MustCompile(`(?i)open ?code`),
		regexp.MustCompile(`Ask anything`),
	}},
}

// DetectTool guesses the agent kind from pane content.
// Returns "shell" when nothing matches.
func DetectTool(content string) string {
	clean := tmux.StripANSI(content)
	for _, sig := range toolSignatures {
		for _, re := range sig.patterns {
			if re.MatchString(clean) {
				return sig.tool
			}
		}
	}
	return "shell"
}
