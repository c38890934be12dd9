package tmux

import (
	"testing"
)

func TestParseSessionList(t *testing.T) {
	output := "panewatch_api_fix\tAPI Fix\npanewatch_refactor\t\nother_session\tsomething\n"
	sessions := parseSessionList(output)
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	if sessions[0].Name != "panewatch_api_fix" || sessions[0].Title != "API Fix" {
		t.Errorf("unexpected first session: %+v", sessions[0])
	}
	if sessions[1].Title != "" {
		t.Errorf("expected empty title, got %q", sessions[1].Title)
	}
}

func TestParseSessionListEmpty(t *testing.T) {
	if got := parseSessionList(""); len(got) != 0 {
		t.Errorf("expected no sessions, got %+v", got)
	}
	if got := parseSessionList("\n\n"); len(got) != 0 {
		t.Errorf("expected no sessions, got %+v", got)
	}
}

func TestSanitizeTitle(t *testing.T) {
	cases := map[string]string{
		"API Fix":     "api_fix",
		"refactor-v2": "refactor_v2",
		"Hello!@#":    "hello",
		"":            "",
	}
	for in, want := range cases {
		if got := sanitizeTitle(in); got != want {
			t.Errorf("sanitizeTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRebindByTitle(t *testing.T) {
	p := NewPane("s1", "panewatch_old", "API Fix")
	live := []LiveSession{
		{Name: "unrelated", Title: "Other"},
		{Name: "panewatch_new", Title: "API Fix"},
	}
	if !p.Rebind(live) {
		t.Fatal("expected rebind to succeed")
	}
	if p.Target() != "panewatch_new" {
		t.Errorf("target = %q, want panewatch_new", p.Target())
	}
}

func TestRebindBySanitizedSuffix(t *testing.T) {
	p := NewPane("s1", "gone", "API Fix")
	live := []LiveSession{{Name: "panewatch_api_fix", Title: ""}}
	if !p.Rebind(live) {
		t.Fatal("expected suffix rebind to succeed")
	}
	if p.Target() != "panewatch_api_fix" {
		t.Errorf("target = %q", p.Target())
	}
}

func TestRebindNoMatch(t *testing.T) {
	p := NewPane("s1", "gone", "API Fix")
	if p.Rebind([]LiveSession{{Name: "panewatch_other", Title: "Other"}}) {
		t.Fatal("expected rebind to fail")
	}
	if p.Target() != "gone" {
		t.Errorf("target should be unchanged, got %q", p.Target())
	}
}

func TestRebindWithoutTitle(t *testing.T) {
	p := NewPane("s1", "gone", "")
	if p.Rebind([]LiveSession{{Name: "panewatch_x", Title: ""}}) {
		t.Fatal("untitled pane must not rebind")
	}
}
