package monitor

import "github.com/twistedxcom/panewatch/internal/detect"

// Status is the externally visible state of a monitored session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusWaiting Status = "waiting"

	// StatusAnalyzing means an authoritative classification is in flight.
	// Only the detector ever sets it; workers cannot produce it locally.
	StatusAnalyzing Status = "analyzing"
)

func statusFromVerdict(v detect.Verdict) Status {
	switch v {
	case detect.VerdictWorking:
		return StatusWorking
	case detect.VerdictWaiting:
		return StatusWaiting
	default:
		return StatusIdle
	}
}

// Spec describes one session the registry wants monitored.
type Spec struct {
	// ID is the stable logical identifier; it survives pane recreation.
	ID string
	// Target is the tmux session name currently backing the logical session.
	Target string
	// Title is the stable label used for rebinding.
	Title string
	// Tool is the agent kind ("claude", "codex", ...). Empty means autodetect.
	Tool string
}
