package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestAggregatorBatchesEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	agg := NewAggregator(logger, 30)

	for i := 0; i < 25; i++ {
		agg.Record("worker", "poll_tick")
	}
	agg.Record("sampler", "capture_cache_hit", slog.String("pane", "s1"))
	agg.flush()

	out := buf.String()
	if !strings.Contains(out, "event_summary") {
		t.Fatalf("no summary emitted: %q", out)
	}

	// 25 poll ticks collapse into a single record with count 25.
	found := false
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if rec["event"] == "poll_tick" {
			found = true
			if rec["count"] != float64(25) {
				t.Errorf("poll_tick count = %v, want 25", rec["count"])
			}
		}
	}
	if !found {
		t.Error("poll_tick summary missing")
	}
}

func TestAggregatorFlushClearsStreams(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	agg := NewAggregator(logger, 30)

	agg.Record("worker", "poll_tick")
	agg.flush()
	buf.Reset()

	agg.flush()
	if buf.Len() != 0 {
		t.Errorf("empty aggregator flushed output: %q", buf.String())
	}
}

func TestAggregatorNilLoggerDropsEvents(t *testing.T) {
	agg := NewAggregator(nil, 30)
	agg.Record("worker", "poll_tick")
	agg.flush() // must not panic
}

func TestAggregatorStopFlushes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	agg := NewAggregator(logger, 3600)
	agg.Start()

	agg.Record("worker", "poll_tick")
	agg.Stop()

	if !strings.Contains(buf.String(), "poll_tick") {
		t.Errorf("Stop did not flush pending events: %q", buf.String())
	}
}
