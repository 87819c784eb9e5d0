package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wgrouter/internal/model"
)

func ptr(v float64) *float64 { return &v }

func TestHistoryAppend_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "health.csv")
	h := NewHistory(path)

	s1 := map[model.PeerID]model.HealthSample{"a": {PeerID: "a", IsOnline: true, Path: model.PathTunnel}}
	s2 := map[model.PeerID]model.HealthSample{"a": {PeerID: "a", IsOnline: true, Path: model.PathTunnel}}

	if err := h.Append(s1, time.Unix(1, 0).UTC()); err != nil {
		t.Fatalf("Append #1: %v", err)
	}
	if err := h.Append(s2, time.Unix(2, 0).UTC()); err != nil {
		t.Fatalf("Append #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("missing header: %q", lines[0])
	}
}

func TestHistory_RoundTrip(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "health.csv")
	h := NewHistory(path)

	now := time.Now().UTC()
	sample := model.HealthSample{
		PeerID:              "a",
		IsOnline:            true,
		LatencyMs:           ptr(12.5),
		JitterMs:            ptr(1.2),
		PacketLossPercent:   ptr(0),
		ConsecutiveFailures: 0,
		Path:                model.PathTunnel,
	}
	if err := h.Append(map[model.PeerID]model.HealthSample{"a": sample}, now); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records=%d", len(records))
	}
	got := records[0].Sample
	if got.PeerID != "a" || !got.IsOnline || got.Path != model.PathTunnel {
		t.Fatalf("sample=%+v", got)
	}
	if got.LatencyMs == nil || *got.LatencyMs != 12.5 {
		t.Fatalf("latency=%v", got.LatencyMs)
	}
}

func TestReadAll_MissingFile(t *testing.T) {
	t.Parallel()
	records, err := ReadAll(filepath.Join(t.TempDir(), "missing.csv"))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if records != nil {
		t.Fatalf("expected nil records, got %v", records)
	}
}

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	records := []Record{
		{Timestamp: now.Add(-10 * time.Second), Sample: model.HealthSample{PeerID: "a", LatencyMs: ptr(10), JitterMs: ptr(1), PacketLossPercent: ptr(0)}},
		{Timestamp: now.Add(-5 * time.Second), Sample: model.HealthSample{PeerID: "a", LatencyMs: ptr(20), JitterMs: ptr(2), PacketLossPercent: ptr(50)}},
		{Timestamp: now.Add(-5 * time.Second), Sample: model.HealthSample{PeerID: "b", LatencyMs: ptr(999)}},
	}

	s := Summarize(records, "a", now.Add(-1*time.Minute))
	if s.Count != 2 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.AvgRTTMs != 15 {
		t.Fatalf("avg_rtt=%.2f", s.AvgRTTMs)
	}
	if s.MinRTTMs != 10 || s.MaxRTTMs != 20 {
		t.Fatalf("min/max=%.2f/%.2f", s.MinRTTMs, s.MaxRTTMs)
	}
	if s.P95RTTMs != 20 {
		t.Fatalf("p95=%.2f", s.P95RTTMs)
	}
}

func TestSummarize_WindowExcludesOldSamples(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	records := []Record{
		{Timestamp: now.Add(-2 * time.Hour), Sample: model.HealthSample{PeerID: "a", LatencyMs: ptr(500)}},
		{Timestamp: now.Add(-1 * time.Second), Sample: model.HealthSample{PeerID: "a", LatencyMs: ptr(10)}},
	}
	s := Summarize(records, "a", now.Add(-1*time.Minute))
	if s.Count != 1 || s.AvgRTTMs != 10 {
		t.Fatalf("s=%+v", s)
	}
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()
	values := []float64{1, 2, 3, 4}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("p100=%v", got)
	}
}
