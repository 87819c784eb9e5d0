// Package telemetry persists a rolling history of HealthSamples to a
// CSV file and summarizes it over a window, so the `health` control
// operation can answer with more than the latest single sample.
// Uses the same fixed column order, append-with-header-on-first-write
// discipline, and Summarize/percentile shape as other CSV-backed metric
// logs in this codebase, applied to HealthSample instead of a raw
// latency metric.
package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"wgrouter/internal/model"
)

// Record is one HealthSample observation stamped with wall-clock time,
// the unit the CSV file stores and Summarize operates over.
type Record struct {
	Timestamp time.Time
	Sample    model.HealthSample
}

// History appends HealthSample observations to a CSV file at path.
// Append takes no lock; in `wgrouterd serve` a single goroutine is its
// only caller. Append opens and closes the file each call rather than
// holding it open, and flushes before closing.
type History struct {
	path string
}

// NewHistory constructs a History backed by path. The file is created
// lazily on first Append.
func NewHistory(path string) *History {
	return &History{path: path}
}

func headerRow() []string {
	return []string{
		"timestamp",
		"peer_id",
		"path",
		"is_online",
		"rtt_ms",
		"jitter_ms",
		"loss_pct",
		"consecutive_failures",
		"note",
	}
}

func recordRow(r Record) []string {
	s := r.Sample
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		string(s.PeerID),
		s.Path,
		strconv.FormatBool(s.IsOnline),
		formatPtr(s.LatencyMs),
		formatPtr(s.JitterMs),
		formatPtr(s.PacketLossPercent),
		strconv.FormatUint(uint64(s.ConsecutiveFailures), 10),
		s.LastError,
	}
}

func formatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}

// Append writes one Record per current sample, creating the file (and
// its header row) if it does not already exist.
func (h *History) Append(samples map[model.PeerID]model.HealthSample, at time.Time) error {
	if len(samples) == 0 {
		return nil
	}
	file, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(file)
	defer w.Flush()

	if info.Size() == 0 {
		if err := w.Write(headerRow()); err != nil {
			return err
		}
	}

	ids := make([]model.PeerID, 0, len(samples))
	for id := range samples {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := w.Write(recordRow(Record{Timestamp: at, Sample: samples[id]})); err != nil {
			return err
		}
	}
	return w.Error()
}

// ReadAll loads every recorded observation, oldest first.
func ReadAll(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()
	return readAll(file)
}

func readAll(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	start := 0
	if len(rows[0]) > 0 && rows[0][0] == "timestamp" {
		start = 1
	}

	out := make([]Record, 0, len(rows)-start)
	for i := start; i < len(rows); i++ {
		row := rows[i]
		if len(row) < 9 {
			return nil, fmt.Errorf("invalid health history record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, row[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		online, _ := strconv.ParseBool(row[3])
		failures, _ := strconv.ParseUint(row[7], 10, 32)
		sample := model.HealthSample{
			PeerID:              model.PeerID(row[1]),
			Path:                row[2],
			IsOnline:            online,
			LatencyMs:           parsePtr(row[4]),
			JitterMs:            parsePtr(row[5]),
			PacketLossPercent:   parsePtr(row[6]),
			ConsecutiveFailures: uint32(failures),
			LastError:           row[8],
		}
		out = append(out, Record{Timestamp: ts, Sample: sample})
	}
	return out, nil
}

func parsePtr(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// Summary is the window statistics the `health` control operation
// reports for one peer: p95/avg latency, average jitter, average
// packet loss, over however many samples fall within the window.
type Summary struct {
	Count      int
	From       time.Time
	To         time.Time
	AvgRTTMs   float64
	P95RTTMs   float64
	MinRTTMs   float64
	MaxRTTMs   float64
	AvgJitter  float64
	AvgLossPct float64
}

// Summarize computes Summary for one peer's records at or after since.
// Samples with no latency (every probe in the window failed) do not
// contribute to the RTT statistics but still count toward Count.
func Summarize(records []Record, peer model.PeerID, since time.Time) Summary {
	var rtts []float64
	var sumJitter, sumLoss float64
	jitterN, lossN := 0, 0
	count := 0
	var from, to time.Time

	for _, r := range records {
		if r.Sample.PeerID != peer {
			continue
		}
		if r.Timestamp.Before(since) {
			continue
		}
		count++
		if from.IsZero() || r.Timestamp.Before(from) {
			from = r.Timestamp
		}
		if r.Timestamp.After(to) {
			to = r.Timestamp
		}
		if r.Sample.LatencyMs != nil {
			rtts = append(rtts, *r.Sample.LatencyMs)
		}
		if r.Sample.JitterMs != nil {
			sumJitter += *r.Sample.JitterMs
			jitterN++
		}
		if r.Sample.PacketLossPercent != nil {
			sumLoss += *r.Sample.PacketLossPercent
			lossN++
		}
	}

	if count == 0 {
		return Summary{}
	}

	s := Summary{Count: count, From: from, To: to}
	if jitterN > 0 {
		s.AvgJitter = sumJitter / float64(jitterN)
	}
	if lossN > 0 {
		s.AvgLossPct = sumLoss / float64(lossN)
	}
	if len(rtts) > 0 {
		sorted := append([]float64(nil), rtts...)
		sort.Float64s(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		s.AvgRTTMs = sum / float64(len(sorted))
		s.MinRTTMs = sorted[0]
		s.MaxRTTMs = sorted[len(sorted)-1]
		s.P95RTTMs = percentile(sorted, 0.95)
	}
	return s
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
