package pump

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pumplink/pumpsync/internal/history"
)

// SpoolSource reads records from JSONL files in a spool directory. The
// platform's device bridge decodes the Bluetooth protocol and appends one
// JSON object per line to *.jsonl files; this source re-reads the spool on
// every fetch, so records landing between ticks are picked up on the next
// one.
type SpoolSource struct {
	dir    string
	logger *log.Logger
}

// spoolRecord is the on-disk line format written by the device bridge.
type spoolRecord struct {
	Seq            int64   `json:"seq"`
	Time           string  `json:"time"` // RFC 3339
	Category       string  `json:"category"`
	GlucoseMgDl    int     `json:"glucose_mg_dl,omitempty"`
	InsulinUnits   float64 `json:"insulin_units,omitempty"`
	DurationSec    int     `json:"duration_s,omitempty"`
	Code           int     `json:"code,omitempty"`
	Text           string  `json:"text,omitempty"`
	BatteryPercent int     `json:"battery_percent,omitempty"`
	ReservoirUnits float64 `json:"reservoir_units,omitempty"`
	InsulinOnBoard float64 `json:"iob,omitempty"`
}

// NewSpoolSource creates a source over dir. A nil logger defaults to stderr.
func NewSpoolSource(dir string, logger *log.Logger) *SpoolSource {
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}
	return &SpoolSource{dir: dir, logger: logger}
}

// Fetch returns the spooled records for one category within the window.
func (s *SpoolSource) Fetch(ctx context.Context, pt history.ProcessorType, w Window) ([]Record, error) {
	all, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range all {
		if r.Category != pt {
			continue
		}
		if r.Seq <= w.AfterSeq {
			continue
		}
		if w.UptoSeq > 0 && r.Seq > w.UptoSeq {
			continue
		}
		if !w.Since.IsZero() && r.Time.Before(w.Since) {
			continue
		}
		if !w.Until.IsZero() && r.Time.After(w.Until) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// FetchRange returns every spooled record whose sequence ID falls in r,
// regardless of category. IDs the spool does not hold are omitted.
func (s *SpoolSource) FetchRange(ctx context.Context, r history.IDRange) ([]Record, error) {
	all, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, rec := range all {
		if r.Contains(rec.Seq) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// readAll parses every *.jsonl file in the spool, in name order. Malformed
// lines (including a torn final line the bridge is still writing) are
// skipped with a warning.
func (s *SpoolSource) readAll(ctx context.Context) ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list spool %s: %w", s.dir, err)
	}
	sort.Strings(paths)

	var out []Record
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := s.readFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (s *SpoolSource) readFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var sr spoolRecord
		if err := json.Unmarshal(raw, &sr); err != nil {
			s.logger.Printf("Warning: skipping malformed line %s:%d: %v", filepath.Base(path), line, err)
			continue
		}

		rec, err := sr.toRecord()
		if err != nil {
			s.logger.Printf("Warning: skipping line %s:%d: %v", filepath.Base(path), line, err)
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spool file %s: %w", path, err)
	}
	return out, nil
}

func (sr spoolRecord) toRecord() (Record, error) {
	pt, ok := history.FromName(sr.Category)
	if !ok {
		return Record{}, fmt.Errorf("unknown category %q", sr.Category)
	}

	ts, err := time.Parse(time.RFC3339, sr.Time)
	if err != nil {
		return Record{}, fmt.Errorf("bad timestamp %q: %w", sr.Time, err)
	}

	return Record{
		Seq:            sr.Seq,
		Time:           ts,
		Category:       pt,
		GlucoseMgDl:    sr.GlucoseMgDl,
		InsulinUnits:   sr.InsulinUnits,
		Duration:       time.Duration(sr.DurationSec) * time.Second,
		Code:           sr.Code,
		Text:           sr.Text,
		BatteryPercent: sr.BatteryPercent,
		ReservoirUnits: sr.ReservoirUnits,
		InsulinOnBoard: sr.InsulinOnBoard,
	}, nil
}
