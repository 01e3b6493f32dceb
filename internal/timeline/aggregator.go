package timeline

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/star/leotrack/internal/matcher"
	"github.com/star/leotrack/internal/metrics"
)

const timestampLayout = "2006-01-02T15:04:05Z"

var csvHeader = []string{"timestamp", "satellite", "distance_km"}

// Aggregator owns the timeline. It merges match results, persists the
// timeline and the latest-satellite pointer, and notifies subscribers.
type Aggregator struct {
	mu         sync.Mutex
	timeline   Timeline
	csvPath    string
	latestPath string
	hub        *Hub
	logger     *slog.Logger
}

// NewAggregator persists to csvPath and latestPath. A nil hub disables
// notifications.
func NewAggregator(csvPath, latestPath string, hub *Hub, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		csvPath:    csvPath,
		latestPath: latestPath,
		hub:        hub,
		logger:     logger.With("component", "aggregator"),
	}
}

// Load merges a previously written timeline file. A missing file is not an
// error.
func (a *Aggregator) Load() error {
	f, err := os.Open(a.csvPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open timeline: %w", err)
	}
	defer f.Close()

	entries, err := ReadCSV(f)
	if err != nil {
		return fmt.Errorf("read timeline %s: %w", a.csvPath, err)
	}

	a.mu.Lock()
	a.timeline.Merge(entries)
	n := a.timeline.Len()
	a.mu.Unlock()

	a.logger.Info("timeline restored", "path", a.csvPath, "entries", n)
	return nil
}

// Apply merges a match into the timeline and persists it. The in-memory
// timeline is updated even when persistence fails; the error is returned so
// the caller can log it.
func (a *Aggregator) Apply(r matcher.Result) error {
	entries := Expand(r)
	if len(entries) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.timeline.Merge(entries)
	latest, _ := a.timeline.Latest()

	var errs []error
	if err := writeAtomic(a.csvPath, func(w io.Writer) error {
		return WriteCSV(w, a.timeline.entries)
	}); err != nil {
		metrics.IncPersistenceErrors("timeline")
		errs = append(errs, fmt.Errorf("write timeline: %w", err))
	}
	if err := writeAtomic(a.latestPath, func(w io.Writer) error {
		_, err := io.WriteString(w, latest.Satellite)
		return err
	}); err != nil {
		metrics.IncPersistenceErrors("latest")
		errs = append(errs, fmt.Errorf("write latest satellite: %w", err))
	}

	if a.hub != nil {
		if dropped := a.hub.Publish(Update{Entries: entries, Latest: latest}); dropped > 0 {
			a.logger.Debug("slow subscribers skipped", "dropped", dropped)
		}
	}
	return errors.Join(errs...)
}

// Latest returns the most recent timeline entry.
func (a *Aggregator) Latest() (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeline.Latest()
}

// Range returns the entries with start <= timestamp < end.
func (a *Aggregator) Range(start, end time.Time) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeline.Range(start, end)
}

// Len returns the number of timeline entries.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeline.Len()
}

// WriteCSV writes entries with a header row.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write([]string{
			e.Timestamp.UTC().Format(timestampLayout),
			e.Satellite,
			strconv.FormatFloat(e.DistanceKm, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a file written by WriteCSV.
func ReadCSV(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = len(csvHeader)

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 && rows[0][0] == csvHeader[0] {
		rows = rows[1:]
	}

	out := make([]Entry, 0, len(rows))
	for i, row := range rows {
		ts, err := time.Parse(timestampLayout, row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d timestamp: %w", i+1, err)
		}
		d, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d distance: %w", i+1, err)
		}
		out = append(out, Entry{Timestamp: ts, Satellite: row[1], DistanceKm: d})
	}
	return out, nil
}

// writeAtomic writes a file through a temp file in the same directory and
// renames it into place.
func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
