package tle

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// lineLength is the fixed width of a TLE data line.
const lineLength = 69

// Parse reads the three-line (name, line 1, line 2) format. Malformed
// records are logged and skipped; only read errors fail the parse.
func Parse(r io.Reader, logger *slog.Logger) ([]SatelliteRecord, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if l := strings.TrimRight(sc.Text(), "\r "); l != "" {
			lines = append(lines, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read TLE data: %w", err)
	}

	var out []SatelliteRecord
	for i := 0; i+2 < len(lines); {
		name, l1, l2 := strings.TrimSpace(lines[i]), lines[i+1], lines[i+2]
		if !strings.HasPrefix(l1, "1 ") || !strings.HasPrefix(l2, "2 ") {
			// Out of step; resynchronize one line at a time.
			logger.Warn("skipping malformed TLE record", "line_index", i, "name", name)
			i++
			continue
		}
		i += 3

		rec, err := parseRecord(name, l1, l2)
		if err != nil {
			logger.Warn("skipping TLE record", "name", name, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ValidateLines checks the fixed-width shape of an element set: two
// 69-column lines numbered 1 and 2.
func ValidateLines(l1, l2 string) error {
	switch {
	case len(l1) != lineLength || len(l2) != lineLength:
		return fmt.Errorf("line lengths %d/%d, want %d", len(l1), len(l2), lineLength)
	case l1[0] != '1' || l2[0] != '2':
		return fmt.Errorf("line numbers %q/%q, want '1'/'2'", l1[0], l2[0])
	}
	return nil
}

func parseRecord(name, l1, l2 string) (SatelliteRecord, error) {
	if err := ValidateLines(l1, l2); err != nil {
		return SatelliteRecord{}, err
	}

	id, err := strconv.Atoi(strings.TrimSpace(l1[2:7]))
	if err != nil {
		return SatelliteRecord{}, fmt.Errorf("catalog number %q: %w", l1[2:7], err)
	}
	if id2, err := strconv.Atoi(strings.TrimSpace(l2[2:7])); err != nil || id2 != id {
		return SatelliteRecord{}, fmt.Errorf("line 2 catalog number %q does not match %d", l2[2:7], id)
	}

	epoch, err := parseEpoch(strings.TrimSpace(l1[18:32]))
	if err != nil {
		return SatelliteRecord{}, err
	}

	return SatelliteRecord{NORADID: id, Name: name, Epoch: epoch, Line1: l1, Line2: l2}, nil
}

// parseEpoch converts YYDDD.DDDDDDDD to UTC. Two-digit years 57-99 are
// 19xx, the rest 20xx.
func parseEpoch(s string) (time.Time, error) {
	if len(s) < 5 {
		return time.Time{}, fmt.Errorf("epoch %q too short", s)
	}
	yy, err := strconv.Atoi(s[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("epoch year %q: %w", s[:2], err)
	}
	day, err := strconv.ParseFloat(s[2:], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("epoch day %q: %w", s[2:], err)
	}
	if day < 1 || day >= 367 {
		return time.Time{}, fmt.Errorf("epoch day %v out of range", day)
	}

	year := 2000 + yy
	if yy >= 57 {
		year = 1900 + yy
	}
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return start.Add(time.Duration((day - 1) * float64(24*time.Hour))), nil
}
