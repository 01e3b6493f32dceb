package tle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	dayLayout  = "2006-01-02"
	fileLayout = "2006-01-02-15-04-05"
	filePrefix = "starlink-tle-"
)

// Dir is the on-disk catalog layout: one directory per UTC day holding
// timestamped downloads, <root>/<YYYY-MM-DD>/starlink-tle-<stamp>.txt.
type Dir struct {
	root   string
	logger *slog.Logger
}

func NewDir(root string, logger *slog.Logger) *Dir {
	return &Dir{root: root, logger: logger.With("component", "tle_dir")}
}

// Root returns the base directory.
func (d *Dir) Root() string {
	return d.root
}

// DayPath returns the directory holding catalogs for the UTC day of t.
func (d *Dir) DayPath(t time.Time) string {
	return filepath.Join(d.root, t.UTC().Format(dayLayout))
}

// Write stores a downloaded catalog under the day of ts. The file appears
// atomically so a concurrent Latest never sees a partial download.
func (d *Dir) Write(data []byte, ts time.Time) (string, error) {
	day := d.DayPath(ts)
	if err := os.MkdirAll(day, 0o755); err != nil {
		return "", fmt.Errorf("create catalog dir: %w", err)
	}

	path := filepath.Join(day, filePrefix+ts.UTC().Format(fileLayout)+".txt")
	tmp, err := os.CreateTemp(day, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp catalog: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close catalog: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename catalog: %w", err)
	}
	return path, nil
}

// Latest returns the most recently modified catalog file for the day of t.
// Equal modification times fall back to the name, which embeds the download
// time.
func (d *Dir) Latest(t time.Time) (string, time.Time, error) {
	day := d.DayPath(t)
	matches, err := filepath.Glob(filepath.Join(day, filePrefix+"*.txt"))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("glob %s: %w", day, err)
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var files []candidate
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, candidate{path: m, mod: info.ModTime()})
	}
	if len(files) == 0 {
		return "", time.Time{}, fmt.Errorf("%w: no catalog files in %s", ErrCatalogUnavailable, day)
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].mod.Equal(files[j].mod) {
			return files[i].mod.Before(files[j].mod)
		}
		return files[i].path < files[j].path
	})
	newest := files[len(files)-1]
	return newest.path, newest.mod, nil
}

// Load parses the newest catalog for the day of t.
func (d *Dir) Load(t time.Time) (*Catalog, error) {
	path, mod, err := d.Latest(t)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	defer f.Close()

	sats, err := Parse(f, d.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	if len(sats) == 0 {
		return nil, fmt.Errorf("%w: %s has no valid records", ErrCatalogUnavailable, path)
	}

	d.logger.Info("catalog loaded", "path", path, "satellites", len(sats))
	return NewCatalog(path, mod, sats), nil
}
