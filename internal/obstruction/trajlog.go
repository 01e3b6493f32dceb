package obstruction

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

const trajectoryTimeLayout = "2006-01-02T15:04:05Z"

// TrajectoryLog appends observed pixel points to a CSV file with a
// timestamp,row,col header. Safe for concurrent use.
type TrajectoryLog struct {
	mu   sync.Mutex
	path string
}

func NewTrajectoryLog(path string) *TrajectoryLog {
	return &TrajectoryLog{path: path}
}

// Path returns the log file location.
func (l *TrajectoryLog) Path() string {
	return l.path
}

// Append writes points to the end of the log, creating it with a header row
// if needed.
func (l *TrajectoryLog) Append(points []PixelPoint) error {
	if len(points) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	_, err := os.Stat(l.path)
	fresh := errors.Is(err, fs.ErrNotExist)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trajectory log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write([]string{"timestamp", "row", "col"}); err != nil {
			return err
		}
	}
	for _, p := range points {
		if err := w.Write([]string{
			p.Timestamp.UTC().Format(trajectoryTimeLayout),
			strconv.Itoa(p.Row),
			strconv.Itoa(p.Col),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write trajectory log: %w", err)
	}
	return f.Close()
}
