package obstruction

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/star/leotrack/internal/dish"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SnapshotStore records raw obstruction frames in SQLite so windows can be
// replayed offline. Frames are keyed by timestamp; re-inserting a frame is a
// no-op.
type SnapshotStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// OpenSnapshotStore opens (or creates) the database at path, creating its
// directory, and applies any pending migrations.
func OpenSnapshotStore(path string, logger *slog.Logger) (*SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SnapshotStore{db: db, logger: logger.With("component", "snapshots")}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = migrateLogger{s.logger}
	// m is not closed: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate snapshot store: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *SnapshotStore) SchemaVersion() (uint, error) {
	var v uint
	err := s.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Close releases the database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// Append stores the frames of the window starting at windowStart. Frames
// whose timestamp is already recorded are kept as they are.
func (s *SnapshotStore) Append(ctx context.Context, windowStart time.Time, frames []dish.Frame) (inserted int, err error) {
	if len(frames) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO snapshots (timestamp_ns, frame_type, bitmap, window_start_ns)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range frames {
		res, err := stmt.ExecContext(ctx, f.Timestamp.UnixNano(), int(f.Type), f.Bitmap.Pack(), windowStart.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("insert snapshot %s: %w", f.Timestamp.Format(time.RFC3339Nano), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// Frames returns the stored frames with start <= timestamp < end in
// timestamp order.
func (s *SnapshotStore) Frames(ctx context.Context, start, end time.Time) ([]dish.Frame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_ns, frame_type, bitmap FROM snapshots
		WHERE timestamp_ns >= ? AND timestamp_ns < ?
		ORDER BY timestamp_ns`, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var frames []dish.Frame
	for rows.Next() {
		var (
			ts     int64
			ft     int
			packed []byte
		)
		if err := rows.Scan(&ts, &ft, &packed); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		b, err := dish.UnpackBitmap(packed)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", "timestamp_ns", ts, "error", err)
			continue
		}
		frames = append(frames, dish.Frame{
			Timestamp: time.Unix(0, ts).UTC(),
			Type:      dish.FrameType(ft),
			Bitmap:    b,
		})
	}
	return frames, rows.Err()
}

// Bounds returns the earliest and latest stored frame timestamps. ok is false
// when the store is empty.
func (s *SnapshotStore) Bounds(ctx context.Context) (first, last time.Time, ok bool, err error) {
	var lo, hi sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT MIN(timestamp_ns), MAX(timestamp_ns) FROM snapshots`).Scan(&lo, &hi)
	if err != nil {
		return first, last, false, fmt.Errorf("query bounds: %w", err)
	}
	if !lo.Valid {
		return first, last, false, nil
	}
	return time.Unix(0, lo.Int64).UTC(), time.Unix(0, hi.Int64).UTC(), true, nil
}

// WindowMap is the cumulative obstruction map of one window.
type WindowMap struct {
	WindowStart time.Time
	Frames      int
	Bitmap      dish.Bitmap
}

// PutWindowMap records the accumulated map of the window starting at
// windowStart, replacing any earlier record for that window.
func (s *SnapshotStore) PutWindowMap(ctx context.Context, windowStart time.Time, acc *Accumulator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := acc.Bitmap()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO window_maps (window_start_ns, frames, obstructed, bitmap)
		VALUES (?, ?, ?, ?)`, windowStart.UnixNano(), acc.Frames(), b.Count(), b.Pack())
	if err != nil {
		return fmt.Errorf("insert window map %s: %w", windowStart.UTC().Format(time.RFC3339), err)
	}
	return nil
}

// WindowMap returns the accumulated map of the window starting at
// windowStart. ok is false when none was recorded.
func (s *SnapshotStore) WindowMap(ctx context.Context, windowStart time.Time) (m WindowMap, ok bool, err error) {
	var packed []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT frames, bitmap FROM window_maps WHERE window_start_ns = ?`,
		windowStart.UnixNano()).Scan(&m.Frames, &packed)
	if errors.Is(err, sql.ErrNoRows) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("query window map: %w", err)
	}
	if m.Bitmap, err = dish.UnpackBitmap(packed); err != nil {
		return m, false, fmt.Errorf("window map %s: %w", windowStart.UTC().Format(time.RFC3339), err)
	}
	m.WindowStart = windowStart.UTC()
	return m, true, nil
}

// Count returns the number of stored frames.
func (s *SnapshotStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return false
}
