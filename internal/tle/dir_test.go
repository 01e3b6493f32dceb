package tle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestDirLatestPicksNewestModTime(t *testing.T) {
	d := NewDir(t.TempDir(), testLogger)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	older, err := d.Write([]byte(starlink1007), day.Add(10*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	newer, err := d.Write([]byte(starlink1008), day.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	// Modification time wins over the timestamp in the name.
	now := time.Now()
	if err := os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(newer, now, now); err != nil {
		t.Fatal(err)
	}

	path, _, err := d.Latest(day.Add(23 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if path != newer {
		t.Errorf("Latest = %s, want %s", path, newer)
	}
	if filepath.Dir(path) != filepath.Join(d.Root(), "2026-03-01") {
		t.Errorf("unexpected day directory %s", filepath.Dir(path))
	}

	c, err := d.Load(day)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 || c.Satellites[0].NORADID != 44714 {
		t.Errorf("loaded %+v", c.Satellites)
	}
}

func TestDirUnavailable(t *testing.T) {
	d := NewDir(t.TempDir(), testLogger)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if _, err := d.Load(day); !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("missing day: err = %v, want ErrCatalogUnavailable", err)
	}

	if _, err := d.Write([]byte("not a catalog\n"), day); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Load(day); !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("empty catalog: err = %v, want ErrCatalogUnavailable", err)
	}
}

func TestRefresherRefresh(t *testing.T) {
	server := serve(t, http.StatusOK, starlink1007+starlink1008)
	d := NewDir(t.TempDir(), testLogger)
	store := NewStore()
	r := NewRefresher(NewFetcher(server.URL, testLogger), d, store, time.Hour, testLogger)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := store.Get()
	if c.Len() != 2 {
		t.Fatalf("store has %d satellites, want 2", c.Len())
	}
	if !c.FetchedAt.Equal(fixed) {
		t.Errorf("FetchedAt = %v, want %v", c.FetchedAt, fixed)
	}
	if _, _, err := d.Latest(fixed); err != nil {
		t.Errorf("download not persisted: %v", err)
	}
	if age, ok := store.Age(fixed.Add(time.Minute)); !ok || age != time.Minute {
		t.Errorf("Age = %v, %v", age, ok)
	}
}

func TestRefresherKeepsCatalogOnFailure(t *testing.T) {
	server := serve(t, http.StatusBadGateway, "")
	store := NewStore()
	prev := NewCatalog("previous", time.Now(), []SatelliteRecord{{NORADID: 1}})
	store.Set(prev)

	r := NewRefresher(NewFetcher(server.URL, testLogger), NewDir(t.TempDir(), testLogger), store, 0, testLogger)
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if store.Get() != prev {
		t.Error("failed refresh replaced the active catalog")
	}
}

func TestLoadOrRefreshPrefersDisk(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(starlink1008))
	}))
	defer server.Close()

	d := NewDir(t.TempDir(), testLogger)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if _, err := d.Write([]byte(starlink1007), now); err != nil {
		t.Fatal(err)
	}

	store := NewStore()
	r := NewRefresher(NewFetcher(server.URL, testLogger), d, store, time.Hour, testLogger)
	r.now = func() time.Time { return now }
	if err := r.LoadOrRefresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("fetched %d times with a catalog on disk", n)
	}
	if store.Get().Satellites[0].NORADID != 44713 {
		t.Errorf("loaded wrong catalog")
	}

	// Next day has nothing on disk.
	r.now = func() time.Time { return now.Add(24 * time.Hour) }
	if err := r.LoadOrRefresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 1 || store.Get().Satellites[0].NORADID != 44714 {
		t.Errorf("hits = %d, satellite = %d", n, store.Get().Satellites[0].NORADID)
	}
}
