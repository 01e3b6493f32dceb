package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Artifacts names the files one measurement run writes under Dir.
type Artifacts struct {
	Dir   string
	RunID string
}

// NewArtifacts assigns a fresh run identifier.
func NewArtifacts(dir string) Artifacts {
	return Artifacts{Dir: dir, RunID: uuid.NewString()}
}

func (a Artifacts) TrajectoryLog() string {
	return filepath.Join(a.Dir, "obstruction-data-"+a.RunID+".csv")
}

func (a Artifacts) Timeline() string {
	return filepath.Join(a.Dir, "serving_satellite_data-"+a.RunID+".csv")
}

func (a Artifacts) LatestSatellite() string {
	return filepath.Join(a.Dir, "latest_connected_satellite.txt")
}

func (a Artifacts) Snapshots() string {
	return filepath.Join(a.Dir, "snapshots", "obstruction_map-"+a.RunID+".db")
}

func (a Artifacts) ObserverLocation() string {
	return filepath.Join(a.Dir, "observer_location.json")
}

type observerLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"` // km
}

// WriteObserverLocation records the observer position for map clients.
// altM is in meters; the file stores kilometers.
func WriteObserverLocation(path string, lat, lon, altM float64) error {
	data, err := json.MarshalIndent(observerLocation{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  altM / 1000,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write observer location: %w", err)
	}
	return os.Rename(tmp, path)
}
