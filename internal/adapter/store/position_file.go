// Package store persists the last known position across restarts.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hieuntg81/locationd/internal/domain"
)

const cacheFileName = "qtposition-geoclue2"

// PositionFile implements domain.PositionStore with a single JSON file.
// Only the coordinate and timestamp survive a round trip; accuracy, speed
// and heading are transient.
type PositionFile struct {
	path   string
	logger *slog.Logger
}

// persistedPosition is the on-disk record.
type persistedPosition struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPositionFile creates a file-backed position store under dir. An empty
// dir selects the platform per-user data directory.
func NewPositionFile(dir string, logger *slog.Logger) (*PositionFile, error) {
	if dir == "" {
		var err error
		dir, err = defaultDataDir()
		if err != nil {
			return nil, fmt.Errorf("positionstore: resolve data dir: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("positionstore: create dir: %w", err)
	}
	return &PositionFile{
		path:   filepath.Join(dir, cacheFileName),
		logger: logger,
	}, nil
}

// Load reads the cached position. A missing or corrupt file yields ok=false,
// never an error.
func (s *PositionFile) Load() (domain.Position, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("position cache unreadable", "path", s.path, "error", err)
		}
		return domain.Position{}, false
	}

	var rec persistedPosition
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("position cache corrupt", "path", s.path, "error", err)
		return domain.Position{}, false
	}

	pos := domain.Position{
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
		Timestamp: rec.Timestamp,
	}
	if rec.Altitude != nil {
		pos.Altitude = *rec.Altitude
		pos.HasAltitude = true
	}
	if !pos.Valid() {
		return domain.Position{}, false
	}
	return pos, true
}

// Save writes the position atomically (write to temp, then rename) so a
// crash mid-write never leaves a partial file behind. Invalid positions are
// a no-op.
func (s *PositionFile) Save(p domain.Position) error {
	if !p.Valid() {
		return nil
	}

	rec := persistedPosition{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timestamp: p.Timestamp,
	}
	if p.HasAltitude {
		alt := p.Altitude
		rec.Altitude = &alt
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("positionstore: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("positionstore: write: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// defaultDataDir mirrors the generic per-user data location:
// $XDG_DATA_HOME, falling back to ~/.local/share.
func defaultDataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share"), nil
}
