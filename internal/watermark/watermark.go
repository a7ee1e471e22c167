// Package watermark persists the last successfully loaded date so
// repeated runs only fetch new data. The file is written atomically
// (temp + rename) and only after every entity in a run has loaded, so
// a crashed or partially failed run resumes from the same range.
package watermark

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// State is the persisted watermark.
type State struct {
	// LastLoadedDate is the last date fully merged into the warehouse.
	LastLoadedDate Date `json:"last_loaded_date"`

	// UpdatedAt is when the watermark was last advanced.
	UpdatedAt time.Time `json:"updated_at"`
}

// Config holds watermark store configuration.
type Config struct {
	Dir      string `yaml:"dir"`
	Filename string `yaml:"filename"`
}

// ApplyDefaults sets default values for watermark config.
func (c *Config) ApplyDefaults() {
	if c.Dir == "" {
		c.Dir = "./state"
	}
	if c.Filename == "" {
		c.Filename = "watermark.json"
	}
}

// Store manages watermark persistence and range derivation.
type Store struct {
	dir      string
	filename string
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a watermark store, ensuring the state directory
// exists.
func NewStore(cfg Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	cfg.ApplyDefaults()

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watermark directory: %w", err)
	}

	s := &Store{
		dir:      cfg.Dir,
		filename: cfg.Filename,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the full path to the watermark file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, s.filename)
}

// Load reads the persisted watermark. A missing file returns nil, nil
// (first run). A corrupt or unparsable file is treated as absent and
// logged as a warning: the next run reloads from the configured start
// date, which is safe because the merge is idempotent.
func (s *Store) Load() (*State, error) {
	path := s.Path()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("watermark file is corrupt, treating as absent (full reload)",
			zap.String("path", path),
			zap.Error(err))
		return nil, nil
	}
	if st.LastLoadedDate.IsZero() {
		s.logger.Warn("watermark file has no last_loaded_date, treating as absent (full reload)",
			zap.String("path", path))
		return nil, nil
	}

	return &st, nil
}

// NextLoadRange derives the date range the next run should fetch:
// (startDate, today) when no watermark exists, otherwise
// (last_loaded_date + 1 day, today). Today is evaluated once per call.
// The returned range may be empty (Min after Max) when already
// current; callers must treat that as a no-op.
func (s *Store) NextLoadRange(startDate Date) (DateRange, error) {
	today := DateOf(s.now())

	st, err := s.Load()
	if err != nil {
		return DateRange{}, err
	}
	if st == nil {
		return DateRange{Min: startDate, Max: today}, nil
	}
	return DateRange{Min: st.LastLoadedDate.AddDays(1), Max: today}, nil
}

// Update persists date as the new watermark with a fresh updated_at.
// The write goes to a temp file first and is renamed into place, so a
// crash mid-write cannot corrupt the previously valid watermark.
func (s *Store) Update(date Date) error {
	st := State{
		LastLoadedDate: date,
		UpdatedAt:      s.now().UTC(),
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal watermark: %w", err)
	}

	path := s.Path()
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp watermark: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename watermark: %w", err)
	}

	s.logger.Info("watermark advanced",
		zap.String("last_loaded_date", date.String()),
		zap.String("path", path))
	return nil
}

// Reset deletes the persisted watermark so the next run behaves as a
// first run. A missing file is not an error.
func (s *Store) Reset() error {
	err := os.Remove(s.Path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove watermark file: %w", err)
	}
	s.logger.Info("watermark reset", zap.String("path", s.Path()))
	return nil
}
