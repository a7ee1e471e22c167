// Package staging serializes fetched batches to immutable parquet
// files on local disk. Staged files are the durable hand-off between
// extraction and load: retained after load for replay and never pruned
// by the pipeline.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/complaint"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/watermark"
)

// Config holds staging configuration.
type Config struct {
	Dir string `yaml:"dir"`
}

// ApplyDefaults sets default values for staging config.
func (c *Config) ApplyDefaults() {
	if c.Dir == "" {
		c.Dir = "./landing"
	}
}

// Store writes and reads staged batches under one directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates a staging store, ensuring the directory exists.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.ApplyDefaults()

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Store{dir: cfg.Dir, logger: logger}, nil
}

// Dir returns the staging directory.
func (s *Store) Dir() string { return s.dir }

// BatchPath returns the deterministic staged-file path for one
// (entity, date range) combination.
func (s *Store) BatchPath(company string, dr watermark.DateRange) string {
	name := fmt.Sprintf("%s_%s_%s.parquet", slug(company), dr.Min, dr.Max)
	return filepath.Join(s.dir, name)
}

// Write serializes records to one immutable parquet file. An empty
// batch writes nothing and returns ""; callers treat that as "nothing
// to load", not an error. Re-running the same entity and range
// overwrites the previous file, so staging is idempotent per batch.
func (s *Store) Write(records []complaint.Record, company string, dr watermark.DateRange) (string, error) {
	if len(records) == 0 {
		s.logger.Info("no records to stage",
			zap.String("company", company),
			zap.String("range", dr.String()))
		return "", nil
	}

	for i := range records {
		if err := records[i].SealExtras(); err != nil {
			return "", fmt.Errorf("preparing record %d for staging: %w", i, err)
		}
	}

	path := s.BatchPath(company, dr)
	tmpPath := path + ".tmp"

	if err := parquet.WriteFile(tmpPath, records); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write staged batch: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename staged batch: %w", err)
	}

	s.logger.Info("staged batch",
		zap.String("path", path),
		zap.Int("records", len(records)))
	return path, nil
}

// Read loads a staged batch back with the full logical schema it was
// written with, extras included.
func (s *Store) Read(path string) ([]complaint.Record, error) {
	records, err := parquet.ReadFile[complaint.Record](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged batch %s: %w", path, err)
	}
	for i := range records {
		if err := records[i].UnsealExtras(); err != nil {
			return nil, fmt.Errorf("decoding record %d from %s: %w", i, path, err)
		}
	}
	return records, nil
}

// slug normalizes an entity name for use in a file name.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
