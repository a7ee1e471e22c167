// Package warehouse merges staged batches into the DuckDB target
// table, deduplicating on complaint_id. Every load is one store-level
// transaction: a crash rolls the batch back, and re-running the same
// staged file converges to the identical table state.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/complaint"
)

// Config holds warehouse configuration.
type Config struct {
	Path   string `yaml:"path"`
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
}

// ApplyDefaults sets default values for warehouse config.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "./database/cfpb_complaints.duckdb"
	}
	if c.Schema == "" {
		c.Schema = "raw"
	}
	if c.Table == "" {
		c.Table = "cfpb_complaints"
	}
}

// LoadResult reports one merge invocation.
type LoadResult struct {
	RowsLoaded int64
}

// BatchReader reads a staged batch back into records.
type BatchReader interface {
	Read(path string) ([]complaint.Record, error)
}

// Loader owns the DuckDB handle for the duration of one pipeline run.
type Loader struct {
	db      *sql.DB
	cfg     Config
	batches BatchReader
	logger  *zap.Logger
}

// NewLoader opens the target database, ensures the schema and table
// exist, and reconciles the table with the current field mapping.
func NewLoader(cfg Config, batches BatchReader, logger *zap.Logger) (*Loader, error) {
	cfg.ApplyDefaults()

	logger.Info("opening DuckDB database", zap.String("path", cfg.Path))
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}

	// DuckDB doesn't handle concurrent writes well - use single connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB: %w", err)
	}

	l := &Loader{db: db, cfg: cfg, batches: batches, logger: logger}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

// Close releases the database handle.
func (l *Loader) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// DB exposes the handle for read-only inspection (tests, reports).
func (l *Loader) DB() *sql.DB { return l.db }

func (l *Loader) qualifiedTable() string {
	return fmt.Sprintf("%s.%s", l.cfg.Schema, l.cfg.Table)
}

// initSchema creates the target table from the field mapping and adds
// any mapped columns missing from an existing table. Type drift
// between mapping and table is fatal; additive drift is not.
func (l *Loader) initSchema() error {
	if _, err := l.db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", l.cfg.Schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", l.cfg.Schema, err)
	}

	cols := make([]string, 0, len(complaint.Columns))
	for _, col := range complaint.Columns {
		def := fmt.Sprintf("%s %s", col.Name, col.SQLType)
		if col.Name == complaint.KeyColumn {
			def += " PRIMARY KEY"
		}
		cols = append(cols, def)
	}
	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		l.qualifiedTable(), strings.Join(cols, ",\n\t"))

	if _, err := l.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create table %s: %w", l.qualifiedTable(), err)
	}

	if err := l.ensureColumns(); err != nil {
		return err
	}

	l.logger.Info("table ready", zap.String("table", l.qualifiedTable()))
	return nil
}

// ensureColumns reconciles an existing table with the field mapping:
// columns added to the mapping are added to the table, and a column
// whose stored type no longer matches the mapping is rejected.
func (l *Loader) ensureColumns() error {
	rows, err := l.db.Query(
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = ? AND table_name = ?`,
		l.cfg.Schema, l.cfg.Table)
	if err != nil {
		return fmt.Errorf("failed to inspect table columns: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return fmt.Errorf("failed to scan column info: %w", err)
		}
		existing[strings.ToLower(name)] = strings.ToUpper(dataType)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read column info: %w", err)
	}

	for _, col := range complaint.Columns {
		got, ok := existing[col.Name]
		if !ok {
			alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				l.qualifiedTable(), col.Name, col.SQLType)
			if _, err := l.db.Exec(alter); err != nil {
				return fmt.Errorf("failed to add column %s: %w", col.Name, err)
			}
			l.logger.Info("added column to target table",
				zap.String("column", col.Name),
				zap.String("type", col.SQLType))
			continue
		}
		if !typesCompatible(got, col.SQLType) {
			return fmt.Errorf("type-incompatible drift on column %s: table has %s, mapping wants %s",
				col.Name, got, col.SQLType)
		}
	}
	return nil
}

// typesCompatible compares a stored column type against the mapping.
func typesCompatible(stored, mapped string) bool {
	normalize := func(t string) string {
		t = strings.ToUpper(strings.TrimSpace(t))
		// DuckDB reports TIMESTAMP as TIMESTAMP or TIMESTAMP WITH TIME ZONE
		// depending on how the column was created.
		if strings.HasPrefix(t, "TIMESTAMP") {
			return "TIMESTAMP"
		}
		return t
	}
	return normalize(stored) == normalize(mapped)
}

// Load merges one staged batch into the target table. An empty path
// means nothing was staged: a no-op returning zero rows. The whole
// batch runs in one transaction; any failure rolls it back and the
// staged file remains untouched for retry.
func (l *Loader) Load(ctx context.Context, path string) (LoadResult, error) {
	if path == "" {
		return LoadResult{RowsLoaded: 0}, nil
	}

	records, err := l.batches.Read(path)
	if err != nil {
		return LoadResult{}, err
	}
	if len(records) == 0 {
		return LoadResult{RowsLoaded: 0}, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, l.upsertSQL())
	if err != nil {
		tx.Rollback()
		return LoadResult{}, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	var loaded int64
	for i := range records {
		if _, err := stmt.ExecContext(ctx, records[i].ColumnValues()...); err != nil {
			tx.Rollback()
			return LoadResult{}, fmt.Errorf("failed to upsert record %s: %w",
				records[i].ComplaintID, err)
		}
		loaded++
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return LoadResult{}, fmt.Errorf("failed to commit batch: %w", err)
	}

	l.logger.Info("merged staged batch",
		zap.String("path", path),
		zap.Int64("rows", loaded))
	return LoadResult{RowsLoaded: loaded}, nil
}

// upsertSQL builds the merge statement from the field mapping: insert
// on new key, replace non-key fields on conflict.
func (l *Loader) upsertSQL() string {
	names := make([]string, 0, len(complaint.Columns))
	placeholders := make([]string, 0, len(complaint.Columns))
	updates := make([]string, 0, len(complaint.Columns))
	for _, col := range complaint.Columns {
		names = append(names, col.Name)
		placeholders = append(placeholders, "?")
		if col.Name != complaint.KeyColumn {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col.Name, col.Name))
		}
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		l.qualifiedTable(),
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		complaint.KeyColumn,
		strings.Join(updates, ", "),
	)
}
