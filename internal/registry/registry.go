// Package registry is the SQLite-backed model registry: it maps model names
// to their worker executables and default configurations, so that run
// configs can refer to models by name alone.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

var (
	// ErrModelNotFound is returned when looking up an unregistered model.
	ErrModelNotFound = errors.New("model not registered")
	// ErrModelExists is returned when registering over an existing entry
	// without asking for an overwrite.
	ErrModelExists = errors.New("model already registered")
)

// Model is one registry entry. DefaultCfg holds the model's default
// configuration as parsed YAML.
type Model struct {
	Name         string
	Executable   string
	Description  string
	DefaultCfg   map[string]any
	RegisteredAt time.Time
}

// Registry is a SQLite-backed persistence layer for model entries.
type Registry struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// DefaultPath resolves the registry database location, honoring
// XDG_DATA_HOME.
func DefaultPath() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "utopya", "registry.db")
}

// Open opens (creating if necessary) the registry database at path and
// applies migrations.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// Ping checks database connectivity.
func (r *Registry) Ping(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not initialized")
	}
	return r.db.PingContext(ctx)
}

// Register stores a model entry. Without overwrite, registering an existing
// name fails with ErrModelExists.
func (r *Registry) Register(ctx context.Context, m Model, overwrite bool) error {
	if m.Name == "" {
		return errors.New("model name must not be empty")
	}
	if m.Executable == "" {
		return errors.New("model executable must not be empty")
	}
	if !overwrite {
		if _, err := r.Get(ctx, m.Name); err == nil {
			return fmt.Errorf("%w: %s", ErrModelExists, m.Name)
		} else if !errors.Is(err, ErrModelNotFound) {
			return err
		}
	}
	cfgText := ""
	if len(m.DefaultCfg) > 0 {
		raw, err := yaml.Marshal(m.DefaultCfg)
		if err != nil {
			return fmt.Errorf("encode default config: %w", err)
		}
		cfgText = string(raw)
	}
	if m.RegisteredAt.IsZero() {
		m.RegisteredAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO models (name, executable, description, default_cfg, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			executable = excluded.executable,
			description = excluded.description,
			default_cfg = excluded.default_cfg,
			registered_at = excluded.registered_at`,
		m.Name, m.Executable, m.Description, cfgText, m.RegisteredAt)
	if err != nil {
		return fmt.Errorf("register model %s: %w", m.Name, err)
	}
	return nil
}

// Get looks up a model by name.
func (r *Registry) Get(ctx context.Context, name string) (Model, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, executable, description, default_cfg, registered_at
		FROM models WHERE name = ?`, name)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return m, err
}

// List returns all registered models, ordered by name.
func (r *Registry) List(ctx context.Context) ([]Model, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, executable, description, default_cfg, registered_at
		FROM models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()
	var out []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Remove deletes a model entry; removing an unknown name fails with
// ErrModelNotFound.
func (r *Registry) Remove(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM models WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove model %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (Model, error) {
	var m Model
	var cfgText string
	if err := row.Scan(&m.Name, &m.Executable, &m.Description, &cfgText,
		&m.RegisteredAt); err != nil {
		return Model{}, err
	}
	if cfgText != "" {
		if err := yaml.Unmarshal([]byte(cfgText), &m.DefaultCfg); err != nil {
			return Model{}, fmt.Errorf("decode default config of %s: %w", m.Name, err)
		}
	}
	return m, nil
}
