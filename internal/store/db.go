// Package store manages validated model files on disk: layout,
// checksum verification, sidecar-marked downloads, and SQLite-backed
// metadata. The pool consults it for readiness before preparing an
// instance.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps the SQLite metadata database. WAL mode for crash-safe writes.
type DB struct {
	db *sql.DB
}

// OpenDB creates or opens dir/store.db.
func OpenDB(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dsn := filepath.Join(dir, "store.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS models (
		id           TEXT PRIMARY KEY,
		engine       TEXT NOT NULL,
		path         TEXT NOT NULL,
		digest       TEXT,
		size_bytes   INTEGER NOT NULL DEFAULT 0,
		validated_at TEXT NOT NULL
	)`)
	return err
}

func (d *DB) Close() error { return d.db.Close() }

// ModelRecord is one validated model's metadata row.
type ModelRecord struct {
	ID          string
	Engine      string
	Path        string
	Digest      string
	SizeBytes   int64
	ValidatedAt time.Time
}

// Upsert records a validated model.
func (d *DB) Upsert(rec ModelRecord) error {
	_, err := d.db.Exec(`INSERT INTO models (id, engine, path, digest, size_bytes, validated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			engine = excluded.engine, path = excluded.path, digest = excluded.digest,
			size_bytes = excluded.size_bytes, validated_at = excluded.validated_at`,
		rec.ID, rec.Engine, rec.Path, rec.Digest, rec.SizeBytes,
		rec.ValidatedAt.UTC().Format(time.RFC3339))
	return err
}

// Get returns one model's metadata, or nil if unknown.
func (d *DB) Get(id string) (*ModelRecord, error) {
	row := d.db.QueryRow(`SELECT id, engine, path, digest, size_bytes, validated_at FROM models WHERE id = ?`, id)
	var rec ModelRecord
	var ts string
	if err := row.Scan(&rec.ID, &rec.Engine, &rec.Path, &rec.Digest, &rec.SizeBytes, &ts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.ValidatedAt, _ = time.Parse(time.RFC3339, ts)
	return &rec, nil
}

// List returns all recorded models.
func (d *DB) List() ([]ModelRecord, error) {
	rows, err := d.db.Query(`SELECT id, engine, path, digest, size_bytes, validated_at FROM models ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelRecord
	for rows.Next() {
		var rec ModelRecord
		var ts string
		if err := rows.Scan(&rec.ID, &rec.Engine, &rec.Path, &rec.Digest, &rec.SizeBytes, &ts); err != nil {
			return nil, err
		}
		rec.ValidatedAt, _ = time.Parse(time.RFC3339, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}
