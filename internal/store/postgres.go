package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bustracker/internal/obs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to postgres through the pgx database/sql driver.
func Open(databaseURL string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("openDB: open postgres database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("openDB: verify postgres connection: %w", err)
	}
	return db, nil
}

// Postgres stores buses in a single table; updated_at is assigned by the
// database clock.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) ListBuses(ctx context.Context) (buses []Bus, err error) {
	defer obs.Time(ctx, "store.list_buses")(&err)

	rows, err := p.db.QueryContext(ctx, `SELECT id, name, lat, lon, updated_at FROM buses ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list buses: query: %w", err)
	}
	defer rows.Close()

	buses = []Bus{}
	for rows.Next() {
		var (
			b        Bus
			lat, lon sql.NullFloat64
			updated  sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.Name, &lat, &lon, &updated); err != nil {
			return nil, fmt.Errorf("list buses: scan: %w", err)
		}
		if lat.Valid && lon.Valid {
			b.Lat, b.Lon = &lat.Float64, &lon.Float64
		}
		if updated.Valid {
			ts := updated.Time.UTC()
			b.UpdatedAt = &ts
		}
		buses = append(buses, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buses: iterate: %w", err)
	}
	return buses, nil
}

func (p *Postgres) UpdatePosition(ctx context.Context, id string, lat, lon float64) (ts time.Time, err error) {
	defer obs.Time(ctx, "store.update_position")(&err)

	row := p.db.QueryRowContext(ctx,
		`UPDATE buses SET lat = $2, lon = $3, updated_at = now() WHERE id = $1 RETURNING updated_at`,
		id, lat, lon)
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, fmt.Errorf("update position %q: %w", id, ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("update position %q: %w", id, err)
	}
	return ts.UTC(), nil
}

// InitSchema creates the buses table if it does not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("init schema: DB is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("init schema: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS buses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			lat DOUBLE PRECISION,
			lon DOUBLE PRECISION,
			updated_at TIMESTAMPTZ,
			CHECK (lat IS NULL OR (lat BETWEEN -90 AND 90)),
			CHECK (lon IS NULL OR (lon BETWEEN -180 AND 180))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buses_name ON buses(name)`,
	}
	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: exec statement #%d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("init schema: commit tx: %w", err)
	}
	return nil
}

// SeedFromJSON upserts bus records from a JSON file. Existing positions are
// kept unless the seed carries one.
func SeedFromJSON(ctx context.Context, db *sql.DB, jsonPath string) error {
	seeds, err := ReadSeed(jsonPath)
	if err != nil {
		return fmt.Errorf("seed buses: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seed buses: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO buses (id, name, lat, lon, updated_at)
		VALUES ($1, $2, $3, $4, CASE WHEN $3::double precision IS NULL THEN NULL ELSE now() END)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			lat = COALESCE(EXCLUDED.lat, buses.lat),
			lon = COALESCE(EXCLUDED.lon, buses.lon),
			updated_at = COALESCE(EXCLUDED.updated_at, buses.updated_at)`)
	if err != nil {
		return fmt.Errorf("seed buses: prepare: %w", err)
	}
	defer stmt.Close()

	for _, s := range seeds {
		if _, err := stmt.ExecContext(ctx, s.ID, s.Name, s.Lat, s.Lon); err != nil {
			return fmt.Errorf("seed buses: insert %q: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("seed buses: commit tx: %w", err)
	}
	return nil
}
