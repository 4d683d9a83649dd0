package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS observations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	series_id   TEXT    NOT NULL,
	value       REAL    NOT NULL,
	observed_at INTEGER NOT NULL,
	source      TEXT    NOT NULL,
	metadata    TEXT    NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL,
	UNIQUE (series_id, observed_at)
);
CREATE INDEX IF NOT EXISTS idx_observations_series_time
	ON observations (series_id, observed_at DESC);
`

// Cache persists resolved observations in an embedded SQLite database so the
// last known value stays available when every live source is down.
// Timestamps are stored as unix nanoseconds; the UNIQUE constraint makes
// upserts idempotent per (series, observation time).
type Cache struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
	log       *logger.Log
}

// Open creates the database file (and parent directory) if needed and applies
// the schema. Opening an already-initialized cache is a no-op beyond the
// connection itself.
func Open(cfg config.CacheConfig) (*Cache, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}

	c := &Cache{
		db:        db,
		retention: cfg.Retention,
		now:       time.Now,
		log:       logger.GetLogger(),
	}
	if err := c.prune(context.Background()); err != nil {
		c.log.WithComponent("cache").WithError(err).Warn("Pruning stale observations failed")
	}
	return c, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Upsert stores an observation, replacing any prior row for the same series
// and observation time. Calling it twice with the same observation leaves a
// single row.
func (c *Cache) Upsert(ctx context.Context, obs models.Observation) error {
	metadata := "{}"
	if len(obs.Metadata) > 0 {
		raw, err := json.Marshal(obs.Metadata)
		if err != nil {
			return fmt.Errorf("encode observation metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO observations (series_id, value, observed_at, source, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (series_id, observed_at) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			metadata = excluded.metadata`,
		obs.Series, obs.Value, obs.ObservedAt.UnixNano(), obs.Source, metadata, c.now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert observation for %s: %w", obs.Series, err)
	}

	logger.IncrementCacheUpsert()
	return nil
}

// Latest returns the most recent observation for a series by observation
// time. A series with no rows is reported through the boolean, not an error.
func (c *Cache) Latest(ctx context.Context, series string) (models.Observation, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT series_id, value, observed_at, source, metadata
		FROM observations
		WHERE series_id = ?
		ORDER BY observed_at DESC
		LIMIT 1`, series)

	var (
		obs      models.Observation
		unixNano int64
		metadata string
	)
	err := row.Scan(&obs.Series, &obs.Value, &unixNano, &obs.Source, &metadata)
	if err == sql.ErrNoRows {
		return models.Observation{}, false, nil
	}
	if err != nil {
		return models.Observation{}, false, fmt.Errorf("query latest observation for %s: %w", series, err)
	}

	obs.ObservedAt = time.Unix(0, unixNano).UTC()
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &obs.Metadata); err != nil {
			return models.Observation{}, false, fmt.Errorf("decode observation metadata for %s: %w", series, err)
		}
	}
	return obs, true, nil
}

// history returns up to limit observations for a series, newest first. Kept
// unexported; the pipeline reads only Latest, this exists for inspection in
// tests.
func (c *Cache) history(ctx context.Context, series string, limit int) ([]models.Observation, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT series_id, value, observed_at, source, metadata
		FROM observations
		WHERE series_id = ?
		ORDER BY observed_at DESC
		LIMIT ?`, series, limit)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", series, err)
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		var (
			obs      models.Observation
			unixNano int64
			metadata string
		)
		if err := rows.Scan(&obs.Series, &obs.Value, &unixNano, &obs.Source, &metadata); err != nil {
			return nil, fmt.Errorf("scan history row for %s: %w", series, err)
		}
		obs.ObservedAt = time.Unix(0, unixNano).UTC()
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &obs.Metadata); err != nil {
				return nil, fmt.Errorf("decode observation metadata for %s: %w", series, err)
			}
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// prune deletes observations older than the retention window. Zero retention
// keeps everything.
func (c *Cache) prune(ctx context.Context) error {
	if c.retention <= 0 {
		return nil
	}
	cutoff := c.now().Add(-c.retention).UnixNano()
	res, err := c.db.ExecContext(ctx, `DELETE FROM observations WHERE observed_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		c.log.WithComponent("cache").WithFields(logger.Fields{"pruned": n}).Info("Pruned stale observations")
	}
	return nil
}
