package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fundflow/config"
	"fundflow/models"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(config.CacheConfig{Path: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testObservation(series string, value float64, observedAt time.Time) models.Observation {
	obs, err := models.NewObservation(series, value, observedAt, "test", nil)
	if err != nil {
		panic(err)
	}
	return obs
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := config.CacheConfig{Path: path}

	first, err := Open(cfg)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	obs := testObservation("nifty", 22000, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC))
	if err := first.Upsert(context.Background(), obs); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	first.Close()

	second, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopening existing cache failed: %v", err)
	}
	defer second.Close()

	got, found, err := second.Latest(context.Background(), "nifty")
	if err != nil || !found {
		t.Fatalf("Latest after reopen: found=%v err=%v", found, err)
	}
	if got.Value != 22000 {
		t.Errorf("unexpected value: %v", got.Value)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)

	if err := c.Upsert(ctx, testObservation("gold", 62450, at)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := c.Upsert(ctx, testObservation("gold", 62500, at)); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	history, err := c.history(ctx, "gold", 10)
	if err != nil {
		t.Fatalf("history query failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected a single row after double upsert, got %d", len(history))
	}
	if history[0].Value != 62500 {
		t.Errorf("upsert must keep the later value, got %v", history[0].Value)
	}
}

func TestLatestOrdersByObservationTime(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	older := testObservation("nav_primary", 88.10, time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC))
	newer := testObservation("nav_primary", 89.41, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC))

	// Insert newest first; Latest must still order by observation time.
	if err := c.Upsert(ctx, newer); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := c.Upsert(ctx, older); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, found, err := c.Latest(ctx, "nav_primary")
	if err != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, err)
	}
	if got.Value != 89.41 {
		t.Errorf("expected the later observation, got %v", got.Value)
	}
	if !got.ObservedAt.Equal(newer.ObservedAt) {
		t.Errorf("unexpected observed_at: %v", got.ObservedAt)
	}
}

func TestLatestAbsenceIsNotAnError(t *testing.T) {
	c := openTestCache(t)

	_, found, err := c.Latest(context.Background(), "never_written")
	if err != nil {
		t.Fatalf("absence must not be an error, got %v", err)
	}
	if found {
		t.Error("found must be false for an unknown series")
	}
}

func TestUpsertRoundTripsMetadata(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	obs, err := models.NewObservation("nav_primary", 89.41,
		time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), "amfi",
		map[string]string{"fund_code": "120503", "fund_name": "Axis ELSS"})
	if err != nil {
		t.Fatalf("NewObservation failed: %v", err)
	}
	if err := c.Upsert(ctx, obs); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, found, err := c.Latest(ctx, "nav_primary")
	if err != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, err)
	}
	if got.Metadata["fund_code"] != "120503" {
		t.Errorf("metadata did not survive the round trip: %v", got.Metadata)
	}
}

func TestRetentionPrunesOldRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := Open(config.CacheConfig{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx := context.Background()
	stale := testObservation("nifty", 18000, time.Now().Add(-60*24*time.Hour))
	fresh := testObservation("nifty", 22000, time.Now().Add(-time.Hour))
	if err := c.Upsert(ctx, stale); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := c.Upsert(ctx, fresh); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	c.Close()

	pruned, err := Open(config.CacheConfig{Path: path, Retention: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("Open with retention failed: %v", err)
	}
	defer pruned.Close()

	history, err := pruned.history(ctx, "nifty", 10)
	if err != nil {
		t.Fatalf("history query failed: %v", err)
	}
	if len(history) != 1 || history[0].Value != 22000 {
		t.Errorf("expected only the fresh row to survive, got %+v", history)
	}
}
