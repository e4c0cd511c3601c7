package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/priya/turnstile/internal/model"
)

// AvailabilityCache serves the event availability snapshot consulted by
// intake's fast-path check.
type AvailabilityCache struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewAvailabilityCache creates a new availability cache.
func NewAvailabilityCache(pool *pgxpool.Pool, redis *redis.Client) *AvailabilityCache {
	return &AvailabilityCache{pool: pool, redis: redis}
}

const (
	availabilityKeyPrefix = "avail:event:"

	// A short TTL keeps the intake check cheap without letting the
	// snapshot drift far from the allocator's truth. The check is
	// best-effort either way: the allocator re-validates inside its
	// transaction.
	availabilityTTL = 5 * time.Second
)

func availabilityKey(eventID uuid.UUID) string {
	return availabilityKeyPrefix + eventID.String()
}

// GetAvailability returns the availability snapshot for an event.
//
// Strategy:
//  1. Try Redis first (fast path, <1ms).
//  2. On miss, read the events row (slow path), then cache it.
//
// Redis failures fall through to the database, never to the caller.
func (r *AvailabilityCache) GetAvailability(ctx context.Context, eventID uuid.UUID) (*model.EventAvailability, error) {
	key := availabilityKey(eventID)

	// ── Fast path: Redis cache ──────────────────────────
	if data, err := r.redis.Get(ctx, key).Bytes(); err == nil {
		av := &model.EventAvailability{}
		if err := json.Unmarshal(data, av); err == nil {
			return av, nil
		}
		// Corrupt entry: drop it and re-read from the database.
		_ = r.redis.Del(ctx, key).Err()
	}

	// ── Slow path: events row ───────────────────────────
	av, err := r.queryAvailabilityFromDB(ctx, eventID)
	if err != nil {
		return nil, err
	}

	// Cache the result (fire-and-forget, don't block on errors).
	if payload, err := json.Marshal(av); err == nil {
		_ = r.redis.Set(ctx, key, payload, availabilityTTL).Err()
	}

	return av, nil
}

func (r *AvailabilityCache) queryAvailabilityFromDB(ctx context.Context, eventID uuid.UUID) (*model.EventAvailability, error) {
	av := &model.EventAvailability{EventID: eventID}
	err := r.pool.QueryRow(ctx, `
		SELECT available_tickets, starts_at
		FROM events
		WHERE id = $1
	`, eventID).Scan(&av.AvailableTickets, &av.StartsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("availability for event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("availability for event %s: %w", eventID, err)
	}
	return av, nil
}

// Invalidate clears the cached snapshot for an event. Called after
// every committed allocation so the intake fast path converges on the
// new counters ahead of the TTL.
func (r *AvailabilityCache) Invalidate(ctx context.Context, eventID uuid.UUID) {
	_ = r.redis.Del(ctx, availabilityKey(eventID)).Err()
}
