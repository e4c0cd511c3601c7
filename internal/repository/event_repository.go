// Package repository provides PostgreSQL access for the ticket queue system.
//
// AllocationRepository handles the transactional ticket allocation with
// pessimistic locking (SELECT ... FOR UPDATE) plus an optimistic version
// guard on the event counters. The other repositories are conventional
// pgx CRUD over the schema in migrations/001_create_schema.up.sql.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/priya/turnstile/internal/model"
)

// ErrNotFound is returned when a requested row does not exist. Callers
// match it with errors.Is; the wrapping message names the entity.
var ErrNotFound = errors.New("not found")

// EventRepository handles event rows.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates a new event repository.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// CreateEvent inserts a new event with a full stock of tickets.
// available_tickets starts equal to total_tickets; only the allocator
// decrements it afterwards.
func (r *EventRepository) CreateEvent(ctx context.Context, ev *model.Event) (*model.Event, error) {
	if ev.TotalTickets < 0 {
		return nil, fmt.Errorf("create event: total_tickets must not be negative, got %d", ev.TotalTickets)
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	query := `
		INSERT INTO events (id, name, starts_at, total_tickets, available_tickets)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING version, created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		ev.ID, ev.Name, ev.StartsAt, ev.TotalTickets,
	).Scan(&ev.Version, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	ev.AvailableTickets = ev.TotalTickets
	return ev, nil
}

// GetEvent fetches an event by id.
func (r *EventRepository) GetEvent(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	query := `
		SELECT id, name, starts_at, total_tickets, available_tickets,
		       version, created_at, updated_at
		FROM events
		WHERE id = $1
	`
	ev := &model.Event{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&ev.ID, &ev.Name, &ev.StartsAt,
		&ev.TotalTickets, &ev.AvailableTickets,
		&ev.Version, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// ListUpcoming returns events that have not started yet, soonest first.
func (r *EventRepository) ListUpcoming(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, name, starts_at, total_tickets, available_tickets,
		       version, created_at, updated_at
		FROM events
		WHERE starts_at > now()
		ORDER BY starts_at ASC, id ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list upcoming events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(
			&ev.ID, &ev.Name, &ev.StartsAt,
			&ev.TotalTickets, &ev.AvailableTickets,
			&ev.Version, &ev.CreatedAt, &ev.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}
