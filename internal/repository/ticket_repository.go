package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/priya/turnstile/internal/model"
)

// TicketRepository reads allocated ticket rows. Tickets are only ever
// written inside the allocation transaction.
type TicketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository creates a new ticket repository.
func NewTicketRepository(pool *pgxpool.Pool) *TicketRepository {
	return &TicketRepository{pool: pool}
}

// ListByPurchase returns the tickets allocated to a purchase (the
// completed intent's id), oldest first.
func (r *TicketRepository) ListByPurchase(ctx context.Context, purchaseID uuid.UUID) ([]model.Ticket, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, purchase_id, issued_at
		FROM tickets
		WHERE purchase_id = $1
		ORDER BY issued_at ASC, id ASC
	`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("list tickets for purchase %s: %w", purchaseID, err)
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		var t model.Ticket
		if err := rows.Scan(&t.ID, &t.EventID, &t.PurchaseID, &t.IssuedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}
