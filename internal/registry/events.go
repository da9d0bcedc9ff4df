package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendEvent adds an audit entry to an order's trail.
func (l *OrderLedger) AppendEvent(ctx context.Context, orderID string, kind EventKind, actor, detail string, now time.Time) error {
	return insertEvent(ctx, l.db, orderID, kind, actor, detail, now)
}

func insertEvent(ctx context.Context, ex execer, orderID string, kind EventKind, actor, detail string, now time.Time) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO order_events (event_id, order_id, kind, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		strings.ToLower(ulid.Make().String()), orderID, string(kind), actor, truncateDetail(detail), now.UTC().Unix())
	if err != nil {
		return fmt.Errorf("append order event: %w", err)
	}
	return nil
}

// Events returns an order's audit trail, oldest first.
func (l *OrderLedger) Events(ctx context.Context, orderID string) ([]OrderEvent, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT event_id, order_id, kind, actor, detail, created_at
		FROM order_events WHERE order_id = ? ORDER BY created_at ASC, event_id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order events: %w", err)
	}
	defer rows.Close()

	var events []OrderEvent
	for rows.Next() {
		var e OrderEvent
		var kind string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.OrderID, &kind, &e.Actor, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.CreatedAt = unixUTC(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
