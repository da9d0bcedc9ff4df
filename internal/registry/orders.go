package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	internalerrors "github.com/rcourtman/slipgate/internal/errors"
)

const orderColumns = `order_id, buyer_id, plan_id, price_amount, role_id, duration_days,
	status, created_at, updated_at, decided_by, decision_reason`

// OrderLedger records purchase intents and their state transitions.
type OrderLedger struct {
	db *sql.DB
}

// NewOrder describes a purchase intent to record.
type NewOrder struct {
	BuyerID      string
	PlanID       string
	PriceAmount  float64
	RoleID       string
	DurationDays int
	// OpenTTL bounds how long a pending order blocks new intents.
	OpenTTL time.Duration
}

// Create records a pending order for the buyer. When the buyer already has
// an open order for the same plan, that order is returned with created=false.
// An open order for a different plan yields an *OpenOrderError.
func (l *OrderLedger) Create(ctx context.Context, in NewOrder, now time.Time) (*Order, bool, error) {
	if strings.TrimSpace(in.BuyerID) == "" || strings.TrimSpace(in.PlanID) == "" {
		return nil, false, internalerrors.Validation("ledger.create", in.BuyerID, fmt.Errorf("buyer and plan are required"))
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, internalerrors.Transient("ledger.create", in.BuyerID, err)
	}
	defer func() { _ = tx.Rollback() }()

	open, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = ? AND (status = ? OR (status = ? AND created_at >= ?))
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		in.BuyerID, string(OrderStatusPendingReview), string(OrderStatusPending), openSince(now, in.OpenTTL)))
	if err != nil {
		return nil, false, internalerrors.Transient("ledger.create", in.BuyerID, err)
	}
	if open != nil {
		if open.PlanID == in.PlanID {
			return open, false, nil
		}
		return nil, false, &OpenOrderError{Existing: open}
	}

	o := &Order{
		BuyerID:      in.BuyerID,
		PlanID:       in.PlanID,
		PriceAmount:  in.PriceAmount,
		RoleID:       in.RoleID,
		DurationDays: in.DurationDays,
		Status:       OrderStatusPending,
		CreatedAt:    now.UTC().Truncate(time.Second),
	}
	o.UpdatedAt = o.CreatedAt

	for attempt := 0; ; attempt++ {
		id, err := GenerateOrderID(now)
		if err != nil {
			return nil, false, err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '')
			ON CONFLICT(order_id) DO NOTHING`,
			id, o.BuyerID, o.PlanID, o.PriceAmount, o.RoleID, o.DurationDays,
			string(o.Status), o.CreatedAt.Unix(), o.UpdatedAt.Unix())
		if err != nil {
			return nil, false, internalerrors.Transient("ledger.create", in.BuyerID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			o.ID = id
			break
		}
		if attempt >= 4 {
			return nil, false, fmt.Errorf("allocate order id: too many collisions")
		}
	}

	if err := insertEvent(ctx, tx, o.ID, EventCreated, o.BuyerID, fmt.Sprintf("plan %s at %.2f", o.PlanID, o.PriceAmount), now); err != nil {
		return nil, false, internalerrors.Transient("ledger.create", o.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, internalerrors.Transient("ledger.create", o.ID, err)
	}
	return o, true, nil
}

// Get retrieves an order by ID. It returns nil, nil when absent.
func (l *OrderLedger) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(l.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, id))
	if err != nil {
		return nil, internalerrors.Transient("ledger.get", id, err)
	}
	return o, nil
}

// FindLatest returns the buyer's most recently created order in any status.
func (l *OrderLedger) FindLatest(ctx context.Context, buyerID string) (*Order, error) {
	o, err := scanOrder(l.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, buyerID))
	if err != nil {
		return nil, internalerrors.Transient("ledger.find_latest", buyerID, err)
	}
	return o, nil
}

// FindOpen returns the buyer's most recent open order: one awaiting review,
// or pending and younger than ttl.
func (l *OrderLedger) FindOpen(ctx context.Context, buyerID string, now time.Time, ttl time.Duration) (*Order, error) {
	o, err := scanOrder(l.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = ? AND (status = ? OR (status = ? AND created_at >= ?))
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		buyerID, string(OrderStatusPendingReview), string(OrderStatusPending), openSince(now, ttl)))
	if err != nil {
		return nil, internalerrors.Transient("ledger.find_open", buyerID, err)
	}
	return o, nil
}

// OrderFilter narrows List results. Zero values match everything.
type OrderFilter struct {
	BuyerID string
	Status  OrderStatus
	Limit   int
}

// List returns orders, newest first.
func (l *OrderLedger) List(ctx context.Context, f OrderFilter) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	var args []any
	if f.BuyerID != "" {
		query += ` AND buyer_id = ?`
		args = append(args, f.BuyerID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalerrors.Transient("ledger.list", "", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CountByStatus returns a map of status -> count.
func (l *OrderLedger) CountByStatus(ctx context.Context) (map[OrderStatus]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[OrderStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[OrderStatus(status)] = count
	}
	return counts, rows.Err()
}

// TransitionResult reports the order after a transition attempt.
// Changed is false when the order was already in, or past, the target state.
type TransitionResult struct {
	Order   *Order
	Changed bool
	// Entitlement is the grant committed with a transition to paid.
	Entitlement *Entitlement
}

// MarkPendingReview moves a pending order into the review queue.
func (l *OrderLedger) MarkPendingReview(ctx context.Context, id, actor, reason string, now time.Time) (TransitionResult, error) {
	return l.transition(ctx, id, OrderStatusPendingReview, actor, reason, now)
}

// MarkPaid confirms payment for a pending or under-review order. The
// order's entitlement is persisted in the same transaction, so a paid
// order always has one.
func (l *OrderLedger) MarkPaid(ctx context.Context, id, actor, reason string, now time.Time) (TransitionResult, error) {
	return l.transition(ctx, id, OrderStatusPaid, actor, reason, now)
}

// MarkRejected rejects an order under review.
func (l *OrderLedger) MarkRejected(ctx context.Context, id, actor, reason string, now time.Time) (TransitionResult, error) {
	return l.transition(ctx, id, OrderStatusRejected, actor, reason, now)
}

// transition applies a compare-and-set status change. Re-applying a
// transition, or targeting an order that is already terminal, is a no-op.
func (l *OrderLedger) transition(ctx context.Context, id string, to OrderStatus, actor, reason string, now time.Time) (TransitionResult, error) {
	op := "ledger.mark_" + string(to)
	from := allowedFrom[to]
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, internalerrors.Transient(op, id, err)
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{string(to), now.UTC().Unix(), actor, reason, id}
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := tx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ?, decided_by = ?, decision_reason = ?
		WHERE order_id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return TransitionResult{}, internalerrors.Transient(op, id, err)
	}
	changed, _ := res.RowsAffected()

	current, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, id))
	if err != nil {
		return TransitionResult{}, internalerrors.Transient(op, id, err)
	}
	if current == nil {
		return TransitionResult{}, internalerrors.NotFound(op, id)
	}

	if changed == 1 {
		detail := string(to)
		if reason != "" {
			detail += ": " + reason
		}
		if err := insertEvent(ctx, tx, id, EventTransition, actor, detail, now); err != nil {
			return TransitionResult{}, internalerrors.Transient(op, id, err)
		}
		result := TransitionResult{Order: current, Changed: true}
		if to == OrderStatusPaid {
			e, err := grantInTx(ctx, tx, current, actor, now)
			if err != nil {
				return TransitionResult{}, err
			}
			result.Entitlement = e
		}
		if err := tx.Commit(); err != nil {
			return TransitionResult{}, internalerrors.Transient(op, id, err)
		}
		return result, nil
	}

	if current.Status == to || current.Status.Terminal() {
		return TransitionResult{Order: current}, nil
	}
	return TransitionResult{Order: current}, internalerrors.InvalidTransition(op, id, string(current.Status), string(to))
}

func grantInTx(ctx context.Context, tx *sql.Tx, o *Order, actor string, now time.Time) (*Entitlement, error) {
	g := NewGrant{
		OrderID:      o.ID,
		BuyerID:      o.BuyerID,
		RoleID:       o.RoleID,
		PlanID:       o.PlanID,
		DurationDays: o.DurationDays,
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	e, _, err := insertEntitlement(ctx, tx, g, now)
	if err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("%s until %s", e.ID, e.ExpiresAt.Format(time.RFC3339))
	if err := insertEvent(ctx, tx, o.ID, EventGranted, actor, detail, now); err != nil {
		return nil, internalerrors.Transient("ledger.grant", o.ID, err)
	}
	return e, nil
}

func openSince(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return now.UTC().Unix()
	}
	return now.UTC().Add(-ttl).Unix()
}

func scanOrder(s scanner) (*Order, error) {
	var o Order
	var status string
	var createdAt, updatedAt int64

	err := s.Scan(
		&o.ID, &o.BuyerID, &o.PlanID, &o.PriceAmount, &o.RoleID, &o.DurationDays,
		&status, &createdAt, &updatedAt, &o.DecidedBy, &o.DecisionReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = OrderStatus(status)
	o.CreatedAt = unixUTC(createdAt)
	o.UpdatedAt = unixUTC(updatedAt)
	return &o, nil
}
