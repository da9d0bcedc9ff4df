package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	internalerrors "github.com/rcourtman/slipgate/internal/errors"
)

const entitlementColumns = `entitlement_id, order_id, buyer_id, role_id, plan_id, granted_at, expires_at`

// EntitlementStore tracks live role grants and their expiry.
type EntitlementStore struct {
	db *sql.DB
}

// NewGrant describes an entitlement to persist.
type NewGrant struct {
	OrderID      string
	BuyerID      string
	RoleID       string
	PlanID       string
	DurationDays int
}

// Grant persists an entitlement expiring DurationDays*86400 seconds after now.
// Granting twice for the same order returns the existing record with created=false.
func (s *EntitlementStore) Grant(ctx context.Context, g NewGrant, now time.Time) (*Entitlement, bool, error) {
	if err := g.validate(); err != nil {
		return nil, false, err
	}
	return insertEntitlement(ctx, s.db, g, now)
}

func (g NewGrant) validate() error {
	if g.OrderID == "" || g.BuyerID == "" || g.RoleID == "" {
		return internalerrors.Validation("entitlements.grant", g.OrderID, fmt.Errorf("order, buyer and role are required"))
	}
	if g.DurationDays <= 0 {
		return internalerrors.Validation("entitlements.grant", g.OrderID, fmt.Errorf("duration must be positive, got %d days", g.DurationDays))
	}
	return nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertEntitlement(ctx context.Context, db dbtx, g NewGrant, now time.Time) (*Entitlement, bool, error) {
	grantedAt := now.UTC().Unix()
	expiresAt := grantedAt + int64(g.DurationDays)*86400

	res, err := db.ExecContext(ctx, `INSERT INTO entitlements (`+entitlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING`,
		GenerateEntitlementID(), g.OrderID, g.BuyerID, g.RoleID, g.PlanID, grantedAt, expiresAt)
	if err != nil {
		return nil, false, internalerrors.Transient("entitlements.grant", g.OrderID, err)
	}
	inserted, _ := res.RowsAffected()

	e, err := scanEntitlement(db.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE order_id = ?`, g.OrderID))
	if err != nil {
		return nil, false, internalerrors.Transient("entitlements.grant", g.OrderID, err)
	}
	if e == nil {
		return nil, false, internalerrors.Transient("entitlements.grant", g.OrderID, fmt.Errorf("entitlement vanished after insert"))
	}
	return e, inserted == 1, nil
}

// Get retrieves an entitlement by ID. It returns nil, nil when absent.
func (s *EntitlementStore) Get(ctx context.Context, id string) (*Entitlement, error) {
	e, err := scanEntitlement(s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE entitlement_id = ?`, id))
	if err != nil {
		return nil, internalerrors.Transient("entitlements.get", id, err)
	}
	return e, nil
}

// GetByOrder retrieves the entitlement granted for an order.
func (s *EntitlementStore) GetByOrder(ctx context.Context, orderID string) (*Entitlement, error) {
	e, err := scanEntitlement(s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE order_id = ?`, orderID))
	if err != nil {
		return nil, internalerrors.Transient("entitlements.get_by_order", orderID, err)
	}
	return e, nil
}

// ListDue returns every entitlement whose expiry is at or before now, soonest first.
func (s *EntitlementStore) ListDue(ctx context.Context, now time.Time) ([]*Entitlement, error) {
	return s.query(ctx, "entitlements.list_due",
		`SELECT `+entitlementColumns+` FROM entitlements WHERE expires_at <= ? ORDER BY expires_at ASC, entitlement_id ASC`,
		now.UTC().Unix())
}

// ListLive returns every entitlement that has not yet expired at now.
func (s *EntitlementStore) ListLive(ctx context.Context, now time.Time) ([]*Entitlement, error) {
	return s.query(ctx, "entitlements.list_live",
		`SELECT `+entitlementColumns+` FROM entitlements WHERE expires_at > ? ORDER BY expires_at ASC, entitlement_id ASC`,
		now.UTC().Unix())
}

// ListByBuyer returns all stored entitlements of a buyer.
func (s *EntitlementStore) ListByBuyer(ctx context.Context, buyerID string) ([]*Entitlement, error) {
	return s.query(ctx, "entitlements.list_by_buyer",
		`SELECT `+entitlementColumns+` FROM entitlements WHERE buyer_id = ? ORDER BY expires_at ASC`, buyerID)
}

// HasOtherLive reports whether the buyer holds a live grant of the same role
// besides the entitlement being excluded.
func (s *EntitlementStore) HasOtherLive(ctx context.Context, buyerID, roleID, excludeID string, now time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entitlements
		WHERE buyer_id = ? AND role_id = ? AND entitlement_id != ? AND expires_at > ?`,
		buyerID, roleID, excludeID, now.UTC().Unix()).Scan(&n)
	if err != nil {
		return false, internalerrors.Transient("entitlements.has_other_live", buyerID, err)
	}
	return n > 0, nil
}

// Revoke deletes the entitlement record. It reports whether a record was removed.
func (s *EntitlementStore) Revoke(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entitlements WHERE entitlement_id = ?`, id)
	if err != nil {
		return false, internalerrors.Transient("entitlements.revoke", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Count returns the number of stored entitlements.
func (s *EntitlementStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entitlements`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entitlements: %w", err)
	}
	return n, nil
}

func (s *EntitlementStore) query(ctx context.Context, op, query string, args ...any) ([]*Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalerrors.Transient(op, "", err)
	}
	defer rows.Close()

	var out []*Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntitlement(s scanner) (*Entitlement, error) {
	var e Entitlement
	var grantedAt, expiresAt int64
	err := s.Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.RoleID, &e.PlanID, &grantedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}
	e.GrantedAt = unixUTC(grantedAt)
	e.ExpiresAt = unixUTC(expiresAt)
	return &e, nil
}
