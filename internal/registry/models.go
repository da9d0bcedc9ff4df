package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "pending"
	OrderStatusPendingReview OrderStatus = "pending_review"
	OrderStatusPaid          OrderStatus = "paid"
	OrderStatusRejected      OrderStatus = "rejected"
)

// AllOrderStatuses lists every status in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPendingReview,
	OrderStatusPaid,
	OrderStatusRejected,
}

// Terminal reports whether no transition may leave s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusPaid || s == OrderStatusRejected
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	for _, known := range AllOrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// allowedFrom lists the states each target may be entered from.
var allowedFrom = map[OrderStatus][]OrderStatus{
	OrderStatusPendingReview: {OrderStatusPending},
	OrderStatusPaid:          {OrderStatusPending, OrderStatusPendingReview},
	OrderStatusRejected:      {OrderStatusPendingReview},
}

// CanTransition reports whether from -> to is an edge of the order state machine.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Order is a buyer's purchase intent awaiting payment confirmation.
// Orders are never deleted.
type Order struct {
	ID             string      `json:"order_id"`
	BuyerID        string      `json:"buyer_id"`
	PlanID         string      `json:"plan_id"`
	PriceAmount    float64     `json:"price_amount"`
	RoleID         string      `json:"role_id"` // entitlement the plan grants
	DurationDays   int         `json:"duration_days"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	DecidedBy      string      `json:"decided_by,omitempty"`
	DecisionReason string      `json:"decision_reason,omitempty"`
}

// Entitlement is a live, time-limited grant of a role to a buyer.
type Entitlement struct {
	ID        string    `json:"entitlement_id"`
	OrderID   string    `json:"order_id"`
	BuyerID   string    `json:"buyer_id"`
	RoleID    string    `json:"role_id"`
	PlanID    string    `json:"plan_id"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EventKind classifies order audit events.
type EventKind string

const (
	EventCreated    EventKind = "created"
	EventEvidence   EventKind = "evidence"
	EventTransition EventKind = "transition"
	EventGranted    EventKind = "granted"
	EventGrantFail  EventKind = "grant_failed"
	EventRevoked    EventKind = "revoked"
	EventRepaired   EventKind = "repaired"
)

// maxEventDetail bounds the evidence excerpt kept in the audit trail.
const maxEventDetail = 280

// OrderEvent is one audit-trail entry for an order.
type OrderEvent struct {
	ID        string    `json:"event_id"`
	OrderID   string    `json:"order_id"`
	Kind      EventKind `json:"kind"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrOpenOrderExists is returned when a buyer with an open order asks for a different plan.
var ErrOpenOrderExists = errors.New("buyer already has an open order")

// OpenOrderError carries the open order that blocked a new one.
type OpenOrderError struct {
	Existing *Order
}

func (e *OpenOrderError) Error() string {
	return fmt.Sprintf("%v: %s (%s)", ErrOpenOrderExists, e.Existing.ID, e.Existing.Status)
}

func (e *OpenOrderError) Unwrap() error {
	return ErrOpenOrderExists
}

// GenerateOrderID returns an ID of the form "INV" + unix seconds + four random
// digits, short enough for a buyer to copy into a transfer memo.
func GenerateOrderID(now time.Time) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate order id: %w", err)
	}
	return fmt.Sprintf("INV%d%04d", now.Unix(), n.Int64()), nil
}

// GenerateEntitlementID returns "ent_" followed by a lowercase ULID.
func GenerateEntitlementID() string {
	return "ent_" + strings.ToLower(ulid.Make().String())
}

func truncateDetail(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxEventDetail {
		return s
	}
	return string(r[:maxEventDetail-1]) + "…"
}
