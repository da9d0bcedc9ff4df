package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/slipgate/internal/auth"
	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/registry"
)

// ActorAdminAPI is recorded as the decision actor for API calls.
const ActorAdminAPI = "admin-api"

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	decisionBodyMax  = 16 * 1024
)

// AdminKeyMiddleware requires the admin key in X-Admin-Key or an
// Authorization bearer token.
func AdminKeyMiddleware(checker *auth.KeyChecker, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			authz := r.Header.Get("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
			}
		}

		if !checker.Check(key) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type orderDetail struct {
	Order       *registry.Order       `json:"order"`
	Events      []registry.OrderEvent `json:"events"`
	Entitlement *registry.Entitlement `json:"entitlement,omitempty"`
}

type decisionResponse struct {
	Order   *registry.Order `json:"order"`
	Changed bool            `json:"changed"`
	Note    string          `json:"note"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// HandleListOrders lists orders, newest first, filtered by buyer and status.
func HandleListOrders(ledger *registry.OrderLedger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := registry.OrderFilter{
			BuyerID: strings.TrimSpace(q.Get("buyer")),
			Status:  registry.OrderStatus(strings.TrimSpace(q.Get("status"))),
			Limit:   defaultListLimit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			writeErrorResponse(w, r, http.StatusBadRequest, string(internalerrors.KindValidation), "unknown status")
			return
		}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeErrorResponse(w, r, http.StatusBadRequest, string(internalerrors.KindValidation), "limit must be a positive integer")
				return
			}
			filter.Limit = min(n, maxListLimit)
		}

		orders, err := ledger.List(r.Context(), filter)
		if err != nil {
			writeFault(w, r, err)
			return
		}
		if orders == nil {
			orders = []*registry.Order{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"orders": orders,
			"count":  len(orders),
		})
	}
}

// HandleGetOrder returns one order with its audit trail and entitlement.
func HandleGetOrder(flow Workflow, entitlements *registry.EntitlementStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, events, err := flow.Describe(r.Context(), r.PathValue("id"))
		if err != nil {
			writeFault(w, r, err)
			return
		}
		e, err := entitlements.GetByOrder(r.Context(), o.ID)
		if err != nil {
			writeFault(w, r, err)
			return
		}
		if events == nil {
			events = []registry.OrderEvent{}
		}
		writeJSON(w, http.StatusOK, orderDetail{Order: o, Events: events, Entitlement: e})
	}
}

// HandleApprove marks an order under review as paid.
func HandleApprove(flow Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := flow.Approve(r.Context(), r.PathValue("id"), ActorAdminAPI)
		if err != nil {
			writeFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decisionResponse{Order: d.Order, Changed: d.Changed, Note: d.Note})
	}
}

// HandleReject rejects an order under review with the reason in the JSON body.
func HandleReject(flow Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, decisionBodyMax)
		var req rejectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFault(w, r, internalerrors.Validation("httpapi.reject", r.PathValue("id"), errors.New("body must be JSON with a reason")))
			return
		}
		d, err := flow.Reject(r.Context(), r.PathValue("id"), ActorAdminAPI, req.Reason)
		if err != nil {
			writeFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decisionResponse{Order: d.Order, Changed: d.Changed, Note: d.Note})
	}
}

// HandleListEntitlements lists live entitlements, or every stored entitlement
// of one buyer when ?buyer= is given.
func HandleListEntitlements(entitlements *registry.EntitlementStore, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			list []*registry.Entitlement
			err  error
		)
		if buyer := strings.TrimSpace(r.URL.Query().Get("buyer")); buyer != "" {
			list, err = entitlements.ListByBuyer(r.Context(), buyer)
		} else {
			list, err = entitlements.ListLive(r.Context(), now())
		}
		if err != nil {
			writeFault(w, r, err)
			return
		}
		if list == nil {
			list = []*registry.Entitlement{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entitlements": list,
			"count":        len(list),
		})
	}
}
