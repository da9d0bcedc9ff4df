package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/evidence"
	"github.com/rcourtman/slipgate/internal/gatemetrics"
	"github.com/rcourtman/slipgate/internal/logging"
	"github.com/rcourtman/slipgate/internal/workflow"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB

	// CallbackSource names the payment provider in evidence and audit entries.
	CallbackSource = "stripe"

	// OrderMetadataKey carries the order ID on checkout sessions.
	OrderMetadataKey = "order_id"
)

// WebhookHandler turns signed payment-provider events into callback evidence.
type WebhookHandler struct {
	secret string
	flow   Workflow
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	OrderID  string `json:"order_id,omitempty"`
	Status   string `json:"status,omitempty"`
}

// CheckoutSession is the subset of a checkout.session object the handler reads.
type CheckoutSession struct {
	ID                string            `json:"id"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// OrderID returns the order the session pays for.
func (s CheckoutSession) OrderID() string {
	if id := strings.TrimSpace(s.Metadata[OrderMetadataKey]); id != "" {
		return id
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

// NewWebhookHandler creates a payment webhook HTTP handler.
func NewWebhookHandler(secret string, flow Workflow) *WebhookHandler {
	return &WebhookHandler{secret: secret, flow: flow}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		gatemetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		gatemetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	resp, err := h.handleEvent(r, &event)
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Payment webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, status, resp)
}

// handleEvent returns an error only for failures worth a provider retry.
func (h *WebhookHandler) handleEvent(r *http.Request, event *stripelib.Event) (webhookReceivedResponse, error) {
	logger := logging.FromContext(r.Context()).With().Str("event_id", event.ID).Str("type", string(event.Type)).Logger()

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return webhookReceivedResponse{}, fmt.Errorf("decode checkout.session: %w", err)
		}
		orderID := session.OrderID()
		if orderID == "" {
			logger.Warn().Str("session_id", session.ID).Msg("Checkout session without order reference ignored")
			return webhookReceivedResponse{Received: true}, nil
		}
		if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
			logger.Info().Str("order_id", orderID).Str("payment_status", session.PaymentStatus).Msg("Checkout session not paid yet")
			return webhookReceivedResponse{Received: true, OrderID: orderID}, nil
		}

		res, err := h.flow.SubmitEvidenceForOrder(r.Context(), orderID, workflow.Submission{
			Evidence: evidence.Callback(orderID, CallbackSource),
			Actor:    CallbackSource,
		})
		if err != nil {
			if internalerrors.IsRetryableError(err) {
				return webhookReceivedResponse{}, err
			}
			logger.Warn().Err(err).Str("order_id", orderID).Msg("Payment callback not applied")
			return webhookReceivedResponse{Received: true, OrderID: orderID}, nil
		}
		logger.Info().
			Str("order_id", orderID).
			Str("verdict", string(res.Verdict.Outcome)).
			Str("status", string(res.Order.Status)).
			Msg("Payment callback applied")
		return webhookReceivedResponse{Received: true, OrderID: orderID, Status: string(res.Order.Status)}, nil

	default:
		logger.Info().Msg("Payment webhook ignored (unhandled type)")
		return webhookReceivedResponse{Received: true}, nil
	}
}
