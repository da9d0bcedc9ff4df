// Package workflow drives orders from purchase intent to a granted or
// rejected state, combining auto-verification with human override.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/slipgate/internal/clock"
	"github.com/rcourtman/slipgate/internal/config"
	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/evidence"
	"github.com/rcourtman/slipgate/internal/gatemetrics"
	"github.com/rcourtman/slipgate/internal/keylock"
	"github.com/rcourtman/slipgate/internal/logging"
	"github.com/rcourtman/slipgate/internal/notify"
	"github.com/rcourtman/slipgate/internal/platform"
	"github.com/rcourtman/slipgate/internal/registry"
	"github.com/rcourtman/slipgate/internal/verify"
)

// ActorAutoVerify is recorded for transitions made by the verification engine.
const ActorAutoVerify = "auto-verify"

// Deps are the collaborators of a Service.
type Deps struct {
	Orders       *registry.OrderLedger
	Entitlements *registry.EntitlementStore
	Catalog      *config.Catalog
	Extractor    *evidence.Extractor
	Policy       verify.Policy
	Notifier     *notify.Dispatcher
	Platform     platform.Client
	Locks        *keylock.Map
	Clock        clock.Clock
	// OrderTTL bounds how long a pending order stays open.
	OrderTTL        time.Duration
	PlatformTimeout time.Duration
}

// Service implements purchase intake, evidence submission and the decision workflow.
type Service struct {
	orders       *registry.OrderLedger
	entitlements *registry.EntitlementStore
	catalog      *config.Catalog
	extractor    *evidence.Extractor
	policy       verify.Policy
	notifier     *notify.Dispatcher
	platform     platform.Client
	locks        *keylock.Map
	clock        clock.Clock
	orderTTL     time.Duration
	timeout      time.Duration
}

// NewService creates a workflow service.
func NewService(d Deps) *Service {
	if d.Locks == nil {
		d.Locks = keylock.New()
	}
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.OrderTTL <= 0 {
		d.OrderTTL = 24 * time.Hour
	}
	if d.PlatformTimeout <= 0 {
		d.PlatformTimeout = 10 * time.Second
	}
	if d.Extractor == nil {
		d.Extractor = evidence.NewExtractor(nil)
	}
	return &Service{
		orders:       d.Orders,
		entitlements: d.Entitlements,
		catalog:      d.Catalog,
		extractor:    d.Extractor,
		policy:       d.Policy,
		notifier:     d.Notifier,
		platform:     d.Platform,
		locks:        d.Locks,
		clock:        d.Clock,
		orderTTL:     d.OrderTTL,
		timeout:      d.PlatformTimeout,
	}
}

// Plans lists the purchasable plans.
func (s *Service) Plans() []config.Plan {
	return s.catalog.List()
}

// StartPurchase records a purchase intent. created is false when the buyer's
// open order for the same plan is returned instead.
func (s *Service) StartPurchase(ctx context.Context, buyerID, planID string) (*registry.Order, bool, error) {
	plan, ok := s.catalog.Plan(planID)
	if !ok {
		return nil, false, internalerrors.Configuration("workflow.start_purchase", planID, fmt.Errorf("unknown plan %q", planID))
	}

	unlock, err := s.locks.Lock(ctx, keylock.BuyerKey(buyerID))
	if err != nil {
		return nil, false, internalerrors.Transient("workflow.start_purchase", buyerID, err)
	}
	defer unlock()

	o, created, err := s.orders.Create(ctx, registry.NewOrder{
		BuyerID:      buyerID,
		PlanID:       plan.ID,
		PriceAmount:  plan.Price,
		RoleID:       plan.RoleID,
		DurationDays: plan.DurationDays,
		OpenTTL:      s.orderTTL,
	}, s.clock.Now())
	if err != nil {
		return nil, false, err
	}
	if created {
		gatemetrics.OrdersCreatedTotal.WithLabelValues(plan.ID).Inc()
		logging.FromContext(ctx).Info().
			Str("order_id", o.ID).
			Str("buyer_id", buyerID).
			Str("plan_id", plan.ID).
			Float64("price", plan.Price).
			Msg("Order created")
	}
	return o, created, nil
}

// Submission carries evidence plus presentation details for reviewers.
type Submission struct {
	Evidence evidence.Evidence
	// Actor is recorded in the audit trail; defaults to the buyer.
	Actor     string
	BuyerName string
	// File is re-posted to overseers when the order needs review.
	File *platform.File
}

// Result is the outcome of an evidence submission.
type Result struct {
	Order   *registry.Order
	Verdict verify.Verdict
	// Changed is false when the order was already past pending.
	Changed bool
}

// SubmitEvidence attributes evidence to the buyer's open order and acts on the verdict.
func (s *Service) SubmitEvidence(ctx context.Context, buyerID string, sub Submission) (Result, error) {
	unlock, err := s.locks.Lock(ctx, keylock.BuyerKey(buyerID))
	if err != nil {
		return Result{}, internalerrors.Transient("workflow.submit_evidence", buyerID, err)
	}
	defer unlock()

	o, err := s.orders.FindOpen(ctx, buyerID, s.clock.Now(), s.orderTTL)
	if err != nil {
		return Result{}, err
	}
	if o == nil {
		return Result{}, internalerrors.NotFound("workflow.submit_evidence", buyerID)
	}
	if sub.Actor == "" {
		sub.Actor = buyerID
	}
	return s.process(ctx, o.ID, sub)
}

// SubmitEvidenceForOrder handles evidence that names its order, such as a
// payment-provider callback.
func (s *Service) SubmitEvidenceForOrder(ctx context.Context, orderID string, sub Submission) (Result, error) {
	return s.process(ctx, orderID, sub)
}

func (s *Service) process(ctx context.Context, orderID string, sub Submission) (Result, error) {
	logger := logging.FromContext(ctx).With().Str("order_id", orderID).Logger()

	unlock, err := s.locks.Lock(ctx, keylock.OrderKey(orderID))
	if err != nil {
		return Result{}, internalerrors.Transient("workflow.process_evidence", orderID, err)
	}
	defer unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o == nil {
		return Result{}, internalerrors.NotFound("workflow.process_evidence", orderID)
	}
	if o.Status.Terminal() {
		logger.Info().Str("status", string(o.Status)).Msg("Evidence for decided order ignored")
		return Result{Order: o}, nil
	}

	started := time.Now()
	signals := s.extractor.Extract(ctx, sub.Evidence)
	gatemetrics.ExtractDuration.WithLabelValues(sub.Evidence.Kind.String()).Observe(time.Since(started).Seconds())

	now := s.clock.Now()
	verdict := verify.Decide(verify.Order{ID: o.ID, PriceAmount: o.PriceAmount}, signals, s.policy, now)
	gatemetrics.VerdictsTotal.WithLabelValues(string(verdict.Outcome), string(verdict.Rule)).Inc()
	logger.Info().
		Str("buyer_id", o.BuyerID).
		Str("evidence", sub.Evidence.Kind.String()).
		Str("verdict", string(verdict.Outcome)).
		Str("rule", string(verdict.Rule)).
		Msg(verdict.Reason)

	excerpt := signals.Excerpt(200)
	detail := fmt.Sprintf("%s: %s (%s); %s", sub.Evidence.Describe(), verdict.Outcome, verdict.Reason, excerpt)
	if err := s.orders.AppendEvent(ctx, o.ID, registry.EventEvidence, sub.Actor, detail, now); err != nil {
		logger.Warn().Err(err).Msg("Failed to record evidence event")
	}

	if o.Status == registry.OrderStatusPendingReview {
		// Already waiting for a human: forward the new evidence, keep the state.
		s.requestReview(ctx, o, verdict, excerpt, sub)
		return Result{Order: o, Verdict: verdict}, nil
	}

	if verdict.Outcome == verify.Accept {
		res, err := s.orders.MarkPaid(ctx, o.ID, ActorAutoVerify, verdict.Reason, now)
		if err != nil {
			return Result{}, err
		}
		if res.Changed {
			// The order is paid; finish the grant even if the caller gives up.
			detached := context.WithoutCancel(ctx)
			s.applyRole(detached, res.Order, res.Entitlement, ActorAutoVerify)
			_ = s.notifier.AutoAccepted(detached, res.Order, verdict)
		}
		return Result{Order: res.Order, Verdict: verdict, Changed: res.Changed}, nil
	}

	res, err := s.orders.MarkPendingReview(ctx, o.ID, ActorAutoVerify, verdict.Reason, now)
	if err != nil {
		return Result{}, err
	}
	if res.Changed {
		s.requestReview(ctx, res.Order, verdict, excerpt, sub)
		_ = s.notifier.UnderReview(ctx, res.Order)
	}
	return Result{Order: res.Order, Verdict: verdict, Changed: res.Changed}, nil
}

func (s *Service) requestReview(ctx context.Context, o *registry.Order, v verify.Verdict, excerpt string, sub Submission) {
	if _, err := s.notifier.ReviewRequested(ctx, o, notify.Review{
		Verdict:   v,
		Excerpt:   excerpt,
		Evidence:  sub.File,
		BuyerName: sub.BuyerName,
	}); err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("order_id", o.ID).Msg("Review prompt not delivered")
	}
}

// Decision is the acknowledgement of a human approve or reject.
type Decision struct {
	Order   *registry.Order
	Changed bool
	// Note is a short acknowledgement for the acting overseer.
	Note string
}

// Approve marks an order under review as paid and grants its entitlement.
// Repeated or late approvals are acknowledged no-ops.
func (s *Service) Approve(ctx context.Context, orderID, actor string) (Decision, error) {
	return s.decide(ctx, orderID, actor, "approve", func(now time.Time) (registry.TransitionResult, error) {
		return s.orders.MarkPaid(ctx, orderID, actor, "", now)
	})
}

// Reject marks an order under review as rejected. A non-empty reason is required
// and is sent to the buyer.
func (s *Service) Reject(ctx context.Context, orderID, actor, reason string) (Decision, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Decision{}, internalerrors.Validation("workflow.reject", orderID, errors.New("a reason is required to reject an order"))
	}
	return s.decide(ctx, orderID, actor, "reject", func(now time.Time) (registry.TransitionResult, error) {
		return s.orders.MarkRejected(ctx, orderID, actor, reason, now)
	})
}

func (s *Service) decide(ctx context.Context, orderID, actor, action string, mark func(time.Time) (registry.TransitionResult, error)) (Decision, error) {
	logger := logging.FromContext(ctx).With().Str("order_id", orderID).Str("actor", actor).Str("action", action).Logger()

	unlock, err := s.locks.Lock(ctx, keylock.OrderKey(orderID))
	if err != nil {
		return Decision{}, internalerrors.Transient("workflow."+action, orderID, err)
	}
	defer unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Decision{}, err
	}
	if o == nil {
		return Decision{}, internalerrors.NotFound("workflow."+action, orderID)
	}

	if o.Status != registry.OrderStatusPendingReview {
		gatemetrics.DecisionsTotal.WithLabelValues(action, "noop").Inc()
		if o.Status == registry.OrderStatusPending {
			logger.Debug().Err(internalerrors.InvalidTransition("workflow."+action, orderID, string(o.Status), action)).Msg("Decision on order not under review ignored")
			return Decision{Order: o, Note: fmt.Sprintf("Order %s has no evidence awaiting review yet.", o.ID)}, nil
		}
		logger.Debug().Str("status", string(o.Status)).Msg("Repeated decision acknowledged")
		return Decision{Order: o, Note: fmt.Sprintf("Order %s was already %s.", o.ID, o.Status)}, nil
	}

	res, err := mark(s.clock.Now())
	if err != nil {
		return Decision{}, err
	}
	if !res.Changed {
		gatemetrics.DecisionsTotal.WithLabelValues(action, "noop").Inc()
		return Decision{Order: res.Order, Note: fmt.Sprintf("Order %s was already %s.", o.ID, res.Order.Status)}, nil
	}

	gatemetrics.DecisionsTotal.WithLabelValues(action, "applied").Inc()
	logger.Info().Str("status", string(res.Order.Status)).Msg("Order decided")

	detached := context.WithoutCancel(ctx)
	if res.Order.Status == registry.OrderStatusPaid {
		s.applyRole(detached, res.Order, res.Entitlement, actor)
	} else {
		_ = s.notifier.Rejected(detached, res.Order, res.Order.DecisionReason)
	}
	_ = s.notifier.Decided(detached, res.Order, actor)

	return Decision{Order: res.Order, Changed: true, Note: fmt.Sprintf("Order %s marked %s.", o.ID, res.Order.Status)}, nil
}

// applyRole adds the external role for an entitlement committed with the
// paid transition. It runs detached from the caller's context; a role add
// that cannot happen now is left to the reconciler. Callers hold the order lock.
func (s *Service) applyRole(ctx context.Context, o *registry.Order, e *registry.Entitlement, actor string) {
	logger := logging.FromContext(ctx).With().Str("order_id", o.ID).Str("buyer_id", o.BuyerID).Str("role_id", o.RoleID).Logger()
	if e == nil {
		logger.Error().Msg("Paid transition returned no entitlement")
		return
	}

	lockCtx, cancelLock := context.WithTimeout(ctx, s.timeout)
	unlock, err := s.locks.Lock(lockCtx, keylock.GrantKey(o.BuyerID, o.RoleID))
	cancelLock()
	if err != nil {
		gatemetrics.GrantsTotal.WithLabelValues("deferred").Inc()
		logger.Warn().Err(err).Str("entitlement_id", e.ID).Msg("Grant lock busy; reconciler will apply the role")
		_ = s.notifier.Granted(ctx, o, e)
		return
	}
	defer unlock()

	now := s.clock.Now()
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.platform.AddRole(callCtx, o.BuyerID, o.RoleID)
	cancel()
	switch {
	case err == nil:
		gatemetrics.GrantsTotal.WithLabelValues("granted").Inc()
		logger.Info().Str("entitlement_id", e.ID).Time("expires_at", e.ExpiresAt).Msg("Entitlement granted")
	case errors.Is(err, internalerrors.ErrMissingEntity):
		gatemetrics.GrantsTotal.WithLabelValues("missing").Inc()
		logger.Warn().Err(err).Str("entitlement_id", e.ID).Msg("Member or role missing; entitlement kept until expiry")
		_ = s.orders.AppendEvent(ctx, o.ID, registry.EventGrantFail, actor, err.Error(), now)
	default:
		gatemetrics.GrantsTotal.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Str("entitlement_id", e.ID).Msg("Role add failed; reconciler will retry")
		_ = s.orders.AppendEvent(ctx, o.ID, registry.EventGrantFail, actor, err.Error(), now)
		_ = s.notifier.GrantFailed(ctx, o, err)
	}

	_ = s.notifier.Granted(ctx, o, e)
}

// Describe returns an order and its audit trail.
func (s *Service) Describe(ctx context.Context, orderID string) (*registry.Order, []registry.OrderEvent, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if o == nil {
		return nil, nil, internalerrors.NotFound("workflow.describe", orderID)
	}
	events, err := s.orders.Events(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return o, events, nil
}
