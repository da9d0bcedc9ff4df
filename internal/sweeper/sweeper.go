package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rcourtman/slipgate/internal/clock"
	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/gatemetrics"
	"github.com/rcourtman/slipgate/internal/keylock"
	"github.com/rcourtman/slipgate/internal/notify"
	"github.com/rcourtman/slipgate/internal/platform"
	"github.com/rcourtman/slipgate/internal/registry"
	"github.com/rs/zerolog/log"
)

const actorSweeper = "sweeper"

// Deps are the collaborators of a Sweeper.
type Deps struct {
	Entitlements *registry.EntitlementStore
	Orders       *registry.OrderLedger
	Platform     platform.Client
	Notifier     *notify.Dispatcher
	Locks        *keylock.Map
	Clock        clock.Clock

	Interval time.Duration
	// ReconcileEvery runs the grant reconciler every N ticks; 0 disables it.
	ReconcileEvery  int
	PlatformTimeout time.Duration
}

// Sweeper revokes expired entitlements and repairs missing grants.
type Sweeper struct {
	entitlements   *registry.EntitlementStore
	orders         *registry.OrderLedger
	platform       platform.Client
	notifier       *notify.Dispatcher
	locks          *keylock.Map
	clock          clock.Clock
	interval       time.Duration
	reconcileEvery int
	timeout        time.Duration
}

// New creates a Sweeper. Locks must be shared with the workflow so that a
// sweep and a grant for the same buyer and role never interleave.
func New(d Deps) *Sweeper {
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.Locks == nil {
		d.Locks = keylock.New()
	}
	if d.Interval <= 0 {
		d.Interval = 60 * time.Second
	}
	if d.PlatformTimeout <= 0 {
		d.PlatformTimeout = 10 * time.Second
	}
	return &Sweeper{
		entitlements:   d.Entitlements,
		orders:         d.Orders,
		platform:       d.Platform,
		notifier:       d.Notifier,
		locks:          d.Locks,
		clock:          d.Clock,
		interval:       d.Interval,
		reconcileEvery: d.ReconcileEvery,
		timeout:        d.PlatformTimeout,
	}
}

// Report summarises one sweep.
type Report struct {
	Due      int `json:"due"`
	Revoked  int `json:"revoked"`
	Missing  int `json:"missing"`
	Retained int `json:"retained"` // role kept for another live grant
	Failed   int `json:"failed"`
}

// Run sweeps immediately, then on every interval. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Int("reconcile_every", s.reconcileEvery).Msg("Expiry sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	tick := 0
	s.tick(ctx, tick)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweeper stopped")
			return
		case <-ticker.C:
			tick++
			s.tick(ctx, tick)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context, n int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Expiry sweep panicked")
		}
	}()

	s.Sweep(ctx)
	if s.reconcileEvery > 0 && n > 0 && n%s.reconcileEvery == 0 {
		s.Reconcile(ctx)
	}
}

// Sweep revokes every entitlement due at the current time.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	started := time.Now()
	defer func() {
		gatemetrics.SweepDuration.Observe(time.Since(started).Seconds())
		if n, err := s.entitlements.Count(ctx); err == nil {
			gatemetrics.EntitlementsLive.Set(float64(n))
		}
	}()

	var report Report
	due, err := s.entitlements.ListDue(ctx, s.clock.Now())
	if err != nil {
		log.Error().Err(err).Msg("Expiry sweep: failed to list due entitlements")
		return report
	}
	report.Due = len(due)

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		outcome := s.expire(ctx, e)
		gatemetrics.RevocationsTotal.WithLabelValues(outcome).Inc()
		switch outcome {
		case "revoked":
			report.Revoked++
		case "missing":
			report.Missing++
		case "retained":
			report.Retained++
		default:
			report.Failed++
		}
	}

	if report.Due > 0 {
		log.Info().
			Int("due", report.Due).
			Int("revoked", report.Revoked).
			Int("missing", report.Missing).
			Int("retained", report.Retained).
			Int("failed", report.Failed).
			Msg("Expiry sweep complete")
	}
	return report
}

// expire handles one due entitlement: external revoke, record delete,
// buyer notification. A transient revoke failure keeps the record.
func (s *Sweeper) expire(ctx context.Context, due *registry.Entitlement) string {
	logger := log.With().
		Str("entitlement_id", due.ID).
		Str("order_id", due.OrderID).
		Str("buyer_id", due.BuyerID).
		Str("role_id", due.RoleID).
		Logger()

	unlock, err := s.locks.Lock(ctx, keylock.GrantKey(due.BuyerID, due.RoleID))
	if err != nil {
		return "failed"
	}
	defer unlock()

	e, err := s.entitlements.Get(ctx, due.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("Expiry sweep: failed to reload entitlement")
		return "failed"
	}
	if e == nil {
		// Already revoked by a concurrent sweep.
		return "missing"
	}

	now := s.clock.Now()
	outcome := "revoked"
	overlap, err := s.entitlements.HasOtherLive(ctx, e.BuyerID, e.RoleID, e.ID, now)
	if err != nil {
		logger.Warn().Err(err).Msg("Expiry sweep: failed to check overlapping grants")
		return "failed"
	}
	if overlap {
		outcome = "retained"
		logger.Info().Msg("Role kept: buyer holds another live grant for it")
	} else {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.platform.RemoveRole(callCtx, e.BuyerID, e.RoleID)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, internalerrors.ErrMissingEntity):
			outcome = "missing"
			logger.Warn().Err(err).Msg("Member or role gone; deleting entitlement record")
		default:
			gatemetrics.PlatformErrorsTotal.WithLabelValues("sweeper.remove_role", string(internalerrors.Classify(err))).Inc()
			logger.Warn().Err(err).Msg("Role removal failed; will retry next sweep")
			return "failed"
		}
	}

	if _, err := s.entitlements.Revoke(ctx, e.ID); err != nil {
		logger.Error().Err(err).Msg("Expiry sweep: failed to delete entitlement record")
		return "failed"
	}
	if s.orders != nil {
		_ = s.orders.AppendEvent(ctx, e.OrderID, registry.EventRevoked, actorSweeper, outcome+" "+e.ID, now)
	}
	logger.Info().Str("outcome", outcome).Time("expired_at", e.ExpiresAt).Msg("Entitlement expired")

	if s.notifier != nil {
		_ = s.notifier.Expired(ctx, e)
	}
	return outcome
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Checked  int `json:"checked"`
	Repaired int `json:"repaired"`
	Skipped  int `json:"skipped"`
}

// Reconcile re-applies the external role for live entitlements that lost it.
func (s *Sweeper) Reconcile(ctx context.Context) ReconcileReport {
	var report ReconcileReport
	live, err := s.entitlements.ListLive(ctx, s.clock.Now())
	if err != nil {
		log.Error().Err(err).Msg("Grant reconciler: failed to list live entitlements")
		return report
	}

	for _, e := range live {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		repaired, err := s.reconcileOne(ctx, e)
		switch {
		case err != nil:
			report.Skipped++
			log.Warn().Err(err).Str("entitlement_id", e.ID).Str("buyer_id", e.BuyerID).Msg("Grant reconciler: entitlement skipped")
		case repaired:
			report.Repaired++
		}
	}
	if report.Repaired > 0 || report.Skipped > 0 {
		log.Info().Int("checked", report.Checked).Int("repaired", report.Repaired).Int("skipped", report.Skipped).Msg("Grant reconciliation complete")
	}
	return report
}

func (s *Sweeper) reconcileOne(ctx context.Context, e *registry.Entitlement) (bool, error) {
	unlock, err := s.locks.Lock(ctx, keylock.GrantKey(e.BuyerID, e.RoleID))
	if err != nil {
		return false, err
	}
	defer unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	has, err := s.platform.HasRole(callCtx, e.BuyerID, e.RoleID)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}
	if err := s.platform.AddRole(callCtx, e.BuyerID, e.RoleID); err != nil {
		return false, err
	}

	gatemetrics.RepairsTotal.Inc()
	log.Warn().
		Str("entitlement_id", e.ID).
		Str("order_id", e.OrderID).
		Str("buyer_id", e.BuyerID).
		Str("role_id", e.RoleID).
		Msg("Repaired entitlement with missing external role")
	if s.orders != nil {
		_ = s.orders.AppendEvent(ctx, e.OrderID, registry.EventRepaired, actorSweeper, "role re-added for "+e.ID, s.clock.Now())
	}
	return true, nil
}
