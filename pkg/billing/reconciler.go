package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// DefaultBillingPeriod is the period window opened by a checkout that did not report one.
const DefaultBillingPeriod = 30 * 24 * time.Hour

// Outcome is what the reconciler did with an event.
type Outcome string

const (
	// OutcomeApplied means the transition was committed
	OutcomeApplied Outcome = "applied"
	// OutcomeStale means the record already reflects this or a later event
	OutcomeStale Outcome = "stale"
	// OutcomeDropped means the event could not be attributed or would break an invariant
	OutcomeDropped Outcome = "dropped"
	// OutcomeDryRun means the transition was computed but not stored
	OutcomeDryRun Outcome = "dry_run"
)

// Result reports the outcome of applying one event.
type Result struct {
	Outcome  Outcome
	UserID   string
	Reason   string
	Previous *goentitle.Record
	Record   *goentitle.Record
}

// ReconcilerConfig configures the event reconciler.
type ReconcilerConfig struct {
	// Manager owns the entitlement records (required)
	Manager *goentitle.Manager

	// BillingPeriod is the window a checkout opens when the event carries no period (default: 30 days)
	BillingPeriod time.Duration

	// DryRun computes and logs transitions without storing them
	DryRun bool

	// OnTransition is called after every committed transition (optional)
	OnTransition TransitionCallback

	// Metrics (default: NoopMetrics)
	Metrics Metrics

	// Logger (default: the manager's logger)
	Logger goentitle.Logger
}

// Reconciler applies billing events to entitlement records. Events for one user are
// serialized by the record store; ordering is decided by event timestamps, not arrival.
type Reconciler struct {
	manager *goentitle.Manager
	config  ReconcilerConfig
	metrics Metrics
	logger  goentitle.Logger
}

// These abort a mutation without writing. They wrap ErrNoChange so the store and the
// circuit breaker treat them as ordinary outcomes.
var (
	errStale      = fmt.Errorf("%w: stale event", goentitle.ErrNoChange)
	errSuperseded = fmt.Errorf("%w: superseded subscription", goentitle.ErrNoChange)
	errDryRun     = fmt.Errorf("%w: dry run", goentitle.ErrNoChange)
)

// NewReconciler creates a reconciler.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Manager == nil {
		return nil, ErrProviderNotConfigured
	}
	if config.BillingPeriod <= 0 {
		config.BillingPeriod = DefaultBillingPeriod
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = config.Manager.Logger()
	}
	return &Reconciler{
		manager: config.Manager,
		config:  config,
		metrics: config.Metrics,
		logger:  config.Logger,
	}, nil
}

// Manager returns the entitlement manager the reconciler writes to.
func (r *Reconciler) Manager() *goentitle.Manager {
	return r.manager
}

// Apply applies ev to the owning user's record. Dropped and stale events return a nil
// error: they are acknowledged, never retried. A non-nil error means the record could
// not be stored and the sender should retry.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Result, error) {
	meta := ev.Meta()

	userID, reason, err := r.resolveUser(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if userID == "" {
		return r.drop(ev, "", reason), nil
	}

	var previous *goentitle.Record
	var lateCheckout bool
	rec, err := r.manager.Mutate(ctx, userID, func(rec *goentitle.Record) error {
		lateCheckout = false
		if isStale(rec, ev) {
			co, ok := ev.(*CheckoutCompleted)
			if !ok || r.config.DryRun || !applyLateCheckout(rec, co) {
				return errStale
			}
			lateCheckout = true
			return nil
		}
		if isSuperseded(rec, ev) {
			return errSuperseded
		}
		previous = rec.Clone()

		if err := r.transition(rec, ev); err != nil {
			return err
		}
		rec.LastEventID = meta.ID
		rec.LastEventType = string(ev.Kind())
		occurred := meta.OccurredAt.UTC()
		rec.LastEventAt = &occurred

		if r.config.DryRun {
			if err := rec.Validate(); err != nil {
				return err
			}
			r.logger.Info("dry run: transition not stored",
				goentitle.F("user_id", userID),
				goentitle.F("event_id", meta.ID),
				goentitle.F("kind", string(ev.Kind())),
				goentitle.F("from_status", string(previous.Status)),
				goentitle.F("to_status", string(rec.Status)))
			return errDryRun
		}
		return nil
	})

	switch {
	case errors.Is(err, errDryRun):
		r.metrics.RecordReconcileOutcome(meta.Provider, ev.Kind(), string(OutcomeDryRun))
		return Result{Outcome: OutcomeDryRun, UserID: userID, Previous: previous}, nil

	case errors.Is(err, errStale), errors.Is(err, errSuperseded):
		r.metrics.RecordReconcileOutcome(meta.Provider, ev.Kind(), string(OutcomeStale))
		r.logger.Debug("billing event skipped",
			goentitle.F("user_id", userID),
			goentitle.F("event_id", meta.ID),
			goentitle.F("kind", string(ev.Kind())),
			goentitle.ErrField(err))
		return Result{Outcome: OutcomeStale, UserID: userID, Reason: err.Error()}, nil

	case errors.Is(err, goentitle.ErrInvariantViolation), errors.Is(err, goentitle.ErrInvalidUserID):
		return r.drop(ev, userID, err.Error()), nil

	case err == nil && lateCheckout:
		r.metrics.RecordReconcileOutcome(meta.Provider, ev.Kind(), string(OutcomeStale))
		r.logger.Info("late checkout recorded plan selection",
			goentitle.F("user_id", userID),
			goentitle.F("event_id", meta.ID),
			goentitle.F("status", string(rec.Status)))
		return Result{Outcome: OutcomeStale, UserID: userID, Record: rec, Reason: errStale.Error()}, nil

	case err != nil:
		r.logger.Error("failed to store billing transition",
			goentitle.F("user_id", userID),
			goentitle.F("event_id", meta.ID),
			goentitle.F("kind", string(ev.Kind())),
			goentitle.ErrField(err))
		return Result{}, fmt.Errorf("failed to apply %s event %s: %w", ev.Kind(), meta.ID, err)
	}

	r.metrics.RecordReconcileOutcome(meta.Provider, ev.Kind(), string(OutcomeApplied))
	if previous.Status != rec.Status {
		r.metrics.RecordTransition(meta.Provider, string(previous.Status), string(rec.Status))
	}
	r.logger.Info("billing transition applied",
		goentitle.F("user_id", userID),
		goentitle.F("event_id", meta.ID),
		goentitle.F("kind", string(ev.Kind())),
		goentitle.F("from_status", string(previous.Status)),
		goentitle.F("to_status", string(rec.Status)),
		goentitle.F("tier", string(rec.Tier)))

	result := Result{Outcome: OutcomeApplied, UserID: userID, Previous: previous, Record: rec}
	if r.config.OnTransition != nil {
		t := Transition{
			UserID:         userID,
			PreviousTier:   previous.Tier,
			NewTier:        rec.Tier,
			PreviousStatus: previous.Status,
			NewStatus:      rec.Status,
			Provider:       meta.Provider,
			Kind:           ev.Kind(),
			EventType:      meta.Type,
			EventID:        meta.ID,
			EventTimestamp: meta.OccurredAt,
			Record:         rec.Clone(),
		}
		if err := r.config.OnTransition(ctx, t); err != nil {
			return result, fmt.Errorf("transition callback failed: %w", err)
		}
	}
	return result, nil
}

// resolveUser returns the user the event belongs to. An empty user id with a reason
// means the event must be dropped; an error means the lookup itself failed.
func (r *Reconciler) resolveUser(ctx context.Context, ev Event) (string, string, error) {
	switch e := ev.(type) {
	case *CheckoutCompleted:
		if e.UserID == "" {
			return "", "checkout has no user id", nil
		}
		if e.CustomerID == "" {
			return "", "checkout has no customer id", nil
		}
		return e.UserID, "", nil

	case *SubscriptionUpdated:
		if e.UserID == "" {
			return "", "subscription update has no user id", nil
		}
		return e.UserID, "", nil

	case *SubscriptionDeleted:
		if e.UserID == "" {
			return "", "subscription deletion has no user id", nil
		}
		return e.UserID, "", nil

	case *PaymentFailed:
		if e.SubscriptionID == "" {
			return "", "payment failure has no subscription id", nil
		}
		rec, err := r.manager.FindBySubscriptionID(ctx, e.SubscriptionID)
		if errors.Is(err, goentitle.ErrRecordNotFound) {
			return "", "no record for subscription " + e.SubscriptionID, nil
		}
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve subscription %s: %w", e.SubscriptionID, err)
		}
		if e.UserID != "" && e.UserID != rec.UserID {
			return "", "subscription " + e.SubscriptionID + " belongs to another user", nil
		}
		return rec.UserID, "", nil

	default:
		return "", "", fmt.Errorf("%w: %T", ErrUnknownEventKind, ev)
	}
}

// transition applies the state change for ev to rec.
func (r *Reconciler) transition(rec *goentitle.Record, ev Event) error {
	switch e := ev.(type) {
	case *CheckoutCompleted:
		rec.Tier = r.paidTier(e.Plan)
		rec.Status = goentitle.StatusActive
		rec.HasSelectedPlan = true
		rec.BillingCustomerID = e.CustomerID
		if e.SubscriptionID != "" {
			rec.BillingSubscriptionID = e.SubscriptionID
		}
		start, end := e.PeriodStart, e.PeriodEnd
		if start == nil || end == nil {
			s := e.OccurredAt.UTC()
			en := s.Add(r.config.BillingPeriod)
			start, end = &s, &en
		}
		rec.CurrentPeriodStart, rec.CurrentPeriodEnd = start, end
		rec.CancelAtPeriodEnd = false
		rec.PendingPlan = ""
		rec.PlanRequestedAt = nil

	case *SubscriptionUpdated:
		rec.Status, rec.Tier = MapProcessorStatus(e.Status)
		if e.CustomerID != "" {
			rec.BillingCustomerID = e.CustomerID
		}
		if e.SubscriptionID != "" {
			rec.BillingSubscriptionID = e.SubscriptionID
		}
		if e.PeriodStart != nil {
			rec.CurrentPeriodStart = e.PeriodStart
		}
		if e.PeriodEnd != nil {
			rec.CurrentPeriodEnd = e.PeriodEnd
		}
		rec.CancelAtPeriodEnd = e.CancelAtPeriodEnd

	case *SubscriptionDeleted:
		rec.Status = goentitle.StatusCancelled
		rec.Tier = goentitle.TierTrial
		rec.HasSelectedPlan = false
		rec.CancelAtPeriodEnd = false
		if e.CustomerID != "" && rec.BillingCustomerID == "" {
			rec.BillingCustomerID = e.CustomerID
		}

	case *PaymentFailed:
		rec.Status = goentitle.StatusPastDue
		rec.Tier = goentitle.TierTrial

	default:
		return fmt.Errorf("%w: %T", ErrUnknownEventKind, ev)
	}
	return nil
}

// paidTier returns plan if it is on the paid allow-list, else the first paid tier.
func (r *Reconciler) paidTier(plan string) goentitle.Tier {
	evaluator := r.manager.Evaluator()
	if plan != "" && evaluator.IsPaidTier(goentitle.Tier(plan)) {
		return goentitle.Tier(plan)
	}
	return evaluator.PaidTiers()[0]
}

func (r *Reconciler) drop(ev Event, userID, reason string) Result {
	meta := ev.Meta()
	r.metrics.RecordReconcileOutcome(meta.Provider, ev.Kind(), string(OutcomeDropped))
	r.logger.Warn("billing event dropped",
		goentitle.F("provider", meta.Provider),
		goentitle.F("event_id", meta.ID),
		goentitle.F("event_type", meta.Type),
		goentitle.F("user_id", userID),
		goentitle.F("reason", reason))
	return Result{Outcome: OutcomeDropped, UserID: userID, Reason: reason}
}

// isStale reports whether rec already reflects ev or a later event.
func isStale(rec *goentitle.Record, ev Event) bool {
	meta := ev.Meta()
	if meta.ID != "" && meta.ID == rec.LastEventID {
		return true
	}
	if rec.LastEventAt == nil {
		return false
	}
	switch {
	case meta.OccurredAt.Before(*rec.LastEventAt):
		return true
	case meta.OccurredAt.Equal(*rec.LastEventAt):
		return ev.Kind().rank() < EventKind(rec.LastEventType).rank()
	default:
		return false
	}
}

// applyLateCheckout records the one-way facts of a checkout that arrived after a
// newer event for the same subscription. Status, tier and LastEvent* stay as
// the newer event left them. It reports whether the record changed.
func applyLateCheckout(rec *goentitle.Record, ev *CheckoutCompleted) bool {
	if rec.Status != goentitle.StatusActive && rec.Status != goentitle.StatusPastDue {
		return false
	}
	if ev.SubscriptionID == "" || rec.BillingSubscriptionID != ev.SubscriptionID {
		return false
	}

	changed := false
	if !rec.HasSelectedPlan {
		rec.HasSelectedPlan = true
		changed = true
	}
	if rec.PendingPlan != "" || rec.PlanRequestedAt != nil {
		rec.PendingPlan = ""
		rec.PlanRequestedAt = nil
		changed = true
	}
	if rec.BillingCustomerID == "" && ev.CustomerID != "" {
		rec.BillingCustomerID = ev.CustomerID
		changed = true
	}
	return changed
}

// isSuperseded reports whether ev concerns a subscription other than the one
// currently granting the record access.
func isSuperseded(rec *goentitle.Record, ev Event) bool {
	if rec.Status != goentitle.StatusActive && rec.Status != goentitle.StatusPastDue {
		return false
	}
	var subID string
	switch e := ev.(type) {
	case *SubscriptionUpdated:
		subID = e.SubscriptionID
	case *SubscriptionDeleted:
		subID = e.SubscriptionID
	default:
		return false
	}
	return subID != "" && rec.BillingSubscriptionID != "" && subID != rec.BillingSubscriptionID
}
