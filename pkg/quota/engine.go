package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"helios-hq/portcullis/pkg/billing"
	"helios-hq/portcullis/pkg/quota/catalog"
	"helios-hq/portcullis/pkg/quota/store"
)

// Engine makes per-request admission decisions over a shared backing
// store. It holds no long-lived per-key state of its own.
type Engine struct {
	windows store.WindowStore
	grants  store.GrantPool
	charger billing.Charger
	clock   store.Clock

	retryBudget int
	metrics     *Metrics
	events      EventSink
	logger      *slog.Logger
}

// Config contains configuration for the engine.
type Config struct {
	// Windows is the usage window store. Required.
	Windows store.WindowStore

	// Grants is the add-on grant pool. Required.
	Grants store.GrantPool

	// Charger bills purchases and renewals. Default: billing.Noop.
	Charger billing.Charger

	// Clock supplies the current instant. Default: store.SystemClock.
	Clock store.Clock

	// RetryBudget bounds local retries of transient storage conflicts
	// before a decision fails closed. Default: 3.
	RetryBudget int

	// Metrics receives Prometheus metrics. Optional.
	Metrics *Metrics

	// Events receives decision and purchase events. Optional.
	Events EventSink
}

// NewEngine creates an admission engine with the given configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Windows == nil {
		return nil, fmt.Errorf("window store cannot be nil")
	}
	if cfg.Grants == nil {
		return nil, fmt.Errorf("grant pool cannot be nil")
	}
	if cfg.Charger == nil {
		cfg.Charger = billing.Noop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = store.SystemClock()
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}

	return &Engine{
		windows:     cfg.Windows,
		grants:      cfg.Grants,
		charger:     cfg.Charger,
		clock:       cfg.Clock,
		retryBudget: cfg.RetryBudget,
		metrics:     cfg.Metrics,
		events:      cfg.Events,
		logger:      slog.Default().With("component", "quota.engine"),
	}, nil
}

// Decide checks whether a request bound to the given API key may
// proceed, consuming one unit from the base window or, failing that,
// from the soonest-expiring add-on grant.
//
// Storage unavailability is returned as an error; the documented caller
// policy is fail-closed. Transient conflicts are retried locally up to
// the configured budget and then denied with DenialContention.
func (e *Engine) Decide(ctx context.Context, apiKeyID, tierName string) (*Decision, error) {
	started := time.Now()
	defer func() {
		e.metrics.RecordDecisionDuration("decide", time.Since(started).Seconds())
	}()

	tier, err := catalog.TierByName(tierName)
	if err != nil {
		return nil, err
	}

	// Unbounded tiers bypass the counter entirely: no window is created
	// or mutated for them.
	if tier.Unbounded() {
		now := e.clock.Now()
		d := &Decision{
			Allowed:       true,
			RemainingBase: catalog.Unlimited,
			Tier:          tier.Name,
			ResetIn:       store.WindowStart(now).Add(tier.WindowLength).Sub(now),
		}
		e.finishDecision(apiKeyID, d)
		return d, nil
	}

	var (
		win      *store.UsageWindow
		consumed bool
	)
	for attempt := 0; ; attempt++ {
		if attempt >= e.retryBudget {
			return e.denyContention(apiKeyID, tier, win), nil
		}

		now := e.clock.Now()
		w, err := e.windows.GetOrCreateCurrentWindow(ctx, apiKeyID, tier, now)
		if store.IsConflict(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("window lookup for key %s failed: %w", apiKeyID, err)
		}
		win = w

		ok, w, err := e.windows.TryConsume(ctx, apiKeyID, now)
		if errors.Is(err, store.ErrNoCurrentWindow) || store.IsConflict(err) {
			// The window rolled over or was contended between the two
			// store calls; take a fresh instant and retry.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("window consume for key %s failed: %w", apiKeyID, err)
		}
		win = w
		consumed = ok
		break
	}

	now := e.clock.Now()
	if consumed {
		d := &Decision{
			Allowed:             true,
			RemainingBase:       win.RemainingBase(),
			RemainingAddOnTotal: e.remainingAddOns(ctx, apiKeyID, now),
			Tier:                tier.Name,
			ResetIn:             win.WindowEnd.Sub(now),
		}
		e.finishDecision(apiKeyID, d)
		return d, nil
	}

	// Base window exhausted: fall back to the add-on pool.
	grant, err := e.grants.TryConsumeOne(ctx, apiKeyID, now)
	if err != nil {
		return nil, fmt.Errorf("grant consume for key %s failed: %w", apiKeyID, err)
	}
	if grant != nil {
		d := &Decision{
			Allowed:             true,
			UsedAddOn:           true,
			RemainingBase:       0,
			RemainingAddOnTotal: e.remainingAddOns(ctx, apiKeyID, now),
			Tier:                tier.Name,
			ResetIn:             win.WindowEnd.Sub(now),
		}
		e.finishDecision(apiKeyID, d)
		return d, nil
	}

	d := &Decision{
		Allowed:      false,
		Tier:         tier.Name,
		ResetIn:      win.WindowEnd.Sub(now),
		DenialReason: DenialExhausted,
	}
	e.finishDecision(apiKeyID, d)
	return d, nil
}

// Purchase charges for an add-on package and stores the resulting grant.
// Unknown packages are rejected before any money moves.
func (e *Engine) Purchase(ctx context.Context, apiKeyID, packageName string, durationMonths int, autoRenew bool) (*store.AddOnGrant, error) {
	pkg, err := catalog.PackageByName(packageName)
	if err != nil {
		return nil, err
	}
	if pkg.Negotiated() {
		return nil, fmt.Errorf("package %s is provisioned by contract, not self-service purchase", pkg.Name)
	}
	if durationMonths <= 0 {
		durationMonths = pkg.DefaultValidityMonths
	}

	amount := pkg.MonthlyPriceUSD * float64(durationMonths)
	memo := fmt.Sprintf("add-on %s x %d month(s)", pkg.Name, durationMonths)
	if err := e.charger.Charge(ctx, apiKeyID, amount, memo); err != nil {
		return nil, fmt.Errorf("billing charge for key %s failed: %w", apiKeyID, err)
	}

	now := e.clock.Now()
	grant := &store.AddOnGrant{
		ID:           uuid.NewString(),
		APIKeyID:     apiKeyID,
		Package:      pkg.Name,
		TotalGranted: pkg.AdditionalRequests,
		Remaining:    pkg.AdditionalRequests,
		ActivatedAt:  now,
		ExpiresAt:    now.AddDate(0, durationMonths, 0),
		AutoRenew:    autoRenew,
	}
	if err := e.grants.InsertGrant(ctx, grant); err != nil {
		// The charge already landed; surface this loudly so operations
		// can reconcile against billing.
		e.logger.Error("charged purchase could not be stored",
			"api_key_id", apiKeyID,
			"package", pkg.Name,
			"amount_usd", amount,
			"error", err,
		)
		return nil, fmt.Errorf("failed to store purchased grant: %w", err)
	}

	e.metrics.RecordPurchase(pkg.Name)
	if e.events != nil {
		e.events.RecordPurchase(grant, amount)
	}
	e.logger.Info("add-on grant purchased",
		"api_key_id", apiKeyID,
		"package", pkg.Name,
		"grant_id", grant.ID,
		"expires_at", grant.ExpiresAt,
		"auto_renew", autoRenew,
	)
	return grant, nil
}

// Recommend suggests an add-on package covering the observed overage.
// Pure catalog lookup; the key is only used for logging.
func (e *Engine) Recommend(apiKeyID string, overageRequests int64) catalog.Recommendation {
	rec := catalog.Recommend(overageRequests)
	e.logger.Debug("package recommended",
		"api_key_id", apiKeyID,
		"overage", overageRequests,
		"package", rec.Primary.Name,
	)
	return rec
}

// denyContention fails a decision closed after the retry budget is
// spent.
func (e *Engine) denyContention(apiKeyID string, tier catalog.Tier, win *store.UsageWindow) *Decision {
	d := &Decision{
		Allowed:      false,
		Tier:         tier.Name,
		DenialReason: DenialContention,
	}
	if win != nil {
		d.ResetIn = win.WindowEnd.Sub(e.clock.Now())
	}
	e.logger.Warn("decision denied after contention retries",
		"api_key_id", apiKeyID,
		"tier", tier.Name,
		"retry_budget", e.retryBudget,
	)
	e.finishDecision(apiKeyID, d)
	return d
}

// remainingAddOns reports the summed grant balance, best-effort: the
// admission has already happened, so a read failure here only degrades
// the reported metadata.
func (e *Engine) remainingAddOns(ctx context.Context, apiKeyID string, now time.Time) int64 {
	total, err := e.grants.RemainingTotal(ctx, apiKeyID, now)
	if err != nil {
		e.logger.Warn("failed to read remaining add-on total",
			"api_key_id", apiKeyID,
			"error", err,
		)
		return 0
	}
	return total
}

// finishDecision records metrics and audit events for a decision.
func (e *Engine) finishDecision(apiKeyID string, d *Decision) {
	e.metrics.RecordDecision(d.Tier, d.Allowed, d.UsedAddOn)
	if !d.Allowed {
		e.metrics.RecordDenial(d.DenialReason)
	}
	if e.events != nil {
		e.events.RecordDecision(apiKeyID, d)
	}
}
