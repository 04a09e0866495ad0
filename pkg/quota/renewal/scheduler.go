package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"helios-hq/portcullis/pkg/billing"
	"helios-hq/portcullis/pkg/quota"
	"helios-hq/portcullis/pkg/quota/catalog"
	"helios-hq/portcullis/pkg/quota/store"
)

// EventSink receives renewal events for audit recording.
type EventSink interface {
	// RecordRenewal is invoked after a successor grant is stored.
	RecordRenewal(predecessor, successor *store.AddOnGrant)
}

// Scheduler runs the periodic renewal sweep.
type Scheduler struct {
	pool    store.GrantPool
	charger billing.Charger
	clock   store.Clock

	schedule  string
	lookahead time.Duration
	events    EventSink
	metrics   *quota.Metrics

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	logger  *slog.Logger
}

// Config contains configuration for the renewal scheduler.
type Config struct {
	// Pool is the grant pool to sweep. Required.
	Pool store.GrantPool

	// Charger bills renewals. Default: billing.Noop.
	Charger billing.Charger

	// Clock supplies the current instant. Default: store.SystemClock.
	Clock store.Clock

	// Schedule is the cron expression for the sweep.
	// Default: "@every 5m".
	Schedule string

	// Lookahead is how far before expiry a grant becomes renewable.
	// Default: 72 hours.
	Lookahead time.Duration

	// Events receives renewal events. Optional.
	Events EventSink

	// Metrics receives Prometheus metrics. Optional.
	Metrics *quota.Metrics
}

// NewScheduler creates a renewal scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("grant pool cannot be nil")
	}
	if cfg.Charger == nil {
		cfg.Charger = billing.Noop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = store.SystemClock()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 72 * time.Hour
	}

	return &Scheduler{
		pool:      cfg.Pool,
		charger:   cfg.Charger,
		clock:     cfg.Clock,
		schedule:  cfg.Schedule,
		lookahead: cfg.Lookahead,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		cron:      cron.New(),
		logger:    slog.Default().With("component", "quota.renewal"),
	}, nil
}

// Start begins the scheduled sweep. The scheduler stops when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid renewal schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule renewal sweep: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("renewal scheduler started",
		"schedule", s.schedule,
		"lookahead", s.lookahead,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop stops the scheduler and waits for a running sweep to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		s.running = false
		s.logger.Info("renewal scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sweep runs one renewal cycle. Safe to call directly, concurrently
// with the cron-driven ticks: the per-grant claim keeps renewals
// exactly-once.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.clock.Now()

	grants, err := s.pool.ListRenewable(ctx, now, s.lookahead)
	if err != nil {
		s.logger.Error("renewal sweep failed to list grants", "error", err)
		return
	}
	if len(grants) == 0 {
		s.logger.Debug("renewal sweep found nothing to renew")
		return
	}

	renewed := 0
	for _, g := range grants {
		if s.renewOne(ctx, g) {
			renewed++
		}
	}

	s.logger.Info("renewal sweep completed",
		"eligible", len(grants),
		"renewed", renewed,
	)
}

// renewOne claims, charges and replaces a single grant. Returns true
// when a successor grant was stored.
func (s *Scheduler) renewOne(ctx context.Context, g *store.AddOnGrant) bool {
	pkg, err := catalog.PackageByName(g.Package)
	if err != nil {
		// A grant referencing a package no longer in the catalog is
		// left to expire.
		s.logger.Warn("grant references unknown package, skipping renewal",
			"grant_id", g.ID,
			"package", g.Package,
		)
		return false
	}

	claimed, err := s.pool.MarkRenewed(ctx, g.APIKeyID, g.ID)
	if err != nil {
		s.logger.Error("failed to claim grant for renewal",
			"grant_id", g.ID,
			"error", err,
		)
		return false
	}
	if !claimed {
		// Another sweep got here first.
		return false
	}

	memo := fmt.Sprintf("auto-renewal of add-on %s", pkg.Name)
	if err := s.charger.Charge(ctx, g.APIKeyID, pkg.MonthlyPriceUSD*float64(pkg.DefaultValidityMonths), memo); err != nil {
		// Release the claim so the next sweep retries; the request path
		// is unaffected and the grant expires naturally if charging
		// keeps failing.
		s.logger.Error("renewal charge failed, will retry next sweep",
			"grant_id", g.ID,
			"api_key_id", g.APIKeyID,
			"error", err,
		)
		if resetErr := s.pool.ResetRenewed(ctx, g.APIKeyID, g.ID); resetErr != nil {
			s.logger.Error("failed to release renewal claim",
				"grant_id", g.ID,
				"error", resetErr,
			)
		}
		s.metrics.RecordRenewal(pkg.Name, false)
		return false
	}

	successor := &store.AddOnGrant{
		ID:           uuid.NewString(),
		APIKeyID:     g.APIKeyID,
		Package:      pkg.Name,
		TotalGranted: pkg.AdditionalRequests,
		Remaining:    pkg.AdditionalRequests,
		ActivatedAt:  g.ExpiresAt,
		ExpiresAt:    g.ExpiresAt.AddDate(0, pkg.DefaultValidityMonths, 0),
		AutoRenew:    g.AutoRenew,
	}
	if err := s.pool.InsertGrant(ctx, successor); err != nil {
		s.logger.Error("charged renewal could not be stored",
			"grant_id", g.ID,
			"successor_id", successor.ID,
			"error", err,
		)
		return false
	}

	s.metrics.RecordRenewal(pkg.Name, true)
	if s.events != nil {
		s.events.RecordRenewal(g, successor)
	}
	s.logger.Info("grant renewed",
		"grant_id", g.ID,
		"successor_id", successor.ID,
		"api_key_id", g.APIKeyID,
		"package", pkg.Name,
		"expires_at", successor.ExpiresAt,
	)
	return true
}
