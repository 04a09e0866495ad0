package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"helios-hq/portcullis/pkg/billing"
	"helios-hq/portcullis/pkg/quota/catalog"
	"helios-hq/portcullis/pkg/quota/store"
)

// fakeClock is a settable clock for deterministic window boundaries.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// recordingCharger captures charges and optionally fails them.
type recordingCharger struct {
	mu      sync.Mutex
	charges []chargeCall
	fail    error
}

type chargeCall struct {
	apiKeyID string
	amount   float64
	memo     string
}

func (c *recordingCharger) Charge(ctx context.Context, apiKeyID string, amountUSD float64, memo string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.charges = append(c.charges, chargeCall{apiKeyID, amountUSD, memo})
	return nil
}

func (c *recordingCharger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.charges)
}

// conflictingWindows always reports a storage conflict, for testing the
// fail-closed retry budget.
type conflictingWindows struct{}

func (conflictingWindows) GetOrCreateCurrentWindow(ctx context.Context, apiKeyID string, tier catalog.Tier, now time.Time) (*store.UsageWindow, error) {
	return nil, fmt.Errorf("window contended: %w", store.ErrConflict)
}

func (conflictingWindows) TryConsume(ctx context.Context, apiKeyID string, now time.Time) (bool, *store.UsageWindow, error) {
	return false, nil, store.ErrConflict
}

// downWindows simulates an unavailable store.
type downWindows struct{}

var errStoreDown = errors.New("store unavailable")

func (downWindows) GetOrCreateCurrentWindow(ctx context.Context, apiKeyID string, tier catalog.Tier, now time.Time) (*store.UsageWindow, error) {
	return nil, errStoreDown
}

func (downWindows) TryConsume(ctx context.Context, apiKeyID string, now time.Time) (bool, *store.UsageWindow, error) {
	return false, nil, errStoreDown
}

func newTestEngine(t *testing.T, backend store.Backend, clock store.Clock, charger billing.Charger) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Windows: backend,
		Grants:  backend,
		Charger: charger,
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestDecideAdmitsUntilBaseLimit(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	clock := newFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	e := newTestEngine(t, backend, clock, &recordingCharger{})

	for i := 0; i < 100; i++ {
		d, err := e.Decide(ctx, "key-1", "BASIC")
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("decide %d denied before the limit", i)
		}
		if d.UsedAddOn {
			t.Fatalf("decide %d should draw from the base window", i)
		}
		if want := int64(100 - i - 1); d.RemainingBase != want {
			t.Errorf("decide %d: expected remaining %d, got %d", i, want, d.RemainingBase)
		}
	}

	d, err := e.Decide(ctx, "key-1", "BASIC")
	if err != nil {
		t.Fatalf("decide past limit: %v", err)
	}
	if d.Allowed {
		t.Error("request 101 should be denied")
	}
	if d.DenialReason != DenialExhausted {
		t.Errorf("expected denial reason %q, got %q", DenialExhausted, d.DenialReason)
	}
	if d.ResetIn <= 0 || d.ResetIn > 24*time.Hour {
		t.Errorf("expected reset within the day, got %v", d.ResetIn)
	}
}

func TestDecideRollsOverAtMidnight(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	clock := newFakeClock(time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC))
	e := newTestEngine(t, backend, clock, &recordingCharger{})

	for i := 0; i < 25; i++ {
		if d, err := e.Decide(ctx, "key-1", "FREE"); err != nil || !d.Allowed {
			t.Fatalf("decide %d: allowed=%v err=%v", i, d != nil && d.Allowed, err)
		}
	}
	if d, _ := e.Decide(ctx, "key-1", "FREE"); d.Allowed {
		t.Fatal("should be exhausted before midnight")
	}

	clock.Set(time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC))
	d, err := e.Decide(ctx, "key-1", "FREE")
	if err != nil {
		t.Fatalf("decide after rollover: %v", err)
	}
	if !d.Allowed {
		t.Error("fresh window should admit")
	}
	if d.RemainingBase != 24 {
		t.Errorf("expected remaining 24, got %d", d.RemainingBase)
	}
}

func TestDecideUnboundedTierNeverTouchesWindows(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, backend, clock, &recordingCharger{})

	for i := 0; i < 5000; i++ {
		d, err := e.Decide(ctx, "key-1", "UNLIMITED")
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("unbounded decide %d denied", i)
		}
		if d.RemainingBase != catalog.Unlimited {
			t.Fatalf("expected unlimited remaining, got %d", d.RemainingBase)
		}
	}

	if n := backend.WindowCount("key-1"); n != 0 {
		t.Errorf("unbounded decisions must not create windows, found %d", n)
	}
}

func TestDecideUnknownTier(t *testing.T) {
	backend := store.NewMemoryBackend()
	e := newTestEngine(t, backend, store.SystemClock(), &recordingCharger{})

	_, err := e.Decide(context.Background(), "key-1", "GOLD")
	if !errors.Is(err, catalog.ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestDecideFailsClosedOnContention(t *testing.T) {
	backend := store.NewMemoryBackend()
	e, err := NewEngine(Config{
		Windows:     conflictingWindows{},
		Grants:      backend,
		RetryBudget: 3,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	d, err := e.Decide(context.Background(), "key-1", "BASIC")
	if err != nil {
		t.Fatalf("contention should deny, not error: %v", err)
	}
	if d.Allowed {
		t.Error("contended decision must fail closed")
	}
	if d.DenialReason != DenialContention {
		t.Errorf("expected denial reason %q, got %q", DenialContention, d.DenialReason)
	}
}

func TestDecideStoreUnavailableReturnsError(t *testing.T) {
	backend := store.NewMemoryBackend()
	e, err := NewEngine(Config{
		Windows: downWindows{},
		Grants:  backend,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	_, err = e.Decide(context.Background(), "key-1", "BASIC")
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error to surface, got %v", err)
	}
}

func TestPurchaseStoresGrantAndCharges(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	charger := &recordingCharger{}
	e := newTestEngine(t, backend, clock, charger)

	grant, err := e.Purchase(ctx, "key-1", "MEDIUM", 2, true)
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if grant.TotalGranted != 500 || grant.Remaining != 500 {
		t.Errorf("unexpected grant size: total=%d remaining=%d", grant.TotalGranted, grant.Remaining)
	}
	if !grant.AutoRenew {
		t.Error("auto-renew flag should carry through")
	}
	wantExpiry := clock.Now().AddDate(0, 2, 0)
	if !grant.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expected expiry %v, got %v", wantExpiry, grant.ExpiresAt)
	}

	if charger.count() != 1 {
		t.Fatalf("expected one charge, got %d", charger.count())
	}
	charger.mu.Lock()
	charge := charger.charges[0]
	charger.mu.Unlock()
	if charge.amount != 36 { // 18 USD x 2 months
		t.Errorf("expected charge of 36, got %v", charge.amount)
	}

	total, err := backend.RemainingTotal(ctx, "key-1", clock.Now())
	if err != nil {
		t.Fatalf("RemainingTotal: %v", err)
	}
	if total != 500 {
		t.Errorf("expected stored balance 500, got %d", total)
	}
}

func TestPurchaseDefaultsDuration(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, backend, clock, &recordingCharger{})

	grant, err := e.Purchase(ctx, "key-1", "SMALL", 0, false)
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if !grant.ExpiresAt.Equal(clock.Now().AddDate(0, 1, 0)) {
		t.Errorf("expected default 1-month validity, got expiry %v", grant.ExpiresAt)
	}
}

func TestPurchaseRejectsUnknownAndNegotiatedPackages(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	charger := &recordingCharger{}
	e := newTestEngine(t, backend, store.SystemClock(), charger)

	if _, err := e.Purchase(ctx, "key-1", "MEGA", 1, false); !errors.Is(err, catalog.ErrUnknownPackage) {
		t.Errorf("expected ErrUnknownPackage, got %v", err)
	}
	if _, err := e.Purchase(ctx, "key-1", "CUSTOM", 1, false); err == nil {
		t.Error("CUSTOM purchase should be rejected")
	}
	if charger.count() != 0 {
		t.Errorf("no money should move on rejected purchases, got %d charges", charger.count())
	}
}

func TestPurchaseBillingFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	charger := &recordingCharger{fail: errors.New("card declined")}
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, backend, clock, charger)

	if _, err := e.Purchase(ctx, "key-1", "SMALL", 1, false); err == nil {
		t.Fatal("expected billing error")
	}

	total, err := backend.RemainingTotal(ctx, "key-1", clock.Now())
	if err != nil {
		t.Fatalf("RemainingTotal: %v", err)
	}
	if total != 0 {
		t.Errorf("failed purchase must not store a grant, balance=%d", total)
	}
}

func TestRecommendDelegatesToCatalog(t *testing.T) {
	backend := store.NewMemoryBackend()
	e := newTestEngine(t, backend, store.SystemClock(), &recordingCharger{})

	rec := e.Recommend("key-1", 50)
	if rec.Primary.Name != "SMALL" {
		t.Errorf("expected SMALL for overage 50, got %s", rec.Primary.Name)
	}
	rec = e.Recommend("key-1", 600)
	if rec.Primary.Name != "LARGE" {
		t.Errorf("expected LARGE for overage 600, got %s", rec.Primary.Name)
	}
}
