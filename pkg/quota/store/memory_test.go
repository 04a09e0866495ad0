package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"helios-hq/portcullis/pkg/quota/catalog"
)

func mustTier(t *testing.T, name string) catalog.Tier {
	t.Helper()
	tier, err := catalog.TierByName(name)
	if err != nil {
		t.Fatalf("unknown tier %q: %v", name, err)
	}
	return tier
}

func testGrant(id, apiKeyID string, remaining int64, expiresAt time.Time) *AddOnGrant {
	return &AddOnGrant{
		ID:           id,
		APIKeyID:     apiKeyID,
		Package:      "SMALL",
		TotalGranted: remaining,
		Remaining:    remaining,
		ActivatedAt:  expiresAt.AddDate(0, -1, 0),
		ExpiresAt:    expiresAt,
	}
}

func TestMemoryWindowCreationAndReuse(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	tier := mustTier(t, "BASIC")
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

	win, err := m.GetOrCreateCurrentWindow(ctx, "key-1", tier, now)
	if err != nil {
		t.Fatalf("GetOrCreateCurrentWindow failed: %v", err)
	}
	wantStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if !win.WindowStart.Equal(wantStart) {
		t.Errorf("expected window start %v, got %v", wantStart, win.WindowStart)
	}
	if !win.WindowEnd.Equal(wantStart.Add(24 * time.Hour)) {
		t.Errorf("unexpected window end %v", win.WindowEnd)
	}
	if win.Used != 0 || win.Limit != tier.DailyLimit {
		t.Errorf("unexpected new window state: used=%d limit=%d", win.Used, win.Limit)
	}

	// A second call inside the same day reuses the window.
	again, err := m.GetOrCreateCurrentWindow(ctx, "key-1", tier, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second GetOrCreateCurrentWindow failed: %v", err)
	}
	if !again.WindowStart.Equal(win.WindowStart) {
		t.Errorf("expected same window, got start %v", again.WindowStart)
	}
	if m.WindowCount("key-1") != 1 {
		t.Errorf("expected 1 stored window, got %d", m.WindowCount("key-1"))
	}
}

func TestMemoryWindowRollover(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	tier := mustTier(t, "BASIC")
	day1 := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)

	if _, err := m.GetOrCreateCurrentWindow(ctx, "key-1", tier, day1); err != nil {
		t.Fatalf("create day1 window: %v", err)
	}
	for i := 0; i < 5; i++ {
		if ok, _, err := m.TryConsume(ctx, "key-1", day1); err != nil || !ok {
			t.Fatalf("day1 consume %d failed: ok=%v err=%v", i, ok, err)
		}
	}

	win, err := m.GetOrCreateCurrentWindow(ctx, "key-1", tier, day2)
	if err != nil {
		t.Fatalf("create day2 window: %v", err)
	}
	if win.Used != 0 {
		t.Errorf("fresh window should start at 0 used, got %d", win.Used)
	}
	if !win.WindowStart.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected day2 window start %v", win.WindowStart)
	}
	if m.WindowCount("key-1") != 2 {
		t.Errorf("expected both windows retained, got %d", m.WindowCount("key-1"))
	}
}

func TestMemoryTryConsumeWithoutWindow(t *testing.T) {
	m := NewMemoryBackend()
	_, _, err := m.TryConsume(context.Background(), "key-1", time.Now())
	if err != ErrNoCurrentWindow {
		t.Fatalf("expected ErrNoCurrentWindow, got %v", err)
	}
}

func TestMemoryTryConsumeExhaustsAtLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	tier := mustTier(t, "FREE")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if _, err := m.GetOrCreateCurrentWindow(ctx, "key-1", tier, now); err != nil {
		t.Fatalf("create window: %v", err)
	}

	for i := int64(0); i < tier.DailyLimit; i++ {
		ok, _, err := m.TryConsume(ctx, "key-1", now)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("consume %d denied before limit", i)
		}
	}

	ok, win, err := m.TryConsume(ctx, "key-1", now)
	if err != nil {
		t.Fatalf("over-limit consume: %v", err)
	}
	if ok {
		t.Error("consume past the limit should fail")
	}
	if win.Used != tier.DailyLimit {
		t.Errorf("used should stay at limit %d, got %d", tier.DailyLimit, win.Used)
	}
}

func TestMemoryConcurrentConsumeNeverOverAdmits(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	tier := mustTier(t, "FREE") // limit 25
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if _, err := m.GetOrCreateCurrentWindow(ctx, "key-1", tier, now); err != nil {
		t.Fatalf("create window: %v", err)
	}

	const workers = 100
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := m.TryConsume(ctx, "key-1", now)
			if err != nil {
				t.Errorf("concurrent consume: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	if int64(admitted) != tier.DailyLimit {
		t.Errorf("expected exactly %d admissions, got %d", tier.DailyLimit, admitted)
	}
}

func TestMemoryUnlimitedTierConsumesWithoutMutation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	tier := mustTier(t, "UNLIMITED")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if _, err := m.GetOrCreateCurrentWindow(ctx, "key-1", tier, now); err != nil {
		t.Fatalf("create window: %v", err)
	}

	for i := 0; i < 1000; i++ {
		ok, win, err := m.TryConsume(ctx, "key-1", now)
		if err != nil || !ok {
			t.Fatalf("unlimited consume %d: ok=%v err=%v", i, ok, err)
		}
		if win.Used != 0 {
			t.Fatalf("unlimited window must never count usage, got used=%d", win.Used)
		}
	}
}

func TestMemoryTierChangeResyncsLimitKeepsUsed(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	basic := mustTier(t, "BASIC") // 100
	if _, err := m.GetOrCreateCurrentWindow(ctx, "key-1", basic, now); err != nil {
		t.Fatalf("create window: %v", err)
	}
	for i := 0; i < 50; i++ {
		if ok, _, err := m.TryConsume(ctx, "key-1", now); err != nil || !ok {
			t.Fatalf("consume %d: ok=%v err=%v", i, ok, err)
		}
	}

	// Upgrade mid-window: capacity grows, usage carries over.
	pro := mustTier(t, "PRO") // 1000
	win, err := m.GetOrCreateCurrentWindow(ctx, "key-1", pro, now)
	if err != nil {
		t.Fatalf("resync to PRO: %v", err)
	}
	if win.Used != 50 || win.Limit != pro.DailyLimit {
		t.Errorf("after upgrade: used=%d limit=%d", win.Used, win.Limit)
	}

	// Downgrade below current usage: remaining floors at 0, no reset.
	free := mustTier(t, "FREE") // 25
	win, err = m.GetOrCreateCurrentWindow(ctx, "key-1", free, now)
	if err != nil {
		t.Fatalf("resync to FREE: %v", err)
	}
	if win.Used != 50 {
		t.Errorf("downgrade must not reset usage, got %d", win.Used)
	}
	if win.RemainingBase() != 0 {
		t.Errorf("remaining base should floor at 0, got %d", win.RemainingBase())
	}
	if ok, _, err := m.TryConsume(ctx, "key-1", now); err != nil || ok {
		t.Errorf("consume after downgrade should be denied: ok=%v err=%v", ok, err)
	}
}

func TestMemoryInsertGrantRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Now().UTC()

	g := testGrant("g-1", "key-1", 100, now.AddDate(0, 1, 0))
	if err := m.InsertGrant(ctx, g); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := m.InsertGrant(ctx, g)
	if err == nil {
		t.Fatal("expected duplicate grant error")
	}
}

func TestMemoryGrantsDrainInExpiryOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Inserted out of order; the soonest-expiring grant drains first.
	later := testGrant("g-later", "key-1", 2, now.AddDate(0, 2, 0))
	sooner := testGrant("g-sooner", "key-1", 2, now.AddDate(0, 1, 0))
	for _, g := range []*AddOnGrant{later, sooner} {
		if err := m.InsertGrant(ctx, g); err != nil {
			t.Fatalf("insert %s: %v", g.ID, err)
		}
	}

	wantOrder := []string{"g-sooner", "g-sooner", "g-later", "g-later"}
	for i, want := range wantOrder {
		g, err := m.TryConsumeOne(ctx, "key-1", now)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if g == nil {
			t.Fatalf("consume %d: expected a unit", i)
		}
		if g.ID != want {
			t.Errorf("consume %d: expected grant %s, got %s", i, want, g.ID)
		}
	}

	// Both grants exhausted.
	g, err := m.TryConsumeOne(ctx, "key-1", now)
	if err != nil {
		t.Fatalf("final consume: %v", err)
	}
	if g != nil {
		t.Errorf("expected nil after exhaustion, got grant %s", g.ID)
	}
}

func TestMemoryExpiredGrantYieldsNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	expired := testGrant("g-exp", "key-1", 50, now.Add(-time.Hour))
	if err := m.InsertGrant(ctx, expired); err != nil {
		t.Fatalf("insert: %v", err)
	}

	g, err := m.TryConsumeOne(ctx, "key-1", now)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if g != nil {
		t.Errorf("expired grant must not yield units, got %s", g.ID)
	}

	total, err := m.RemainingTotal(ctx, "key-1", now)
	if err != nil {
		t.Fatalf("RemainingTotal: %v", err)
	}
	if total != 0 {
		t.Errorf("expired grant must not count toward total, got %d", total)
	}
}

func TestMemoryFutureActivationGrantNotYetUsable(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// A renewal successor stored ahead of its activation.
	successor := testGrant("g-succ", "key-1", 100, now.AddDate(0, 2, 0))
	successor.ActivatedAt = now.Add(24 * time.Hour)
	if err := m.InsertGrant(ctx, successor); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if g, err := m.TryConsumeOne(ctx, "key-1", now); err != nil || g != nil {
		t.Errorf("inactive successor must not yield units: g=%v err=%v", g, err)
	}
	if total, _ := m.RemainingTotal(ctx, "key-1", now); total != 0 {
		t.Errorf("inactive successor must not count, got %d", total)
	}

	// Once activation passes, the grant serves normally.
	later := successor.ActivatedAt.Add(time.Minute)
	if g, err := m.TryConsumeOne(ctx, "key-1", later); err != nil || g == nil {
		t.Errorf("activated successor should yield a unit: g=%v err=%v", g, err)
	}
}

func TestMemoryRemainingTotalSumsActiveGrants(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	grants := []*AddOnGrant{
		testGrant("g-1", "key-1", 100, now.AddDate(0, 1, 0)),
		testGrant("g-2", "key-1", 500, now.AddDate(0, 2, 0)),
		testGrant("g-exp", "key-1", 999, now.Add(-time.Minute)),
	}
	for _, g := range grants {
		if err := m.InsertGrant(ctx, g); err != nil {
			t.Fatalf("insert %s: %v", g.ID, err)
		}
	}

	total, err := m.RemainingTotal(ctx, "key-1", now)
	if err != nil {
		t.Fatalf("RemainingTotal: %v", err)
	}
	if total != 600 {
		t.Errorf("expected total 600, got %d", total)
	}
}

func TestMemoryConcurrentGrantDrainIsExact(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	const capacity = 40
	if err := m.InsertGrant(ctx, testGrant("g-1", "key-1", capacity, now.AddDate(0, 1, 0))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const workers = 100
	var wg sync.WaitGroup
	got := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := m.TryConsumeOne(ctx, "key-1", now)
			if err != nil {
				t.Errorf("concurrent grant consume: %v", err)
				return
			}
			got <- g != nil
		}()
	}
	wg.Wait()
	close(got)

	units := 0
	for ok := range got {
		if ok {
			units++
		}
	}
	if units != capacity {
		t.Errorf("expected exactly %d units, got %d", capacity, units)
	}
}

func TestMemoryListRenewable(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	soon := testGrant("g-soon", "key-1", 10, now.Add(24*time.Hour))
	soon.AutoRenew = true
	far := testGrant("g-far", "key-2", 10, now.AddDate(0, 3, 0))
	far.AutoRenew = true
	manual := testGrant("g-manual", "key-3", 10, now.Add(24*time.Hour))
	claimed := testGrant("g-claimed", "key-4", 10, now.Add(24*time.Hour))
	claimed.AutoRenew = true
	claimed.Renewed = true

	for _, g := range []*AddOnGrant{soon, far, manual, claimed} {
		if err := m.InsertGrant(ctx, g); err != nil {
			t.Fatalf("insert %s: %v", g.ID, err)
		}
	}

	renewable, err := m.ListRenewable(ctx, now, 72*time.Hour)
	if err != nil {
		t.Fatalf("ListRenewable: %v", err)
	}
	if len(renewable) != 1 || renewable[0].ID != "g-soon" {
		ids := make([]string, len(renewable))
		for i, g := range renewable {
			ids[i] = g.ID
		}
		t.Errorf("expected only g-soon renewable, got %v", ids)
	}
}

func TestMemoryMarkRenewedClaimsOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Now().UTC()

	g := testGrant("g-1", "key-1", 10, now.AddDate(0, 1, 0))
	g.AutoRenew = true
	if err := m.InsertGrant(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}

	claimed, err := m.MarkRenewed(ctx, "key-1", "g-1")
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = m.MarkRenewed(ctx, "key-1", "g-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Error("second claim should fail")
	}

	// Releasing the claim makes the grant claimable again.
	if err := m.ResetRenewed(ctx, "key-1", "g-1"); err != nil {
		t.Fatalf("ResetRenewed: %v", err)
	}
	claimed, err = m.MarkRenewed(ctx, "key-1", "g-1")
	if err != nil || !claimed {
		t.Errorf("claim after reset: claimed=%v err=%v", claimed, err)
	}
}

func TestMemoryShardingIsolatesKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackendWithConfig(MemoryBackendConfig{ShardCount: 4})
	tier := mustTier(t, "FREE")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i)
		if _, err := m.GetOrCreateCurrentWindow(ctx, key, tier, now); err != nil {
			t.Fatalf("create window for %s: %v", key, err)
		}
		if ok, _, err := m.TryConsume(ctx, key, now); err != nil || !ok {
			t.Fatalf("consume for %s: ok=%v err=%v", key, ok, err)
		}
	}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i)
		win, err := m.GetOrCreateCurrentWindow(ctx, key, tier, now)
		if err != nil {
			t.Fatalf("read window for %s: %v", key, err)
		}
		if win.Used != 1 {
			t.Errorf("key %s: expected used=1, got %d", key, win.Used)
		}
	}
}
