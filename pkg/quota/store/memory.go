package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"helios-hq/portcullis/pkg/quota/catalog"
)

// MemoryBackend implements Backend using in-process maps.
// This is the default backend and provides fast access with no
// persistence. All data is lost when the process exits.
//
// State is partitioned into shards keyed by hash(apiKeyID) so concurrent
// decisions for different keys do not contend on a single lock. Within a
// shard, the mutex makes each conditional update atomic.
type MemoryBackend struct {
	shards []*memoryShard
}

type memoryShard struct {
	mu sync.Mutex

	// windows holds each key's windows in creation order; the last
	// entry is the newest. Older windows are retained for history.
	windows map[string][]*UsageWindow

	// grants holds each key's grants in insertion order.
	grants map[string][]*AddOnGrant
}

// MemoryBackendConfig configures the memory backend.
type MemoryBackendConfig struct {
	// ShardCount is the number of lock stripes.
	// Default: 64
	ShardCount int
}

// NewMemoryBackend creates a new in-memory backend with default settings.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithConfig(MemoryBackendConfig{})
}

// NewMemoryBackendWithConfig creates a new in-memory backend with custom
// configuration.
func NewMemoryBackendWithConfig(cfg MemoryBackendConfig) *MemoryBackend {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 64
	}

	shards := make([]*memoryShard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &memoryShard{
			windows: make(map[string][]*UsageWindow),
			grants:  make(map[string][]*AddOnGrant),
		}
	}

	return &MemoryBackend{shards: shards}
}

// shard returns the lock stripe for an API key.
func (m *MemoryBackend) shard(apiKeyID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(apiKeyID))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// GetOrCreateCurrentWindow returns the window covering now, creating a
// fresh one anchored at UTC midnight if none exists or the newest one is
// stale.
func (m *MemoryBackend) GetOrCreateCurrentWindow(ctx context.Context, apiKeyID string, tier catalog.Tier, now time.Time) (*UsageWindow, error) {
	if apiKeyID == "" {
		return nil, fmt.Errorf("api key id cannot be empty")
	}

	s := m.shard(apiKeyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	wins := s.windows[apiKeyID]
	if n := len(wins); n > 0 && wins[n-1].Current(now) {
		cur := wins[n-1]
		// Tier changed mid-window: re-sync the limit, never touch Used.
		if cur.Limit != tier.DailyLimit {
			cur.Limit = tier.DailyLimit
		}
		return cloneWindow(cur), nil
	}

	start := WindowStart(now)
	win := &UsageWindow{
		APIKeyID:    apiKeyID,
		WindowStart: start,
		WindowEnd:   start.Add(tier.WindowLength),
		Used:        0,
		Limit:       tier.DailyLimit,
	}
	s.windows[apiKeyID] = append(wins, win)

	return cloneWindow(win), nil
}

// TryConsume increments the current window's counter iff used < limit.
// Unbounded windows succeed without mutation.
func (m *MemoryBackend) TryConsume(ctx context.Context, apiKeyID string, now time.Time) (bool, *UsageWindow, error) {
	s := m.shard(apiKeyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	wins := s.windows[apiKeyID]
	n := len(wins)
	if n == 0 || !wins[n-1].Current(now) {
		return false, nil, ErrNoCurrentWindow
	}

	cur := wins[n-1]
	if cur.Limit == catalog.Unlimited {
		return true, cloneWindow(cur), nil
	}
	if cur.Used < cur.Limit {
		cur.Used++
		return true, cloneWindow(cur), nil
	}
	return false, cloneWindow(cur), nil
}

// InsertGrant stores a new grant.
func (m *MemoryBackend) InsertGrant(ctx context.Context, grant *AddOnGrant) error {
	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if grant.ID == "" || grant.APIKeyID == "" {
		return fmt.Errorf("grant id and api key id cannot be empty")
	}

	s := m.shard(grant.APIKeyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.grants[grant.APIKeyID] {
		if g.ID == grant.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateGrant, grant.ID)
		}
	}
	s.grants[grant.APIKeyID] = append(s.grants[grant.APIKeyID], cloneGrant(grant))

	return nil
}

// ListActive returns the key's active grants ordered by expiry ascending.
func (m *MemoryBackend) ListActive(ctx context.Context, apiKeyID string, now time.Time) ([]*AddOnGrant, error) {
	s := m.shard(apiKeyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activeLocked(apiKeyID, now), nil
}

// activeLocked returns clones of the active grants sorted by expiry.
// Caller must hold the shard lock.
func (s *memoryShard) activeLocked(apiKeyID string, now time.Time) []*AddOnGrant {
	var active []*AddOnGrant
	for _, g := range s.grants[apiKeyID] {
		if g.Active(now) {
			active = append(active, cloneGrant(g))
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].ExpiresAt.Before(active[j].ExpiresAt)
	})
	return active
}

// TryConsumeOne decrements the soonest-expiring active grant.
func (m *MemoryBackend) TryConsumeOne(ctx context.Context, apiKeyID string, now time.Time) (*AddOnGrant, error) {
	s := m.shard(apiKeyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	// The shard lock covers the whole scan, so the per-grant decrement
	// cannot lose a race here; the fall-through ordering still matches
	// the contract.
	grants := s.grants[apiKeyID]
	var candidates []*AddOnGrant
	for _, g := range grants {
		if g.Active(now) {
			candidates = append(candidates, g)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
	})

	for _, g := range candidates {
		if g.Remaining > 0 {
			g.Remaining--
			return cloneGrant(g), nil
		}
	}
	return nil, nil
}

// RemainingTotal sums the remaining balance over the active grants.
func (m *MemoryBackend) RemainingTotal(ctx context.Context, apiKeyID string, now time.Time) (int64, error) {
	s := m.shard(apiKeyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, g := range s.grants[apiKeyID] {
		if g.Active(now) {
			total += g.Remaining
		}
	}
	return total, nil
}

// ListRenewable returns auto-renew grants expiring within the lookahead.
func (m *MemoryBackend) ListRenewable(ctx context.Context, now time.Time, lookahead time.Duration) ([]*AddOnGrant, error) {
	deadline := now.Add(lookahead)

	var out []*AddOnGrant
	for _, s := range m.shards {
		s.mu.Lock()
		for _, grants := range s.grants {
			for _, g := range grants {
				if g.AutoRenew && !g.Renewed && g.ExpiresAt.After(now) && !g.ExpiresAt.After(deadline) {
					out = append(out, cloneGrant(g))
				}
			}
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

// MarkRenewed sets the renewed flag iff it is not already set.
func (m *MemoryBackend) MarkRenewed(ctx context.Context, apiKeyID, grantID string) (bool, error) {
	s := m.shard(apiKeyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.grants[apiKeyID] {
		if g.ID == grantID {
			if g.Renewed {
				return false, nil
			}
			g.Renewed = true
			return true, nil
		}
	}
	return false, fmt.Errorf("grant %s not found for key %s", grantID, apiKeyID)
}

// ResetRenewed clears the renewed flag.
func (m *MemoryBackend) ResetRenewed(ctx context.Context, apiKeyID, grantID string) error {
	s := m.shard(apiKeyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.grants[apiKeyID] {
		if g.ID == grantID {
			g.Renewed = false
			return nil
		}
	}
	return fmt.Errorf("grant %s not found for key %s", grantID, apiKeyID)
}

// Close releases resources held by the backend.
func (m *MemoryBackend) Close() error { return nil }

// WindowCount returns the number of windows stored for a key, including
// historical ones. Useful for monitoring and tests.
func (m *MemoryBackend) WindowCount(apiKeyID string) int {
	s := m.shard(apiKeyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows[apiKeyID])
}

func cloneWindow(w *UsageWindow) *UsageWindow {
	c := *w
	return &c
}

func cloneGrant(g *AddOnGrant) *AddOnGrant {
	c := *g
	return &c
}
