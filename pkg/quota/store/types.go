package store

import (
	"context"
	"errors"
	"time"

	"helios-hq/portcullis/pkg/quota/catalog"
)

// Clock abstracts time for testability. Decision paths never call
// time.Now directly; they take the instant from the configured Clock.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// WindowStart returns the start of the usage window containing the given
// instant: UTC midnight of that day.
func WindowStart(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

// UsageWindow is one day's usage counter for one API key.
//
// Invariants: 0 <= Used <= Limit for bounded tiers, and at most one
// current window exists per key at any instant. Windows are created
// lazily on the first request of a new day and retained for history.
type UsageWindow struct {
	// APIKeyID identifies the key this window belongs to.
	APIKeyID string

	// WindowStart is the window anchor (UTC midnight).
	WindowStart time.Time

	// WindowEnd is WindowStart plus the tier window length.
	WindowEnd time.Time

	// Used is the number of requests consumed in this window.
	Used int64

	// Limit is the daily limit copied from the tier at creation time
	// and re-synced when the tier changes mid-window.
	Limit int64
}

// Current reports whether now falls inside [WindowStart, WindowEnd).
func (w *UsageWindow) Current(now time.Time) bool {
	return !now.Before(w.WindowStart) && now.Before(w.WindowEnd)
}

// RemainingBase returns the requests left in the window, floored at 0
// (a mid-window tier downgrade can leave Used above the new Limit).
func (w *UsageWindow) RemainingBase() int64 {
	if r := w.Limit - w.Used; r > 0 {
		return r
	}
	return 0
}

// AddOnGrant is one purchased add-on allotment.
//
// Remaining only ever decreases, floor-clamped at 0 by the conditional
// decrement. Exhausted or expired grants drop out of the active set but
// the record persists for audit.
type AddOnGrant struct {
	// ID is the grant identifier (UUID).
	ID string

	// APIKeyID identifies the key the grant was purchased for.
	APIKeyID string

	// Package is the catalog package name this grant was created from.
	Package string

	// TotalGranted is the request allotment at purchase time.
	TotalGranted int64

	// Remaining is the unconsumed balance, 0 <= Remaining <= TotalGranted.
	Remaining int64

	// ActivatedAt is when the grant became usable.
	ActivatedAt time.Time

	// ExpiresAt is when the grant stops being usable.
	ExpiresAt time.Time

	// AutoRenew marks the grant for automatic renewal near expiry.
	AutoRenew bool

	// Renewed is set once a successor grant has been created, so
	// overlapping renewal sweeps renew a grant at most once.
	Renewed bool
}

// Active reports whether the grant can yield units at the given
// instant. A renewal successor is stored before its activation and only
// becomes active once its predecessor expires.
func (g *AddOnGrant) Active(now time.Time) bool {
	return g.Remaining > 0 && !now.Before(g.ActivatedAt) && now.Before(g.ExpiresAt)
}

// Store errors.
var (
	// ErrNoCurrentWindow is returned by TryConsume when no window covers
	// the given instant. Callers create the window first.
	ErrNoCurrentWindow = errors.New("no current usage window")

	// ErrConflict marks a transient conditional-update conflict. Callers
	// retry up to a fixed budget and then fail closed.
	ErrConflict = errors.New("storage conflict")

	// ErrDuplicateGrant is returned when inserting a grant whose ID
	// already exists.
	ErrDuplicateGrant = errors.New("duplicate grant id")
)

// IsConflict reports whether err is a transient conflict worth retrying.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// WindowStore owns the per-key, per-day usage counters.
type WindowStore interface {
	// GetOrCreateCurrentWindow returns the window covering now for the
	// key, creating one anchored at UTC midnight if none exists or the
	// stored one is stale. The stored limit is re-synced to the tier's
	// daily limit if the tier changed mid-window; Used is never reset.
	// Creation races are resolved by the (apiKeyID, windowStart)
	// uniqueness constraint: exactly one creation wins, losers re-read.
	GetOrCreateCurrentWindow(ctx context.Context, apiKeyID string, tier catalog.Tier, now time.Time) (*UsageWindow, error)

	// TryConsume atomically increments the current window's counter iff
	// used < limit, in a single conditional operation. The post-state
	// window is returned regardless of success so callers can report
	// remaining capacity. Returns ErrNoCurrentWindow if no window
	// covers now.
	TryConsume(ctx context.Context, apiKeyID string, now time.Time) (bool, *UsageWindow, error)
}

// GrantPool owns the purchased add-on grants.
type GrantPool interface {
	// InsertGrant stores a new grant.
	InsertGrant(ctx context.Context, grant *AddOnGrant) error

	// ListActive returns the key's grants with remaining > 0 and
	// now < expiresAt, ordered by expiry ascending so the
	// soonest-expiring grant is drained first.
	ListActive(ctx context.Context, apiKeyID string, now time.Time) ([]*AddOnGrant, error)

	// TryConsumeOne decrements the first active grant with capacity.
	// A lost per-grant race falls through to the next candidate within
	// the same call, so the caller gets a unit if any grant has capacity
	// at call time. Returns nil when no grant yields a unit.
	TryConsumeOne(ctx context.Context, apiKeyID string, now time.Time) (*AddOnGrant, error)

	// RemainingTotal sums the remaining balance over the active grants.
	RemainingTotal(ctx context.Context, apiKeyID string, now time.Time) (int64, error)

	// ListRenewable returns grants across all keys with autoRenew set,
	// not yet renewed, and expiring within the lookahead.
	ListRenewable(ctx context.Context, now time.Time, lookahead time.Duration) ([]*AddOnGrant, error)

	// MarkRenewed sets the grant's renewed flag iff it is not already
	// set. Returns false when another sweep claimed the renewal first.
	MarkRenewed(ctx context.Context, apiKeyID, grantID string) (bool, error)

	// ResetRenewed clears the renewed flag. Used by the claim holder to
	// release a renewal whose billing charge failed, so the next sweep
	// retries it.
	ResetRenewed(ctx context.Context, apiKeyID, grantID string) error
}

// Backend combines the window and grant contracts. All implementations
// are safe for concurrent use.
type Backend interface {
	WindowStore
	GrantPool

	// Close releases resources held by the backend.
	Close() error
}
