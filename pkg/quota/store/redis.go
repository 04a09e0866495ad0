package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"helios-hq/portcullis/pkg/quota/catalog"
)

// RedisBackend implements Backend on Redis, for deployments where
// multiple engine instances share one backing store.
//
// Atomicity comes from Lua scripts: window rollover, window consumption
// and grant decrement each run as a single script, so Redis's
// single-threaded execution provides the exactly-one-winner guarantee
// the contracts require. Unlike the SQLite backend, rollover overwrites
// the window hash in place; historical windows are not retained here.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisBackendConfig configures the Redis backend.
type RedisBackendConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Password is the optional server password.
	Password string

	// DB is the Redis database number.
	DB int

	// KeyPrefix namespaces all keys written by the backend.
	// Default: "portcullis:"
	KeyPrefix string
}

// getOrCreateWindowScript rolls the window over if it is missing or
// stale, otherwise re-syncs the limit, and returns the current state.
var getOrCreateWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window_end = redis.call('HGET', KEYS[1], 'window_end')
if (not window_end) or now >= tonumber(window_end) then
	local start = tonumber(ARGV[2])
	redis.call('HSET', KEYS[1],
		'window_start', start,
		'window_end', start + tonumber(ARGV[3]),
		'used', 0,
		'limit', ARGV[4])
else
	redis.call('HSET', KEYS[1], 'limit', ARGV[4])
end
return redis.call('HMGET', KEYS[1], 'window_start', 'window_end', 'used', 'limit')
`)

// consumeWindowScript increments used iff used < limit for the current
// window. Returns {-1} when no window covers now, otherwise
// {ok, start, end, used, limit}.
var consumeWindowScript = redis.NewScript(`
local window_end = redis.call('HGET', KEYS[1], 'window_end')
if (not window_end) or tonumber(ARGV[1]) >= tonumber(window_end) then
	return {-1}
end
local used = tonumber(redis.call('HGET', KEYS[1], 'used'))
local limit = tonumber(redis.call('HGET', KEYS[1], 'limit'))
local ok = 0
if limit < 0 then
	ok = 1
elseif used < limit then
	used = used + 1
	redis.call('HSET', KEYS[1], 'used', used)
	ok = 1
end
return {ok, redis.call('HGET', KEYS[1], 'window_start'), window_end, used, limit}
`)

// consumeGrantScript decrements remaining iff remaining > 0.
// Returns the post-decrement balance, or -1 when the grant had none.
var consumeGrantScript = redis.NewScript(`
local remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining') or '-1')
if remaining > 0 then
	remaining = remaining - 1
	redis.call('HSET', KEYS[1], 'remaining', remaining)
	return remaining
end
return -1
`)

// markRenewedScript sets the renewed flag iff it is clear.
var markRenewedScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'renewed') == '0' then
	redis.call('HSET', KEYS[1], 'renewed', 1)
	return 1
end
return 0
`)

// NewRedisBackend creates a Redis backend connected to the given address
// with default settings.
func NewRedisBackend(addr string) *RedisBackend {
	return NewRedisBackendWithConfig(RedisBackendConfig{Addr: addr})
}

// NewRedisBackendWithConfig creates a Redis backend with custom
// configuration.
func NewRedisBackendWithConfig(cfg RedisBackendConfig) *RedisBackend {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "portcullis:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisBackend{client: client, prefix: cfg.KeyPrefix}
}

// NewRedisBackendFromClient wraps an existing client. The caller keeps
// ownership of the client; Close still closes it.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "portcullis:"}
}

// Ping verifies connectivity to the Redis server.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) windowKey(apiKeyID string) string { return r.prefix + "win:" + apiKeyID }
func (r *RedisBackend) grantKey(grantID string) string   { return r.prefix + "grant:" + grantID }
func (r *RedisBackend) grantsKey(apiKeyID string) string { return r.prefix + "grants:" + apiKeyID }
func (r *RedisBackend) indexKey() string                 { return r.prefix + "grantindex" }

// GetOrCreateCurrentWindow returns the window covering now, rolling the
// stored hash over atomically when stale.
func (r *RedisBackend) GetOrCreateCurrentWindow(ctx context.Context, apiKeyID string, tier catalog.Tier, now time.Time) (*UsageWindow, error) {
	if apiKeyID == "" {
		return nil, fmt.Errorf("api key id cannot be empty")
	}

	start := WindowStart(now)
	vals, err := getOrCreateWindowScript.Run(ctx, r.client,
		[]string{r.windowKey(apiKeyID)},
		now.Unix(),
		start.Unix(),
		int64(tier.WindowLength.Seconds()),
		tier.DailyLimit,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to get or create window: %w", err)
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("unexpected window script reply of length %d", len(vals))
	}

	return &UsageWindow{
		APIKeyID:    apiKeyID,
		WindowStart: time.Unix(toInt64(vals[0]), 0).UTC(),
		WindowEnd:   time.Unix(toInt64(vals[1]), 0).UTC(),
		Used:        toInt64(vals[2]),
		Limit:       toInt64(vals[3]),
	}, nil
}

// TryConsume increments the current window's counter iff used < limit,
// as a single script execution.
func (r *RedisBackend) TryConsume(ctx context.Context, apiKeyID string, now time.Time) (bool, *UsageWindow, error) {
	vals, err := consumeWindowScript.Run(ctx, r.client,
		[]string{r.windowKey(apiKeyID)},
		now.Unix(),
	).Slice()
	if err != nil {
		return false, nil, fmt.Errorf("failed to consume from window: %w", err)
	}
	if len(vals) == 1 && toInt64(vals[0]) == -1 {
		return false, nil, ErrNoCurrentWindow
	}
	if len(vals) != 5 {
		return false, nil, fmt.Errorf("unexpected consume script reply of length %d", len(vals))
	}

	win := &UsageWindow{
		APIKeyID:    apiKeyID,
		WindowStart: time.Unix(toInt64(vals[1]), 0).UTC(),
		WindowEnd:   time.Unix(toInt64(vals[2]), 0).UTC(),
		Used:        toInt64(vals[3]),
		Limit:       toInt64(vals[4]),
	}
	return toInt64(vals[0]) == 1, win, nil
}

// InsertGrant stores a new grant hash and indexes it by expiry, both in
// the per-key set and the global renewal index.
func (r *RedisBackend) InsertGrant(ctx context.Context, grant *AddOnGrant) error {
	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if grant.ID == "" || grant.APIKeyID == "" {
		return fmt.Errorf("grant id and api key id cannot be empty")
	}

	gk := r.grantKey(grant.ID)
	created, err := r.client.HSetNX(ctx, gk, "id", grant.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrDuplicateGrant, grant.ID)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, gk,
		"api_key_id", grant.APIKeyID,
		"package", grant.Package,
		"total_granted", grant.TotalGranted,
		"remaining", grant.Remaining,
		"activated_at", grant.ActivatedAt.Unix(),
		"expires_at", grant.ExpiresAt.Unix(),
		"auto_renew", boolToInt(grant.AutoRenew),
		"renewed", boolToInt(grant.Renewed),
	)
	score := float64(grant.ExpiresAt.Unix())
	pipe.ZAdd(ctx, r.grantsKey(grant.APIKeyID), redis.Z{Score: score, Member: grant.ID})
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: score, Member: grant.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index grant: %w", err)
	}
	return nil
}

// ListActive returns the key's active grants ordered by expiry ascending.
// The per-key sorted set is scored by expiry, so range order is drain
// order.
func (r *RedisBackend) ListActive(ctx context.Context, apiKeyID string, now time.Time) ([]*AddOnGrant, error) {
	ids, err := r.unexpiredIDs(ctx, r.grantsKey(apiKeyID), now)
	if err != nil {
		return nil, err
	}

	var grants []*AddOnGrant
	for _, id := range ids {
		g, err := r.fetchGrant(ctx, id)
		if err != nil {
			return nil, err
		}
		if g != nil && g.Active(now) {
			grants = append(grants, g)
		}
	}
	return grants, nil
}

// TryConsumeOne walks the active grants in expiry order; the per-grant
// script either claims a unit or reports the grant empty, in which case
// the next candidate is tried within the same call.
func (r *RedisBackend) TryConsumeOne(ctx context.Context, apiKeyID string, now time.Time) (*AddOnGrant, error) {
	ids, err := r.unexpiredIDs(ctx, r.grantsKey(apiKeyID), now)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		g, err := r.fetchGrant(ctx, id)
		if err != nil {
			return nil, err
		}
		if g == nil || !g.Active(now) {
			continue
		}
		left, err := consumeGrantScript.Run(ctx, r.client, []string{r.grantKey(id)}).Int64()
		if err != nil {
			return nil, fmt.Errorf("failed to consume from grant %s: %w", id, err)
		}
		if left < 0 {
			continue
		}
		g.Remaining = left
		return g, nil
	}
	return nil, nil
}

// RemainingTotal sums the remaining balance over the active grants.
func (r *RedisBackend) RemainingTotal(ctx context.Context, apiKeyID string, now time.Time) (int64, error) {
	grants, err := r.ListActive(ctx, apiKeyID, now)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, g := range grants {
		total += g.Remaining
	}
	return total, nil
}

// ListRenewable returns auto-renew grants expiring within the lookahead,
// using the global expiry index.
func (r *RedisBackend) ListRenewable(ctx context.Context, now time.Time, lookahead time.Duration) ([]*AddOnGrant, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.Unix(), 10),
		Max: strconv.FormatInt(now.Add(lookahead).Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan renewal index: %w", err)
	}

	var grants []*AddOnGrant
	for _, id := range ids {
		g, err := r.fetchGrant(ctx, id)
		if err != nil {
			return nil, err
		}
		if g != nil && g.AutoRenew && !g.Renewed {
			grants = append(grants, g)
		}
	}
	return grants, nil
}

// MarkRenewed sets the renewed flag iff it is not already set.
func (r *RedisBackend) MarkRenewed(ctx context.Context, apiKeyID, grantID string) (bool, error) {
	claimed, err := markRenewedScript.Run(ctx, r.client, []string{r.grantKey(grantID)}).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to mark grant renewed: %w", err)
	}
	return claimed == 1, nil
}

// ResetRenewed clears the renewed flag.
func (r *RedisBackend) ResetRenewed(ctx context.Context, apiKeyID, grantID string) error {
	if err := r.client.HSet(ctx, r.grantKey(grantID), "renewed", 0).Err(); err != nil {
		return fmt.Errorf("failed to reset renewed flag: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// unexpiredIDs returns grant IDs from a sorted set with expiry strictly
// after now, in expiry order.
func (r *RedisBackend) unexpiredIDs(ctx context.Context, key string, now time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan grant set: %w", err)
	}
	return ids, nil
}

// fetchGrant loads a grant hash. Returns nil without error when the hash
// is gone.
func (r *RedisBackend) fetchGrant(ctx context.Context, grantID string) (*AddOnGrant, error) {
	fields, err := r.client.HGetAll(ctx, r.grantKey(grantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch grant %s: %w", grantID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	g := &AddOnGrant{
		ID:           fields["id"],
		APIKeyID:     fields["api_key_id"],
		Package:      fields["package"],
		TotalGranted: parseInt64(fields["total_granted"]),
		Remaining:    parseInt64(fields["remaining"]),
		ActivatedAt:  time.Unix(parseInt64(fields["activated_at"]), 0).UTC(),
		ExpiresAt:    time.Unix(parseInt64(fields["expires_at"]), 0).UTC(),
		AutoRenew:    fields["auto_renew"] == "1",
		Renewed:      fields["renewed"] == "1",
	}
	return g, nil
}

// toInt64 converts a Lua script reply element (int64 or numeric string)
// to int64.
func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		return parseInt64(x)
	default:
		return 0
	}
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
