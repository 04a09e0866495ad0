// Package store defines the persistence contracts for usage windows and
// add-on grants, and provides memory, SQLite and Redis backends.
//
// # Overview
//
// Windows and grants are the only mutable shared state in the engine.
// Every mutation is a single-row conditional update: consuming from a
// window increments its counter only while used < limit, consuming from
// a grant decrements its balance only while remaining > 0, and window
// creation races are resolved by a uniqueness constraint on
// (apiKeyID, windowStart). Two callers racing for the last unit see
// exactly one success.
//
// # Backends
//
//   - MemoryBackend: striped in-process maps, no persistence. Default.
//   - SQLiteBackend: durable single-instance storage, WAL mode,
//     conditional UPDATE guards (modernc.org/sqlite).
//   - RedisBackend: shared storage for multi-instance deployments,
//     Lua scripts for atomicity (github.com/redis/go-redis).
//
// # Usage
//
//	backend, err := store.NewSQLiteBackend("data/quota.db")
//	if err != nil { ... }
//	defer backend.Close()
//
//	win, err := backend.GetOrCreateCurrentWindow(ctx, keyID, tier, now)
//	ok, win, err := backend.TryConsume(ctx, keyID, now)
package store
