// Package quota implements the tiered admission-control engine.
//
// # Overview
//
// The engine decides, for each request bound to an already-authenticated
// API key, whether the request may proceed and from which allotment it
// is drawn: the key's base daily window, or a purchased add-on grant.
// Base capacity is consumed first; when the window is exhausted, grants
// are drained in expiry order. When both are exhausted the request is
// denied with the time until the window resets.
//
// The engine is stateless across calls: all mutable state lives behind
// the store contracts, so any number of engine instances can share one
// backing store. Every decision is a short bounded sequence of atomic
// conditional writes; transient conflicts are retried up to a fixed
// budget and then the decision fails closed (denied, not admitted).
//
// # Usage
//
//	backend := store.NewMemoryBackend()
//	engine, err := quota.NewEngine(quota.Config{
//	    Windows: backend,
//	    Grants:  backend,
//	})
//
//	decision, err := engine.Decide(ctx, "key-123", "BASIC")
//	if err != nil {
//	    // store failure: fail closed at the service level
//	}
//	if !decision.Allowed {
//	    // deny with decision.ResetIn and decision.DenialReason
//	}
//
// Callers translate a Decision into wire-level rate-limit metadata;
// header formatting is a presentation concern outside this package.
package quota
