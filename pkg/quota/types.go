package quota

import (
	"time"

	"helios-hq/portcullis/pkg/quota/store"
)

// Denial reasons reported on rejected decisions.
const (
	// DenialExhausted means both the base window and every active
	// add-on grant are out of capacity.
	DenialExhausted = "base and add-on exhausted"

	// DenialContention means the retry budget for transient storage
	// conflicts was exhausted. The engine fails closed rather than
	// admitting unverified traffic.
	DenialContention = "contention"
)

// Decision is the outcome of one admission check. It is ephemeral and
// never persisted; callers turn it into wire-level rate-limit metadata.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// UsedAddOn is true when the admitted request was drawn from an
	// add-on grant rather than the base window.
	UsedAddOn bool

	// RemainingBase is the base window capacity left after this
	// decision, or catalog.Unlimited for uncapped tiers.
	RemainingBase int64

	// RemainingAddOnTotal is the summed balance across active grants
	// after this decision.
	RemainingAddOnTotal int64

	// Tier is the tier the decision was made against.
	Tier string

	// ResetIn is the time until the current window rolls over.
	ResetIn time.Duration

	// DenialReason explains a rejection; empty when Allowed.
	DenialReason string
}

// EventSink receives engine events for audit recording. Implementations
// must not block: the engine calls the sink on the decision path.
type EventSink interface {
	// RecordDecision is invoked after every admission decision.
	RecordDecision(apiKeyID string, decision *Decision)

	// RecordPurchase is invoked after a grant purchase is stored.
	RecordPurchase(grant *store.AddOnGrant, amountUSD float64)
}
