package audit

import "time"

// Kind classifies an audit event.
type Kind string

const (
	// KindDecision is an admission decision.
	KindDecision Kind = "decision"

	// KindPurchase is an add-on grant purchase.
	KindPurchase Kind = "purchase"

	// KindRenewal is an automatic grant renewal.
	KindRenewal Kind = "renewal"
)

// Event is one recorded quota event.
type Event struct {
	// ID is the event identifier (UUID).
	ID string

	// Timestamp is when the event was recorded.
	Timestamp time.Time

	// APIKeyID is the key the event concerns.
	APIKeyID string

	// Kind classifies the event.
	Kind Kind

	// Tier is the tier a decision was made against (decisions only).
	Tier string

	// Allowed is the decision outcome (decisions only).
	Allowed bool

	// UsedAddOn marks decisions drawn from an add-on grant.
	UsedAddOn bool

	// Reason is the denial reason, empty for admitted requests.
	Reason string

	// Package is the add-on package (purchases and renewals).
	Package string

	// GrantID is the stored grant (purchases and renewals).
	GrantID string

	// AmountUSD is the billed amount (purchases only).
	AmountUSD float64
}
