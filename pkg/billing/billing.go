// Package billing defines the payment collaborator seam.
//
// The engine records purchased grants but never moves money itself;
// purchases and renewals charge through a Charger supplied by the
// embedding application. The package ships a no-op implementation for
// deployments where billing happens out of band.
package billing

import "context"

// Charger charges an account for a grant purchase or renewal.
// Implementations talk to the actual payment system; a failed charge
// must return an error before any money moves partially.
type Charger interface {
	// Charge bills the given amount against the account behind the API
	// key. The memo describes the purchase for statements and audit.
	Charge(ctx context.Context, apiKeyID string, amountUSD float64, memo string) error
}

// Noop is a Charger that accepts every charge without side effects.
type Noop struct{}

// Charge implements Charger.
func (Noop) Charge(ctx context.Context, apiKeyID string, amountUSD float64, memo string) error {
	return nil
}
