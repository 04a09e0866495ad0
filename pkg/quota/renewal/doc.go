// Package renewal auto-renews add-on grants before they expire.
//
// A cron-driven sweep selects grants marked for auto-renewal whose
// expiry falls within a lookahead window, claims each one with a
// conditional flag update (so overlapping ticks or multiple scheduler
// instances renew a grant at most once), charges the billing
// collaborator, and inserts the successor grant. A failed charge
// releases the claim and the grant is retried on the next sweep; if it
// keeps failing, the grant simply expires.
//
// The sweep never touches the request path and holds no locks the
// engine waits on.
package renewal
