// Portcullis is a tiered quota and admission-control engine for API
// keys.
//
// Each key belongs to a subscription tier with a daily request
// allotment, counted in fixed 24-hour windows anchored at UTC midnight.
// When the base window is exhausted, purchased add-on grants keep
// requests flowing; near expiry, auto-renew grants are replaced by a
// scheduled sweep.
//
// Usage:
//
//	# Start the engine with default configuration
//	portcullis run
//
//	# Start with a custom configuration file
//	portcullis run --config /etc/portcullis/config.yaml
//
//	# Show version information
//	portcullis version
//
//	# Suggest an add-on package for an observed overage
//	portcullis recommend --overage 600
package main

func main() {
	Execute()
}
