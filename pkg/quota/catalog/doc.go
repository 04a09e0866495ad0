// Package catalog defines the static tier and add-on package catalogs.
//
// # Overview
//
// Tiers describe the base daily request allotment for an API key; add-on
// packages describe purchasable top-ups with their own validity period.
// Both catalogs are fixed at compile time and safe for concurrent reads.
//
// The package also implements the recommendation advisor: given the number
// of requests a key went over its allotment by, it suggests the cheapest
// package that covers the overage, with size-adjacent alternatives.
//
// # Usage
//
//	tier, err := catalog.TierByName("BASIC")
//	if err != nil {
//	    // unknown tier, reject at configuration time
//	}
//
//	rec := catalog.Recommend(600)
//	fmt.Println(rec.Primary.Name) // "LARGE"
package catalog
