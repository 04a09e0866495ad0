package catalog

import "fmt"

// AddOnPackage describes a purchasable daily request top-up.
// Package values are immutable catalog entries.
type AddOnPackage struct {
	// Name is the package identifier (e.g. "SMALL").
	Name string

	// AdditionalRequests is the number of requests granted per purchase.
	// Zero for the CUSTOM package, whose size is negotiated.
	AdditionalRequests int64

	// MonthlyPriceUSD is the price per validity month.
	MonthlyPriceUSD float64

	// DefaultValidityMonths is the grant validity applied when the
	// purchaser does not specify a duration.
	DefaultValidityMonths int
}

// Negotiated reports whether the package has no fixed size and is priced
// per contract (the CUSTOM entry).
func (p AddOnPackage) Negotiated() bool {
	return p.AdditionalRequests == 0
}

// PricePerRequest returns the monthly price divided by the request grant,
// or 0 for negotiated packages.
func (p AddOnPackage) PricePerRequest() float64 {
	if p.AdditionalRequests <= 0 {
		return 0
	}
	return p.MonthlyPriceUSD / float64(p.AdditionalRequests)
}

// packages is the compile-time add-on catalog, ordered by size ascending
// with the negotiated CUSTOM entry last.
var packages = []AddOnPackage{
	{Name: "SMALL", AdditionalRequests: 100, MonthlyPriceUSD: 5, DefaultValidityMonths: 1},
	{Name: "MEDIUM", AdditionalRequests: 500, MonthlyPriceUSD: 18, DefaultValidityMonths: 1},
	{Name: "LARGE", AdditionalRequests: 2000, MonthlyPriceUSD: 60, DefaultValidityMonths: 1},
	{Name: "ENTERPRISE", AdditionalRequests: 10000, MonthlyPriceUSD: 250, DefaultValidityMonths: 1},
	{Name: "CUSTOM", AdditionalRequests: 0, MonthlyPriceUSD: 0, DefaultValidityMonths: 1},
}

// PackageByName returns the add-on package with the given name.
// Returns ErrUnknownPackage if the name is not in the catalog.
func PackageByName(name string) (AddOnPackage, error) {
	for _, p := range packages {
		if p.Name == name {
			return p, nil
		}
	}
	return AddOnPackage{}, fmt.Errorf("%w: %q", ErrUnknownPackage, name)
}

// Packages returns all catalog packages ordered by size ascending.
// The returned slice is a copy and safe to modify.
func Packages() []AddOnPackage {
	out := make([]AddOnPackage, len(packages))
	copy(out, packages)
	return out
}

// RecommendedFor returns the smallest package whose grant covers the
// given overage, tie-broken by lowest price per request. Overages beyond
// the largest fixed package map to the negotiated CUSTOM entry.
func RecommendedFor(overageRequests int64) AddOnPackage {
	var best AddOnPackage
	found := false
	for _, p := range packages {
		if p.Negotiated() || p.AdditionalRequests < overageRequests {
			continue
		}
		if !found ||
			p.AdditionalRequests < best.AdditionalRequests ||
			(p.AdditionalRequests == best.AdditionalRequests && p.PricePerRequest() < best.PricePerRequest()) {
			best = p
			found = true
		}
	}
	if !found {
		// Overage exceeds every fixed size.
		custom, _ := PackageByName("CUSTOM")
		return custom
	}
	return best
}
