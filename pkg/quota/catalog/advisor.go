package catalog

import "sort"

// Recommendation is the advisor's suggestion for covering an observed
// overage. It is ephemeral and never persisted.
type Recommendation struct {
	// Primary is the suggested package.
	Primary AddOnPackage

	// Alternatives are the size-adjacent catalog entries, ordered by
	// price per request ascending.
	Alternatives []AddOnPackage

	// CostPerRequest is the primary package's price per granted request,
	// 0 when the primary is negotiated.
	CostPerRequest float64
}

// Recommend suggests an add-on package for the given overage.
//
// The primary is the smallest package covering the overage
// (RecommendedFor); alternatives are the catalog entries adjacent in
// size, sorted by price per request ascending. Pure function, no I/O.
func Recommend(overageRequests int64) Recommendation {
	primary := RecommendedFor(overageRequests)

	// Locate the primary in the size-ordered catalog and pick its
	// neighbours.
	idx := -1
	for i, p := range packages {
		if p.Name == primary.Name {
			idx = i
			break
		}
	}

	var alts []AddOnPackage
	if idx > 0 {
		alts = append(alts, packages[idx-1])
	}
	if idx >= 0 && idx < len(packages)-1 && !packages[idx+1].Negotiated() {
		alts = append(alts, packages[idx+1])
	}

	sort.Slice(alts, func(i, j int) bool {
		return alts[i].PricePerRequest() < alts[j].PricePerRequest()
	})

	return Recommendation{
		Primary:        primary,
		Alternatives:   alts,
		CostPerRequest: primary.PricePerRequest(),
	}
}
