package catalog

import (
	"errors"
	"fmt"
	"time"
)

// Unlimited is the daily limit sentinel for tiers without a request cap.
const Unlimited int64 = -1

// WindowLength is the length of a usage window. All tiers use fixed
// 24-hour windows anchored at UTC midnight.
const WindowLength = 24 * time.Hour

// Tier describes a named daily request allotment.
// Tier values are immutable catalog entries.
type Tier struct {
	// Name is the tier identifier (e.g. "BASIC").
	Name string

	// DailyLimit is the number of requests admitted per window,
	// or Unlimited for uncapped tiers.
	DailyLimit int64

	// WindowLength is the usage window duration (fixed at 24h).
	WindowLength time.Duration

	// MonthlyPriceUSD is the subscription price for this tier.
	MonthlyPriceUSD float64
}

// Unbounded reports whether the tier has no daily request cap.
func (t Tier) Unbounded() bool {
	return t.DailyLimit == Unlimited
}

// Lookup errors. Both are rejected at configuration time (tier assignment
// or purchase) and never reach the hot decision path.
var (
	// ErrUnknownTier is returned when a tier name is not in the catalog.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrUnknownPackage is returned when an add-on package name is not
	// in the catalog.
	ErrUnknownPackage = errors.New("unknown add-on package")
)

// tiers is the compile-time tier catalog, ordered by daily limit.
var tiers = []Tier{
	{Name: "FREE", DailyLimit: 25, WindowLength: WindowLength, MonthlyPriceUSD: 0},
	{Name: "BASIC", DailyLimit: 100, WindowLength: WindowLength, MonthlyPriceUSD: 9},
	{Name: "PRO", DailyLimit: 1000, WindowLength: WindowLength, MonthlyPriceUSD: 29},
	{Name: "BUSINESS", DailyLimit: 10000, WindowLength: WindowLength, MonthlyPriceUSD: 99},
	{Name: "UNLIMITED", DailyLimit: Unlimited, WindowLength: WindowLength, MonthlyPriceUSD: 299},
}

// TierByName returns the tier with the given name.
// Returns ErrUnknownTier if the name is not in the catalog.
func TierByName(name string) (Tier, error) {
	for _, t := range tiers {
		if t.Name == name {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
}

// Tiers returns all catalog tiers ordered by daily limit ascending.
// The returned slice is a copy and safe to modify.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}
