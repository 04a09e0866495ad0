package catalog

import "testing"

func TestRecommendPicksSmallestCoveringPackage(t *testing.T) {
	rec := Recommend(50)
	if rec.Primary.Name != "SMALL" {
		t.Fatalf("expected SMALL primary, got %s", rec.Primary.Name)
	}
	if rec.CostPerRequest != 0.05 {
		t.Errorf("expected cost per request 0.05, got %v", rec.CostPerRequest)
	}
}

func TestRecommendAlternativesAreSizeAdjacent(t *testing.T) {
	rec := Recommend(600) // LARGE primary
	if rec.Primary.Name != "LARGE" {
		t.Fatalf("expected LARGE primary, got %s", rec.Primary.Name)
	}

	names := make(map[string]bool)
	for _, alt := range rec.Alternatives {
		names[alt.Name] = true
	}
	if !names["MEDIUM"] || !names["ENTERPRISE"] {
		t.Errorf("expected MEDIUM and ENTERPRISE alternatives, got %v", names)
	}
	if names["CUSTOM"] {
		t.Error("negotiated CUSTOM must not be offered as an alternative")
	}
}

func TestRecommendAlternativesSortedByPricePerRequest(t *testing.T) {
	rec := Recommend(600)
	for i := 1; i < len(rec.Alternatives); i++ {
		if rec.Alternatives[i-1].PricePerRequest() > rec.Alternatives[i].PricePerRequest() {
			t.Errorf("alternatives out of price order: %v before %v",
				rec.Alternatives[i-1].Name, rec.Alternatives[i].Name)
		}
	}
}

func TestRecommendHugeOverageFallsBackToCustom(t *testing.T) {
	rec := Recommend(50000)
	if rec.Primary.Name != "CUSTOM" {
		t.Fatalf("expected CUSTOM primary, got %s", rec.Primary.Name)
	}
	if rec.CostPerRequest != 0 {
		t.Errorf("negotiated primary should report 0 cost per request, got %v", rec.CostPerRequest)
	}
	// ENTERPRISE remains visible as the largest fixed alternative.
	found := false
	for _, alt := range rec.Alternatives {
		if alt.Name == "ENTERPRISE" {
			found = true
		}
	}
	if !found {
		t.Error("expected ENTERPRISE among alternatives for a CUSTOM primary")
	}
}
