package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"helios-hq/portcullis/pkg/quota"
)

// apiHandler exposes the engine's operations as a small JSON admin API,
// served on the same listener as the metrics endpoint. Callers embed
// the engine for the hot path; this surface exists for operators and
// smoke tests.
type apiHandler struct {
	engine *quota.Engine
	logger *slog.Logger
}

func newAPIHandler(engine *quota.Engine) http.Handler {
	h := &apiHandler{
		engine: engine,
		logger: slog.Default().With("component", "admin.api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/decide", h.decide)
	mux.HandleFunc("/v1/purchase", h.purchase)
	mux.HandleFunc("/v1/recommend", h.recommend)
	return mux
}

type decideRequest struct {
	APIKeyID string `json:"api_key_id"`
	Tier     string `json:"tier"`
}

func (h *apiHandler) decide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.APIKeyID == "" || req.Tier == "" {
		http.Error(w, "api_key_id and tier are required", http.StatusBadRequest)
		return
	}

	decision, err := h.engine.Decide(r.Context(), req.APIKeyID, req.Tier)
	if err != nil {
		h.logger.Error("decision failed", "api_key_id", req.APIKeyID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":               decision.Allowed,
		"used_addon":            decision.UsedAddOn,
		"remaining_base":        decision.RemainingBase,
		"remaining_addon_total": decision.RemainingAddOnTotal,
		"tier":                  decision.Tier,
		"reset_in_seconds":      int64(decision.ResetIn.Seconds()),
		"denial_reason":         decision.DenialReason,
	})
}

type purchaseRequest struct {
	APIKeyID  string `json:"api_key_id"`
	Package   string `json:"package"`
	Months    int    `json:"months"`
	AutoRenew bool   `json:"auto_renew"`
}

func (h *apiHandler) purchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.APIKeyID == "" || req.Package == "" {
		http.Error(w, "api_key_id and package are required", http.StatusBadRequest)
		return
	}

	grant, err := h.engine.Purchase(r.Context(), req.APIKeyID, req.Package, req.Months, req.AutoRenew)
	if err != nil {
		h.logger.Error("purchase failed", "api_key_id", req.APIKeyID, "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"grant_id":   grant.ID,
		"package":    grant.Package,
		"granted":    grant.TotalGranted,
		"expires_at": grant.ExpiresAt,
		"auto_renew": grant.AutoRenew,
	})
}

func (h *apiHandler) recommend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	overage, err := strconv.ParseInt(r.URL.Query().Get("overage"), 10, 64)
	if err != nil || overage <= 0 {
		http.Error(w, "overage must be a positive integer", http.StatusBadRequest)
		return
	}

	rec := h.engine.Recommend(r.URL.Query().Get("api_key_id"), overage)

	alts := make([]map[string]any, 0, len(rec.Alternatives))
	for _, alt := range rec.Alternatives {
		alts = append(alts, map[string]any{
			"package":           alt.Name,
			"requests":          alt.AdditionalRequests,
			"price_usd":         alt.MonthlyPriceUSD,
			"price_per_request": alt.PricePerRequest(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package":           rec.Primary.Name,
		"requests":          rec.Primary.AdditionalRequests,
		"price_usd":         rec.Primary.MonthlyPriceUSD,
		"price_per_request": rec.CostPerRequest,
		"negotiated":        rec.Primary.Negotiated(),
		"alternatives":      alts,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
