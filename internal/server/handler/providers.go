package handler

import (
	"net/http"
	"sort"
)

// PendingCounter reports queued jobs per provider.
type PendingCounter interface {
	Pending(provider string) int
}

// ProviderHandler lists the providers orders fan out to.
type ProviderHandler struct {
	providers []string
	rank      func(provider string) int
	pending   PendingCounter
}

// NewProviderHandler creates a ProviderHandler. rank is the routing speed
// rank, higher is faster. pending may be nil.
func NewProviderHandler(providers []string, rank func(provider string) int, pending PendingCounter) *ProviderHandler {
	return &ProviderHandler{providers: providers, rank: rank, pending: pending}
}

type providerInfo struct {
	Name      string `json:"name"`
	SpeedRank int    `json:"speed_rank"`
	Pending   int    `json:"pending_jobs"`
}

// ListProviders returns providers fastest first.
// GET /api/providers
func (h *ProviderHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	out := make([]providerInfo, 0, len(h.providers))
	for _, name := range h.providers {
		info := providerInfo{Name: name, SpeedRank: h.rank(name)}
		if h.pending != nil {
			info.Pending = h.pending.Pending(name)
		}
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SpeedRank > out[j].SpeedRank })
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}
