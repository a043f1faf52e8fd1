package handler

import (
	"net/http"

	"github.com/alanyoungcy/swaprouter/internal/routing"
)

// StrategyHandler lists routing strategies.
type StrategyHandler struct {
	defaultStrategy routing.Strategy
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(defaultStrategy routing.Strategy) *StrategyHandler {
	return &StrategyHandler{defaultStrategy: defaultStrategy}
}

type strategiesResponse struct {
	Strategies []routing.StrategyInfo `json:"strategies"`
	Default    routing.Strategy       `json:"default"`
}

// ListStrategies returns every strategy with its description.
// GET /api/strategies
func (h *StrategyHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, strategiesResponse{
		Strategies: routing.Strategies(),
		Default:    h.defaultStrategy,
	})
}
