package handlers

import (
	"net/http"

	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
)

// ListModels serves GET /v1/models: the union catalog across registered
// providers, or a single provider's catalog when the caller pins
// X-Account-Type.
func ListModels(registry *providers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		catalog := registry.UnionModels()
		if hint := r.Header.Get("X-Account-Type"); hint != "" {
			translator, ok := registry.Get(hint)
			if !ok {
				writeDispatchError(w, errs.UnsupportedProvider(hint))
				return
			}
			catalog = translator.Models()
		}
		if catalog == nil {
			catalog = []providers.Model{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   catalog,
		})
	}
}
