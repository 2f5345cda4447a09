// Package handlers exposes the HTTP command surface the rule engine
// depends on: rule-chain and node management, device-token issuance,
// manual schedule sync, manual triggers, and health probes.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/samirobaid01/aemos-core/internal/devices"
	"github.com/samirobaid01/aemos-core/internal/repository"
	"github.com/samirobaid01/aemos-core/internal/ruleengine"
	"github.com/samirobaid01/aemos-core/internal/ruleindex"
	"github.com/samirobaid01/aemos-core/internal/schedule"
	"github.com/samirobaid01/aemos-core/internal/tokencache"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// Handlers contains all handler instances.
type Handlers struct {
	Health    *HealthHandler
	RuleChain *RuleChainHandler
	Token     *TokenHandler
}

// NewHandlers creates all handler instances.
func NewHandlers(
	repo *repository.Repositories,
	idx *ruleindex.Index,
	sched *schedule.Manager,
	engine *ruleengine.Manager,
	cache *tokencache.Cache,
	devs *devices.Service,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		Health:    &HealthHandler{repo: repo, cache: cache, devs: devs, log: log},
		RuleChain: &RuleChainHandler{repo: repo, idx: idx, sched: sched, engine: engine, log: log},
		Token:     &TokenHandler{repo: repo, cache: cache, log: log},
	}
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"status": "error", "message": message})
}

// decodeJSON decodes a JSON request body.
func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
