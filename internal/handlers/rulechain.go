package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/repository"
	"github.com/samirobaid01/aemos-core/internal/ruleengine"
	"github.com/samirobaid01/aemos-core/internal/ruleindex"
	"github.com/samirobaid01/aemos-core/internal/schedule"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// RuleChainHandler manages rule chains and their nodes. Every mutation
// patches the rule-chain index synchronously so the next event sees
// the new definition, and is recorded in the audit log.
type RuleChainHandler struct {
	repo   *repository.Repositories
	idx    *ruleindex.Index
	sched  *schedule.Manager
	engine *ruleengine.Manager
	log    *logger.Logger
}

// List returns every rule chain.
func (h *RuleChainHandler) List(w http.ResponseWriter, r *http.Request) {
	chains, err := h.repo.RuleChains.ListAll(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rule chains")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "data": chains})
}

// Create inserts a new rule chain.
func (h *RuleChainHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rc models.RuleChain
	if err := decodeJSON(r, &rc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rc.Name == "" || rc.OrganizationID == 0 {
		respondError(w, http.StatusBadRequest, "name and organization_id are required")
		return
	}
	rc.Clamp()
	now := time.Now()
	if rc.ID == 0 {
		rc.ID = now.UnixNano()
	}
	rc.CreatedAt, rc.UpdatedAt = now, now

	if err := h.repo.RuleChains.Create(r.Context(), &rc); err != nil {
		h.log.Errorw("rule chain create failed", "name", rc.Name, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create rule chain")
		return
	}
	h.afterMutation(r.Context(), rc.OrganizationID, rc.ID, "rule_chain.create", nil, &rc)
	respondJSON(w, http.StatusCreated, map[string]interface{}{"status": "success", "data": rc})
}

// Get returns one rule chain by id.
func (h *RuleChainHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := chainID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid rule chain id")
		return
	}
	rc, err := h.repo.RuleChains.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if rc == nil {
		respondError(w, http.StatusNotFound, "rule chain not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "data": rc})
}

// Update replaces the mutable fields of a rule chain.
func (h *RuleChainHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := chainID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid rule chain id")
		return
	}
	old, err := h.repo.RuleChains.GetByID(r.Context(), id)
	if err != nil || old == nil {
		respondError(w, http.StatusNotFound, "rule chain not found")
		return
	}

	var rc models.RuleChain
	if err := decodeJSON(r, &rc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rc.ID = id
	rc.OrganizationID = old.OrganizationID
	rc.Clamp()

	if err := h.repo.RuleChains.Update(r.Context(), &rc); err != nil {
		h.log.Errorw("rule chain update failed", "ruleChainId", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to update rule chain")
		return
	}
	h.afterMutation(r.Context(), old.OrganizationID, id, "rule_chain.update", old, &rc)
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "data": rc})
}

// Delete removes a rule chain and its nodes.
func (h *RuleChainHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := chainID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid rule chain id")
		return
	}
	old, err := h.repo.RuleChains.GetByID(r.Context(), id)
	if err != nil || old == nil {
		respondError(w, http.StatusNotFound, "rule chain not found")
		return
	}

	if err := h.repo.RuleChainNodes.DeleteByChain(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete rule chain nodes")
		return
	}
	if err := h.repo.RuleChains.Delete(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete rule chain")
		return
	}

	h.idx.RemoveChain(id)
	h.syncSchedules(r.Context())
	h.audit(r.Context(), old.OrganizationID, id, "rule_chain.delete", old, nil)
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "success"})
}

// ListNodes returns a chain's nodes in interpreter order.
func (h *RuleChainHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	id, ok := chainID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid rule chain id")
		return
	}
	nodes, err := h.repo.RuleChainNodes.ListByChain(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "data": nodes})
}

// ReplaceNodes swaps a chain's full node list in one request. Node
// names must be unique within the chain.
func (h *RuleChainHandler) ReplaceNodes(w http.ResponseWriter, r *http.Request) {
	id, ok := chainID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid rule chain id")
		return
	}
	chain, err := h.repo.RuleChains.GetByID(r.Context(), id)
	if err != nil || chain == nil {
		respondError(w, http.StatusNotFound, "rule chain not found")
		return
	}

	var nodes []models.RuleChainNode
	if err := decodeJSON(r, &nodes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	names := map[string]bool{}
	for i := range nodes {
		n := &nodes[i]
		if n.Name == "" || n.Type == "" || len(n.Config) == 0 {
			respondError(w, http.StatusBadRequest, "each node requires name, type, and config")
			return
		}
		if names[n.Name] {
			respondError(w, http.StatusBadRequest, "duplicate node name "+strconv.Quote(n.Name))
			return
		}
		names[n.Name] = true
		n.RuleChainID = id
		if n.ID == 0 {
			n.ID = time.Now().UnixNano() + int64(i)
		}
	}

	if err := h.repo.RuleChainNodes.DeleteByChain(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to clear existing nodes")
		return
	}
	for i := range nodes {
		if err := h.repo.RuleChainNodes.Create(r.Context(), &nodes[i]); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to insert node "+nodes[i].Name)
			return
		}
	}

	h.afterMutation(r.Context(), chain.OrganizationID, id, "rule_chain.nodes.replace", nil, nodes)
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "data": nodes})
}

// Trigger submits a manual-trigger event for the chain.
func (h *RuleChainHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, ok := chainID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid rule chain id")
		return
	}
	chain, err := h.repo.RuleChains.GetByID(r.Context(), id)
	if err != nil || chain == nil {
		respondError(w, http.StatusNotFound, "rule chain not found")
		return
	}

	now := time.Now()
	ev := ruleengine.Event{
		Kind:        ruleengine.EventManualTrigger,
		OrgID:       strconv.FormatInt(chain.OrganizationID, 10),
		RuleChainID: id,
		Timestamp:   now,
		Deadline:    now.Add(5 * time.Second),
		ShardKey:    "chain:" + strconv.FormatInt(id, 10),
	}
	if err := h.engine.Submit(r.Context(), ev); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"status": "success", "message": "trigger queued"})
}

// SyncSchedules runs a reconcile pass immediately, bypassing the
// auto-sync interval.
func (h *RuleChainHandler) SyncSchedules(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sched.Sync(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "schedule sync failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "data": stats})
}

// afterMutation patches the index, reconciles schedules, and records
// the audit row shared by every successful chain mutation.
func (h *RuleChainHandler) afterMutation(ctx context.Context, orgID, chainID int64, action string, oldVal, newVal interface{}) {
	if err := h.idx.InvalidateChain(ctx, chainID); err != nil {
		h.log.Warnw("rule index refresh failed", "ruleChainId", chainID, "error", err)
	}
	h.syncSchedules(ctx)
	h.audit(ctx, orgID, chainID, action, oldVal, newVal)
}

func (h *RuleChainHandler) syncSchedules(ctx context.Context) {
	if h.sched == nil {
		return
	}
	if _, err := h.sched.Sync(ctx); err != nil {
		h.log.Warnw("schedule sync after mutation failed", "error", err)
	}
}

func (h *RuleChainHandler) audit(ctx context.Context, orgID, chainID int64, action string, oldVal, newVal interface{}) {
	entry := &models.AuditLog{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Action:         action,
		ResourceType:   "rule_chain",
		ResourceID:     strconv.FormatInt(chainID, 10),
		CreatedAt:      time.Now(),
	}
	if oldVal != nil {
		entry.OldValue, _ = json.Marshal(oldVal)
	}
	if newVal != nil {
		entry.NewValue, _ = json.Marshal(newVal)
	}
	if err := h.repo.Audit.Create(ctx, entry); err != nil {
		h.log.Warnw("audit write failed", "action", action, "error", err)
	}
}

func chainID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "ruleChainID"), 10, 64)
	return id, err == nil && id != 0
}
