// Package ruleindex implements the rule-chain index: the reverse map
// from (organizationId, sensorUuid|deviceUuid) to the rule chains
// that depend on it, so an incoming event resolves its candidate
// chains in O(1).
package ruleindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/samirobaid01/aemos-core/internal/expr"
	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/repository"
)

// ChainMeta is the slice of RuleChain the index caches alongside the
// reverse maps, so resolution doesn't need a repository round-trip.
type ChainMeta struct {
	ID            int64
	ExecutionType models.ExecutionType
}

// snapshot is the immutable value swapped atomically on every
// mutation; readers never see a half-built index.
type snapshot struct {
	bySensor map[string]map[string][]int64 // orgID -> sensorUUID -> chainIDs
	byDevice map[string]map[string][]int64 // orgID -> deviceUUID -> chainIDs
	byOrg    map[string][]int64            // orgID -> chainIDs with no entity dependency
	chains   map[int64]ChainMeta
}

func emptySnapshot() *snapshot {
	return &snapshot{
		bySensor: map[string]map[string][]int64{},
		byDevice: map[string]map[string][]int64{},
		byOrg:    map[string][]int64{},
		chains:   map[int64]ChainMeta{},
	}
}

func (s *snapshot) clone() *snapshot {
	next := emptySnapshot()
	for org, m := range s.bySensor {
		next.bySensor[org] = cloneIDMap(m)
	}
	for org, m := range s.byDevice {
		next.byDevice[org] = cloneIDMap(m)
	}
	for org, ids := range s.byOrg {
		next.byOrg[org] = append([]int64{}, ids...)
	}
	for id, meta := range s.chains {
		next.chains[id] = meta
	}
	return next
}

func cloneIDMap(m map[string][]int64) map[string][]int64 {
	out := make(map[string][]int64, len(m))
	for k, v := range m {
		out[k] = append([]int64{}, v...)
	}
	return out
}

// Index is the live, concurrency-safe view over the snapshot.
type Index struct {
	repo *repository.Repositories
	ptr  atomic.Pointer[snapshot]
}

func New(repo *repository.Repositories) *Index {
	idx := &Index{repo: repo}
	idx.ptr.Store(emptySnapshot())
	return idx
}

// Rebuild reloads every RuleChain and its nodes from the repository
// and replaces the snapshot wholesale — used at startup.
func (idx *Index) Rebuild(ctx context.Context) error {
	chains, err := idx.repo.RuleChains.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("ruleindex: list rule chains: %w", err)
	}

	next := emptySnapshot()
	for _, chain := range chains {
		nodes, err := idx.repo.RuleChainNodes.ListByChain(ctx, chain.ID)
		if err != nil {
			return fmt.Errorf("ruleindex: list nodes for chain %d: %w", chain.ID, err)
		}
		insertChain(next, chain, nodes)
	}
	idx.ptr.Store(next)
	return nil
}

// InvalidateChain reloads a single chain and patches it into the
// index without disturbing any other chain's entries — the
// incremental-invalidate path mutators call on RuleChain/RuleChainNode
// changes instead of a full Rebuild.
func (idx *Index) InvalidateChain(ctx context.Context, chainID int64) error {
	next := idx.ptr.Load().clone()
	removeChain(next, chainID)

	chain, err := idx.repo.RuleChains.GetByID(ctx, chainID)
	if err != nil {
		return fmt.Errorf("ruleindex: get chain %d: %w", chainID, err)
	}
	if chain != nil {
		nodes, err := idx.repo.RuleChainNodes.ListByChain(ctx, chainID)
		if err != nil {
			return fmt.Errorf("ruleindex: list nodes for chain %d: %w", chainID, err)
		}
		insertChain(next, chain, nodes)
	}
	idx.ptr.Store(next)
	return nil
}

// RemoveChain drops a deleted chain from every map.
func (idx *Index) RemoveChain(chainID int64) {
	next := idx.ptr.Load().clone()
	removeChain(next, chainID)
	idx.ptr.Store(next)
}

// insertChain walks every node's config, recursively through AND/OR,
// collecting the union of (sourceType, UUID) leaves, and inserts the
// chain id into the matching reverse map. A chain with no entity leaf
// at all (e.g. schedule-only with only literal-valued conditions, or
// no filter nodes) lands in byOrg, so every telemetry and device-state
// event in its organization resolves to it.
func insertChain(s *snapshot, chain *models.RuleChain, nodes []*models.RuleChainNode) {
	orgID := fmt.Sprintf("%d", chain.OrganizationID)
	s.chains[chain.ID] = ChainMeta{ID: chain.ID, ExecutionType: chain.ExecutionType}

	seenSensor := map[string]bool{}
	seenDevice := map[string]bool{}

	for _, node := range nodes {
		if node.Type != models.NodeTypeFilter {
			continue
		}
		var f expr.Filter
		if err := json.Unmarshal(node.Config, &f); err != nil {
			continue
		}
		for _, leaf := range f.Leaves() {
			switch leaf.SourceType {
			case expr.SourceSensor:
				if !seenSensor[leaf.UUID] {
					seenSensor[leaf.UUID] = true
					addID(s.bySensor, orgID, leaf.UUID, chain.ID)
				}
			case expr.SourceDevice:
				if !seenDevice[leaf.UUID] {
					seenDevice[leaf.UUID] = true
					addID(s.byDevice, orgID, leaf.UUID, chain.ID)
				}
			}
		}
	}

	if len(seenSensor) == 0 && len(seenDevice) == 0 {
		s.byOrg[orgID] = append(s.byOrg[orgID], chain.ID)
	}
}

func removeChain(s *snapshot, chainID int64) {
	delete(s.chains, chainID)
	for _, m := range s.bySensor {
		removeIDFromMap(m, chainID)
	}
	for _, m := range s.byDevice {
		removeIDFromMap(m, chainID)
	}
	for org, ids := range s.byOrg {
		s.byOrg[org] = removeID(ids, chainID)
	}
}

func removeIDFromMap(m map[string][]int64, chainID int64) {
	for k, ids := range m {
		m[k] = removeID(ids, chainID)
	}
}

func removeID(ids []int64, target int64) []int64 {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func addID(m map[string]map[string][]int64, orgID, key string, chainID int64) {
	if m[orgID] == nil {
		m[orgID] = map[string][]int64{}
	}
	m[orgID][key] = append(m[orgID][key], chainID)
}

// ResolveBySensor, ResolveByDevice and ResolveByOrg return the
// candidate chain ids for an event.
func (idx *Index) ResolveBySensor(orgID, sensorUUID string) []int64 {
	return idx.ptr.Load().bySensor[orgID][sensorUUID]
}

func (idx *Index) ResolveByDevice(orgID, deviceUUID string) []int64 {
	return idx.ptr.Load().byDevice[orgID][deviceUUID]
}

func (idx *Index) ResolveByOrg(orgID string) []int64 {
	return idx.ptr.Load().byOrg[orgID]
}

// ChainMeta returns the cached execution-type metadata for a chain id.
func (idx *Index) ChainMeta(chainID int64) (ChainMeta, bool) {
	m, ok := idx.ptr.Load().chains[chainID]
	return m, ok
}
