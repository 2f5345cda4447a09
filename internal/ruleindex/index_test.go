package ruleindex

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirobaid01/aemos-core/internal/models"
)

func chain(id, orgID int64, execType models.ExecutionType) *models.RuleChain {
	return &models.RuleChain{ID: id, OrganizationID: orgID, ExecutionType: execType, Name: "chain"}
}

func node(chainID int64, config string) *models.RuleChainNode {
	return &models.RuleChainNode{ID: chainID * 100, RuleChainID: chainID, Name: "f", Type: models.NodeTypeFilter, Config: json.RawMessage(config)}
}

func indexWith(build func(s *snapshot)) *Index {
	idx := &Index{}
	s := emptySnapshot()
	build(s)
	idx.ptr.Store(s)
	return idx
}

const sensorLeaf = `{"sourceType":"sensor","UUID":"s1","key":"temp","operator":">","value":30}`
const deviceLeaf = `{"sourceType":"device","UUID":"d1","key":"door","operator":"==","value":"open"}`
const mixedComposite = `{"type":"AND","expressions":[
	{"sourceType":"sensor","UUID":"s1","key":"temp","operator":">","value":30},
	{"sourceType":"device","UUID":"d1","key":"door","operator":"==","value":"open"}
]}`

func TestInsertChainBuildsReverseMaps(t *testing.T) {
	idx := indexWith(func(s *snapshot) {
		insertChain(s, chain(1, 7, models.ExecutionTypeHybrid), []*models.RuleChainNode{node(1, sensorLeaf)})
		insertChain(s, chain(2, 7, models.ExecutionTypeHybrid), []*models.RuleChainNode{node(2, deviceLeaf)})
		insertChain(s, chain(3, 7, models.ExecutionTypeScheduleOnly), nil)
	})

	assert.Equal(t, []int64{1}, idx.ResolveBySensor("7", "s1"))
	assert.Equal(t, []int64{2}, idx.ResolveByDevice("7", "d1"))
	assert.Equal(t, []int64{3}, idx.ResolveByOrg("7"))

	assert.Empty(t, idx.ResolveBySensor("7", "unknown"))
	assert.Empty(t, idx.ResolveBySensor("8", "s1"), "other orgs see nothing")
}

func TestInsertChainWalksComposites(t *testing.T) {
	idx := indexWith(func(s *snapshot) {
		insertChain(s, chain(1, 7, models.ExecutionTypeHybrid), []*models.RuleChainNode{node(1, mixedComposite)})
	})

	assert.Equal(t, []int64{1}, idx.ResolveBySensor("7", "s1"))
	assert.Equal(t, []int64{1}, idx.ResolveByDevice("7", "d1"))
	assert.Empty(t, idx.ResolveByOrg("7"), "entity-bound chains stay out of the org bucket")
}

func TestRemoveChain(t *testing.T) {
	idx := indexWith(func(s *snapshot) {
		insertChain(s, chain(1, 7, models.ExecutionTypeHybrid), []*models.RuleChainNode{node(1, sensorLeaf)})
		insertChain(s, chain(2, 7, models.ExecutionTypeHybrid), []*models.RuleChainNode{node(2, sensorLeaf)})
	})

	idx.RemoveChain(1)

	assert.Equal(t, []int64{2}, idx.ResolveBySensor("7", "s1"))
	_, ok := idx.ChainMeta(1)
	assert.False(t, ok)

	meta, ok := idx.ChainMeta(2)
	require.True(t, ok)
	assert.Equal(t, models.ExecutionTypeHybrid, meta.ExecutionType)
}

func TestChainMeta(t *testing.T) {
	idx := indexWith(func(s *snapshot) {
		insertChain(s, chain(5, 7, models.ExecutionTypeScheduleOnly), nil)
	})

	meta, ok := idx.ChainMeta(5)
	require.True(t, ok)
	assert.Equal(t, int64(5), meta.ID)
	assert.Equal(t, models.ExecutionTypeScheduleOnly, meta.ExecutionType)
}

func TestSnapshotCloneIsolation(t *testing.T) {
	s := emptySnapshot()
	insertChain(s, chain(1, 7, models.ExecutionTypeHybrid), []*models.RuleChainNode{node(1, sensorLeaf)})

	clone := s.clone()
	removeChain(clone, 1)

	assert.Equal(t, []int64{1}, s.bySensor["7"]["s1"], "original snapshot is untouched")
	assert.Empty(t, clone.bySensor["7"]["s1"])
}
