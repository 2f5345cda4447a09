package ruleengine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirobaid01/aemos-core/internal/expr"
	"github.com/samirobaid01/aemos-core/internal/models"
)

func filterNode(id int64, name, raw string) *models.RuleChainNode {
	return &models.RuleChainNode{ID: id, RuleChainID: 1, Name: name, Type: models.NodeTypeFilter, Config: json.RawMessage(raw)}
}

func transformNode(id int64, name, raw string) *models.RuleChainNode {
	return &models.RuleChainNode{ID: id, RuleChainID: 1, Name: name, Type: models.NodeTypeTransform, Config: json.RawMessage(raw)}
}

func actionNode(id int64, name, raw string) *models.RuleChainNode {
	return &models.RuleChainNode{ID: id, RuleChainID: 1, Name: name, Type: models.NodeTypeAction, Config: json.RawMessage(raw)}
}

func tempScope(value float64) expr.Scope {
	return BuildScope([]Collected{{
		SourceType: expr.SourceSensor, UUID: "s1", Key: "temp",
		Value: value, Timestamp: time.Now(),
	}})
}

var testChain = &models.RuleChain{ID: 1, Name: "fan-control", OrganizationID: 7}

const (
	tempAbove30 = `{"sourceType":"sensor","UUID":"s1","key":"temp","operator":">","value":30}`
	fanOnAction = `{"type":"deviceState","command":{"deviceUuid":"d1","stateName":"fan","value":"on"}}`
	doubleTemp  = `{"key":"temp","operation":"multiply","operand":2}`
	badOperator = `{"sourceType":"sensor","UUID":"s1","key":"temp","operator":"approximately","value":30}`
	unknownLeaf = `{"sourceType":"sensor","UUID":"ghost","key":"temp","operator":">","value":30}`
)

func TestExecuteHappyPath(t *testing.T) {
	in := NewInterpreter(nil)
	nodes := []*models.RuleChainNode{
		filterNode(1, "hot", tempAbove30),
		actionNode(2, "fan-on", fanOnAction),
	}

	result := in.Execute(context.Background(), testChain, nodes, tempScope(32), time.Now().Add(time.Second))

	require.NoError(t, result.Err)
	assert.Equal(t, "success", result.Status)
	assert.True(t, result.Summary.FiltersPassed)
	assert.Equal(t, 1, result.Summary.ActionsExecuted)
	require.Len(t, result.NodeResults.Actions, 1)
	cmd := result.NodeResults.Actions[0].Record.Command
	assert.Equal(t, "d1", cmd.DeviceUUID)
	assert.Equal(t, "fan", cmd.StateName)
	assert.Equal(t, "on", cmd.Value)
	assert.Equal(t, []string{"hot", "fan-on"}, result.ExecutionDetails.ExecutedNodes)
}

func TestExecuteFilterShortCircuits(t *testing.T) {
	in := NewInterpreter(nil)
	nodes := []*models.RuleChainNode{
		filterNode(1, "hot", tempAbove30),
		actionNode(2, "fan-on", fanOnAction),
	}

	result := in.Execute(context.Background(), testChain, nodes, tempScope(25), time.Now().Add(time.Second))

	require.NoError(t, result.Err)
	assert.Equal(t, "success", result.Status)
	assert.False(t, result.Summary.FiltersPassed)
	assert.Zero(t, result.Summary.ActionsExecuted)
	assert.Empty(t, result.NodeResults.Actions)
	assert.Equal(t, []string{"hot"}, result.ExecutionDetails.ExecutedNodes)
}

func TestExecuteUnknownUUIDLeafFailsSafe(t *testing.T) {
	in := NewInterpreter(nil)
	nodes := []*models.RuleChainNode{
		filterNode(1, "ghost", unknownLeaf),
		actionNode(2, "fan-on", fanOnAction),
	}

	result := in.Execute(context.Background(), testChain, nodes, tempScope(99), time.Now().Add(time.Second))

	require.NoError(t, result.Err)
	assert.False(t, result.Summary.FiltersPassed)
	assert.Empty(t, result.NodeResults.Actions)
}

func TestExecuteUnknownOperatorFailsChain(t *testing.T) {
	in := NewInterpreter(nil)
	nodes := []*models.RuleChainNode{filterNode(1, "weird", badOperator)}

	result := in.Execute(context.Background(), testChain, nodes, tempScope(32), time.Now().Add(time.Second))

	assert.Equal(t, "error", result.Status)
	require.Error(t, result.Err)
	assert.True(t, strings.Contains(result.Err.Error(), "RULE_EVAL_ERROR"))
}

func TestExecuteTransform(t *testing.T) {
	in := NewInterpreter(nil)
	nodes := []*models.RuleChainNode{
		filterNode(1, "hot", tempAbove30),
		transformNode(2, "double", doubleTemp),
		actionNode(3, "fan-on", fanOnAction),
	}

	result := in.Execute(context.Background(), testChain, nodes, tempScope(32), time.Now().Add(time.Second))

	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Summary.TransformationsApplied)
	require.Len(t, result.NodeResults.Transformations, 1)
	tr := result.NodeResults.Transformations[0]
	assert.Equal(t, 32.0, tr.Before)
	assert.Equal(t, 64.0, tr.After)

	key := expr.ScopeKey{SourceType: expr.SourceSensor, UUID: "s1", Key: "temp"}
	assert.Equal(t, 64.0, result.ExecutionDetails.FinalData[key].Value)
}

func TestExecuteDeadline(t *testing.T) {
	in := NewInterpreter(nil)
	nodes := []*models.RuleChainNode{filterNode(1, "hot", tempAbove30)}

	result := in.Execute(context.Background(), testChain, nodes, tempScope(32), time.Now().Add(-time.Second))

	assert.Equal(t, "error", result.Status)
	require.Error(t, result.Err)
	assert.True(t, strings.Contains(result.Err.Error(), "RULE_CHAIN_TIMEOUT"))
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestExecuteDeadlineUsesInjectedClock(t *testing.T) {
	// The fake clock sits a day in the past; a deadline that wall-clock
	// time has already blown is still ahead of the interpreter's clock.
	past := time.Now().Add(-24 * time.Hour)
	in := NewInterpreter(fixedClock{t: past})
	nodes := []*models.RuleChainNode{
		filterNode(1, "hot", tempAbove30),
		actionNode(2, "fan-on", fanOnAction),
	}

	result := in.Execute(context.Background(), testChain, nodes, tempScope(32), past.Add(time.Second))

	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Summary.ActionsExecuted)

	result = in.Execute(context.Background(), testChain, nodes, tempScope(32), past.Add(-time.Second))
	assert.Equal(t, "error", result.Status)
}

func TestExecuteActionThresholds(t *testing.T) {
	in := NewInterpreter(nil)

	t.Run("value crossing thresholds marks the record urgent", func(t *testing.T) {
		urgent := `{"type":"deviceState","command":{"deviceUuid":"d1","stateName":"setpoint","value":"99"},"thresholds":{"min":0,"max":50}}`
		nodes := []*models.RuleChainNode{actionNode(1, "set", urgent)}

		result := in.Execute(context.Background(), testChain, nodes, expr.Scope{}, time.Now().Add(time.Second))

		require.NoError(t, result.Err)
		require.Len(t, result.NodeResults.Actions, 1)
		assert.True(t, result.NodeResults.Actions[0].Record.Urgent)
	})

	t.Run("value inside the band stays normal", func(t *testing.T) {
		calm := `{"type":"deviceState","command":{"deviceUuid":"d1","stateName":"setpoint","value":"25"},"thresholds":{"min":0,"max":50}}`
		nodes := []*models.RuleChainNode{actionNode(1, "set", calm)}

		result := in.Execute(context.Background(), testChain, nodes, expr.Scope{}, time.Now().Add(time.Second))

		require.NoError(t, result.Err)
		require.Len(t, result.NodeResults.Actions, 1)
		assert.False(t, result.NodeResults.Actions[0].Record.Urgent)
	})

	t.Run("non-numeric value never crosses", func(t *testing.T) {
		nodes := []*models.RuleChainNode{actionNode(1, "fan-on", fanOnAction)}

		result := in.Execute(context.Background(), testChain, nodes, expr.Scope{}, time.Now().Add(time.Second))

		require.NoError(t, result.Err)
		require.Len(t, result.NodeResults.Actions, 1)
		assert.False(t, result.NodeResults.Actions[0].Record.Urgent)
	})
}

func TestExecuteNextNodeLinks(t *testing.T) {
	in := NewInterpreter(nil)
	actionID := int64(3)
	nodes := []*models.RuleChainNode{
		filterNode(1, "hot", tempAbove30),
		transformNode(2, "double", doubleTemp),
		actionNode(3, "fan-on", fanOnAction),
	}
	// Filter links straight to the action, skipping the transform.
	nodes[0].NextNodeID = &actionID

	result := in.Execute(context.Background(), testChain, nodes, tempScope(32), time.Now().Add(time.Second))

	require.NoError(t, result.Err)
	assert.Zero(t, result.Summary.TransformationsApplied)
	assert.Equal(t, 1, result.Summary.ActionsExecuted)
	assert.Equal(t, []string{"hot", "fan-on"}, result.ExecutionDetails.ExecutedNodes)
}

func TestExecuteCycleDetection(t *testing.T) {
	in := NewInterpreter(nil)
	one, two := int64(1), int64(2)
	nodes := []*models.RuleChainNode{
		filterNode(1, "a", tempAbove30),
		filterNode(2, "b", tempAbove30),
	}
	nodes[0].NextNodeID = &two
	nodes[1].NextNodeID = &one

	result := in.Execute(context.Background(), testChain, nodes, tempScope(32), time.Now().Add(time.Second))

	assert.Equal(t, "error", result.Status)
	require.Error(t, result.Err)
	assert.True(t, strings.Contains(result.Err.Error(), "cycle"))
}

func TestExecuteIncompleteActionFails(t *testing.T) {
	in := NewInterpreter(nil)
	nodes := []*models.RuleChainNode{
		actionNode(1, "broken", `{"type":"deviceState","command":{"deviceUuid":"d1"}}`),
	}

	result := in.Execute(context.Background(), testChain, nodes, expr.Scope{}, time.Now().Add(time.Second))
	assert.Equal(t, "error", result.Status)
}

func TestExecuteCompositeFilter(t *testing.T) {
	in := NewInterpreter(nil)
	composite := `{
		"type": "OR",
		"expressions": [
			{"sourceType":"sensor","UUID":"ghost","key":"temp","operator":">","value":100},
			{"sourceType":"sensor","UUID":"s1","key":"temp","operator":"between","value":[30, 40]}
		]
	}`
	nodes := []*models.RuleChainNode{
		filterNode(1, "either", composite),
		actionNode(2, "fan-on", fanOnAction),
	}

	result := in.Execute(context.Background(), testChain, nodes, tempScope(32), time.Now().Add(time.Second))

	require.NoError(t, result.Err)
	assert.True(t, result.Summary.FiltersPassed)
	assert.Equal(t, 1, result.Summary.ActionsExecuted)
}
