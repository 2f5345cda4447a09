// Package ruleengine implements the rule-chain interpreter and the
// rule-engine manager that drives it from the event bus.
package ruleengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samirobaid01/aemos-core/internal/expr"
	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/pkg/duration"
)

// Collected is one resolved (sourceType, UUID, key) data point, the
// output of data collection and the input the interpreter turns into
// a Scope before evaluating the first node.
type Collected struct {
	SourceType expr.SourceType
	UUID       string
	Key        string
	Value      interface{}
	Timestamp  time.Time
}

// BuildScope keys the collected data points by (sourceType, UUID,
// key) for expression evaluation.
func BuildScope(collected []Collected) expr.Scope {
	scope := make(expr.Scope, len(collected))
	for _, c := range collected {
		scope[expr.ScopeKey{SourceType: c.SourceType, UUID: c.UUID, Key: c.Key}] = expr.ScopeValue{
			Value: c.Value, Timestamp: c.Timestamp,
		}
	}
	return scope
}

// Summary is the interpreter's aggregate result.
type Summary struct {
	TotalNodes             int
	FiltersPassed          bool
	TransformationsApplied int
	ActionsExecuted        int
}

type FilterResult struct {
	NodeID   int64
	NodeName string
	Passed   bool
}

type TransformResult struct {
	NodeID   int64
	NodeName string
	Key      string
	Before   float64
	After    float64
}

// ActionRecord is one emitted device-state command. Urgent is true
// when the command value crosses the node's configured thresholds;
// NotificationSent is flipped by the manager once the follow-on
// notification is actually enqueued.
type ActionRecord struct {
	RuleChainID      int64
	NodeID           int64
	Command          expr.Command
	Timestamp        time.Time
	Status           string
	Urgent           bool
	NotificationSent bool
}

type ActionResult struct {
	NodeID   int64
	NodeName string
	Record   ActionRecord
}

type NodeResults struct {
	Filters         []FilterResult
	Transformations []TransformResult
	Actions         []ActionResult
}

type ExecutionDetails struct {
	ExecutedNodes []string
	FinalData     expr.Scope
}

// ExecutionResult is the interpreter's full return value: status,
// per-node results, and the final data scope.
type ExecutionResult struct {
	RuleChainID      int64
	Name             string
	Status           string
	Err              error
	Summary          Summary
	NodeResults      NodeResults
	ExecutionDetails ExecutionDetails
}

// Interpreter walks a rule chain's nodes and evaluates them against a
// collected Scope, honoring a caller-supplied deadline.
type Interpreter struct {
	clock duration.Clock
}

func NewInterpreter(clock duration.Clock) *Interpreter {
	if clock == nil {
		clock = duration.RealClock{}
	}
	return &Interpreter{clock: clock}
}

// Execute runs chain's nodes in order (nextNodeId links override the
// default filter<transform<action, then-name ordering the nodes
// arrive in) until a filter short-circuits, an action list is
// exhausted, an unknown operator raises RULE_EVAL_ERROR, or deadline
// fires.
func (in *Interpreter) Execute(ctx context.Context, chain *models.RuleChain, nodes []*models.RuleChainNode, scope expr.Scope, deadline time.Time) ExecutionResult {
	result := ExecutionResult{
		RuleChainID: chain.ID,
		Name:        chain.Name,
		Status:      "success",
		Summary:     Summary{TotalNodes: len(nodes), FiltersPassed: true},
	}
	result.ExecutionDetails.FinalData = scope

	if len(nodes) == 0 {
		return result
	}

	byID := make(map[int64]int, len(nodes))
	for i, n := range nodes {
		byID[n.ID] = i
	}

	visited := make(map[int64]bool, len(nodes))
	idx := 0

	for idx < len(nodes) {
		if in.clock.Now().After(deadline) {
			result.Status = "error"
			result.Err = fmt.Errorf("RULE_CHAIN_TIMEOUT: chain %d exceeded deadline", chain.ID)
			return result
		}
		select {
		case <-ctx.Done():
			result.Status = "error"
			result.Err = fmt.Errorf("RULE_CHAIN_TIMEOUT: chain %d context cancelled: %w", chain.ID, ctx.Err())
			return result
		default:
		}

		node := nodes[idx]
		if visited[node.ID] {
			result.Status = "error"
			result.Err = fmt.Errorf("ROUTING_ERROR: cycle detected at node %d in chain %d", node.ID, chain.ID)
			return result
		}
		visited[node.ID] = true
		result.ExecutionDetails.ExecutedNodes = append(result.ExecutionDetails.ExecutedNodes, node.Name)

		switch node.Type {
		case models.NodeTypeFilter:
			passed, err := in.runFilter(node, scope)
			result.NodeResults.Filters = append(result.NodeResults.Filters, FilterResult{NodeID: node.ID, NodeName: node.Name, Passed: passed})
			if err != nil {
				result.Status = "error"
				result.Err = fmt.Errorf("RULE_EVAL_ERROR: node %q: %w", node.Name, err)
				return result
			}
			if !passed {
				result.Summary.FiltersPassed = false
				result.ExecutionDetails.FinalData = scope
				return result
			}

		case models.NodeTypeTransform:
			newScope, tr, err := in.runTransform(node, scope)
			if err != nil {
				result.Status = "error"
				result.Err = fmt.Errorf("RULE_EVAL_ERROR: node %q: %w", node.Name, err)
				return result
			}
			scope = newScope
			result.Summary.TransformationsApplied++
			result.NodeResults.Transformations = append(result.NodeResults.Transformations, tr)

		case models.NodeTypeAction:
			rec, ar, err := in.runAction(node, chain.ID)
			if err != nil {
				result.Status = "error"
				result.Err = fmt.Errorf("RULE_EVAL_ERROR: node %q: %w", node.Name, err)
				return result
			}
			result.Summary.ActionsExecuted++
			result.NodeResults.Actions = append(result.NodeResults.Actions, ar)
			_ = rec
		}

		if node.NextNodeID != nil {
			next, ok := byID[*node.NextNodeID]
			if !ok {
				break
			}
			idx = next
			continue
		}
		idx++
	}

	result.ExecutionDetails.FinalData = scope
	return result
}

func (in *Interpreter) runFilter(node *models.RuleChainNode, scope expr.Scope) (bool, error) {
	var f expr.Filter
	if err := f.UnmarshalJSON(node.Config); err != nil {
		return false, err
	}
	return evalFilterTree(f, scope, in.clock.Now())
}

// evalFilterTree recursively evaluates a Leaf or AND/OR Composite.
func evalFilterTree(f expr.Filter, scope expr.Scope, now time.Time) (bool, error) {
	if f.Leaf != nil {
		return expr.Evaluate(*f.Leaf, scope, now)
	}
	if f.Composite == nil {
		return false, fmt.Errorf("empty filter expression")
	}
	switch f.Composite.Type {
	case expr.CompositeAND:
		for _, child := range f.Composite.Expressions {
			ok, err := evalFilterTree(child, scope, now)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case expr.CompositeOR:
		for _, child := range f.Composite.Expressions {
			ok, err := evalFilterTree(child, scope, now)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown composite type %q", f.Composite.Type)
	}
}

func (in *Interpreter) runTransform(node *models.RuleChainNode, scope expr.Scope) (expr.Scope, TransformResult, error) {
	var t expr.Transform
	if err := json.Unmarshal(node.Config, &t); err != nil {
		return scope, TransformResult{}, err
	}

	var before float64
	var key expr.ScopeKey
	var found bool
	for k, v := range scope {
		if k.Key == t.Key {
			if f, ok := toFloatScope(v.Value); ok {
				before, key, found = f, k, true
				break
			}
		}
	}
	if !found {
		return scope, TransformResult{}, fmt.Errorf("transform: key %q not present in scope", t.Key)
	}

	after, err := t.Apply(before)
	if err != nil {
		return scope, TransformResult{}, err
	}

	next := scope.With(key, expr.ScopeValue{Value: after, Timestamp: scope[key].Timestamp})
	return next, TransformResult{NodeID: node.ID, NodeName: node.Name, Key: t.Key, Before: before, After: after}, nil
}

func (in *Interpreter) runAction(node *models.RuleChainNode, ruleChainID int64) (ActionRecord, ActionResult, error) {
	var a expr.Action
	if err := json.Unmarshal(node.Config, &a); err != nil {
		return ActionRecord{}, ActionResult{}, err
	}
	if !a.Valid() {
		return ActionRecord{}, ActionResult{}, fmt.Errorf("action: incomplete command %+v", a.Command)
	}

	rec := ActionRecord{
		RuleChainID:      ruleChainID,
		NodeID:           node.ID,
		Command:          a.Command,
		Timestamp:        in.clock.Now(),
		Status:           "success",
		Urgent:           a.Thresholds.Crossed(a.Command.Value),
		NotificationSent: false,
	}
	return rec, ActionResult{NodeID: node.ID, NodeName: node.Name, Record: rec}, nil
}

func toFloatScope(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
