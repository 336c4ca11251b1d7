// Package query filters work item and agent listings with CEL expressions,
// so callers can express predicates like
//
//	item.priority == "high" && item.progress < 50
//	agent.status == "offline" || agent.active_claims > 2
//
// without keel growing a bespoke filter grammar. Compiled programs are
// cached per expression.
package query

import (
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/fault"
	"github.com/Driftware-Labs/keel/pkg/registry"
)

// Engine compiles and evaluates filter expressions.
type Engine struct {
	itemEnv  *cel.Env
	agentEnv *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEngine builds the CEL environments for both record shapes.
func NewEngine() (*Engine, error) {
	const op = "query.new"
	itemEnv, err := cel.NewEnv(
		cel.Variable("item", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, op, "", err)
	}
	agentEnv, err := cel.NewEnv(
		cel.Variable("agent", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, op, "", err)
	}
	return &Engine{
		itemEnv:  itemEnv,
		agentEnv: agentEnv,
		cache:    make(map[string]cel.Program),
	}, nil
}

// FilterItems keeps the items matching expr. An empty expression matches
// everything. A malformed or non-boolean expression is a validation fault.
func (e *Engine) FilterItems(expr string, items []contracts.WorkItem, now time.Time) ([]contracts.WorkItem, error) {
	const op = "query.filter_items"
	if expr == "" {
		return items, nil
	}
	prg, err := e.program(op, e.itemEnv, "item:"+expr, expr)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.WorkItem, 0, len(items))
	for _, item := range items {
		keep, err := evalBool(op, prg, map[string]any{
			"now": now.Unix(),
			"item": map[string]any{
				"id":          item.ID,
				"type":        item.Type,
				"description": item.Description,
				"priority":    string(item.Priority),
				"team":        item.Team,
				"status":      string(item.Status),
				"claimed_by":  item.ClaimedBy,
				"claimed_at":  item.ClaimedAt.Unix(),
				"progress":    item.Progress,
				"note":        item.StatusNote,
			},
		})
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

// FilterAgents keeps the agent views matching expr.
func (e *Engine) FilterAgents(expr string, agents []registry.AgentView, now time.Time) ([]registry.AgentView, error) {
	const op = "query.filter_agents"
	if expr == "" {
		return agents, nil
	}
	prg, err := e.program(op, e.agentEnv, "agent:"+expr, expr)
	if err != nil {
		return nil, err
	}
	out := make([]registry.AgentView, 0, len(agents))
	for _, a := range agents {
		caps := make([]string, len(a.Capabilities))
		copy(caps, a.Capabilities)
		keep, err := evalBool(op, prg, map[string]any{
			"now": now.Unix(),
			"agent": map[string]any{
				"id":             a.ID,
				"team":           a.Team,
				"capabilities":   caps,
				"capacity":       a.Capacity,
				"status":         string(a.Status),
				"active_claims":  a.ActiveClaims,
				"last_heartbeat": a.LastHeartbeat.Unix(),
			},
		})
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, a)
		}
	}
	return out, nil
}

func (e *Engine) program(op string, env *cel.Env, key, expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[key]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[key]; hit {
		return prg, nil
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fault.Wrap(fault.Validation, op, "", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, op, "", err)
	}
	e.cache[key] = prg
	return prg, nil
}

func evalBool(op string, prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fault.Wrap(fault.Validation, op, "", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fault.New(fault.Validation, op, "", "filter expression must evaluate to bool")
	}
	return v, nil
}
