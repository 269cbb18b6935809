package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/flowmill/flowmill/pkg/types"
)

// Built-in node types shipped with the engine. Everything else comes from
// external handler packages registered at startup.
const (
	TypeManual = "manual"
	TypeNoOp   = "noop"
	TypeMerge  = "merge"
	TypeIf     = "if"
	TypeSwitch = "switch"
)

// RegisterBuiltins installs the built-in handlers into a registry.
func RegisterBuiltins(r Registry) error {
	eval := NewEvaluator()
	builtins := map[string]Handler{
		TypeManual: Func(passthrough),
		TypeNoOp:   Func(passthrough),
		TypeMerge:  mergeHandler{},
		TypeIf:     &ifHandler{eval: eval},
		TypeSwitch: &switchHandler{eval: eval},
	}
	for t, h := range builtins {
		if err := r.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}

// passthrough forwards the main input unchanged. It backs both the manual
// trigger (whose input is the trigger payload) and the noop node.
func passthrough(ctx context.Context, in ExecuteInput) (types.OutputData, error) {
	items := in.MainItems()
	if items == nil {
		items = types.ItemList{}
	}
	return types.OutputData{types.MainHandle: items}, nil
}

// mergeHandler concatenates every input handle's items onto main, handles in
// lexical order so output is deterministic.
type mergeHandler struct{}

func (mergeHandler) Execute(ctx context.Context, in ExecuteInput) (types.OutputData, error) {
	handles := make([]string, 0, len(in.Input))
	for h := range in.Input {
		handles = append(handles, h)
	}
	sort.Strings(handles)

	var items types.ItemList
	for _, h := range handles {
		items = append(items, in.Input[h]...)
	}
	if items == nil {
		items = types.ItemList{}
	}
	return types.OutputData{types.MainHandle: items}, nil
}

func (mergeHandler) InputHandles() []string  { return []string{types.MainHandle, "secondary"} }
func (mergeHandler) OutputHandles() []string { return []string{types.MainHandle} }

// ifHandler routes each item to the "true" or "false" output handle based on
// a boolean expression parameter. Only handles that received at least one
// item (or were explicitly selected for an empty input) appear in the output,
// which is what drives downstream branch skipping.
type ifHandler struct {
	eval *Evaluator
}

func (h *ifHandler) Execute(ctx context.Context, in ExecuteInput) (types.OutputData, error) {
	expression, _ := in.Parameters["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("if node %s: missing expression parameter", in.NodeID)
	}

	out := types.OutputData{}
	items := in.MainItems()
	if len(items) == 0 {
		// no items to test: evaluate once against an empty item so an
		// input-less condition still selects a branch
		items = types.ItemList{map[string]interface{}{}}
		truthy, err := h.eval.EvaluateBool(expression, ItemEnv(items[0]))
		if err != nil {
			return nil, err
		}
		if truthy {
			out["true"] = types.ItemList{}
		} else {
			out["false"] = types.ItemList{}
		}
		return out, nil
	}

	for _, item := range items {
		truthy, err := h.eval.EvaluateBool(expression, ItemEnv(item))
		if err != nil {
			return nil, err
		}
		if truthy {
			out["true"] = append(out["true"], item)
		} else {
			out["false"] = append(out["false"], item)
		}
	}
	return out, nil
}

func (h *ifHandler) InputHandles() []string  { return []string{types.MainHandle} }
func (h *ifHandler) OutputHandles() []string { return []string{"true", "false"} }

// switchHandler routes each item to the output handle named by the string
// result of an expression. Results not listed in the "cases" parameter fall
// through to "default".
type switchHandler struct {
	eval *Evaluator
}

func (h *switchHandler) Execute(ctx context.Context, in ExecuteInput) (types.OutputData, error) {
	expression, _ := in.Parameters["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("switch node %s: missing expression parameter", in.NodeID)
	}
	cases := caseSet(in.Parameters)

	out := types.OutputData{}
	for _, item := range in.MainItems() {
		result, err := h.eval.EvaluateString(expression, ItemEnv(item))
		if err != nil {
			return nil, err
		}
		handle := result
		if len(cases) > 0 && !cases[result] {
			handle = "default"
		}
		out[handle] = append(out[handle], item)
	}
	return out, nil
}

func (h *switchHandler) InputHandles() []string { return []string{types.MainHandle} }

// OutputHandles for switch cannot be enumerated statically beyond "default";
// graph validation treats switch connections against declared cases.
func (h *switchHandler) OutputHandles() []string { return nil }

func caseSet(params map[string]interface{}) map[string]bool {
	raw, ok := params["cases"].([]interface{})
	if !ok {
		return nil
	}
	set := make(map[string]bool, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			set[s] = true
		}
	}
	return set
}
