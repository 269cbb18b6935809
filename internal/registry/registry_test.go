package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/flowmill/flowmill/pkg/types"
)

func TestRegisterAndResolve(t *testing.T) {
	r := NewMemoryRegistry()
	h := Func(func(ctx context.Context, in ExecuteInput) (types.OutputData, error) {
		return types.OutputData{types.MainHandle: types.ItemList{}}, nil
	})

	if err := r.Register("custom", h); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Resolve("custom"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := r.Register("custom", h); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("expected ErrHandlerExists, got %v", err)
	}
	if _, err := r.Resolve("missing"); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}

	if err := r.Register("", h); err == nil {
		t.Fatal("empty node type must be rejected")
	}
	if err := r.Register("nilh", nil); err == nil {
		t.Fatal("nil handler must be rejected")
	}
}

func TestListIsSorted(t *testing.T) {
	r := NewMemoryRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	list := r.List()
	if len(list) != 5 {
		t.Fatalf("expected 5 builtins, got %v", list)
	}
	for i := 1; i < len(list); i++ {
		if list[i-1] >= list[i] {
			t.Fatalf("list not sorted: %v", list)
		}
	}
}

func TestHandlesReportsDeclaredHandles(t *testing.T) {
	r := NewMemoryRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	inputs, outputs, err := r.Handles(TypeIf)
	if err != nil {
		t.Fatalf("handles: %v", err)
	}
	if len(inputs) != 1 || inputs[0] != types.MainHandle {
		t.Fatalf("if inputs = %v", inputs)
	}
	if len(outputs) != 2 {
		t.Fatalf("if outputs = %v, want true/false", outputs)
	}

	_, outputs, err = r.Handles(TypeSwitch)
	if err != nil {
		t.Fatalf("handles: %v", err)
	}
	if outputs != nil {
		t.Fatalf("switch outputs must be dynamic (nil), got %v", outputs)
	}

	if _, _, err := r.Handles("missing"); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}
}

func TestEvaluateBoolCoercions(t *testing.T) {
	e := NewEvaluator()
	cases := []struct {
		expr string
		env  map[string]interface{}
		want bool
	}{
		{"flag", map[string]interface{}{"flag": true}, true},
		{"n", map[string]interface{}{"n": 0}, false},
		{"n", map[string]interface{}{"n": 3}, true},
		{"s", map[string]interface{}{"s": ""}, false},
		{"s", map[string]interface{}{"s": "x"}, true},
		{"n > 2 && s == \"x\"", map[string]interface{}{"n": 3, "s": "x"}, true},
	}
	for _, tc := range cases {
		got, err := e.EvaluateBool(tc.expr, tc.env)
		if err != nil {
			t.Fatalf("evaluate %q: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("evaluate %q with %v = %v, want %v", tc.expr, tc.env, got, tc.want)
		}
	}
}

func TestEvaluateRejectsOversizedExpression(t *testing.T) {
	e := NewEvaluator()
	huge := strings.Repeat("1+", e.MaxExpressionLength) + "1"

	_, err := e.Evaluate(huge, map[string]interface{}{})
	if err == nil {
		t.Fatal("expected error for oversized expression")
	}
}

func TestEvaluateCachesCompiledPrograms(t *testing.T) {
	e := NewEvaluator()
	env := map[string]interface{}{"n": 1}

	if _, err := e.Evaluate("n + 1", env); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if len(e.compiled) != 1 {
		t.Fatalf("cache size = %d, want 1", len(e.compiled))
	}
	if _, err := e.Evaluate("n + 1", map[string]interface{}{"n": 5}); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if len(e.compiled) != 1 {
		t.Fatalf("cache size = %d after reuse, want 1", len(e.compiled))
	}
}

func TestItemEnvExposesFieldsAndItem(t *testing.T) {
	item := map[string]interface{}{"a": 1, "item": "shadowed"}
	env := ItemEnv(item)

	if env["a"] != 1 {
		t.Fatalf("field a = %v", env["a"])
	}
	// the item binding always wins over a field of the same name
	if _, ok := env["item"].(map[string]interface{}); !ok {
		t.Fatalf("item binding = %T, want the item map", env["item"])
	}
}
