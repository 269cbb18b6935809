// Package registry provides node handler registration and resolution.
package registry

import (
	"context"
	"errors"

	"github.com/flowmill/flowmill/pkg/types"
)

// Common errors returned by Registry implementations.
var (
	ErrHandlerNotFound = errors.New("handler not found")
	ErrHandlerExists   = errors.New("handler already registered")
)

// ExecuteInput is everything a handler receives for one invocation. The
// engine never inspects handler internals; Parameters and Credential are
// passed through opaque.
type ExecuteInput struct {
	RunID      string
	NodeID     string
	Parameters map[string]interface{}
	Credential string
	Input      types.InputData
}

// MainItems returns the items on the main input handle.
func (in ExecuteInput) MainItems() types.ItemList {
	return in.Input[types.MainHandle]
}

// Handler executes one node type. Implementations must be safe for
// concurrent use: a handler instance may run for many nodes at once.
type Handler interface {
	// Execute runs the node's logic against the gathered input. The returned
	// OutputData keys select downstream paths: an absent handle means the
	// branch was not taken.
	Execute(ctx context.Context, in ExecuteInput) (types.OutputData, error)

	// InputHandles and OutputHandles declare which connection handles a node
	// of this type accepts; graph validation enforces them.
	InputHandles() []string
	OutputHandles() []string
}

// Registry resolves node type identifiers to handlers.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Register binds a node type to a handler. Returns ErrHandlerExists if
	// the type is taken.
	Register(nodeType string, h Handler) error

	// Resolve returns the handler for a node type. Returns
	// ErrHandlerNotFound if none is registered.
	Resolve(nodeType string) (Handler, error)

	// List returns all registered node types.
	List() []string

	// Handles implements graph.HandleResolver.
	Handles(nodeType string) (inputs, outputs []string, err error)
}

// Func adapts a plain function to a Handler with main-only handles.
type Func func(ctx context.Context, in ExecuteInput) (types.OutputData, error)

func (f Func) Execute(ctx context.Context, in ExecuteInput) (types.OutputData, error) {
	return f(ctx, in)
}

func (f Func) InputHandles() []string  { return []string{types.MainHandle} }
func (f Func) OutputHandles() []string { return []string{types.MainHandle} }
