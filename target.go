package mapweb

import (
	"context"
	"fmt"
	"sync"
)

// Target is the application-supplied dispatch surface behind a
// LocalTargetHook: the Go-idiomatic replacement for "application-level
// target classes" that spec.md leaves out of scope (§1) but that the
// LocalTarget hook variant must call into.
type Target interface {
	// Get returns the value addressed by path without side effects,
	// failing any path the implementation does not expose. MethodTarget,
	// a pure RPC method bag, resolves only a single method name.
	Get(path PropertyPath) (Payload, error)
	// Call invokes the method or nested-capability addressed by path.
	Call(ctx context.Context, path PropertyPath, args Payload) (Payload, error)
}

// MethodHandler is a single registered RPC method body. It receives the
// evaluated argument payload (already evaluated against the session's
// Importer) and returns the result payload.
type MethodHandler func(ctx context.Context, args Payload) (Payload, error)

// MethodTarget is a Target built from a registry of named handlers, the
// generalization of the teacher's BaseRpcTarget from json.RawMessage
// args/results to capability-aware Payloads.
type MethodTarget struct {
	mu      sync.RWMutex
	methods map[string]MethodHandler
}

// NewMethodTarget creates an empty method registry.
func NewMethodTarget() *MethodTarget {
	return &MethodTarget{methods: make(map[string]MethodHandler)}
}

// Method registers name to be dispatched to handler.
func (t *MethodTarget) Method(name string, handler MethodHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[name] = handler
}

// Get implements Target. MethodTarget exposes no addressable properties
// except a bare method name, which Get resolves to a FunctionHook bound to
// that method so `stub.foo` can be pipelined before being called.
func (t *MethodTarget) Get(path PropertyPath) (Payload, error) {
	if len(path) != 1 {
		return Payload{}, newProtocolError("method target has no nested properties: %s", path)
	}
	name, ok := path[0].(string)
	if !ok {
		return Payload{}, newProtocolError("method name must be a string, got %v", path[0])
	}
	t.mu.RLock()
	handler, exists := t.methods[name]
	t.mu.RUnlock()
	if !exists {
		return Payload{}, fmt.Errorf("method not found: %s", name)
	}
	fh := NewFunctionHook(handler)
	return NewHookPayload(fh), nil
}

// Call implements Target, dispatching path[0] directly as a method name.
func (t *MethodTarget) Call(ctx context.Context, path PropertyPath, args Payload) (Payload, error) {
	if len(path) != 1 {
		return Payload{}, newProtocolError("method target calls must address exactly one method name, got %s", path)
	}
	name, ok := path[0].(string)
	if !ok {
		return Payload{}, newProtocolError("method name must be a string, got %v", path[0])
	}
	t.mu.RLock()
	handler, exists := t.methods[name]
	t.mu.RUnlock()
	if !exists {
		return Payload{}, fmt.Errorf("method not found: %s", name)
	}
	return handler(ctx, args)
}
