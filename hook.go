package mapweb

import (
	"context"
	"io"
	"sync"
)

// Hook is the sole vehicle for capability references: an abstract handle to
// a local or remote capability. Every hook has exactly one logical owner at
// any time; Dup is the only way to create a second owner, and the number of
// Dispose calls made across a hook's lifetime must equal the number of Dup
// and construction calls that produced owners of it.
//
// The eight variants spec.md enumerates (LocalTarget, PayloadStub, Import,
// Export, MapVariable, Function, Error, Broken) are realized here as
// concrete types rather than one tagged union, the Go-idiomatic rendering
// of spec §9's "replace dynamic dispatch with a typed hook trait". Export
// is not a separate Go type: once a LocalTargetHook is recorded in a
// Session's export table, the table entry (not the Hook value) is what
// distinguishes "exported" from merely "local" — see DESIGN.md.
type Hook interface {
	// Dup produces an independent reference, incrementing the underlying
	// refcount.
	Dup() Hook
	// Dispose releases one reference. Calling it more times than the hook
	// has owners is a programming error (panics), mirroring the protocol's
	// refcount-underflow-is-fatal stance for the wire tables.
	Dispose()
	// Get returns a new Hook addressing a sub-path. It never waits on a
	// round trip: for a remote hook it sends the push frame for the
	// sub-path and returns without waiting for any reply.
	Get(path PropertyPath) Hook
	// Call returns a new Hook representing the eventual result of invoking
	// path with args. Ownership of args is transferred to Call.
	Call(path PropertyPath, args Payload) Hook
	// Map installs a recorded transform and returns a Hook for the
	// eventual mapped result.
	Map(path PropertyPath, captures []Hook, instructions []MapInstruction) Hook
	// Pull resolves the hook to a concrete Payload, possibly suspending.
	Pull(ctx context.Context) (Payload, error)
	// OnBroken registers a one-shot callback invoked when the underlying
	// capability is known dead. Calling it on an already-broken hook must
	// invoke cb immediately.
	OnBroken(cb func(error))
}

// refCount is the shared bookkeeping behind every Hook implementation's
// Dup/Dispose pair.
type refCount struct {
	mu     sync.Mutex
	n      int
	onZero func()
}

func newRefCount(onZero func()) *refCount {
	return &refCount{n: 1, onZero: onZero}
}

func (r *refCount) inc() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

func (r *refCount) dec() {
	r.mu.Lock()
	r.n--
	n := r.n
	cb := r.onZero
	r.mu.Unlock()
	if n < 0 {
		panic("mapweb: hook disposed more times than it was referenced")
	}
	if n == 0 && cb != nil {
		cb()
	}
}

// brokenCallbacks is embedded by hook types that support OnBroken.
type brokenCallbacks struct {
	mu     sync.Mutex
	broken error
	cbs    []func(error)
}

func (b *brokenCallbacks) onBroken(cb func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken != nil {
		cb(b.broken)
		return
	}
	b.cbs = append(b.cbs, cb)
}

func (b *brokenCallbacks) breakWith(err error) {
	b.mu.Lock()
	if b.broken != nil {
		b.mu.Unlock()
		return
	}
	b.broken = err
	cbs := b.cbs
	b.cbs = nil
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

// LocalTargetHook wraps a Target implemented by the embedding application.
// Get composes a path without dispatching; Call and Pull invoke the target.
type LocalTargetHook struct {
	target Target
	path   PropertyPath
	refs   *refCount
	brokenCallbacks
}

// NewLocalTargetHook wraps target as a fresh hook with one owner.
func NewLocalTargetHook(target Target) *LocalTargetHook {
	h := &LocalTargetHook{target: target}
	h.refs = newRefCount(func() {
		if c, ok := target.(io.Closer); ok {
			_ = c.Close()
		}
	})
	return h
}

func (h *LocalTargetHook) Dup() Hook {
	h.refs.inc()
	return &LocalTargetHook{target: h.target, path: h.path, refs: h.refs}
}

func (h *LocalTargetHook) Dispose() { h.refs.dec() }

func (h *LocalTargetHook) Get(path PropertyPath) Hook {
	h.refs.inc()
	full := make(PropertyPath, 0, len(h.path)+len(path))
	full = append(full, h.path...)
	full = append(full, path...)
	return &LocalTargetHook{target: h.target, path: full, refs: h.refs}
}

func (h *LocalTargetHook) Call(path PropertyPath, args Payload) Hook {
	defer args.Dispose()
	full := make(PropertyPath, 0, len(h.path)+len(path))
	full = append(full, h.path...)
	full = append(full, path...)
	result, err := h.target.Call(context.Background(), full, args)
	if err != nil {
		return newErrorHook(err)
	}
	return hookFromResultPayload(result)
}

func (h *LocalTargetHook) Map(path PropertyPath, captures []Hook, instructions []MapInstruction) Hook {
	full := make(PropertyPath, 0, len(h.path)+len(path))
	full = append(full, h.path...)
	full = append(full, path...)
	input, err := h.target.Get(full)
	if err != nil {
		return newErrorHook(err)
	}
	result, err := applyMap(input, captures, instructions)
	if err != nil {
		return newErrorHook(err)
	}
	return hookFromResultPayload(result)
}

func (h *LocalTargetHook) Pull(ctx context.Context) (Payload, error) {
	full := h.path
	if len(full) == 0 {
		return Payload{}, newProtocolError("cannot pull the root target directly")
	}
	return h.target.Get(full)
}

func (h *LocalTargetHook) OnBroken(cb func(error)) { h.brokenCallbacks.onBroken(cb) }

// hookFromResultPayload wraps a Payload returned by a Call/Map into a Hook:
// if it is already exactly a single hook with no residual structure, that
// hook is reused directly; otherwise it is wrapped as a PayloadStubHook.
func hookFromResultPayload(p Payload) Hook {
	if h, ok := p.Value.(Hook); ok && len(p.Hooks) == 1 && p.Hooks[0] == h {
		return h
	}
	return NewPayloadStubHook(p)
}

// PayloadStubHook wraps an already-resolved concrete Payload and serves
// further Get/Call/Pull against it purely locally.
type PayloadStubHook struct {
	payload Payload
	refs    *refCount
	brokenCallbacks
}

// NewPayloadStubHook takes ownership of payload.
func NewPayloadStubHook(payload Payload) *PayloadStubHook {
	h := &PayloadStubHook{payload: payload}
	h.refs = newRefCount(func() { payload.Dispose() })
	return h
}

func (h *PayloadStubHook) Dup() Hook {
	h.refs.inc()
	return &PayloadStubHook{payload: h.payload, refs: h.refs}
}

func (h *PayloadStubHook) Dispose() { h.refs.dec() }

func (h *PayloadStubHook) Get(path PropertyPath) Hook {
	v, err := navigateValue(h.payload.Value, path)
	if err != nil {
		return newErrorHook(err)
	}
	if sub, ok := v.(Hook); ok {
		return sub.Dup()
	}
	return NewPayloadStubHook(NewPayload(v))
}

func (h *PayloadStubHook) Call(path PropertyPath, args Payload) Hook {
	defer args.Dispose()
	v, err := navigateValue(h.payload.Value, path)
	if err != nil {
		return newErrorHook(err)
	}
	sub, ok := v.(Hook)
	if !ok {
		return newErrorHook(newTargetError2("value at path is not callable"))
	}
	return sub.Call(nil, args)
}

func (h *PayloadStubHook) Map(path PropertyPath, captures []Hook, instructions []MapInstruction) Hook {
	v, err := navigateValue(h.payload.Value, path)
	if err != nil {
		return newErrorHook(err)
	}
	result, err := applyMap(NewPayload(v), captures, instructions)
	if err != nil {
		return newErrorHook(err)
	}
	return hookFromResultPayload(result)
}

func (h *PayloadStubHook) Pull(ctx context.Context) (Payload, error) {
	return h.payload.DeepCopy(), nil
}

func (h *PayloadStubHook) OnBroken(cb func(error)) { h.brokenCallbacks.onBroken(cb) }

func navigateValue(root interface{}, path PropertyPath) (interface{}, error) {
	current := root
	for _, elem := range path {
		switch k := elem.(type) {
		case string:
			obj, ok := current.(map[string]interface{})
			if !ok {
				return nil, newProtocolError("cannot access key %q on non-object", k)
			}
			current = obj[k]
		case int:
			arr, ok := current.([]interface{})
			if !ok || k < 0 || k >= len(arr) {
				return nil, newProtocolError("array index %d out of bounds", k)
			}
			current = arr[k]
		default:
			return nil, newProtocolError("invalid path element %v", elem)
		}
	}
	return current, nil
}

// FunctionHook wraps a single Go callable as a capability whose only
// operation is invocation at the empty path, the typed-hook rendering of
// the spec's "Function" variant.
type FunctionHook struct {
	fn   func(ctx context.Context, args Payload) (Payload, error)
	refs *refCount
	brokenCallbacks
}

// NewFunctionHook wraps fn as a callable capability.
func NewFunctionHook(fn func(ctx context.Context, args Payload) (Payload, error)) *FunctionHook {
	h := &FunctionHook{fn: fn}
	h.refs = newRefCount(nil)
	return h
}

func (h *FunctionHook) Dup() Hook {
	h.refs.inc()
	return &FunctionHook{fn: h.fn, refs: h.refs}
}
func (h *FunctionHook) Dispose() { h.refs.dec() }
func (h *FunctionHook) Get(path PropertyPath) Hook {
	if len(path) == 0 {
		return h.Dup()
	}
	return newErrorHook(newProtocolError("function hook has no properties"))
}
func (h *FunctionHook) Call(path PropertyPath, args Payload) Hook {
	defer args.Dispose()
	if len(path) != 0 {
		return newErrorHook(newProtocolError("function hook has no sub-methods"))
	}
	result, err := h.fn(context.Background(), args)
	if err != nil {
		return newErrorHook(err)
	}
	return hookFromResultPayload(result)
}
func (h *FunctionHook) Map(path PropertyPath, captures []Hook, instructions []MapInstruction) Hook {
	for _, c := range captures {
		c.Dispose()
	}
	return newErrorHook(newMapMisuseError("cannot map a function hook"))
}
func (h *FunctionHook) Pull(ctx context.Context) (Payload, error) {
	return Payload{}, newProtocolError("cannot pull a bare function hook")
}

func (h *FunctionHook) OnBroken(cb func(error)) { h.brokenCallbacks.onBroken(cb) }

// errorHook is a permanently-failed hook: every operation (except Dup,
// Dispose, OnBroken) returns the wrapped error.
type errorHook struct {
	err  error
	refs *refCount
}

func newErrorHook(err error) *errorHook {
	h := &errorHook{err: err}
	h.refs = newRefCount(nil)
	return h
}

func newTargetError2(msg string) error { return &TargetError{Kind: ErrorKindGeneric, Message: msg} }

func (h *errorHook) Dup() Hook   { h.refs.inc(); return &errorHook{err: h.err, refs: h.refs} }
func (h *errorHook) Dispose()    { h.refs.dec() }
func (h *errorHook) Get(PropertyPath) Hook { return h }
func (h *errorHook) Call(path PropertyPath, args Payload) Hook { args.Dispose(); return h }
func (h *errorHook) Map(path PropertyPath, captures []Hook, instructions []MapInstruction) Hook {
	for _, c := range captures {
		c.Dispose()
	}
	return h
}
func (h *errorHook) Pull(context.Context) (Payload, error) { return Payload{}, h.err }
func (h *errorHook) OnBroken(cb func(error))               { cb(h.err) }

// brokenHook represents a capability known dead. All operations fail with
// the reason it was built with; OnBroken fires immediately.
type brokenHook struct {
	reason error
	refs   *refCount
}

func newBrokenHook(reason error) *brokenHook {
	h := &brokenHook{reason: reason}
	h.refs = newRefCount(nil)
	return h
}

func (h *brokenHook) Dup() Hook { h.refs.inc(); return &brokenHook{reason: h.reason, refs: h.refs} }
func (h *brokenHook) Dispose()  { h.refs.dec() }
func (h *brokenHook) Get(PropertyPath) Hook { return h }
func (h *brokenHook) Call(path PropertyPath, args Payload) Hook { args.Dispose(); return h }
func (h *brokenHook) Map(path PropertyPath, captures []Hook, instructions []MapInstruction) Hook {
	for _, c := range captures {
		c.Dispose()
	}
	return h
}
func (h *brokenHook) Pull(context.Context) (Payload, error)          { return Payload{}, h.reason }
func (h *brokenHook) OnBroken(cb func(error))                        { cb(h.reason) }
