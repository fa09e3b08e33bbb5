package mapweb

import "context"

// captureRef is one entry of a mapBuilder's capture list: either a real
// hook (top-level builder) or an index into the parent builder's own
// variable space (nested builder), per spec §4.3.
type captureRef struct {
	hook        Hook
	parentIdx   int
	isParentIdx bool
}

// mapBuilder records the operations a map callback performs against a
// MapVariableHook placeholder. It implements Exporter so Devaluate can
// route hook references encountered while encoding call arguments through
// capture() instead of allocating real export ids.
type mapBuilder struct {
	parent       *mapBuilder
	captures     []captureRef
	captureMap   map[Hook]int
	instructions []MapInstruction
	active       bool
}

func newMapBuilder(parent *mapBuilder) *mapBuilder {
	return &mapBuilder{parent: parent, captureMap: make(map[Hook]int), active: true}
}

// makeInput returns the placeholder hook for local variable 0 (the map's
// input).
func (b *mapBuilder) makeInput() *MapVariableHook {
	return &MapVariableHook{builder: b, index: 0}
}

func (b *mapBuilder) checkActive() error {
	if !b.active {
		return newMapMisuseError("abstract placeholder used outside map")
	}
	return nil
}

// pushGet records a property access against subject and returns a
// placeholder for its result.
func (b *mapBuilder) pushGet(subject *MapVariableHook, path PropertyPath) (*MapVariableHook, error) {
	if err := b.checkActive(); err != nil {
		return nil, err
	}
	b.instructions = append(b.instructions, pipelineInstruction(subject.index, path))
	return &MapVariableHook{builder: b, index: len(b.instructions)}, nil
}

// pushCall records a method call against subject and returns a placeholder
// for its result.
func (b *mapBuilder) pushCall(subject *MapVariableHook, path PropertyPath, args Payload) (*MapVariableHook, error) {
	if err := b.checkActive(); err != nil {
		return nil, err
	}
	defer args.Dispose()
	argList, _ := args.Value.([]interface{})
	if argList == nil {
		argList = []interface{}{}
	}
	encoded, err := Devaluate(argList, b)
	if err != nil {
		return nil, err
	}
	subject.Dup().Dispose() // parity with spec's "capture(hook.dup())"; MapVariableHook dup/dispose are no-ops
	b.instructions = append(b.instructions, callInstruction(subject.index, path, encoded))
	return &MapVariableHook{builder: b, index: len(b.instructions)}, nil
}

// capture returns the (always negative) index under which hook is
// referenced from this builder's scope, recording it in the capture list
// on first use. A MapVariableHook belonging to this exact builder is
// returned unchanged as its own (non-negative) local-variable index: no
// capture needed.
func (b *mapBuilder) capture(h Hook) (int, error) {
	if mv, ok := h.(*MapVariableHook); ok && mv.builder == b {
		return mv.index, nil
	}
	if idx, ok := b.captureMap[h]; ok {
		return idx, nil
	}
	var ref captureRef
	if b.parent != nil {
		parentIdx, err := b.parent.capture(h)
		if err != nil {
			return 0, err
		}
		ref = captureRef{isParentIdx: true, parentIdx: parentIdx}
	} else {
		ref = captureRef{hook: h}
	}
	b.captures = append(b.captures, ref)
	idx := -len(b.captures)
	b.captureMap[h] = idx
	return idx, nil
}

// ExportStub implements Exporter. Local targets can never be captured
// into a map recording in this port — a conservative reading of spec
// §4.3's "constructing a new local target inside the callback is not
// representable" that also covers capturing a pre-existing local target,
// since the replay side has no table to resolve a fresh export id against
// (see DESIGN.md).
func (b *mapBuilder) ExportStub(Hook) (int, error) {
	return 0, newMapMisuseError("cannot construct a local target inside a mapper")
}

func (b *mapBuilder) ExportPromise(Hook) (int, error) {
	return 0, newMapMisuseError("cannot construct a local target inside a mapper")
}

func (b *mapBuilder) GetImport(h Hook) (int, error) { return b.capture(h) }

// capturesAsHooks returns this builder's capture list as the concrete hooks
// it stores. Only valid for the top-level (parent == nil) builder, which is
// what Hook.Map ultimately receives; parent-index captures of a nested
// builder are not resolved here.
func (b *mapBuilder) capturesAsHooks() []Hook {
	out := make([]Hook, len(b.captures))
	for i, c := range b.captures {
		out[i] = c.hook
	}
	return out
}

// capturesAsParentIndices renders a nested builder's capture list as the
// parent-relative indices a "remap" instruction embeds.
func (b *mapBuilder) capturesAsParentIndices() []int {
	out := make([]int, len(b.captures))
	for i, c := range b.captures {
		out[i] = c.parentIdx
	}
	return out
}

// makeOutput finalizes the recording: the callback's return value becomes
// the terminal instruction, and — for a nested builder — the whole
// recording is folded into a single "remap" instruction appended to the
// parent; for the top-level builder, it invokes Hook.Map on the real
// subject.
func (b *mapBuilder) makeOutput(subject Hook, path PropertyPath, result Hook) (Hook, error) {
	defer func() { b.active = false }()

	if pv, ok := result.(*pendingResultHook); ok {
		pv.hook.Dispose()
		return nil, newMapMisuseError("map callbacks cannot be asynchronous")
	}

	literal, err := Devaluate(result, b)
	result.Dispose()
	if err != nil {
		return nil, err
	}
	b.instructions = append(b.instructions, literalInstruction(literal))

	if b.parent != nil {
		remap := remapInstruction(subjectIndexOf(subject), path, b.capturesAsParentIndices(), b.instructions)
		b.parent.instructions = append(b.parent.instructions, remap)
		return &MapVariableHook{builder: b.parent, index: len(b.parent.instructions)}, nil
	}
	return subject.Map(path, b.capturesAsHooks(), b.instructions), nil
}

// subjectIndexOf extracts the local-variable index a nested map is
// attached to; the subject of a nested map is always one of the enclosing
// builder's own placeholders.
func subjectIndexOf(subject Hook) int {
	if mv, ok := subject.(*MapVariableHook); ok {
		return mv.index
	}
	return 0
}

// pendingResultHook marks a callback return value detected to be
// asynchronous (suspending). Map callbacks in this port are ordinary
// synchronous Go functions, so the only way a callback "returns a pending
// value" is by explicitly wrapping it — tests exercise the async-misuse
// scenario via NewPendingResultHook.
type pendingResultHook struct {
	hook Hook
}

// NewPendingResultHook wraps hook to simulate a map callback returning a
// suspended value, exercising the "map callbacks cannot be asynchronous"
// diagnostic (spec §8 scenario 5). Ordinary callbacks never need this.
func NewPendingResultHook(hook Hook) Hook { return &pendingResultHook{hook: hook} }

func (p *pendingResultHook) Dup() Hook                  { return p }
func (p *pendingResultHook) Dispose()                   {}
func (p *pendingResultHook) Get(PropertyPath) Hook      { return p }
func (p *pendingResultHook) Call(PropertyPath, Payload) Hook { return p }
func (p *pendingResultHook) Map(PropertyPath, []Hook, []MapInstruction) Hook { return p }
func (p *pendingResultHook) Pull(context.Context) (Payload, error) {
	return Payload{}, newMapMisuseError("map callbacks cannot be asynchronous")
}
func (p *pendingResultHook) OnBroken(cb func(error)) {}

// MapVariableHook is the abstract placeholder handed to a recording
// callback in place of real data (spec §4.4). Get/Call delegate to the
// owning builder while it is active; once the recording finishes (the
// builder is popped), Call and a non-empty Get fail. Dup, Dispose and
// OnBroken are always no-ops; Map and Pull always fail.
type MapVariableHook struct {
	builder *mapBuilder
	index   int
}

func (h *MapVariableHook) Dup() Hook     { return h }
func (h *MapVariableHook) Dispose()      {}
func (h *MapVariableHook) OnBroken(func(error)) {}

func (h *MapVariableHook) Get(path PropertyPath) Hook {
	if len(path) == 0 {
		return h
	}
	next, err := h.builder.pushGet(h, path)
	if err != nil {
		return newErrorHook(err)
	}
	return next
}

func (h *MapVariableHook) Call(path PropertyPath, args Payload) Hook {
	next, err := h.builder.pushCall(h, path, args)
	if err != nil {
		return newErrorHook(err)
	}
	return next
}

func (h *MapVariableHook) Map(path PropertyPath, captures []Hook, instructions []MapInstruction) Hook {
	for _, c := range captures {
		c.Dispose()
	}
	return newErrorHook(newMapMisuseError("cannot remap the abstract placeholder directly"))
}

func (h *MapVariableHook) Pull(context.Context) (Payload, error) {
	return Payload{}, newMapMisuseError("map callbacks may not await (pull) the placeholder")
}

// SendMap is the user-facing entry point for the map protocol (spec §6's
// `map(path, callback)`). It records callback's behavior against a fresh
// placeholder and, on success, installs the recorded transform on subject
// via Hook.Map. If a builder is already active for a nested call (because
// the callback itself calls SendMap again on one of its own placeholders),
// the new builder nests under it automatically — spec §4.3's builder
// stack, realized here as the parent pointer every MapVariableHook the
// nested callback touches already carries, rather than a separate global
// stack (see SPEC_FULL.md §5).
func SendMap(subject Hook, path PropertyPath, callback func(*MapVariableHook) (Hook, error)) Hook {
	if mv, ok := subject.(*MapVariableHook); ok && mv.builder.active {
		return sendMapNested(mv.builder, subject, path, callback)
	}
	return sendMapNested(nil, subject, path, callback)
}

func sendMapNested(parent *mapBuilder, subject Hook, path PropertyPath, callback func(*MapVariableHook) (Hook, error)) Hook {
	builder := newMapBuilder(parent)
	input := builder.makeInput()
	result, err := callback(input)
	if err != nil {
		builder.active = false
		return newErrorHook(err)
	}
	out, err := builder.makeOutput(subject, path, result)
	if err != nil {
		return newErrorHook(err)
	}
	return out
}
