package mapweb

// mapApplicator replays a recorded MapInstruction list against a concrete
// input hook (spec §4.5). It implements Importer so Evaluate can resolve
// ["import", idx] references inside an instruction's encoded arguments
// back to the recording's own variables/captures.
type mapApplicator struct {
	variables []Hook
	captures  []Hook
}

func (a *mapApplicator) resolve(idx int) (Hook, error) {
	if idx >= 0 {
		if idx >= len(a.variables) {
			return nil, newProtocolError("map replay referenced undefined variable %d", idx)
		}
		return a.variables[idx], nil
	}
	ci := -idx - 1
	if ci < 0 || ci >= len(a.captures) {
		return nil, newProtocolError("map replay referenced undefined capture %d", idx)
	}
	return a.captures[ci], nil
}

func (a *mapApplicator) ImportStub(int) (Hook, error) {
	return nil, newMapMisuseError("a map replay cannot receive a fresh export")
}

func (a *mapApplicator) ImportPromise(int) (Hook, error) {
	return nil, newMapMisuseError("a map replay cannot receive a fresh export")
}

func (a *mapApplicator) GetExport(idx int) (Hook, error) { return a.resolve(idx) }

func (a *mapApplicator) applyStep(instr MapInstruction) (Hook, error) {
	subject, err := a.resolve(instr.Subject)
	if err != nil {
		return nil, err
	}
	switch instr.Kind {
	case InstrPipeline:
		if instr.HasArgs {
			argsPayload, err := Evaluate(instr.Args, a)
			if err != nil {
				return nil, err
			}
			return subject.Call(instr.Path, argsPayload), nil
		}
		return subject.Get(instr.Path), nil
	case InstrRemap:
		caps := make([]Hook, len(instr.Captures))
		for i, c := range instr.Captures {
			h, err := a.resolve(c)
			if err != nil {
				return nil, err
			}
			caps[i] = h
		}
		return subject.Map(instr.Path, caps, instr.Body), nil
	default:
		return nil, newProtocolError("literal instruction may only appear last in a map recording")
	}
}

// disposeVariables releases every intermediate variable this applicator
// produced — but not the input (variables[0], owned by the caller) or the
// shared captures (owned, and disposed once, by the top-level applyMap).
func (a *mapApplicator) disposeVariables() {
	for _, h := range a.variables[1:] {
		h.Dispose()
	}
}

// applyMapOnce replays instructions for a single concrete input hook.
func applyMapOnce(input Hook, captures []Hook, instructions []MapInstruction) (Payload, error) {
	app := &mapApplicator{variables: []Hook{input}, captures: captures}
	defer app.disposeVariables()

	for i, instr := range instructions {
		if i == len(instructions)-1 {
			if instr.Kind != InstrLiteral {
				return Payload{}, newProtocolError("map recording must terminate in a literal instruction")
			}
			return Evaluate(instr.Literal, app)
		}
		h, err := app.applyStep(instr)
		if err != nil {
			return Payload{}, err
		}
		app.variables = append(app.variables, h)
	}
	return Payload{}, newProtocolError("empty map recording")
}

// elementHook wraps a plain array element as a hook so applyMapOnce always
// has a uniform Hook to drive, whether the element is itself a capability
// or plain data.
func elementHook(v interface{}) Hook {
	if h, ok := v.(Hook); ok {
		return h
	}
	return NewPayloadStubHook(NewPayload(v))
}

// isPendingHook reports whether h addresses a value that has not yet
// resolved, per spec §4.5's "reject a pending input" rule.
func isPendingHook(h Hook) bool {
	ih, ok := h.(*importHook)
	if !ok {
		return false
	}
	return ih.table.IsPending(ih.id)
}

// applyMap is the top-level replay entry point called by LocalTargetHook
// and PayloadStubHook's Map implementations once the subject's current
// value has been resolved into input. It implements spec §4.5's dispatch:
// a pending (unresolved) input is rejected outright, an ordered sequence
// is mapped element-wise and reassembled, a nil/absent input passes
// through unchanged, and anything else is mapped exactly once.
//
// captures is owned by this call: each hook in it is disposed exactly
// once on return, regardless of how many elements (zero, one, or many)
// the instructions were actually replayed against.
func applyMap(input Payload, captures []Hook, instructions []MapInstruction) (Payload, error) {
	defer func() {
		for _, c := range captures {
			c.Dispose()
		}
	}()

	if input.Value == nil {
		return input, nil
	}

	if h, ok := input.Value.(Hook); ok {
		if isPendingHook(h) {
			return Payload{}, newMapMisuseError("cannot map over a value that is still pending")
		}
		return applyMapOnce(h, captures, instructions)
	}

	if arr, ok := input.Value.([]interface{}); ok {
		out := make([]interface{}, len(arr))
		for i, elem := range arr {
			h := elementHook(elem)
			if isPendingHook(h) {
				return Payload{}, newMapMisuseError("cannot map over a value that is still pending")
			}
			p, err := applyMapOnce(h, captures, instructions)
			if err != nil {
				return Payload{}, err
			}
			out[i] = p.Value
		}
		return NewPayload(out), nil
	}

	return applyMapOnce(NewPayloadStubHook(input), captures, instructions)
}
