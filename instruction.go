package mapweb

// InstructionKind tags the variants of MapInstruction, replacing the
// source protocol's heterogeneous untyped arrays with a proper sum type
// (see spec §9, "Heterogeneous instruction arrays").
type InstructionKind int

const (
	// InstrPipeline is a property access, or a method call when Args is set.
	InstrPipeline InstructionKind = iota
	// InstrRemap is a nested map recorded against a variable of the outer
	// recording.
	InstrRemap
	// InstrLiteral is an arbitrary already-devaluated instruction tree
	// (anything the Codec can produce: a passthrough primitive, an
	// ["export", id], a nested array/object, ...). Every recording's final
	// instruction is a literal: usually one referencing a pipeline result,
	// but a callback that returns a captured value untouched also
	// terminates on a literal.
	InstrLiteral
)

// MapInstruction is one recorded step of a map callback. Exactly one
// instruction list ships per Hook.Map call (or per nested remap), built by
// the MapBuilder and replayed by the MapApplicator.
type MapInstruction struct {
	Kind InstructionKind

	// Pipeline: which prior variable this step operates on. Index 0 is the
	// map's input; positive indices address earlier instructions' results
	// in the same recording; negative indices address captures.
	Subject int
	Path    PropertyPath
	// HasArgs distinguishes a property get (false) from a method call
	// (true, possibly with zero arguments encoded as an empty array).
	HasArgs bool
	Args    interface{} // devaluated instruction tree for the argument list

	// Remap only.
	Captures []int            // parent-scope indices this nested map closes over
	Body     []MapInstruction // the nested recording

	// Literal only.
	Literal interface{}
}

func pipelineInstruction(subject int, path PropertyPath) MapInstruction {
	return MapInstruction{Kind: InstrPipeline, Subject: subject, Path: path}
}

func callInstruction(subject int, path PropertyPath, args interface{}) MapInstruction {
	return MapInstruction{Kind: InstrPipeline, Subject: subject, Path: path, HasArgs: true, Args: args}
}

func remapInstruction(subject int, path PropertyPath, captures []int, body []MapInstruction) MapInstruction {
	return MapInstruction{Kind: InstrRemap, Subject: subject, Path: path, Captures: captures, Body: body}
}

func literalInstruction(value interface{}) MapInstruction {
	return MapInstruction{Kind: InstrLiteral, Literal: value}
}

// encode renders a MapInstruction back into the wire's array-of-arrays
// shape, per spec §3's MapInstruction grammar.
func (m MapInstruction) encode() interface{} {
	switch m.Kind {
	case InstrPipeline:
		if m.HasArgs {
			return []interface{}{"pipeline", m.Subject, pathToRaw(m.Path), m.Args}
		}
		return []interface{}{"pipeline", m.Subject, pathToRaw(m.Path)}
	case InstrRemap:
		capImports := make([]interface{}, len(m.Captures))
		for i, c := range m.Captures {
			capImports[i] = []interface{}{"import", c}
		}
		body := make([]interface{}, len(m.Body))
		for i, b := range m.Body {
			body[i] = b.encode()
		}
		return []interface{}{"remap", m.Subject, pathToRaw(m.Path), capImports, body}
	default: // InstrLiteral
		return m.Literal
	}
}

func pathToRaw(p PropertyPath) []interface{} {
	out := make([]interface{}, len(p))
	copy(out, p)
	return out
}

func encodeInstructions(instrs []MapInstruction) []interface{} {
	out := make([]interface{}, len(instrs))
	for i, instr := range instrs {
		out[i] = instr.encode()
	}
	return out
}

// decodeInstruction is encode's inverse: it reconstructs a MapInstruction
// from the wire shape a "remap" instruction carries. Used by Session when
// a peer's push frame contains a top-level "remap" instruction addressed
// at one of this side's local capabilities.
func decodeInstruction(raw interface{}) (MapInstruction, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) == 0 {
		return literalInstruction(raw), nil
	}
	tag, ok := arr[0].(string)
	if !ok {
		return literalInstruction(raw), nil
	}
	switch tag {
	case "pipeline":
		if len(arr) < 3 {
			return MapInstruction{}, newProtocolError("pipeline instruction missing fields")
		}
		subject, err := rawInstrID(arr[1])
		if err != nil {
			return MapInstruction{}, err
		}
		rawPath, ok := arr[2].([]interface{})
		if !ok {
			return MapInstruction{}, newProtocolError("pipeline instruction path must be an array")
		}
		path, err := rawPathToPropertyPath(rawPath)
		if err != nil {
			return MapInstruction{}, err
		}
		if len(arr) >= 4 {
			return callInstruction(subject, path, arr[3]), nil
		}
		return pipelineInstruction(subject, path), nil
	case "remap":
		if len(arr) < 5 {
			return MapInstruction{}, newProtocolError("remap instruction missing fields")
		}
		subject, err := rawInstrID(arr[1])
		if err != nil {
			return MapInstruction{}, err
		}
		rawPath, ok := arr[2].([]interface{})
		if !ok {
			return MapInstruction{}, newProtocolError("remap instruction path must be an array")
		}
		path, err := rawPathToPropertyPath(rawPath)
		if err != nil {
			return MapInstruction{}, err
		}
		rawCaps, ok := arr[3].([]interface{})
		if !ok {
			return MapInstruction{}, newProtocolError("remap instruction captures must be an array")
		}
		captures := make([]int, len(rawCaps))
		for i, c := range rawCaps {
			capArr, ok := c.([]interface{})
			if !ok || len(capArr) != 2 {
				return MapInstruction{}, newProtocolError("remap capture must be an [\"import\", id] pair")
			}
			idx, err := rawInstrID(capArr[1])
			if err != nil {
				return MapInstruction{}, err
			}
			captures[i] = idx
		}
		rawBody, ok := arr[4].([]interface{})
		if !ok {
			return MapInstruction{}, newProtocolError("remap instruction body must be an array")
		}
		body, err := decodeInstructions(rawBody)
		if err != nil {
			return MapInstruction{}, err
		}
		return remapInstruction(subject, path, captures, body), nil
	default:
		return literalInstruction(raw), nil
	}
}

func decodeInstructions(raw []interface{}) ([]MapInstruction, error) {
	out := make([]MapInstruction, len(raw))
	for i, r := range raw {
		instr, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		out[i] = instr
	}
	return out, nil
}
