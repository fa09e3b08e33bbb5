package mapweb

import (
	"encoding/base64"
	"math"
	"math/big"
	"time"
)

// Exporter is consulted by Devaluate to turn a Hook encountered inside a
// value into a wire reference. It is implemented by Session (real export
// table) and by mapBuilder (capture bookkeeping during recording) — the
// same three-method contract spec §4.1/§4.3 describes for both.
type Exporter interface {
	// ExportStub allocates (or reuses, by identity) a reference for a
	// resolved local hook. Sessions return a genuine new/reused ExportId;
	// mapBuilder always fails: constructing/exporting a fresh local
	// target from inside a map callback cannot be represented in the
	// instruction protocol.
	ExportStub(h Hook) (int, error)
	// ExportPromise is the same contract for a local hook whose value is
	// not yet settled. In this port Targets resolve synchronously, so
	// Session's implementation simply delegates to ExportStub; the
	// separate method exists so the interface mirrors spec §4.1 exactly
	// and so a future asynchronous Target has somewhere to plug in.
	ExportPromise(h Hook) (int, error)
	// GetImport returns the reference (a real ImportId for Session, a
	// capture/local-variable index for mapBuilder) for a hook this side
	// already holds as someone else's capability.
	GetImport(h Hook) (int, error)
}

// Importer is consulted by Evaluate to turn a wire reference back into a
// Hook. Session and mapApplicator implement it.
type Importer interface {
	// ImportStub resolves an ["export", id] reference: a brand-new
	// capability the peer just handed over. mapApplicator always fails —
	// a replayed recording never legitimately receives a fresh export.
	ImportStub(id int) (Hook, error)
	// ImportPromise is ImportStub's not-yet-settled counterpart.
	ImportPromise(id int) (Hook, error)
	// GetExport resolves an ["import", id] reference: the peer handing
	// back something this side already owns. For Session that is a real
	// export-table lookup; for mapApplicator, spec §4.5's rule applies:
	// positive idx indexes `variables`, negative idx indexes `captures`.
	GetExport(idx int) (Hook, error)
}

// Devaluate renders a host value to its instruction-tree form per spec
// §4.1's exhaustive encoding rules.
func Devaluate(value interface{}, exp Exporter) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case Undefined:
		return []interface{}{"undefined"}, nil
	case bool, string:
		return v, nil
	case float64:
		return devaluateFloat(v), nil
	case float32:
		return devaluateFloat(float64(v)), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case *big.Int:
		return []interface{}{"bigint", v.String()}, nil
	case time.Time:
		return []interface{}{"date", float64(v.UnixMilli())}, nil
	case []byte:
		return []interface{}{"bytes", base64.StdEncoding.EncodeToString(v)}, nil
	case error:
		return devaluateError(v), nil
	case map[string]interface{}:
		return devaluateObject(v, exp)
	case []interface{}:
		return devaluateArray(v, exp)
	case Hook:
		return devaluateHook(v, exp)
	default:
		return nil, newProtocolError("cannot devaluate value of type %T", value)
	}
}

// Undefined is the devaluation-aware stand-in for JavaScript's undefined,
// distinct from Go's untyped nil (which maps to JSON/protocol null).
type Undefined struct{}

func devaluateFloat(f float64) interface{} {
	switch {
	case math.IsNaN(f):
		return []interface{}{"nan"}
	case math.IsInf(f, 1):
		return []interface{}{"inf"}
	case math.IsInf(f, -1):
		return []interface{}{"-inf"}
	default:
		return f
	}
}

func devaluateError(err error) interface{} {
	kind := ErrorKindGeneric
	stack := ""
	if te, ok := err.(*TargetError); ok {
		kind = te.Kind
		stack = te.Stack
	}
	if stack != "" {
		return []interface{}{"error", string(kind), errMessage(err), stack}
	}
	return []interface{}{"error", string(kind), errMessage(err)}
}

func errMessage(err error) string {
	if te, ok := err.(*TargetError); ok {
		return te.Message
	}
	return err.Error()
}

func devaluateObject(obj map[string]interface{}, exp Exporter) (interface{}, error) {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		encoded, err := Devaluate(v, exp)
		if err != nil {
			return nil, err
		}
		// Forbidden keys are dropped from the output but their values
		// still pass through Devaluate above so any interior hooks are
		// accounted for (and, in evaluate's mirror rule, released).
		if isForbiddenKey(k) || k == "toJSON" {
			continue
		}
		out[k] = encoded
	}
	return out, nil
}

func devaluateArray(arr []interface{}, exp Exporter) (interface{}, error) {
	out := make([]interface{}, len(arr))
	for i, v := range arr {
		encoded, err := Devaluate(v, exp)
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return out, nil
}

func devaluateHook(h Hook, exp Exporter) (interface{}, error) {
	if isLocalHookKind(h) {
		id, err := exp.ExportStub(h)
		if err != nil {
			return nil, err
		}
		return []interface{}{"export", id}, nil
	}
	id, err := exp.GetImport(h)
	if err != nil {
		return nil, err
	}
	return []interface{}{"import", id}, nil
}

// isLocalHookKind classifies a hook as "local" (owns the underlying
// capability outright: LocalTargetHook, FunctionHook, or a PayloadStubHook
// wrapping already-resolved data) versus "remote" (every other hook type,
// e.g. importHook or MapVariableHook), which Devaluate references through
// GetImport. The classification depends on the hook's type alone. This is
// the Go rendering of the source's runtime type tag, done with a
// type switch instead of a discriminant field.
func isLocalHookKind(h Hook) bool {
	switch h.(type) {
	case *LocalTargetHook, *FunctionHook, *PayloadStubHook:
		return true
	default:
		return false
	}
}

// Evaluate renders an instruction tree back to a host value, per spec
// §4.1. Arrays are evaluated eagerly in element order (no laziness is
// needed since Targets in this port are synchronous).
func Evaluate(instr interface{}, imp Importer) (Payload, error) {
	switch v := instr.(type) {
	case nil:
		return NewPayload(nil), nil
	case bool, string, float64:
		return NewPayload(v), nil
	case map[string]interface{}:
		return evaluateObject(v, imp)
	case []interface{}:
		return evaluateTaggedOrArray(v, imp)
	default:
		return Payload{}, newProtocolError("cannot evaluate instruction of type %T", instr)
	}
}

func evaluateObject(obj map[string]interface{}, imp Importer) (Payload, error) {
	out := make(map[string]interface{}, len(obj))
	var hooks []Hook
	for k, v := range obj {
		p, err := Evaluate(v, imp)
		if err != nil {
			return Payload{}, err
		}
		if isForbiddenKey(k) || k == "toJSON" {
			// Drop but keep any hooks found inside so they are still
			// owned (and eventually disposed) by the resulting payload.
			hooks = append(hooks, p.Hooks...)
			continue
		}
		out[k] = p.Value
		hooks = append(hooks, p.Hooks...)
	}
	return Payload{Value: out, Hooks: hooks}, nil
}

func evaluateTaggedOrArray(arr []interface{}, imp Importer) (Payload, error) {
	if len(arr) > 0 {
		if tag, ok := arr[0].(string); ok {
			if p, handled, err := evaluateTagged(tag, arr, imp); handled {
				return p, err
			}
		}
	}
	out := make([]interface{}, len(arr))
	var hooks []Hook
	for i, elem := range arr {
		p, err := Evaluate(elem, imp)
		if err != nil {
			return Payload{}, err
		}
		out[i] = p.Value
		hooks = append(hooks, p.Hooks...)
	}
	return Payload{Value: out, Hooks: hooks}, nil
}

func evaluateTagged(tag string, arr []interface{}, imp Importer) (Payload, bool, error) {
	switch tag {
	case "undefined":
		return NewPayload(Undefined{}), true, nil
	case "inf":
		return NewPayload(math.Inf(1)), true, nil
	case "-inf":
		return NewPayload(math.Inf(-1)), true, nil
	case "nan":
		return NewPayload(math.NaN()), true, nil
	case "bigint":
		if len(arr) < 2 {
			return Payload{}, true, newProtocolError("bigint instruction missing value")
		}
		s, ok := arr[1].(string)
		if !ok {
			return Payload{}, true, newProtocolError("bigint instruction value must be a string")
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return Payload{}, true, newProtocolError("invalid bigint literal %q", s)
		}
		return NewPayload(n), true, nil
	case "date":
		if len(arr) < 2 {
			return Payload{}, true, newProtocolError("date instruction missing millis")
		}
		millis, ok := arr[1].(float64)
		if !ok {
			return Payload{}, true, newProtocolError("date instruction millis must be a number")
		}
		return NewPayload(time.UnixMilli(int64(millis)).UTC()), true, nil
	case "bytes":
		if len(arr) < 2 {
			return Payload{}, true, newProtocolError("bytes instruction missing data")
		}
		s, ok := arr[1].(string)
		if !ok {
			return Payload{}, true, newProtocolError("bytes instruction data must be a string")
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Payload{}, true, newProtocolError("invalid base64 in bytes instruction: %v", err)
		}
		return NewPayload(raw), true, nil
	case "error":
		if len(arr) < 3 {
			return Payload{}, true, newProtocolError("error instruction missing fields")
		}
		kindStr, _ := arr[1].(string)
		msg, _ := arr[2].(string)
		te := &TargetError{Kind: normalizeErrorKind(kindStr), Message: msg}
		if len(arr) >= 4 {
			te.Stack, _ = arr[3].(string)
		}
		return NewPayload(te), true, nil
	case "export":
		if len(arr) < 2 {
			return Payload{}, true, newProtocolError("export instruction missing id")
		}
		id, err := rawInstrID(arr[1])
		if err != nil {
			return Payload{}, true, err
		}
		h, err := imp.ImportStub(id)
		if err != nil {
			return Payload{}, true, err
		}
		return NewHookPayload(h), true, nil
	case "import":
		if len(arr) < 2 {
			return Payload{}, true, newProtocolError("import instruction missing id")
		}
		id, err := rawInstrID(arr[1])
		if err != nil {
			return Payload{}, true, err
		}
		h, err := imp.GetExport(id)
		if err != nil {
			return Payload{}, true, err
		}
		return NewHookPayload(h), true, nil
	case "pipeline":
		p, err := evaluatePipeline(arr, imp)
		return p, true, err
	default:
		return Payload{}, false, nil
	}
}

func rawInstrID(v interface{}) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, newProtocolError("instruction id must be a number, got %T", v)
	}
}

func evaluatePipeline(arr []interface{}, imp Importer) (Payload, error) {
	if len(arr) < 3 {
		return Payload{}, newProtocolError("pipeline instruction missing fields")
	}
	subjectRaw, err := rawInstrID(arr[1])
	if err != nil {
		return Payload{}, err
	}
	rawPath, ok := arr[2].([]interface{})
	if !ok {
		return Payload{}, newProtocolError("pipeline instruction path must be an array")
	}
	path, err := rawPathToPropertyPath(rawPath)
	if err != nil {
		return Payload{}, err
	}
	subject, err := imp.GetExport(subjectRaw)
	if err != nil {
		return Payload{}, err
	}
	if len(arr) < 4 {
		return NewHookPayload(subject.Get(path)), nil
	}
	argsPayload, err := Evaluate(arr[3], imp)
	if err != nil {
		subject.Dispose()
		return Payload{}, err
	}
	return NewHookPayload(subject.Call(path, argsPayload)), nil
}
