package mapweb

// Payload is an owned value plus the set of hooks discovered inside it.
// The payload owns those hooks: Dispose releases all of them. Payloads are
// deep-copyable; copying duplicates (Dup) every interior hook so the two
// payloads can be disposed independently.
type Payload struct {
	Value interface{}
	Hooks []Hook
}

// NewPayload wraps a plain value with no interior hooks.
func NewPayload(value interface{}) Payload {
	return Payload{Value: value}
}

// NewHookPayload wraps a single hook as the payload's entire value.
func NewHookPayload(h Hook) Payload {
	return Payload{Value: h, Hooks: []Hook{h}}
}

// Dispose releases every hook the payload owns. Idempotent only insofar as
// the caller calls it exactly once, per the one-owner invariant.
func (p Payload) Dispose() {
	for _, h := range p.Hooks {
		h.Dispose()
	}
}

// DeepCopy produces an independent payload: the value tree is copied and
// every interior hook is Dup'd so disposing one copy never affects the
// other. Dup'ing happens once per hook, keyed by identity, so a hook that
// appears both in Hooks and directly as Value (as NewHookPayload sets up)
// gets a single dup shared by both positions, not a second untracked one.
func (p Payload) DeepCopy() Payload {
	dupped := make([]Hook, len(p.Hooks))
	dups := make(map[Hook]Hook, len(p.Hooks))
	for i, h := range p.Hooks {
		d, ok := dups[h]
		if !ok {
			d = h.Dup()
			dups[h] = d
		}
		dupped[i] = d
	}
	return Payload{Value: deepCopyValue(p.Value, dups), Hooks: dupped}
}

func deepCopyValue(v interface{}, dups map[Hook]Hook) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val, dups)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val, dups)
		}
		return out
	case Hook:
		if d, ok := dups[t]; ok {
			return d
		}
		return t
	default:
		return v
	}
}
