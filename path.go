package mapweb

import "fmt"

// PropertyPath is an ordered sequence of string or non-negative int
// elements. An empty path denotes the root.
type PropertyPath []interface{}

// forbiddenKeys collects the root-object prototype members (and toJSON,
// which would otherwise let a peer smuggle custom serialization behavior
// into a decoded object) that may never survive decoding as an object key.
var forbiddenKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
	"toJSON":      true,
}

func isForbiddenKey(key string) bool {
	return forbiddenKeys[key]
}

// Append returns a new path with elem appended, never mutating the
// receiver's backing array.
func (p PropertyPath) Append(elem interface{}) PropertyPath {
	out := make(PropertyPath, len(p)+1)
	copy(out, p)
	out[len(p)] = elem
	return out
}

func (p PropertyPath) String() string {
	s := ""
	for _, e := range p {
		switch v := e.(type) {
		case string:
			s += fmt.Sprintf(".%s", v)
		default:
			s += fmt.Sprintf("[%v]", v)
		}
	}
	return s
}

// rawPathToPropertyPath converts a decoded []interface{} (string | float64 elements, as
// produced by encoding/json) into a PropertyPath, rejecting forbidden keys
// and non-negative-int violations.
func rawPathToPropertyPath(raw []interface{}) (PropertyPath, error) {
	out := make(PropertyPath, 0, len(raw))
	for _, elem := range raw {
		switch v := elem.(type) {
		case string:
			if isForbiddenKey(v) {
				return nil, &PathError{Key: v}
			}
			out = append(out, v)
		case float64:
			if v < 0 {
				return nil, newProtocolError("negative path index %v", v)
			}
			out = append(out, int(v))
		default:
			return nil, newProtocolError("invalid path element type %T", elem)
		}
	}
	return out, nil
}
