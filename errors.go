package mapweb

import "fmt"

// ErrorKind is the fixed vocabulary of error kinds carried across the wire
// in an ["error", kind, message, stack?] instruction. Unknown kinds decode
// to ErrorKindGeneric.
type ErrorKind string

const (
	ErrorKindGeneric   ErrorKind = "generic"
	ErrorKindEval      ErrorKind = "eval"
	ErrorKindRange     ErrorKind = "range"
	ErrorKindReference ErrorKind = "reference"
	ErrorKindSyntax    ErrorKind = "syntax"
	ErrorKindType      ErrorKind = "type"
	ErrorKindURI       ErrorKind = "uri"
	ErrorKindAggregate ErrorKind = "aggregate"
)

func normalizeErrorKind(kind string) ErrorKind {
	switch ErrorKind(kind) {
	case ErrorKindEval, ErrorKindRange, ErrorKindReference, ErrorKindSyntax, ErrorKindType, ErrorKindURI, ErrorKindAggregate:
		return ErrorKind(kind)
	default:
		return ErrorKindGeneric
	}
}

// ProtocolError is a malformed-frame or table-invariant violation. It is
// always fatal: the session that observes one aborts.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

func newProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// MapMisuseError surfaces synchronously to the caller of Hook.Map when the
// recorded callback does something the instruction protocol cannot express:
// constructing a local target, suspending, or touching the placeholder
// outside an active recording.
type MapMisuseError struct {
	Reason string
}

func (e *MapMisuseError) Error() string { return "map misuse: " + e.Reason }

func newMapMisuseError(reason string) *MapMisuseError {
	return &MapMisuseError{Reason: reason}
}

// PathError is raised when a decoded path element collides with a
// forbidden key, surfaced on the pull that exposes the offending value.
type PathError struct {
	Key string
}

func (e *PathError) Error() string { return "forbidden path element: " + e.Key }

// TargetError wraps a user Target's returned error for transmission as
// ["error", kind, message, stack?] and as the rejection reason of the
// corresponding import.
type TargetError struct {
	Kind    ErrorKind
	Message string
	Stack   string
}

func (e *TargetError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("%s: %s\n%s", e.Kind, e.Message, e.Stack)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newTargetError(err error) *TargetError {
	if te, ok := err.(*TargetError); ok {
		return te
	}
	return &TargetError{Kind: ErrorKindGeneric, Message: err.Error()}
}

// CapabilityBroken is delivered to the OnBroken handlers and pending Pulls
// of a session's import hooks when the session tears down after a transport
// closure or a peer abort. Best-effort, one-shot. Disposing the hook of a
// pending pull does not deliver it.
type CapabilityBroken struct {
	Reason string
}

func (e *CapabilityBroken) Error() string { return "capability broken: " + e.Reason }
