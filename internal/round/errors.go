package round

import "fmt"

// RejectionKind tags every way a core operation can fail without crashing
// anything. Replacing exception-based control flow (the source material's
// idiom) with an explicit, switchable result type is one of this spec's
// required redesigns (§9).
type RejectionKind int

const (
	_ RejectionKind = iota
	InvalidRequest
	InputDisallowed
	InsufficientFunds
	InvalidProof
	PhaseMismatch
	NotFound
	Transient
	Fatal
)

func (k RejectionKind) String() string {
	switch k {
	case InvalidRequest:
		return "invalid_request"
	case InputDisallowed:
		return "input_disallowed"
	case InsufficientFunds:
		return "insufficient_funds"
	case InvalidProof:
		return "invalid_proof"
	case PhaseMismatch:
		return "phase_mismatch"
	case NotFound:
		return "not_found"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the tagged rejection every public Round/Coordinator operation
// returns instead of a bare error. Callers match on Kind rather than
// string-sniffing a message.
type Error struct {
	Kind    RejectionKind
	Message string
	Detail  map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a tagged rejection, optionally carrying structured
// detail (e.g. the numeric shortfall for InsufficientFunds).
func NewError(kind RejectionKind, message string, detail map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail}
}

func newErrf(kind RejectionKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
