package firmware

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies failures attached to an activation attempt or a registry request.
type Kind string

const (
	KindGateRejected           Kind = "GateRejected"
	KindSignatureInvalid       Kind = "SignatureInvalid"
	KindWriteFailed            Kind = "WriteFailed"
	KindDeleteRefused          Kind = "DeleteRefused"
	KindPersistenceUnavailable Kind = "PersistenceUnavailable"
)

// Parameter names carried by a GateRejected error.
const (
	ParamMinVersion     = "MIN_VERSION"
	ParamActualVersion  = "ACTUAL_VERSION"
	ParamVersionPurpose = "VERSION_PURPOSE"
	ParamVersionID      = "VERSION_ID"
	ParamReason         = "REASON"
)

var (
	ErrUnknownVersion    = errors.New("unknown version")
	ErrNotAllowed        = errors.New("operation not allowed")
	ErrNoPriority        = errors.New("version has no redundancy priority")
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// Error is the structured error record attached to a failed attempt.
type Error struct {
	Kind   Kind              `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
	Err    error             `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if len(e.Params) > 0 {
		keys := make([]string, 0, len(e.Params))
		for k := range e.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Params[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil && len(t.Params) == 0
}

func NewError(kind Kind, err error, params map[string]string) *Error {
	return &Error{Kind: kind, Params: params, Err: err}
}

// Rejected reports a candidate below the minimum ship level.
func Rejected(baseline, actual string, purpose Purpose) *Error {
	return &Error{
		Kind: KindGateRejected,
		Params: map[string]string{
			ParamMinVersion:     baseline,
			ParamActualVersion:  actual,
			ParamVersionPurpose: purpose.String(),
		},
	}
}

func DeleteRefused(id, reason string) *Error {
	return &Error{
		Kind: KindDeleteRefused,
		Params: map[string]string{
			ParamVersionID: id,
			ParamReason:    reason,
		},
	}
}

func WriteFailed(id string, err error) *Error {
	return &Error{
		Kind:   KindWriteFailed,
		Params: map[string]string{ParamVersionID: id},
		Err:    err,
	}
}

func SignatureInvalid(id string, err error) *Error {
	return &Error{
		Kind:   KindSignatureInvalid,
		Params: map[string]string{ParamVersionID: id},
		Err:    err,
	}
}

func PersistenceUnavailable(err error) *Error {
	return &Error{Kind: KindPersistenceUnavailable, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
