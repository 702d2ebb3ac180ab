// Package ferr defines the error taxonomy shared by every fleetd
// component. Every exported error kind below is returned, never a bare
// fmt.Errorf, so callers across package boundaries can branch on kind
// with errors.As instead of string matching.
package ferr

import "fmt"

// Kind is a closed set of error categories. Adding a new kind means
// touching this file and the places that switch on Kind.
type Kind string

const (
	KindConfigInvalid      Kind = "ConfigInvalid"
	KindIdInvalid           Kind = "IdInvalid"
	KindAddressInvalid      Kind = "AddressInvalid"
	KindNoAddressSpace      Kind = "NoAddressSpace"
	KindInvalidTransition   Kind = "InvalidTransition"
	KindQuotaExceeded       Kind = "QuotaExceeded"
	KindVmmApi              Kind = "VmmApi"
	KindSnapshotIncompat    Kind = "SnapshotIncompat"
	KindGuestChannel        Kind = "GuestChannel"
	KindNetwork             Kind = "Network"
	KindIo                  Kind = "Io"
	KindCrypto              Kind = "Crypto"
	KindAuth                Kind = "Auth"
)

// Error is the concrete type every fleetd package returns for
// taxonomy-classified failures. Detail carries kind-specific structured
// fields (From/To, Dimension, Status, Op) so callers needn't parse
// messages.
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, ferr.KindKind-style sentinels) by comparing
// Kind whenever the target is also an *Error; the target's Message and
// Cause are ignored.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func WithDetail(kind Kind, msg string, detail map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Detail: detail}
}

// InvalidTransition builds the §4.8 structured transition error.
func InvalidTransition(from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("invalid transition %s -> %s", from, to),
		Detail:  map[string]any{"from": from, "to": to},
	}
}

// QuotaExceeded builds the §4.10 structured quota error naming the
// first dimension that would be exceeded.
func QuotaExceeded(dimension string, limit, used, requested int64) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Message: fmt.Sprintf("quota exceeded on dimension %q", dimension),
		Detail: map[string]any{
			"dimension": dimension,
			"limit":     limit,
			"used":      used,
			"requested": requested,
		},
	}
}

// Of reports whether err's Kind matches k, unwrapping through the chain.
func Of(err error, k Kind) bool {
	var fe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e
			if fe.Kind == k {
				return true
			}
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}
