package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies why a unit of work failed.
type Kind string

// Unit failure kinds.
const (
	KindDecode     Kind = "decode"
	KindValidation Kind = "validation"
	KindBackend    Kind = "backend"
	KindPublish    Kind = "publish"
	KindPanic      Kind = "panic"
)

// ErrDeliveriesClosed is returned by Consume when the broker closes the
// delivery channel. The process cannot recover from it.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// UnitError is the tagged result of a failed unit.
type UnitError struct {
	Kind Kind
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Fail wraps err with kind. It returns nil for a nil err.
func Fail(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &UnitError{Kind: kind, Err: err}
}

// KindOf returns the kind of err, or KindBackend for untagged errors.
func KindOf(err error) Kind {
	var ue *UnitError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindBackend
}
