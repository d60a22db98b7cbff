// Package errs defines the error taxonomy shared by every billing domain.
//
// Each domain declares its sentinels with one of the kind constructors
// (Validation, InvalidState, ...). Callers check either the exact sentinel
// or the kind:
//
//	errors.Is(err, invoicedomain.ErrInvoiceNotDraft) // exact code
//	errors.Is(err, errs.ErrInvalidState)             // any invalid state
package errs

import (
	"errors"
	"strings"
)

type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindInvalidState        Kind = "invalid_state"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindOverpayment         Kind = "overpayment"
	KindDependency          Kind = "dependency_error"
)

// Error is a classified domain error. Entity, ID and Transition are optional
// context attached with With* helpers; they never affect errors.Is matching.
type Error struct {
	Kind       Kind
	Code       string
	Entity     string
	ID         string
	Transition string
	Err        error
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrOverpayment         = &Error{Kind: KindOverpayment}
	ErrDependency          = &Error{Kind: KindDependency}
)

func Validation(code string) *Error   { return &Error{Kind: KindValidation, Code: code} }
func InvalidState(code string) *Error { return &Error{Kind: KindInvalidState, Code: code} }
func NotFound(code string) *Error     { return &Error{Kind: KindNotFound, Code: code} }
func Conflict(code string) *Error     { return &Error{Kind: KindConflict, Code: code} }
func InsufficientBalance(code string) *Error {
	return &Error{Kind: KindInsufficientBalance, Code: code}
}
func Overpayment(code string) *Error { return &Error{Kind: KindOverpayment, Code: code} }
func Dependency(code string) *Error  { return &Error{Kind: KindDependency, Code: code} }

func (e *Error) Error() string {
	var b strings.Builder
	if e.Code != "" {
		b.WriteString(e.Code)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Entity != "" {
		b.WriteString(" (")
		b.WriteString(e.Entity)
		if e.ID != "" {
			b.WriteString(" ")
			b.WriteString(e.ID)
		}
		if e.Transition != "" {
			b.WriteString(", ")
			b.WriteString(e.Transition)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, and on code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func (e *Error) clone() *Error {
	cp := *e
	return &cp
}

// WithEntity returns a copy annotated with the entity type and identifier.
func (e *Error) WithEntity(entity, id string) *Error {
	cp := e.clone()
	cp.Entity = entity
	cp.ID = id
	return cp
}

// WithTransition returns a copy annotated with the attempted transition,
// e.g. "FINALIZED->VOID".
func (e *Error) WithTransition(from, to string) *Error {
	cp := e.clone()
	cp.Transition = from + "->" + to
	return cp
}

// Wrap returns a copy that carries cause as its underlying error.
func (e *Error) Wrap(cause error) *Error {
	cp := e.clone()
	cp.Err = cause
	return cp
}

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind, true
	}
	return "", false
}

// CodeOf reports the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		if e.Code != "" {
			return e.Code
		}
		return string(e.Kind)
	}
	return ""
}
