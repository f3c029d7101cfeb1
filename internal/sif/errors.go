package sif

import (
	"errors"
	"fmt"
	"strings"

	"sifworks.org/internal/ids"
)

// Kind classifies a failure. Every Kind is itself an error so callers can
// test with errors.Is(err, sif.ErrNotFound) regardless of wrapping.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	ErrAlreadyExists             Kind = "already exists"
	ErrNotFound                  Kind = "not found"
	ErrInvalidArgument           Kind = "invalid argument"
	ErrRejected                  Kind = "rejected"
	ErrInvalidAuthorisationToken Kind = "invalid authorisation token"
	ErrInvalidSession            Kind = "invalid session"
	ErrInvalidRequest            Kind = "invalid request"
	ErrCreate                    Kind = "create failed"
	ErrUpdate                    Kind = "update failed"
	ErrDelete                    Kind = "delete failed"
)

// Error is the error type surfaced by the provider core. Reference is a
// unique token prefixed to the message so a client-visible failure can be
// matched with the server log line that reported it.
type Error struct {
	Kind      Kind
	Reference string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Reference)
	b.WriteString("] ")
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's own Kind; wrapped causes are matched through Unwrap.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// Errorf builds an *Error of the given kind with a fresh reference.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reference: ids.New(), Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and context to cause. The reference of an inner *Error
// is reused so one failure keeps one reference end to end.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	ref := ""
	var inner *Error
	if errors.As(cause, &inner) {
		ref = inner.Reference
	}
	if ref == "" {
		ref = ids.New()
	}
	return &Error{Kind: kind, Reference: ref, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the most specific kind found in err's chain. A wrapping
// lifecycle kind (create/update/delete) gives way to a more precise inner one.
func KindOf(err error) (Kind, bool) {
	var found Kind
	walk(err, func(k Kind) bool {
		if found == "" || isLifecycle(found) {
			found = k
		}
		return !isLifecycle(found)
	})
	return found, found != ""
}

// walk visits kinds depth first, outermost first, until visit returns true.
func walk(err error, visit func(Kind) bool) bool {
	if err == nil {
		return false
	}
	switch e := err.(type) {
	case *Error:
		if visit(e.Kind) {
			return true
		}
	case Kind:
		if visit(e) {
			return true
		}
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if walk(inner, visit) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return walk(u.Unwrap(), visit)
	}
	return false
}

// ReferenceOf returns the reference carried by err, if any.
func ReferenceOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reference
	}
	return ""
}

func isLifecycle(k Kind) bool {
	return k == ErrCreate || k == ErrUpdate || k == ErrDelete
}
