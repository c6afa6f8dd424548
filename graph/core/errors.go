package core

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrContract matches every *ContractError.
	ErrContract = errors.New("core: contract error")
	// ErrUnresolvableType matches every *UnresolvableTypeError.
	ErrUnresolvableType = errors.New("core: unresolvable type")
	// ErrDanglingReference matches every *DanglingReferenceError.
	ErrDanglingReference = errors.New("core: dangling reference")
	// ErrMalformedInput matches every *MalformedInputError.
	ErrMalformedInput = errors.New("core: malformed input")
	// ErrIncompatibleType matches every *IncompatibleTypeError.
	ErrIncompatibleType = errors.New("core: incompatible type")

	// ErrNilTarget is returned when a decode target is not a non-nil pointer.
	ErrNilTarget = errors.New("core: target must be a non-nil pointer")
)

// ContractError reports a type that cannot be classified or whose members conflict.
type ContractError struct {
	Type   reflect.Type
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("core: contract for %s: %s", typeString(e.Type), e.Reason)
}

func (e *ContractError) Is(target error) bool { return target == ErrContract }

// UnresolvableTypeError reports a discriminator naming an unknown type, or an
// abstract target that arrived without one.
type UnresolvableTypeError struct {
	Path     string
	TypeName string
	Target   reflect.Type
}

func (e *UnresolvableTypeError) Error() string {
	if e.TypeName == "" {
		return fmt.Sprintf("core: %s: no type discriminator for abstract type %s", e.Path, typeString(e.Target))
	}
	return fmt.Sprintf("core: %s: unknown type name %q", e.Path, e.TypeName)
}

func (e *UnresolvableTypeError) Is(target error) bool { return target == ErrUnresolvableType }

// DanglingReferenceError reports a $ref naming an id that was never registered.
type DanglingReferenceError struct {
	Path string
	ID   string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("core: %s: reference to unknown id %q", e.Path, e.ID)
}

func (e *DanglingReferenceError) Is(target error) bool { return target == ErrDanglingReference }

// MalformedInputError reports a token stream that violates the expected grammar.
type MalformedInputError struct {
	Path   string
	Reason string
	cause  error
}

func (e *MalformedInputError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("core: %s: %s: %v", e.Path, e.Reason, e.cause)
	}
	return fmt.Sprintf("core: %s: %s", e.Path, e.Reason)
}

func (e *MalformedInputError) Is(target error) bool { return target == ErrMalformedInput }

func (e *MalformedInputError) Unwrap() error { return e.cause }

// IncompatibleTypeError reports a value that cannot be stored in (or written
// from) the requested type.
type IncompatibleTypeError struct {
	Path   string
	Type   reflect.Type
	Reason string
	cause  error
}

func (e *IncompatibleTypeError) Error() string {
	msg := fmt.Sprintf("core: %s: %s (%s)", e.Path, e.Reason, typeString(e.Type))
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *IncompatibleTypeError) Is(target error) bool { return target == ErrIncompatibleType }

func (e *IncompatibleTypeError) Unwrap() error { return e.cause }

// ErrorContext describes a failure at one object member.
type ErrorContext struct {
	// Path is the document path of the failing member, e.g. "$.children[1].name".
	Path string
	// Member is the serialized member name.
	Member string
	// Owner is the type declaring the member.
	Owner reflect.Type
	// Reading is true during deserialization.
	Reading bool
	Err     error
}

// ErrorHandler decides whether a member error is treated as handled (the member
// becomes null and processing continues) or propagated to the caller.
type ErrorHandler func(ec *ErrorContext) bool

// recoverable reports whether the error hook may be consulted for err.
func recoverable(err error) bool {
	return !errors.Is(err, ErrDanglingReference) && !errors.Is(err, ErrContract)
}

func typeString(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
