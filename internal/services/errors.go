package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnsupported  = errors.New("unsupported")
	ErrIO           = errors.New("i/o error")
	ErrExternalTool = errors.New("external tool error")
	ErrTransient    = errors.New("transient failure")
)

// Kind is a coarse failure classification used by the presentation layer.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUnsupported Kind = "unsupported"
	KindIO          Kind = "io"
	KindExternal    Kind = "external"
	KindInternal    Kind = "internal"
)

// conflictError carries both the conflict and validation markers so callers
// that only distinguish validation from everything else still classify
// collisions correctly.
type conflictError struct {
	err error
}

func (e *conflictError) Error() string { return e.err.Error() }

func (e *conflictError) Unwrap() []error { return []error{e.err, ErrValidation} }

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	var wrapped error
	if err != nil {
		wrapped = fmt.Errorf("%w: %s: %w", marker, detail, err)
	} else {
		wrapped = fmt.Errorf("%w: %s", marker, detail)
	}
	if marker == ErrConflict {
		return &conflictError{err: wrapped}
	}
	return wrapped
}

// Classify maps an error to its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrExternalTool):
		return KindExternal
	default:
		return KindInternal
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
