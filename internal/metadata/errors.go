package metadata

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownType is matched by every UnknownTypeError
	ErrUnknownType = errors.New("unknown metadata type")

	// ErrCyclicTypeDependency is matched by every CycleError
	ErrCyclicTypeDependency = errors.New("cyclic type dependency")

	// ErrNotFoundInCache is matched by every NotFoundInCacheError
	ErrNotFoundInCache = errors.New("not found in cache")

	// ErrMissingTemplateVariable is matched by every MissingTemplateVariableError
	ErrMissingTemplateVariable = errors.New("missing template variable")

	// ErrValidationFailed is matched by every ValidationError
	ErrValidationFailed = errors.New("validation failed")

	// ErrTransport is matched by every TransportError
	ErrTransport = errors.New("transport failure")

	// ErrDependencyFailed is matched by every DependencyFailedError
	ErrDependencyFailed = errors.New("dependency failed")
)

// UnknownTypeError is returned when a type name is not in the catalog
type UnknownTypeError struct {
	TypeName string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown metadata type %q", e.TypeName)
}

func (e *UnknownTypeError) Is(target error) bool { return target == ErrUnknownType }

// CycleError reports a declared-dependency cycle between types. It is a
// catalog authoring bug and aborts the whole operation.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cyclic type dependency: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Is(target error) bool { return target == ErrCyclicTypeDependency }

// TransportError wraps a failure talking to the remote platform for one type
type TransportError struct {
	TypeName string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.TypeName, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// NotFoundInCacheError is returned when a cache lookup matches nothing.
// Callers treat it as recoverable.
type NotFoundInCacheError struct {
	TypeName    string
	SearchField string
	SearchValue string
	Tenant      string
}

func (e *NotFoundInCacheError) Error() string {
	return fmt.Sprintf("%s with %s=%q not found in cache of tenant %s",
		e.TypeName, e.SearchField, e.SearchValue, e.Tenant)
}

func (e *NotFoundInCacheError) Is(target error) bool { return target == ErrNotFoundInCache }

// IsNotFoundInCache checks if an error is a cache miss
func IsNotFoundInCache(err error) bool {
	return errors.Is(err, ErrNotFoundInCache)
}

// MissingTemplateVariableError names a placeholder that has no value
type MissingTemplateVariableError struct {
	TypeName    string
	Key         string
	Placeholder string
}

func (e *MissingTemplateVariableError) Error() string {
	return fmt.Sprintf("%s %q: template variable {{%s}} is not defined", e.TypeName, e.Key, e.Placeholder)
}

func (e *MissingTemplateVariableError) Is(target error) bool {
	return target == ErrMissingTemplateVariable
}

// ValidationError reports a rule that failed without a fix
type ValidationError struct {
	TypeName string
	Key      string
	Rule     string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q failed rule %s: %s", e.TypeName, e.Key, e.Rule, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

// DependencyFailedError marks a type skipped because a type it depends on failed
type DependencyFailedError struct {
	TypeName   string
	Dependency string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("%s skipped: dependency %s failed", e.TypeName, e.Dependency)
}

func (e *DependencyFailedError) Is(target error) bool { return target == ErrDependencyFailed }
