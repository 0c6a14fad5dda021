// Package herrors provides the typed error taxonomy for the plugin host.
//
// Each kind below is a distinct Go type satisfying the error interface, so
// callers branch on it with errors.As instead of matching a string code.
// This follows the shape of the platform's original AppError (a code, a
// message, optional details) but drops the HTTP-status-code concern, which
// has no meaning outside an API layer, and adds the structured per-kind
// fields the host needs to inspect programmatically.
package herrors

import (
	"fmt"
	"strings"
)

// MetadataError reports a manifest that is missing or unreadable.
type MetadataError struct {
	Bundle string
	Reason string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata error for %s: %s", e.Bundle, e.Reason)
}

// LoadError reports a namespace or entry-instantiation failure.
type LoadError struct {
	Bundle string
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load error for %s: %s", e.Bundle, e.Reason)
}

// NotFound reports that a named plugin is not registered.
type NotFound struct {
	Name string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("plugin not found: %s", e.Name)
}

// AlreadyRegistered reports a duplicate registration attempt.
type AlreadyRegistered struct {
	Name string
}

func (e *AlreadyRegistered) Error() string {
	return fmt.Sprintf("plugin already registered: %s", e.Name)
}

// InvalidTransition reports a state-machine violation.
type InvalidTransition struct {
	Name string
	From string
	To   string
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Name, e.From, e.To)
}

// MissingDependency reports an unmet dependency during resolution.
type MissingDependency struct {
	Plugin string
	Dep    string
}

func (e *MissingDependency) Error() string {
	return fmt.Sprintf("plugin %s requires missing dependency %s", e.Plugin, e.Dep)
}

// CircularDependency reports a cycle in the dependency graph.
type CircularDependency struct {
	CyclePath []string
}

func (e *CircularDependency) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.CyclePath, " -> "))
}

// Operation identifies the lifecycle operation in an OperationFailed error.
type Operation string

const (
	OpLoad    Operation = "LOAD"
	OpEnable  Operation = "ENABLE"
	OpDisable Operation = "DISABLE"
	OpReload  Operation = "RELOAD"
	OpUnload  Operation = "UNLOAD"
)

// OperationFailed wraps a failed lifecycle operation.
type OperationFailed struct {
	Op    Operation
	Name  string
	Cause error
}

func (e *OperationFailed) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Name, e.Cause)
}

func (e *OperationFailed) Unwrap() error {
	return e.Cause
}

// UpdateError is surfaced inside an update result rather than returned
// directly; the batch continues past it.
type UpdateError struct {
	Name   string
	Stage  string
	Reason string
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update error for %s at %s: %s", e.Name, e.Stage, e.Reason)
}

// StateError reports a hot-reload snapshot capture/restore failure.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error: %s", e.Reason)
}
