package bpm

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceNotFound is returned when no registry row exists for an
	// engine instance id.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrConfigNotFound signals that no process or task configuration
	// matches a record type or node. Callers treat it as "nothing to do".
	ErrConfigNotFound = errors.New("workflow configuration not found")
)

// ValidationError is a hard failure of a node transition, such as a missing
// mandatory decision output.
type ValidationError struct {
	Node    string
	Missing string
}

func (e *ValidationError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("no result from decision %q: missing output %q", e.Node, e.Missing)
	}

	return fmt.Sprintf("no result from decision %q", e.Node)
}

// ScriptError wraps a failed user-authored script or expression. Script
// failures surface to the caller but are kept out of asynchronous error
// reporting, since they are configuration bugs rather than engine faults.
type ScriptError struct {
	Code string
	Err  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %q failed: %v", e.Code, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// StateError reports an operation attempted against an instance in the
// wrong lifecycle state, e.g. restarting an inactive process. The message
// is user-facing.
type StateError struct {
	Message string
}

func (e *StateError) Error() string {
	return e.Message
}

// SideEffectError wraps a failed node side effect (notification, user-task
// creation). It is logged and never aborts node processing.
type SideEffectError struct {
	Effect string
	Err    error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("side effect %s failed: %v", e.Effect, e.Err)
}

func (e *SideEffectError) Unwrap() error {
	return e.Err
}

// IntegrationError wraps an engine call failure. It is propagated to the
// caller after asynchronous error reporting.
type IntegrationError struct {
	Op  string
	Err error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}
