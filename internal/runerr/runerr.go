// Package runerr carries the failure class of a pipeline error so retry and
// cache decisions are made on a typed result instead of broad catches.
package runerr

import (
	"errors"
	"fmt"

	"extracthub/internal/model"
)

// Class partitions run failures by how the pipeline reacts to them.
type Class int

const (
	// Transient failures consume a retry slot and may be re-run.
	Transient Class = iota
	// Fatal failures end the run without a retry.
	Fatal
	// CachedFallbackUsed marks a fetch failure that was recovered from
	// cache; the run proceeds and the failure is logged as a warning.
	CachedFallbackUsed
	// Admission marks a run turned away by the resource floor check. It
	// consumes a retry slot but reschedules on its own delay.
	Admission
)

// RunError is a pipeline failure tagged with its class and the subsystem it
// came from.
type RunError struct {
	Class  Class
	Source model.LogSource
	Err    error
}

func (e *RunError) Error() string {
	return e.Err.Error()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func New(class Class, source model.LogSource, format string, args ...any) *RunError {
	return &RunError{Class: class, Source: source, Err: fmt.Errorf(format, args...)}
}

func Wrap(class Class, source model.LogSource, err error) *RunError {
	return &RunError{Class: class, Source: source, Err: err}
}

// ClassOf returns the failure class of err, defaulting to Transient so
// unclassified errors stay eligible for retry.
func ClassOf(err error) Class {
	var re *RunError
	if errors.As(err, &re) {
		return re.Class
	}
	return Transient
}

// SourceOf returns the subsystem tag of err, defaulting to the runner.
func SourceOf(err error) model.LogSource {
	var re *RunError
	if errors.As(err, &re) {
		return re.Source
	}
	return model.LogRunner
}
