package pipeline

import (
	"errors"
	"fmt"
)

// StructureNotFoundError reports that a required structural marker (a visit
// header row, a named section) could not be located in the input document.
// It is fatal to the stage that raises it.
type StructureNotFoundError struct {
	Stage   string
	Section string
}

func (e *StructureNotFoundError) Error() string {
	return fmt.Sprintf("%s: required structure not found in %q", e.Stage, e.Section)
}

// ConfigurationError reports a missing or semantically invalid configuration
// key. It is raised before any row processing starts and is fatal.
type ConfigurationError struct {
	Stage  string
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: config %s: %s", e.Stage, e.Key, e.Reason)
}

// StageError wraps a stage-fatal failure with the name of the stage that
// produced it, so callers can surface the failing stage without re-running.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// StageNameFromError returns the stage a pipeline error originated from, or
// "pipeline" when the error carries no stage context.
func StageNameFromError(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	var sn *StructureNotFoundError
	if errors.As(err, &sn) {
		return sn.Stage
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce.Stage
	}
	return "pipeline"
}

// IsStructureNotFound reports whether err is (or wraps) a
// StructureNotFoundError.
func IsStructureNotFound(err error) bool {
	var sn *StructureNotFoundError
	return errors.As(err, &sn)
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
