package dedup

import (
	"errors"
	"fmt"
)

// ErrGroupNotFound is returned by stores when no duplicate record belongs to a group
var ErrGroupNotFound = errors.New("duplicate group not found")

// ErrConflict is returned by stores when a concurrent write invalidated a group update
var ErrConflict = errors.New("duplicate group changed during resolution")

// ErrAlreadyResolved is returned by stores when every record of a group is already resolved
var ErrAlreadyResolved = errors.New("duplicate group already resolved")

// ConfigurationError reports a malformed rule definition
type ConfigurationError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("invalid rule configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid rule configuration %s: %s: %s", e.RuleID, e.Field, e.Reason)
}

// DetectionFailure reports that a single strategy could not produce candidates
type DetectionFailure struct {
	Strategy   Strategy
	RuleID     string
	DocumentID string
	Err        error
}

func (e *DetectionFailure) Error() string {
	return fmt.Sprintf("%s detection failed for document %s (rule %s): %v", e.Strategy, e.DocumentID, e.RuleID, e.Err)
}

func (e *DetectionFailure) Unwrap() error { return e.Err }

// AggregationFailure reports that candidates could not be persisted. The job can be retried.
type AggregationFailure struct {
	DocumentID string
	Err        error
}

func (e *AggregationFailure) Error() string {
	return fmt.Sprintf("persisting duplicates for document %s: %v", e.DocumentID, e.Err)
}

func (e *AggregationFailure) Unwrap() error { return e.Err }

// ResolutionFailure reports that a group could not be resolved. Nothing was changed.
type ResolutionFailure struct {
	GroupID string
	Err     error
}

func (e *ResolutionFailure) Error() string {
	return fmt.Sprintf("resolving duplicate group %s: %v", e.GroupID, e.Err)
}

func (e *ResolutionFailure) Unwrap() error { return e.Err }
