package core

import (
	"fmt"
	"strings"

	"metaindex/pkg/domain"
)

// WriteFailureError reports documents whose writes still failed after the
// caller exhausted its retry rounds.
type WriteFailureError struct {
	Errors    map[domain.DocumentCoordinates]int
	Conflicts map[domain.DocumentCoordinates]int
}

func (e *WriteFailureError) Error() string {
	return fmt.Sprintf("failed to index documents. Failures: %d, conflicts: %d", len(e.Errors), len(e.Conflicts))
}

// EventualConsistencyError reports that the contributions read back from the
// index do not cover what the tallies promise.
type EventualConsistencyError struct {
	Reason   string
	Expected domain.Tallies
	Actual   domain.Tallies
}

func (e *EventualConsistencyError) Error() string {
	return "could not find all expected contributions: " + e.Reason
}

// ErrNoTransformer is returned when no installed plugin handles an entity type.
type ErrNoTransformer struct {
	EntityType domain.EntityType
}

func (e ErrNoTransformer) Error() string {
	return fmt.Sprintf("no transformer registered for entity type %s", e.EntityType)
}

func describeMismatch(missing, unexpected []domain.EntityReference) string {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %s", joinRefs(missing)))
	}
	if len(unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected %s", joinRefs(unexpected)))
	}
	return strings.Join(parts, "; ")
}

func joinRefs(refs []domain.EntityReference) string {
	s := make([]string, len(refs))
	for i, r := range refs {
		s[i] = r.String()
	}
	return strings.Join(s, ", ")
}
