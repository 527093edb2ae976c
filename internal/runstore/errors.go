package runstore

import "fmt"

// ConflictError indicates another run already holds processing status for a
// subject key. Callers should back off rather than retry immediately.
type ConflictError struct {
	SubjectKey string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("a run for subject %q is already processing", e.SubjectKey)
}

// NotFoundError indicates the requested run, subject, or stage does not exist.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}
