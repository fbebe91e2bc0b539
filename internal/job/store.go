package job

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a transition is requested from the wrong state.
	ErrConflict = errors.New("job state conflict")
)

// ListFilter narrows List. A zero Status lists every job.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// Store persists and retrieves jobs.
type Store interface {
	Create(ctx context.Context, j *Job) error
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (*Job, error)
	// List returns a page of jobs, most recent first, plus the total matching count.
	List(ctx context.Context, f ListFilter) ([]*Job, int, error)

	// Transitions. Each asserts the prior state and returns ErrConflict otherwise.
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, summary string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	UpdateProgress(ctx context.Context, id string, processed, total int) error

	// ListIDsByStatus returns ids oldest first, at most limit (0 = no limit).
	ListIDsByStatus(ctx context.Context, status Status, limit int) ([]string, error)
	Counts(ctx context.Context) (map[Status]int, error)
}
