package job

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus accepts one of the four status names.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", errors.Newf("unknown job status %q", s)
}

// Kind is the closed set of work a Job can describe.
type Kind string

const (
	KindImageRefresh   Kind = "image_refresh"
	KindLinkValidation Kind = "link_validation"
	KindFullSync       Kind = "full_sync"
)

// ParseKind rejects anything outside the closed set.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindImageRefresh, KindLinkValidation, KindFullSync:
		return k, nil
	}
	return "", errors.Newf("unknown job type %q", s)
}

// Spec is what a Job does. Build one with ImageRefresh, LinkValidation or FullSync.
type Spec struct {
	Kind      Kind
	ProductID string
}

func ImageRefresh(productID string) Spec {
	return Spec{Kind: KindImageRefresh, ProductID: productID}
}

// LinkValidation with an empty productID sweeps the whole catalog.
func LinkValidation(productID string) Spec {
	return Spec{Kind: KindLinkValidation, ProductID: productID}
}

func FullSync() Spec {
	return Spec{Kind: KindFullSync}
}

// Scoped reports whether the Spec targets a single product.
func (s Spec) Scoped() bool { return s.ProductID != "" }

func (s Spec) Validate() error {
	switch s.Kind {
	case KindImageRefresh:
		if s.ProductID == "" {
			return errors.New("image_refresh requires a product id")
		}
	case KindLinkValidation:
	case KindFullSync:
		if s.ProductID != "" {
			return errors.New("full_sync does not take a product id")
		}
	default:
		return errors.Newf("unknown job type %q", s.Kind)
	}
	return nil
}

type Job struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"type"`
	ProductID      string     `json:"product_id,omitempty"`
	Status         Status     `json:"status"`
	Error          string     `json:"error,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	Progress       int        `json:"progress"`
	TotalItems     int        `json:"total_items,omitempty"`
	ProcessedItems int        `json:"processed_items,omitempty"`
	RetryOf        string     `json:"retry_of,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// New builds a pending Job for spec. It does not persist it.
func New(spec Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Job{
		ID:          uuid.New().String(),
		Kind:        spec.Kind,
		ProductID:   spec.ProductID,
		Status:      StatusPending,
		ScheduledAt: time.Now().UTC(),
	}, nil
}

func (j *Job) Spec() Spec {
	return Spec{Kind: j.Kind, ProductID: j.ProductID}
}

// CreateRequest is the payload used to submit a new job.
type CreateRequest struct {
	Type      string `json:"type" validate:"required,oneof=image_refresh link_validation full_sync"`
	ProductID string `json:"product_id,omitempty" validate:"omitempty,max=128"`
}

// Spec converts the request into a validated Spec.
func (r *CreateRequest) Spec() (Spec, error) {
	kind, err := ParseKind(r.Type)
	if err != nil {
		return Spec{}, err
	}
	s := Spec{Kind: kind, ProductID: r.ProductID}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Progress is the percentage for processed out of total, clamped to 0..100.
func Progress(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}
