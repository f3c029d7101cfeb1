package functional

import (
	"context"

	"github.com/google/uuid"

	"sifworks.org/internal/job"
)

// JobRepository persists jobs. Retrieve returns an error matching
// sif.ErrNotFound when the id is unknown.
type JobRepository interface {
	Create(ctx context.Context, j *job.Job) error
	Retrieve(ctx context.Context, id uuid.UUID) (*job.Job, error)
	RetrieveAll(ctx context.Context) ([]*job.Job, error)
	RetrieveByName(ctx context.Context, names ...string) ([]*job.Job, error)
	Update(ctx context.Context, j *job.Job) error
	Delete(ctx context.Context, id uuid.UUID) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Binding ties an object (a job) to the session token that owns it.
type Binding struct {
	ID      int64     `json:"id"`
	RefID   uuid.UUID `json:"ref_id"`
	OwnerID string    `json:"owner_id"`
}

// BindingRepository persists bindings. Duplicate (RefID, OwnerID) pairs are
// allowed; callers decide whether an object is already bound.
type BindingRepository interface {
	Create(ctx context.Context, b Binding) (Binding, error)
	Delete(ctx context.Context, id int64) error
	RetrieveByRefID(ctx context.Context, refID uuid.UUID) ([]Binding, error)
	RetrieveByBinding(ctx context.Context, refID uuid.UUID, ownerID string) ([]Binding, error)
}
