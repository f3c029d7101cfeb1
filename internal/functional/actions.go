package functional

import (
	"context"

	"sifworks.org/internal/job"
	"sifworks.org/internal/sif"
)

// PhaseRequest is the raw request handed to phase actions. The body is an
// opaque payload; Accept names the representation the caller wants back.
type PhaseRequest struct {
	Body        string
	ContentType string
	Accept      string
}

// PhaseActions handles the operations of one phase. Implementations may mutate
// the job and phase; the service persists the job after a successful call and
// returns the string result verbatim.
type PhaseActions interface {
	Create(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error)
	Retrieve(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error)
	Update(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error)
	Delete(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error)
}

// UnsupportedPhaseActions rejects every operation. Embed it to implement only
// the operations a phase supports.
type UnsupportedPhaseActions struct{}

func (UnsupportedPhaseActions) Create(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error) {
	return "", unsupported("create", p)
}

func (UnsupportedPhaseActions) Retrieve(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error) {
	return "", unsupported("retrieve", p)
}

func (UnsupportedPhaseActions) Update(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error) {
	return "", unsupported("update", p)
}

func (UnsupportedPhaseActions) Delete(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error) {
	return "", unsupported("delete", p)
}

func unsupported(op string, p *job.Phase) error {
	return sif.Errorf(sif.ErrRejected, "%s is not supported by phase %q", op, p.Name())
}
