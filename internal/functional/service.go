package functional

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sifworks.org/internal/audit"
	"sifworks.org/internal/job"
	"sifworks.org/internal/obs"
	"sifworks.org/internal/rights"
	"sifworks.org/internal/sif"
)

// Service orchestrates jobs for one functional service: job CRUD, phase
// dispatch with rights checks, ownership bindings and the timeout sweep.
type Service struct {
	def      Definition
	jobs     JobRepository
	bindings BindingRepository
	actions  map[string]PhaseActions
	now      func() time.Time
	locks    *keyedMutex
}

// Option configures Service behaviour.
type Option func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithPhaseActions registers the handler for a phase name.
func WithPhaseActions(phase string, a PhaseActions) Option {
	return func(s *Service) error {
		phase = strings.TrimSpace(phase)
		if phase == "" || a == nil {
			return errors.New("functional: phase name and actions are required")
		}
		if _, dup := s.actions[phase]; dup {
			return fmt.Errorf("functional: phase actions for %q registered twice", phase)
		}
		s.actions[phase] = a
		return nil
	}
}

// New constructs a Service for def over the given repositories.
func New(def Definition, jobs JobRepository, bindings BindingRepository, opts ...Option) (*Service, error) {
	if def == nil || jobs == nil || bindings == nil {
		return nil, errors.New("functional: definition and repositories are required")
	}
	if strings.TrimSpace(def.ServiceName()) == "" || strings.TrimSpace(def.JobName()) == "" {
		return nil, errors.New("functional: service and job names are required")
	}
	s := &Service{
		def:      def,
		jobs:     jobs,
		bindings: bindings,
		actions:  make(map[string]PhaseActions),
		now:      time.Now,
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name is the plural service name.
func (s *Service) Name() string { return s.def.ServiceName() }

// JobName is the singular job name.
func (s *Service) JobName() string { return s.def.JobName() }

// Accepts reports whether a job name belongs to this service. Both the
// singular job name and the plural service name are accepted.
func (s *Service) Accepts(name string) bool {
	return name != "" && (name == s.def.JobName() || name == s.def.ServiceName())
}

func (s *Service) at() time.Time { return s.now().UTC() }

// Now reports the current time from the service clock, in UTC.
func (s *Service) Now() time.Time { return s.at() }

// Create validates and configures draft, then persists it as a new job.
func (s *Service) Create(ctx context.Context, draft *job.Job) (uuid.UUID, error) {
	if draft == nil {
		return uuid.Nil, sif.Errorf(sif.ErrInvalidArgument, "job is required")
	}
	if draft.ID == uuid.Nil {
		draft.ID = uuid.New()
	}
	exists, err := s.jobs.Exists(ctx, draft.ID)
	if err != nil {
		return uuid.Nil, sif.Wrap(sif.ErrCreate, err, "check job %s", draft.ID)
	}
	if exists {
		return uuid.Nil, sif.Wrap(sif.ErrCreate, sif.Errorf(sif.ErrAlreadyExists, "job %s already exists", draft.ID), "create job %s", draft.ID)
	}
	if strings.TrimSpace(draft.Name) == "" {
		return uuid.Nil, sif.Errorf(sif.ErrInvalidArgument, "job name is required")
	}
	if !s.Accepts(draft.Name) {
		return uuid.Nil, sif.Errorf(sif.ErrInvalidArgument, "job %q is not handled by service %q", draft.Name, s.Name())
	}
	if err := s.def.Configure(draft); err != nil {
		return uuid.Nil, sif.Wrap(sif.ErrCreate, err, "configure job %s", draft.ID)
	}

	now := s.at()
	if draft.Created.IsZero() {
		draft.Created = now
	}
	draft.UpdateState(job.JobNotStarted, "", now)
	if err := s.jobs.Create(ctx, draft); err != nil {
		return uuid.Nil, sif.Wrap(sif.ErrCreate, err, "create job %s", draft.ID)
	}
	_ = audit.LogEvent(ctx, "job.created", map[string]any{"service": s.Name(), "job_id": draft.ID.String()})
	return draft.ID, nil
}

// Retrieve loads one job of this service.
func (s *Service) Retrieve(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	j, err := s.jobs.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Accepts(j.Name) {
		return nil, sif.Errorf(sif.ErrNotFound, "job %s not found in service %q", id, s.Name())
	}
	return j, nil
}

// RetrieveAll lists the jobs this service accepts.
func (s *Service) RetrieveAll(ctx context.Context) ([]*job.Job, error) {
	return s.jobs.RetrieveByName(ctx, s.def.JobName(), s.def.ServiceName())
}

// Update is always rejected: jobs change only through phase operations.
func (s *Service) Update(ctx context.Context, j *job.Job) error {
	return sif.Errorf(sif.ErrRejected, "service %q does not support updating jobs", s.Name())
}

// Delete shuts the job down, releases its bindings and removes it. A failing
// shutdown hook keeps the job.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	j, err := s.Retrieve(ctx, id)
	if err != nil {
		return sif.Wrap(sif.ErrDelete, err, "delete job %s", id)
	}
	if err := s.def.JobShutdown(ctx, j); err != nil {
		return sif.Wrap(sif.ErrDelete, err, "shutdown of job %s failed", id)
	}
	if err := s.remove(ctx, id); err != nil {
		return sif.Wrap(sif.ErrDelete, err, "delete job %s", id)
	}
	_ = audit.LogEvent(ctx, "job.deleted", map[string]any{"service": s.Name(), "job_id": id.String()})
	return nil
}

func (s *Service) remove(ctx context.Context, id uuid.UUID) error {
	if err := s.Unbind(ctx, id); err != nil {
		return err
	}
	return s.jobs.Delete(ctx, id)
}

type phaseOp struct {
	name  string
	right rights.Type
	call  func(PhaseActions, context.Context, *job.Job, *job.Phase, PhaseRequest) (string, error)
}

var (
	opCreate   = phaseOp{"create", rights.Create, PhaseActions.Create}
	opRetrieve = phaseOp{"retrieve", rights.Query, PhaseActions.Retrieve}
	opUpdate   = phaseOp{"update", rights.Update, PhaseActions.Update}
	opDelete   = phaseOp{"delete", rights.Delete, PhaseActions.Delete}
)

// CreateToPhase dispatches a create to the phase's actions.
func (s *Service) CreateToPhase(ctx context.Context, id uuid.UUID, phase string, req PhaseRequest) (string, error) {
	return s.dispatch(ctx, opCreate, id, phase, req)
}

// RetrieveToPhase dispatches a query to the phase's actions.
func (s *Service) RetrieveToPhase(ctx context.Context, id uuid.UUID, phase string, req PhaseRequest) (string, error) {
	return s.dispatch(ctx, opRetrieve, id, phase, req)
}

// UpdateToPhase dispatches an update to the phase's actions.
func (s *Service) UpdateToPhase(ctx context.Context, id uuid.UUID, phase string, req PhaseRequest) (string, error) {
	return s.dispatch(ctx, opUpdate, id, phase, req)
}

// DeleteToPhase dispatches a delete to the phase's actions.
func (s *Service) DeleteToPhase(ctx context.Context, id uuid.UUID, phase string, req PhaseRequest) (string, error) {
	return s.dispatch(ctx, opDelete, id, phase, req)
}

func (s *Service) dispatch(ctx context.Context, op phaseOp, id uuid.UUID, phaseName string, req PhaseRequest) (result string, err error) {
	outcome := "ok"
	defer func() { obs.ObservePhaseDispatch(s.Name(), op.name, outcome) }()

	unlock := s.locks.Lock(id)
	defer unlock()

	j, p, err := s.loadPhase(ctx, id, phaseName)
	if err != nil {
		outcome = "error"
		return "", err
	}
	if err := rights.Check(p.Rights, rights.Right{Type: op.right, Value: rights.Approved}); err != nil {
		outcome = "rejected"
		p.UpdateState(job.PhaseFailed, "insufficient rights", s.at())
		j.LastModified = s.at()
		if uerr := s.jobs.Update(ctx, j); uerr != nil {
			return "", errors.Join(err, sif.Wrap(sif.ErrUpdate, uerr, "persist job %s", id))
		}
		return "", err
	}
	actions, ok := s.actions[p.Name()]
	if !ok {
		outcome = "error"
		return "", sif.Errorf(sif.ErrInvalidArgument, "no phase actions registered for phase %q", p.Name())
	}
	result, err = op.call(actions, ctx, j, p, req)
	if err != nil {
		outcome = "error"
		obs.Warn("phase action failed", map[string]any{
			"service": s.Name(), "job_id": id.String(), "phase": p.Name(),
			"operation": op.name, "reference": sif.ReferenceOf(err), "error": err,
		})
		return "", err
	}
	if err := s.jobs.Update(ctx, j); err != nil {
		outcome = "error"
		return "", sif.Wrap(sif.ErrUpdate, err, "persist job %s", id)
	}
	return result, nil
}

func (s *Service) loadPhase(ctx context.Context, id uuid.UUID, phaseName string) (*job.Job, *job.Phase, error) {
	j, err := s.Retrieve(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, ok := j.Phase(phaseName)
	if !ok {
		return nil, nil, sif.Wrap(sif.ErrInvalidArgument, job.ErrUnknownPhase, "job %s has no phase %q", id, phaseName)
	}
	return j, p, nil
}

// CreateToState applies a state change to a phase, gated by the phase's
// states rights, and returns the resulting current state.
func (s *Service) CreateToState(ctx context.Context, id uuid.UUID, phaseName string, draft *job.State) (*job.State, error) {
	if draft == nil {
		return nil, sif.Errorf(sif.ErrInvalidArgument, "state is required")
	}
	stateType, err := job.ParsePhaseStateType(string(draft.Type))
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	j, p, err := s.loadPhase(ctx, id, phaseName)
	if err != nil {
		return nil, err
	}
	if err := rights.Check(p.StatesRights, rights.Right{Type: rights.Create, Value: rights.Approved}); err != nil {
		return nil, err
	}
	st, err := j.UpdatePhaseState(p.Name(), stateType, draft.Description, s.at())
	if err != nil {
		return nil, err
	}
	if err := s.jobs.Update(ctx, j); err != nil {
		return nil, sif.Wrap(sif.ErrUpdate, err, "persist job %s", id)
	}
	out := *st
	return &out, nil
}

// TimeoutReport summarises one sweep. Total counts expired jobs found,
// TimedOut those removed and Failed those kept for the next sweep.
type TimeoutReport struct {
	TimedOut int
	Total    int
	Failed   int
}

// JobTimeout removes this service's expired jobs. A job whose shutdown hook
// fails stays stored and bound and is retried on the next sweep.
func (s *Service) JobTimeout(ctx context.Context) (TimeoutReport, error) {
	var report TimeoutReport
	all, err := s.RetrieveAll(ctx)
	if err != nil {
		return report, err
	}
	now := s.at()
	for _, j := range all {
		if !s.Accepts(j.Name) || !j.Expired(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		removed, err := s.expire(ctx, j.ID, now)
		if err == nil && !removed {
			continue
		}
		report.Total++
		if err != nil {
			report.Failed++
			obs.ObserveJobTimeout(s.Name(), "failed")
			obs.Warn("job timeout failed", map[string]any{
				"service": s.Name(), "job_id": j.ID.String(), "reference": sif.ReferenceOf(err), "error": err,
			})
			continue
		}
		report.TimedOut++
		obs.ObserveJobTimeout(s.Name(), "deleted")
		_ = audit.LogEvent(ctx, "job.timed_out", map[string]any{"service": s.Name(), "job_id": j.ID.String()})
	}
	if report.Total > 0 {
		obs.Info("job timeout sweep", map[string]any{
			"service": s.Name(), "timed_out": report.TimedOut, "total": report.Total, "failed": report.Failed,
		})
	}
	return report, nil
}

// expire re-reads the job under its lock; a job deleted or extended since the
// scan is left alone and reported as not removed.
func (s *Service) expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	j, err := s.jobs.Retrieve(ctx, id)
	if errors.Is(err, sif.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !j.Expired(now) {
		return false, nil
	}
	if err := s.def.JobShutdown(ctx, j); err != nil {
		return false, sif.Wrap(sif.ErrDelete, err, "shutdown of job %s failed", id)
	}
	if err := s.remove(ctx, id); err != nil {
		return false, sif.Wrap(sif.ErrDelete, err, "delete job %s", id)
	}
	return true, nil
}

// ExtendJobTimeout lengthens a job's finite timeout by d.
func (s *Service) ExtendJobTimeout(ctx context.Context, id uuid.UUID, d time.Duration) error {
	if d < 0 {
		return sif.Errorf(sif.ErrInvalidArgument, "timeout extension must not be negative")
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	j, err := s.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	j.ExtendTimeout(d, s.at())
	if err := s.jobs.Update(ctx, j); err != nil {
		return sif.Wrap(sif.ErrUpdate, err, "persist job %s", id)
	}
	return nil
}

// Bind records owner as an owner of the job.
func (s *Service) Bind(ctx context.Context, id uuid.UUID, owner string) error {
	if strings.TrimSpace(owner) == "" {
		return sif.Errorf(sif.ErrInvalidArgument, "binding owner is required")
	}
	if _, err := s.bindings.Create(ctx, Binding{RefID: id, OwnerID: owner}); err != nil {
		return sif.Wrap(sif.ErrCreate, err, "bind job %s", id)
	}
	return nil
}

// Unbind removes every binding of the job.
func (s *Service) Unbind(ctx context.Context, id uuid.UUID) error {
	bs, err := s.bindings.RetrieveByRefID(ctx, id)
	if err != nil {
		return err
	}
	for _, b := range bs {
		if err := s.bindings.Delete(ctx, b.ID); err != nil && !errors.Is(err, sif.ErrNotFound) {
			return err
		}
	}
	return nil
}

// IsBound reports whether at least one binding pairs the job with owner.
func (s *Service) IsBound(ctx context.Context, id uuid.UUID, owner string) (bool, error) {
	bs, err := s.bindings.RetrieveByBinding(ctx, id, owner)
	if err != nil {
		return false, err
	}
	return len(bs) > 0, nil
}

// Startup runs the definition's long-lived hook.
func (s *Service) Startup(ctx context.Context) error { return s.def.Startup(ctx) }

// Shutdown runs the definition's shutdown hook.
func (s *Service) Shutdown(ctx context.Context) error { return s.def.Shutdown(ctx) }
