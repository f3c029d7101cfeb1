package job

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"sifworks.org/internal/rights"
	"sifworks.org/internal/sif"
)

// NewPhase validates name and builds an empty phase. Rights sets are copied.
func NewPhase(name string, required bool, phaseRights, statesRights rights.Set) (*Phase, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: phase name is required", sif.ErrInvalidArgument)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return nil, fmt.Errorf("%w: phase name %q must not contain spaces", sif.ErrInvalidArgument, name)
	}
	if phaseRights == nil {
		phaseRights = rights.Set{}
	}
	if statesRights == nil {
		statesRights = rights.Set{}
	}
	return &Phase{
		name:         name,
		Required:     required,
		Rights:       phaseRights.Clone(),
		StatesRights: statesRights.Clone(),
	}, nil
}

// Name returns the immutable phase name.
func (p *Phase) Name() string { return p.name }

// CurrentState returns the last state of the history.
func (p *Phase) CurrentState() (*State, bool) {
	if len(p.States) == 0 {
		return nil, false
	}
	return p.States[len(p.States)-1], true
}

// UpdateState records a state change at the given instant. Re-applying the
// current type updates that record in place instead of growing the history.
func (p *Phase) UpdateState(t PhaseStateType, description string, at time.Time) *State {
	if cur, ok := p.CurrentState(); ok && cur.Type == t {
		cur.LastModified = at
		cur.Description = description
		return cur
	}
	st := &State{Type: t, Created: at, LastModified: at, Description: description}
	p.States = append(p.States, st)
	return st
}

// New creates a job with a fresh id, stamped at the given instant and NOTSTARTED.
func New(name, description string, timeout time.Duration, at time.Time) *Job {
	return &Job{
		ID:           uuid.New(),
		Name:         name,
		Description:  description,
		State:        JobNotStarted,
		Created:      at,
		LastModified: at,
		Timeout:      timeout,
	}
}

// AddPhase appends a phase. Names are unique within a job.
func (j *Job) AddPhase(p *Phase) error {
	if p == nil {
		return fmt.Errorf("%w: phase is required", sif.ErrInvalidArgument)
	}
	if _, ok := j.Phase(p.name); ok {
		return fmt.Errorf("%w: phase %q already configured", sif.ErrAlreadyExists, p.name)
	}
	j.phases = append(j.phases, p)
	return nil
}

// AddPhases is the bulk form of AddPhase.
func (j *Job) AddPhases(ps ...*Phase) error {
	for _, p := range ps {
		if err := j.AddPhase(p); err != nil {
			return err
		}
	}
	return nil
}

// Phase looks a phase up by exact name.
func (j *Job) Phase(name string) (*Phase, bool) {
	for _, p := range j.phases {
		if p.name == name {
			return p, true
		}
	}
	return nil, false
}

// Phases returns the phases in configuration order.
func (j *Job) Phases() []*Phase {
	out := make([]*Phase, len(j.phases))
	copy(out, j.phases)
	return out
}

// UpdateState sets the single job-level state.
func (j *Job) UpdateState(t StateType, description string, at time.Time) {
	j.State = t
	j.StateDescription = description
	j.LastModified = at
}

// UpdatePhaseState changes a phase's state and carries its modification time
// up to the job.
func (j *Job) UpdatePhaseState(phaseName string, t PhaseStateType, description string, at time.Time) (*State, error) {
	p, ok := j.Phase(phaseName)
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", sif.ErrInvalidArgument, ErrUnknownPhase, phaseName)
	}
	st := p.UpdateState(t, description, at)
	j.LastModified = st.LastModified
	return st, nil
}

// Expired reports whether a job with a timeout has outlived it at now.
// Jobs with a zero timeout never expire.
func (j *Job) Expired(now time.Time) bool {
	if j.Timeout <= 0 {
		return false
	}
	return !now.Before(j.Created.Add(j.Timeout))
}

// ExtendTimeout lengthens a finite timeout. Jobs that never time out are left alone.
func (j *Job) ExtendTimeout(d time.Duration, at time.Time) {
	if j.Timeout <= 0 || d <= 0 {
		return
	}
	j.Timeout += d
	j.LastModified = at
}

// Clone returns a deep copy, used by stores that must not share records with callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.phases = make([]*Phase, 0, len(j.phases))
	for _, p := range j.phases {
		cp := &Phase{
			name:         p.name,
			Required:     p.Required,
			Rights:       p.Rights.Clone(),
			StatesRights: p.StatesRights.Clone(),
			States:       make([]*State, 0, len(p.States)),
		}
		for _, s := range p.States {
			sc := *s
			cp.States = append(cp.States, &sc)
		}
		out.phases = append(out.phases, cp)
	}
	return &out
}
