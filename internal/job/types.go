package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sifworks.org/internal/rights"
	"sifworks.org/internal/sif"
)

// PhaseStateType is the state of one phase. Any type may follow any other;
// phase actions decide which moves are legal.
type PhaseStateType string

const (
	PhaseNotApplicable PhaseStateType = "NOTAPPLICABLE"
	PhaseNotStarted    PhaseStateType = "NOTSTARTED"
	PhasePending       PhaseStateType = "PENDING"
	PhaseSkipped       PhaseStateType = "SKIPPED"
	PhaseInProgress    PhaseStateType = "INPROGRESS"
	PhaseCompleted     PhaseStateType = "COMPLETED"
	PhaseFailed        PhaseStateType = "FAILED"
)

var phaseStateTypes = map[PhaseStateType]struct{}{
	PhaseNotApplicable: {}, PhaseNotStarted: {}, PhasePending: {}, PhaseSkipped: {},
	PhaseInProgress: {}, PhaseCompleted: {}, PhaseFailed: {},
}

// ParsePhaseStateType accepts a state name in any letter case.
func ParsePhaseStateType(raw string) (PhaseStateType, error) {
	t := PhaseStateType(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := phaseStateTypes[t]; !ok {
		return "", fmt.Errorf("%w: unknown phase state %q", sif.ErrInvalidArgument, raw)
	}
	return t, nil
}

// StateType is the single top-level state of a job.
type StateType string

const (
	JobNotStarted StateType = "NOTSTARTED"
	JobInProgress StateType = "INPROGRESS"
	JobCompleted  StateType = "COMPLETED"
	JobFailed     StateType = "FAILED"
)

// ErrUnknownPhase is returned when a phase name does not exist in a job.
var ErrUnknownPhase = errors.New("unknown phase name")

// State is one entry of a phase's state history.
type State struct {
	Type         PhaseStateType `json:"type"`
	Created      time.Time      `json:"created"`
	LastModified time.Time      `json:"last_modified"`
	Description  string         `json:"description,omitempty"`
}

// Phase is a named step of a job with its own state history and rights.
type Phase struct {
	name         string
	Required     bool
	States       []*State
	Rights       rights.Set
	StatesRights rights.Set
}

// Job is one instance of a functional service workflow.
type Job struct {
	ID               uuid.UUID
	Name             string
	Description      string
	State            StateType
	StateDescription string
	Created          time.Time
	LastModified     time.Time
	Timeout          time.Duration
	phases           []*Phase
}
