package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"sifworks.org/internal/rights"
)

type phaseJSON struct {
	Name         string         `json:"name"`
	Required     bool           `json:"required"`
	States       []*State       `json:"states"`
	Rights       []rights.Right `json:"rights"`
	StatesRights []rights.Right `json:"states_rights"`
}

type jobJSON struct {
	ID               uuid.UUID    `json:"id"`
	Name             string       `json:"name"`
	Description      string       `json:"description,omitempty"`
	State            StateType    `json:"state,omitempty"`
	StateDescription string       `json:"state_description,omitempty"`
	Created          time.Time    `json:"created"`
	LastModified     time.Time    `json:"last_modified"`
	TimeoutSeconds   int64        `json:"timeout_seconds"`
	Phases           []*phaseJSON `json:"phases"`
}

func (p *Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.toJSON())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var raw phaseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.fromJSON(&raw)
	return nil
}

func (p *Phase) toJSON() *phaseJSON {
	states := p.States
	if states == nil {
		states = []*State{}
	}
	return &phaseJSON{
		Name:         p.name,
		Required:     p.Required,
		States:       states,
		Rights:       p.Rights.Rights(),
		StatesRights: p.StatesRights.Rights(),
	}
}

func (p *Phase) fromJSON(raw *phaseJSON) {
	p.name = raw.Name
	p.Required = raw.Required
	p.States = raw.States
	p.Rights = rights.NewSet(raw.Rights...)
	p.StatesRights = rights.NewSet(raw.StatesRights...)
}

// MarshalJSON encodes the job with its phases; the timeout is expressed in
// whole seconds.
func (j *Job) MarshalJSON() ([]byte, error) {
	out := jobJSON{
		ID:               j.ID,
		Name:             j.Name,
		Description:      j.Description,
		State:            j.State,
		StateDescription: j.StateDescription,
		Created:          j.Created,
		LastModified:     j.LastModified,
		TimeoutSeconds:   int64(j.Timeout / time.Second),
		Phases:           make([]*phaseJSON, 0, len(j.phases)),
	}
	for _, p := range j.phases {
		out.Phases = append(out.Phases, p.toJSON())
	}
	return json.Marshal(out)
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var raw jobJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	j.ID = raw.ID
	j.Name = raw.Name
	j.Description = raw.Description
	j.State = raw.State
	j.StateDescription = raw.StateDescription
	j.Created = raw.Created
	j.LastModified = raw.LastModified
	j.Timeout = time.Duration(raw.TimeoutSeconds) * time.Second
	j.phases = make([]*Phase, 0, len(raw.Phases))
	for _, rp := range raw.Phases {
		p := &Phase{}
		p.fromJSON(rp)
		j.phases = append(j.phases, p)
	}
	return nil
}

// MarshalPhases encodes only the phases, the shape stored alongside the job row.
func (j *Job) MarshalPhases() ([]byte, error) {
	out := make([]*phaseJSON, 0, len(j.phases))
	for _, p := range j.phases {
		out = append(out, p.toJSON())
	}
	return json.Marshal(out)
}

// UnmarshalPhases replaces the job's phases from MarshalPhases output.
func (j *Job) UnmarshalPhases(data []byte) error {
	var raw []*phaseJSON
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	j.phases = make([]*Phase, 0, len(raw))
	for _, rp := range raw {
		p := &Phase{}
		p.fromJSON(rp)
		j.phases = append(j.phases, p)
	}
	return nil
}
