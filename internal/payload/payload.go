// Package payload is the demo "Payloads" functional service. Its jobs carry
// a "default" phase driven INPROGRESS then COMPLETED by create and update,
// and an "xml" phase that accepts well-formed XML documents.
package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"time"

	"sifworks.org/internal/functional"
	"sifworks.org/internal/job"
	"sifworks.org/internal/rights"
	"sifworks.org/internal/sif"
)

const (
	ServiceName = "Payloads"
	JobName     = "Payload"

	PhaseDefault = "default"
	PhaseXML     = "xml"
)

// Definition configures Payload jobs.
type Definition struct {
	functional.Base
}

// NewDefinition returns the Payloads definition.
func NewDefinition() *Definition {
	return &Definition{Base: functional.Base{Plural: ServiceName, Singular: JobName}}
}

// Configure adds the default and xml phases.
func (d *Definition) Configure(j *job.Job) error {
	def, err := job.NewPhase(PhaseDefault, true,
		rights.NewSet(
			rights.Right{Type: rights.Create, Value: rights.Approved},
			rights.Right{Type: rights.Query, Value: rights.Approved},
			rights.Right{Type: rights.Update, Value: rights.Approved},
			rights.Right{Type: rights.Delete, Value: rights.Rejected},
		),
		rights.NewSet(rights.Right{Type: rights.Create, Value: rights.Approved}),
	)
	if err != nil {
		return err
	}
	x, err := job.NewPhase(PhaseXML, false,
		rights.NewSet(
			rights.Right{Type: rights.Create, Value: rights.Approved},
			rights.Right{Type: rights.Query, Value: rights.Approved},
			rights.Right{Type: rights.Update, Value: rights.Approved},
			rights.Right{Type: rights.Delete, Value: rights.Approved},
		),
		rights.NewSet(rights.Right{Type: rights.Create, Value: rights.Approved}),
	)
	if err != nil {
		return err
	}
	return j.AddPhases(def, x)
}

// New builds the Payloads functional service with its phase actions.
// Phase actions read the service clock, so functional.WithClock applies to
// phase state timestamps too.
func New(jobs functional.JobRepository, bindings functional.BindingRepository, opts ...functional.Option) (*functional.Service, error) {
	var svc *functional.Service
	now := func() time.Time { return svc.Now() }
	opts = append([]functional.Option{
		functional.WithPhaseActions(PhaseDefault, &defaultActions{now: now}),
		functional.WithPhaseActions(PhaseXML, &xmlActions{now: now}),
	}, opts...)
	svc, err := functional.New(NewDefinition(), jobs, bindings, opts...)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// Receipt is the body returned by phase operations.
type Receipt struct {
	XMLName     xml.Name           `json:"-" xml:"payloadReceipt"`
	JobID       string             `json:"job_id" xml:"jobId"`
	Phase       string             `json:"phase" xml:"phase"`
	State       job.PhaseStateType `json:"state" xml:"state"`
	JobState    job.StateType      `json:"job_state" xml:"jobState"`
	Description string             `json:"description,omitempty" xml:"description,omitempty"`
	Echo        string             `json:"echo,omitempty" xml:"echo,omitempty"`
}

type defaultActions struct {
	functional.UnsupportedPhaseActions
	now func() time.Time
}

func (a *defaultActions) Create(ctx context.Context, j *job.Job, p *job.Phase, req functional.PhaseRequest) (string, error) {
	return a.move(j, p, job.PhaseInProgress, "payload accepted", req)
}

func (a *defaultActions) Retrieve(ctx context.Context, j *job.Job, p *job.Phase, req functional.PhaseRequest) (string, error) {
	return render(j, p, "", req.Accept)
}

func (a *defaultActions) Update(ctx context.Context, j *job.Job, p *job.Phase, req functional.PhaseRequest) (string, error) {
	return a.move(j, p, job.PhaseCompleted, "payload processed", req)
}

func (a *defaultActions) move(j *job.Job, p *job.Phase, to job.PhaseStateType, desc string, req functional.PhaseRequest) (string, error) {
	at := a.now().UTC()
	if _, err := j.UpdatePhaseState(p.Name(), to, desc, at); err != nil {
		return "", err
	}
	refreshJobState(j, at)
	return render(j, p, req.Body, req.Accept)
}

type xmlActions struct {
	now func() time.Time
}

func (a *xmlActions) Create(ctx context.Context, j *job.Job, p *job.Phase, req functional.PhaseRequest) (string, error) {
	if err := wellFormed(req.Body); err != nil {
		return "", err
	}
	at := a.now().UTC()
	if _, err := j.UpdatePhaseState(p.Name(), job.PhaseCompleted, "document received", at); err != nil {
		return "", err
	}
	refreshJobState(j, at)
	return render(j, p, req.Body, req.Accept)
}

func (a *xmlActions) Retrieve(ctx context.Context, j *job.Job, p *job.Phase, req functional.PhaseRequest) (string, error) {
	return render(j, p, "", req.Accept)
}

func (a *xmlActions) Update(ctx context.Context, j *job.Job, p *job.Phase, req functional.PhaseRequest) (string, error) {
	return a.Create(ctx, j, p, req)
}

func (a *xmlActions) Delete(ctx context.Context, j *job.Job, p *job.Phase, req functional.PhaseRequest) (string, error) {
	at := a.now().UTC()
	if _, err := j.UpdatePhaseState(p.Name(), job.PhaseNotStarted, "document discarded", at); err != nil {
		return "", err
	}
	refreshJobState(j, at)
	return render(j, p, "", req.Accept)
}

// refreshJobState derives the job state from its phases: any failure fails
// the job, all required phases completed completes it, and any started
// phase makes it in progress.
func refreshJobState(j *job.Job, at time.Time) {
	started, completed := false, true
	for _, p := range j.Phases() {
		cur, ok := p.CurrentState()
		if !ok {
			if p.Required {
				completed = false
			}
			continue
		}
		switch cur.Type {
		case job.PhaseFailed:
			j.UpdateState(job.JobFailed, "phase "+p.Name()+" failed", at)
			return
		case job.PhaseInProgress, job.PhaseCompleted, job.PhasePending:
			started = true
		}
		if p.Required && cur.Type != job.PhaseCompleted && cur.Type != job.PhaseSkipped {
			completed = false
		}
	}
	switch {
	case completed:
		j.UpdateState(job.JobCompleted, "", at)
	case started:
		j.UpdateState(job.JobInProgress, "", at)
	}
}

func wellFormed(body string) error {
	if strings.TrimSpace(body) == "" {
		return sif.Errorf(sif.ErrInvalidArgument, "xml phase requires a document")
	}
	dec := xml.NewDecoder(strings.NewReader(body))
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sif.Errorf(sif.ErrInvalidArgument, "document is not well-formed XML: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					return sif.Errorf(sif.ErrInvalidArgument, "document has more than one root element")
				}
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return sif.Errorf(sif.ErrInvalidArgument, "document has text outside the root element")
			}
		}
	}
	if roots == 0 {
		return sif.Errorf(sif.ErrInvalidArgument, "document has no root element")
	}
	return nil
}

func render(j *job.Job, p *job.Phase, echo, accept string) (string, error) {
	r := Receipt{JobID: j.ID.String(), Phase: p.Name(), JobState: j.State, Echo: echo}
	if cur, ok := p.CurrentState(); ok {
		r.State = cur.Type
		r.Description = cur.Description
	}
	if strings.Contains(strings.ToLower(accept), "json") {
		data, err := json.Marshal(r)
		return string(data), err
	}
	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(r); err != nil {
		return "", err
	}
	return buf.String(), nil
}
