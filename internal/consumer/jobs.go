package consumer

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"sifworks.org/internal/job"
)

// JobRequest describes a job to create. Zero values let the provider choose.
type JobRequest struct {
	ID          uuid.UUID
	Name        string
	Description string
	Timeout     time.Duration
}

// Scope selects the zone and context of a call; empty values use the
// environment defaults.
type Scope struct {
	ZoneID    string
	ContextID string
}

func (s Scope) query() url.Values {
	q := url.Values{}
	if s.ZoneID != "" {
		q.Set("zoneId", s.ZoneID)
	}
	if s.ContextID != "" {
		q.Set("contextId", s.ContextID)
	}
	return q
}

var functionalHeader = map[string]string{"serviceType": "FUNCTIONAL"}

func servicePath(service string, parts ...string) string {
	p := "/api/services/" + service
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// CreateJob creates a job in service.
func (c *Client) CreateJob(ctx context.Context, service string, scope Scope, in JobRequest) (*job.Job, error) {
	payload := map[string]any{}
	if in.ID != uuid.Nil {
		payload["id"] = in.ID.String()
	}
	if in.Name != "" {
		payload["name"] = in.Name
	}
	if in.Description != "" {
		payload["description"] = in.Description
	}
	if in.Timeout > 0 {
		payload["timeout_seconds"] = int64(in.Timeout / time.Second)
	}
	body, err := jsonBody(payload)
	if err != nil {
		return nil, err
	}
	var j job.Job
	if _, err := c.doJSON(ctx, request{
		method: http.MethodPost, path: servicePath(service), query: scope.query(),
		body: body, contentType: "application/json", headers: functionalHeader,
	}, &j, http.StatusCreated); err != nil {
		return nil, err
	}
	return &j, nil
}

// Jobs lists the caller's jobs in service.
func (c *Client) Jobs(ctx context.Context, service string, scope Scope) ([]*job.Job, error) {
	var out []*job.Job
	if _, err := c.doJSON(ctx, request{
		method: http.MethodGet, path: servicePath(service), query: scope.query(), headers: functionalHeader,
	}, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

// Job fetches one job.
func (c *Client) Job(ctx context.Context, service string, scope Scope, id uuid.UUID) (*job.Job, error) {
	var j job.Job
	if _, err := c.doJSON(ctx, request{
		method: http.MethodGet, path: servicePath(service, id.String()), query: scope.query(), headers: functionalHeader,
	}, &j, http.StatusOK); err != nil {
		return nil, err
	}
	return &j, nil
}

// DeleteJob removes a job.
func (c *Client) DeleteJob(ctx context.Context, service string, scope Scope, id uuid.UUID) error {
	_, err := c.doJSON(ctx, request{
		method: http.MethodDelete, path: servicePath(service, id.String()), query: scope.query(), headers: functionalHeader,
	}, nil, http.StatusNoContent)
	return err
}

// PhaseCall is the payload of a phase operation.
type PhaseCall struct {
	Body        string
	ContentType string
	Accept      string
}

func (c *Client) phase(ctx context.Context, method, service string, scope Scope, id uuid.UUID, phase string, call PhaseCall, okCodes ...int) (string, error) {
	resp, err := c.do(ctx, request{
		method: method, path: servicePath(service, id.String(), phase), query: scope.query(),
		body: []byte(call.Body), contentType: call.ContentType, accept: call.Accept, headers: functionalHeader,
	})
	if err != nil {
		return "", err
	}
	if resp.status == http.StatusNoContent {
		return "", nil
	}
	if !accepted(resp.status, okCodes) {
		return "", decodeError(resp)
	}
	return string(resp.body), nil
}

// CreateToPhase posts call to the phase.
func (c *Client) CreateToPhase(ctx context.Context, service string, scope Scope, id uuid.UUID, phase string, call PhaseCall) (string, error) {
	return c.phase(ctx, http.MethodPost, service, scope, id, phase, call, http.StatusCreated)
}

// RetrieveToPhase reads from the phase.
func (c *Client) RetrieveToPhase(ctx context.Context, service string, scope Scope, id uuid.UUID, phase string, call PhaseCall) (string, error) {
	return c.phase(ctx, http.MethodGet, service, scope, id, phase, call, http.StatusOK)
}

// UpdateToPhase puts call to the phase.
func (c *Client) UpdateToPhase(ctx context.Context, service string, scope Scope, id uuid.UUID, phase string, call PhaseCall) (string, error) {
	return c.phase(ctx, http.MethodPut, service, scope, id, phase, call, http.StatusOK)
}

// DeleteToPhase deletes from the phase.
func (c *Client) DeleteToPhase(ctx context.Context, service string, scope Scope, id uuid.UUID, phase string, call PhaseCall) (string, error) {
	return c.phase(ctx, http.MethodDelete, service, scope, id, phase, call, http.StatusOK)
}

// CreateState records a state on the phase.
func (c *Client) CreateState(ctx context.Context, service string, scope Scope, id uuid.UUID, phase string, t job.PhaseStateType, description string) (*job.State, error) {
	body, err := jsonBody(map[string]string{"type": string(t), "description": description})
	if err != nil {
		return nil, err
	}
	var st job.State
	if _, err := c.doJSON(ctx, request{
		method: http.MethodPost, path: servicePath(service, id.String(), phase, "states", "state"), query: scope.query(),
		body: body, contentType: "application/json", headers: functionalHeader,
	}, &st, http.StatusCreated); err != nil {
		return nil, err
	}
	return &st, nil
}
