package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"sifworks.org/internal/auth"
	"sifworks.org/internal/environment"
	"sifworks.org/internal/functional"
	"sifworks.org/internal/ids"
	"sifworks.org/internal/job"
	"sifworks.org/internal/obs"
	"sifworks.org/internal/rights"
	"sifworks.org/internal/sif"
)

const servicesPrefix = "/api/services/"

type createJobRequest struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

type createStateRequest struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// rightFor maps the HTTP verb to the right it requires.
func rightFor(method string) (rights.Type, bool) {
	switch method {
	case http.MethodPost:
		return rights.Create, true
	case http.MethodGet:
		return rights.Query, true
	case http.MethodPut:
		return rights.Update, true
	case http.MethodDelete:
		return rights.Delete, true
	}
	return "", false
}

func (a *API) handleServices(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, servicesPrefix), "/"), "/")
	if parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	svc, ok := a.services.Service(parts[0])
	if !ok {
		writeError(w, r, http.StatusNotFound, "service not found")
		return
	}
	perm, ok := rightFor(r.Method)
	if !ok {
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet, http.MethodPut, http.MethodDelete)
		return
	}

	var id uuid.UUID
	if len(parts) > 1 {
		var err error
		if id, err = ids.ParseRefID(parts[1]); err != nil {
			handleSIFError(w, r, sif.Errorf(sif.ErrNotFound, "job %q not found", parts[1]))
			return
		}
	}
	switch {
	case len(parts) == 5 && parts[3] == "states" && parts[4] == "state":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
	case len(parts) <= 3:
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	grant, err := a.authorise(r, svc, perm)
	if err != nil {
		handleSIFError(w, r, err)
		return
	}
	r = r.WithContext(auth.ContextWithSessionToken(r.Context(), grant.SessionToken))
	if len(parts) > 1 {
		if err := a.checkOwner(r.Context(), svc, id, grant.SessionToken); err != nil {
			handleSIFError(w, r, err)
			return
		}
	}

	switch len(parts) {
	case 1:
		a.handleJobCollection(w, r, svc, grant.SessionToken)
	case 2:
		a.handleJob(w, r, svc, id)
	case 3:
		a.handlePhase(w, r, svc, id, parts[2])
	default:
		a.createState(w, r, svc, id, parts[2])
	}
}

// authorise checks the caller's rights on the service. Requests without a
// serviceType header are treated as functional service calls.
func (a *API) authorise(r *http.Request, svc *functional.Service, perm rights.Type) (*auth.Grant, error) {
	if strings.TrimSpace(r.Header.Get(auth.HeaderServiceType)) == "" {
		r = r.Clone(r.Context())
		r.Header.Set(auth.HeaderServiceType, string(environment.ServiceFunctional))
	}
	return a.authz.IsAuthorised(r.Context(), r, svc.Name(), perm, rights.Approved)
}

// checkOwner hides jobs bound to other sessions when binding is on.
func (a *API) checkOwner(ctx context.Context, svc *functional.Service, id uuid.UUID, token string) error {
	if !a.binding {
		return nil
	}
	bound, err := svc.IsBound(ctx, id, token)
	if err != nil {
		return err
	}
	if !bound {
		return sif.Errorf(sif.ErrNotFound, "job %s not found", id)
	}
	return nil
}

func (a *API) handleJobCollection(w http.ResponseWriter, r *http.Request, svc *functional.Service, token string) {
	switch r.Method {
	case http.MethodPost:
		a.createJob(w, r, svc, token)
	case http.MethodGet:
		a.listJobs(w, r, svc, token)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request, svc *functional.Service, token string) {
	var req createJobRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "timeout_seconds must be >= 0")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = svc.JobName()
	}
	draft := job.New(name, req.Description, time.Duration(req.TimeoutSeconds)*time.Second, a.now().UTC())
	if req.ID != "" {
		id, err := ids.ParseRefID(req.ID)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "id must be a UUID")
			return
		}
		draft.ID = id
	}

	id, err := svc.Create(r.Context(), draft)
	if err != nil {
		handleSIFError(w, r, err)
		return
	}
	if a.binding {
		if err := svc.Bind(r.Context(), id, token); err != nil {
			if derr := svc.Delete(r.Context(), id); derr != nil {
				err = errors.Join(err, derr)
			}
			handleSIFError(w, r, err)
			return
		}
	}
	j, err := svc.Retrieve(r.Context(), id)
	if err != nil {
		handleSIFError(w, r, err)
		return
	}
	w.Header().Set("Location", servicesPrefix+svc.Name()+"/"+id.String())
	writeJSON(w, http.StatusCreated, j)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request, svc *functional.Service, token string) {
	all, err := svc.RetrieveAll(r.Context())
	if err != nil {
		handleSIFError(w, r, err)
		return
	}
	out := make([]*job.Job, 0, len(all))
	for _, j := range all {
		if a.binding {
			bound, err := svc.IsBound(r.Context(), j.ID, token)
			if err != nil {
				handleSIFError(w, r, err)
				return
			}
			if !bound {
				continue
			}
		}
		out = append(out, j)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleJob(w http.ResponseWriter, r *http.Request, svc *functional.Service, id uuid.UUID) {
	switch r.Method {
	case http.MethodGet:
		j, err := svc.Retrieve(r.Context(), id)
		if err != nil {
			handleSIFError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	case http.MethodPut:
		j, err := svc.Retrieve(r.Context(), id)
		if err == nil {
			err = svc.Update(r.Context(), j)
		}
		if err != nil {
			handleSIFError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	case http.MethodDelete:
		if err := svc.Delete(r.Context(), id); err != nil {
			handleSIFError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handlePhase(w http.ResponseWriter, r *http.Request, svc *functional.Service, id uuid.UUID, phase string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "read request body")
		return
	}
	req := functional.PhaseRequest{
		Body:        string(body),
		ContentType: r.Header.Get("Content-Type"),
		Accept:      r.Header.Get("Accept"),
	}

	var (
		result string
		code   = http.StatusOK
	)
	switch r.Method {
	case http.MethodPost:
		result, err = svc.CreateToPhase(r.Context(), id, phase, req)
		code = http.StatusCreated
	case http.MethodGet:
		result, err = svc.RetrieveToPhase(r.Context(), id, phase, req)
	case http.MethodPut:
		result, err = svc.UpdateToPhase(r.Context(), id, phase, req)
	case http.MethodDelete:
		result, err = svc.DeleteToPhase(r.Context(), id, phase, req)
	}
	if err != nil {
		handleSIFError(w, r, err)
		return
	}
	if result == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", resultContentType(req.Accept))
	w.WriteHeader(code)
	_, _ = io.WriteString(w, result)
}

// resultContentType picks the response media type from the Accept header;
// phase results are XML unless JSON was asked for.
func resultContentType(accept string) string {
	if strings.Contains(strings.ToLower(accept), "json") {
		return "application/json; charset=utf-8"
	}
	return "application/xml; charset=utf-8"
}

func (a *API) createState(w http.ResponseWriter, r *http.Request, svc *functional.Service, id uuid.UUID, phase string) {
	var req createStateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := job.ParsePhaseStateType(req.Type)
	if err != nil {
		handleSIFError(w, r, err)
		return
	}
	st, err := svc.CreateToState(r.Context(), id, phase, &job.State{Type: t, Description: req.Description})
	if err != nil {
		handleSIFError(w, r, err)
		return
	}
	obs.Info("phase state created", map[string]any{
		"service": svc.Name(), "job_id": id.String(), "phase": phase, "state": string(st.Type),
		"request_id": RequestIDFromContext(r.Context()),
	})
	writeJSON(w, http.StatusCreated, st)
}
