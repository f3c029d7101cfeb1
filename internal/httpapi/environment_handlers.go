package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sifworks.org/internal/audit"
	"sifworks.org/internal/auth"
	"sifworks.org/internal/environment"
	"sifworks.org/internal/ids"
	"sifworks.org/internal/sif"
)

const environmentsPrefix = "/api/environments/"

type createEnvironmentRequest struct {
	ApplicationKey string `json:"application_key"`
	SolutionID     string `json:"solution_id"`
	UserToken      string `json:"user_token"`
	InstanceID     string `json:"instance_id"`
	ConsumerName   string `json:"consumer_name"`
}

func (a *API) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, environmentsPrefix), "/")
	switch {
	case rest == "environment":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.createEnvironment(w, r)
	case rest == "" || strings.Contains(rest, "/"):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		switch r.Method {
		case http.MethodGet:
			a.getEnvironment(w, r, rest)
		case http.MethodDelete:
			a.deleteEnvironment(w, r, rest)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	}
}

// createEnvironment registers a consumer. The Authorization header carries
// the application key in place of a session token.
func (a *API) createEnvironment(w http.ResponseWriter, r *http.Request) {
	appKey, ok := a.authn.VerifyInitialAuthenticationHeader(r.Context(), r.Header)
	if !ok {
		handleSIFError(w, r, sif.Errorf(sif.ErrInvalidAuthorisationToken, "initial authentication failed"))
		return
	}
	var req createEnvironmentRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ApplicationKey != "" && req.ApplicationKey != appKey {
		handleSIFError(w, r, sif.Errorf(sif.ErrInvalidRequest, "application key does not match the authorization header"))
		return
	}
	scheme, _ := auth.SchemeOf(r.Header.Get(auth.HeaderAuthorization))
	id := environment.Identity{
		ApplicationKey: appKey,
		SolutionID:     strings.TrimSpace(req.SolutionID),
		UserToken:      strings.TrimSpace(req.UserToken),
		InstanceID:     strings.TrimSpace(req.InstanceID),
	}

	env, err := environment.Register(r.Context(), a.envs, id, req.ConsumerName, string(scheme), a.now())
	if errors.Is(err, sif.ErrAlreadyExists) && env != nil {
		w.Header().Set("Location", environmentsPrefix+env.ID.String())
		writeJSON(w, http.StatusConflict, env)
		return
	}
	if err != nil {
		handleSIFError(w, r, err)
		return
	}
	ctx := auth.ContextWithSessionToken(r.Context(), env.SessionToken)
	_ = audit.LogEvent(ctx, "environment.created", map[string]any{
		"environment_id":  env.ID.String(),
		"application_key": appKey,
	})
	w.Header().Set("Location", environmentsPrefix+env.ID.String())
	writeJSON(w, http.StatusCreated, env)
}

// sessionEnvironment authenticates r and returns the caller's environment,
// which must be the one named by rawID.
func (a *API) sessionEnvironment(r *http.Request, rawID string) (*environment.Environment, error) {
	id, err := ids.ParseRefID(rawID)
	if err != nil {
		return nil, sif.Errorf(sif.ErrNotFound, "environment %q not found", rawID)
	}
	token, err := a.authz.SessionToken(r.Context(), r)
	if err != nil {
		return nil, err
	}
	env, err := a.authn.EnvironmentBySessionToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if env.ID != id {
		return nil, sif.Errorf(sif.ErrRejected, "environment %s does not belong to this session", id)
	}
	return env, nil
}

func (a *API) getEnvironment(w http.ResponseWriter, r *http.Request, rawID string) {
	env, err := a.sessionEnvironment(r, rawID)
	if err != nil {
		handleSIFError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) deleteEnvironment(w http.ResponseWriter, r *http.Request, rawID string) {
	env, err := a.sessionEnvironment(r, rawID)
	if err != nil {
		handleSIFError(w, r, err)
		return
	}
	if err := a.envs.DeleteEnvironment(r.Context(), env.ID); err != nil {
		handleSIFError(w, r, sif.Wrap(sif.ErrDelete, err, "delete environment %s", env.ID))
		return
	}
	ctx := auth.ContextWithSessionToken(r.Context(), env.SessionToken)
	_ = audit.LogEvent(ctx, "environment.deleted", map[string]any{"environment_id": env.ID.String()})
	w.WriteHeader(http.StatusNoContent)
}
