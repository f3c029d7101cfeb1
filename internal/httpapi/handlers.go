// Package httpapi exposes environments and functional services over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"sifworks.org/internal/auth"
	"sifworks.org/internal/environment"
	"sifworks.org/internal/functional"
	"sifworks.org/internal/obs"
)

// ReadyProbe reports readiness, pinging the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ServiceLookup resolves running functional services by service name.
type ServiceLookup interface {
	Service(name string) (*functional.Service, bool)
	Names() []string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	services ServiceLookup
	envs     environment.Store
	authn    *auth.Authenticator
	authz    *auth.Authoriser

	binding    bool
	rateBurst  int
	ratePerSec float64
	maxBody    int64
	now        func() time.Time
}

// Option configures the API.
type Option func(*API)

// WithBinding turns job ownership on or off. It is on by default.
func WithBinding(on bool) Option {
	return func(a *API) { a.binding = on }
}

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithClock overrides the time source used for registration timestamps.
func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

// New wires the routes. services, envs and authn are required.
func New(rp ReadyProbe, version string, services ServiceLookup, envs environment.Store, authn *auth.Authenticator, opts ...Option) (*API, error) {
	if services == nil || envs == nil || authn == nil {
		return nil, errors.New("httpapi: services, environment store and authenticator are required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		services:   services,
		envs:       envs,
		authn:      authn,
		authz:      auth.NewAuthoriser(authn),
		binding:    true,
		rateBurst:  100,
		ratePerSec: 50,
		maxBody:    1 << 20,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/api/environments/", a.handleEnvironments)
	a.mux.HandleFunc("/api/services/", a.handleServices)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a, nil
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sifd",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     "sifd",
		"time":     time.Now().UTC().Format(time.RFC3339),
		"version":  a.version,
		"services": a.services.Names(),
		"binding":  a.binding,
		"mode":     string(a.authn.Mode()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
