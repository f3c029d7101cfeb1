package auth

import (
	"context"
	"net/http"
	"strings"

	"sifworks.org/internal/environment"
	"sifworks.org/internal/rights"
	"sifworks.org/internal/sif"
)

// Request header and query parameter names used during authorisation.
const (
	HeaderServiceType = "serviceType"
	ParamZoneID       = "zoneId"
	ParamContextID    = "contextId"
)

// Grant is the outcome of a successful authorisation.
type Grant struct {
	SessionToken string
	Environment  *environment.Environment
	Zone         *environment.Zone
	Service      *environment.Service
}

// Authoriser decides whether an authenticated caller may perform an
// operation on a named service.
type Authoriser struct {
	authn *Authenticator
}

// NewAuthoriser returns an Authoriser over authn.
func NewAuthoriser(authn *Authenticator) *Authoriser {
	return &Authoriser{authn: authn}
}

// IsAuthorised authenticates r, resolves the caller's environment, zone and
// service, and checks the service grants (permission, privilege). Any failed
// step returns an error; a nil error means the call is authorised.
func (z *Authoriser) IsAuthorised(ctx context.Context, r *http.Request, serviceName string, permission rights.Type, privilege rights.Value) (*Grant, error) {
	token, ok := z.authn.VerifyAuthenticationHeader(ctx, r.Header)
	if !ok {
		return nil, sif.Errorf(sif.ErrRejected, "request is not authorized")
	}

	query := r.URL.Query()
	zoneID, err := singleParam(query, ParamZoneID)
	if err != nil {
		return nil, err
	}
	contextID, err := singleParam(query, ParamContextID)
	if err != nil {
		return nil, err
	}

	env, err := z.authn.EnvironmentBySessionToken(ctx, token)
	if err != nil {
		return nil, sif.Wrap(sif.ErrInvalidRequest, err, "no environment for the session")
	}
	zone, ok := env.Zone(zoneID)
	if !ok {
		if zoneID == "" {
			return nil, sif.Errorf(sif.ErrInvalidRequest, "environment has no default zone")
		}
		return nil, sif.Errorf(sif.ErrInvalidRequest, "zone %q is not part of the environment", zoneID)
	}

	serviceType := environment.ServiceType(strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderServiceType))))
	if serviceType == "" {
		serviceType = environment.ServiceObject
	}
	svc, ok := zone.Service(serviceName, serviceType, contextID)
	if !ok {
		return nil, sif.Errorf(sif.ErrInvalidRequest, "service %s of type %s is not available in zone %q", serviceName, serviceType, zone.ID)
	}
	if err := rights.Check(svc.Rights, rights.Right{Type: permission, Value: privilege}); err != nil {
		return nil, err
	}
	return &Grant{SessionToken: token, Environment: env, Zone: zone, Service: svc}, nil
}

// singleParam returns the one value of key, or "" if absent. Repeated or
// blank values are invalid.
func singleParam(q map[string][]string, key string) (string, error) {
	vals, ok := q[key]
	if !ok {
		return "", nil
	}
	if len(vals) != 1 || strings.TrimSpace(vals[0]) == "" {
		return "", sif.Errorf(sif.ErrInvalidRequest, "%s must have exactly one value", key)
	}
	return vals[0], nil
}

// SessionToken is a convenience for handlers: it authenticates r without
// any service check and reports the session token.
func (z *Authoriser) SessionToken(ctx context.Context, r *http.Request) (string, error) {
	token, ok := z.authn.VerifyAuthenticationHeader(ctx, r.Header)
	if !ok {
		return "", sif.Errorf(sif.ErrRejected, "request is not authorized")
	}
	return token, nil
}
