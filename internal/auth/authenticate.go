package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"sifworks.org/internal/environment"
	"sifworks.org/internal/obs"
	"sifworks.org/internal/sif"
)

// Header names carrying the token and the instant it was signed at.
const (
	HeaderAuthorization = "Authorization"
	HeaderTimestamp     = "timestamp"
)

// observeVerification records verification outcomes by scheme.
var observeVerification = obs.ObserveAuthVerification

// Mode selects how sessions are trusted.
type Mode string

const (
	// ModeDirect trusts any session token the shared secret verifies.
	ModeDirect Mode = "direct"
	// ModeBrokered accepts only the session stored for one configured identity.
	ModeBrokered Mode = "brokered"
)

// ParseMode accepts "direct" or "brokered" in any case; empty means direct.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeDirect:
		return ModeDirect, nil
	case ModeBrokered:
		return ModeBrokered, nil
	}
	return "", sif.Errorf(sif.ErrInvalidArgument, "unknown authentication mode %q", raw)
}

// Authenticator verifies inbound Authorization headers against shared secrets
// held by the environment store.
type Authenticator struct {
	store    environment.Store
	mode     Mode
	identity environment.Identity
	schemes  map[Scheme]TokenService
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator) error

// WithTokenService installs (or replaces) the service for its scheme.
func WithTokenService(ts TokenService) AuthenticatorOption {
	return func(a *Authenticator) error {
		if ts == nil {
			return errors.New("auth: token service is required")
		}
		a.schemes[ts.Scheme()] = ts
		return nil
	}
}

// WithBrokeredIdentity switches to brokered mode pinned to id's session.
func WithBrokeredIdentity(id environment.Identity) AuthenticatorOption {
	return func(a *Authenticator) error {
		if strings.TrimSpace(id.ApplicationKey) == "" {
			return errors.New("auth: brokered mode requires an application key")
		}
		a.mode = ModeBrokered
		a.identity = id
		return nil
	}
}

// NewAuthenticator builds a direct-mode authenticator accepting Basic and
// SIF_HMACSHA256 tokens.
func NewAuthenticator(store environment.Store, opts ...AuthenticatorOption) (*Authenticator, error) {
	if store == nil {
		return nil, errors.New("auth: environment store is required")
	}
	a := &Authenticator{
		store: store,
		mode:  ModeDirect,
		schemes: map[Scheme]TokenService{
			SchemeBasic: NewBasicTokenService(),
			SchemeHMAC:  NewHMACTokenService(),
		},
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Mode reports the configured mode.
func (a *Authenticator) Mode() Mode { return a.mode }

// TokenFromHeader extracts the token and timestamp from request headers.
func TokenFromHeader(h http.Header) Token {
	return Token{Token: strings.TrimSpace(h.Get(HeaderAuthorization)), Timestamp: strings.TrimSpace(h.Get(HeaderTimestamp))}
}

// SharedSecretByApplicationKey resolves the secret of an application register.
func (a *Authenticator) SharedSecretByApplicationKey(ctx context.Context, key string) (string, error) {
	reg, err := a.store.ApplicationRegister(ctx, key)
	if err != nil {
		return "", err
	}
	return reg.SharedSecret, nil
}

// SharedSecretBySessionToken resolves the secret of the application that owns a session.
func (a *Authenticator) SharedSecretBySessionToken(ctx context.Context, token string) (string, error) {
	s, err := a.store.SessionByToken(ctx, token)
	if err != nil {
		return "", err
	}
	reg, err := a.store.ApplicationRegister(ctx, s.Identity.ApplicationKey)
	if err != nil {
		return "", sif.Wrap(sif.ErrInvalidSession, err, "session has no application register")
	}
	return reg.SharedSecret, nil
}

// EnvironmentBySessionToken returns the environment a session belongs to.
func (a *Authenticator) EnvironmentBySessionToken(ctx context.Context, token string) (*environment.Environment, error) {
	return a.store.EnvironmentBySessionToken(ctx, token)
}

// VerifyAuthenticationHeader authenticates a call made within an existing
// session. Every failure, unknown sessions included, yields false.
func (a *Authenticator) VerifyAuthenticationHeader(ctx context.Context, h http.Header) (string, bool) {
	token, ok := a.verify(ctx, h, a.SharedSecretBySessionToken, false)
	if !ok || a.mode != ModeBrokered {
		return token, ok
	}
	s, err := a.store.SessionByIdentity(ctx, a.identity)
	if err != nil || s.SessionToken != token {
		scheme, _ := SchemeOf(TokenFromHeader(h).Token)
		observeVerification(string(scheme), "unpinned")
		obs.Warn("session does not match the brokered identity", map[string]any{"reference": sif.ReferenceOf(err)})
		return token, false
	}
	return token, true
}

// VerifyInitialAuthenticationHeader authenticates the registration call, where
// the token carries the application key instead of a session token.
func (a *Authenticator) VerifyInitialAuthenticationHeader(ctx context.Context, h http.Header) (string, bool) {
	return a.verify(ctx, h, a.SharedSecretByApplicationKey, true)
}

func (a *Authenticator) verify(ctx context.Context, h http.Header, lookup SecretLookup, initial bool) (string, bool) {
	tok := TokenFromHeader(h)
	scheme, ok := SchemeOf(tok.Token)
	if !ok {
		observeVerification("none", "missing")
		return "", false
	}
	ts, ok := a.schemes[scheme]
	if !ok {
		observeVerification("unknown", "unsupported")
		return "", false
	}
	id, verified, err := ts.Verify(ctx, tok, lookup)
	switch {
	case err != nil:
		observeVerification(string(scheme), "error")
		obs.Warn("authentication failed", map[string]any{
			"scheme": string(scheme), "initial": initial, "reference": sif.ReferenceOf(err), "error": err,
		})
		return id, false
	case !verified:
		observeVerification(string(scheme), "mismatch")
		return id, false
	}
	observeVerification(string(scheme), "ok")
	return id, true
}
