package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"time"

	"sifworks.org/internal/sif"
)

// Scheme is the first token of an Authorization header.
type Scheme string

const (
	SchemeBasic Scheme = "Basic"
	SchemeHMAC  Scheme = "SIF_HMACSHA256"
)

// TimestampLayout renders UTC instants with seven fractional digits, the
// round-trip form SIF peers sign and compare byte for byte.
const TimestampLayout = "2006-01-02T15:04:05.0000000Z07:00"

const defaultMaxAge = 15 * time.Minute

// Token is an Authorization header value with the timestamp it was signed at.
type Token struct {
	Token     string
	Timestamp string
}

// SecretLookup resolves the shared secret for the identifier carried by a token.
type SecretLookup func(ctx context.Context, id string) (string, error)

// TokenService generates and verifies tokens of one scheme. Verify returns the
// identifier extracted from the token whether or not it verified.
type TokenService interface {
	Scheme() Scheme
	Generate(sessionToken, sharedSecret string) (Token, error)
	Verify(ctx context.Context, t Token, lookup SecretLookup) (string, bool, error)
}

// SchemeOf returns the scheme of an Authorization header value.
func SchemeOf(authorization string) (Scheme, bool) {
	head, _, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || head == "" {
		return "", false
	}
	return Scheme(head), true
}

// TokenOption configures a token service.
type TokenOption func(*tokenConfig)

type tokenConfig struct {
	now    func() time.Time
	maxAge time.Duration
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(c *tokenConfig) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithMaxAge sets how far a token timestamp may drift from now in either
// direction. Zero disables the check.
func WithMaxAge(d time.Duration) TokenOption {
	return func(c *tokenConfig) {
		if d >= 0 {
			c.maxAge = d
		}
	}
}

func newTokenConfig(opts []TokenOption) tokenConfig {
	c := tokenConfig{now: time.Now, maxAge: defaultMaxAge}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func invalidToken(format string, args ...any) error {
	return sif.Errorf(sif.ErrInvalidAuthorisationToken, format, args...)
}

// HMACTokenService implements the SIF_HMACSHA256 scheme.
type HMACTokenService struct {
	cfg tokenConfig
}

// NewHMACTokenService returns an HMAC token service with a 15 minute window.
func NewHMACTokenService(opts ...TokenOption) *HMACTokenService {
	return &HMACTokenService{cfg: newTokenConfig(opts)}
}

func (s *HMACTokenService) Scheme() Scheme { return SchemeHMAC }

// Generate signs sessionToken and the current timestamp with sharedSecret.
func (s *HMACTokenService) Generate(sessionToken, sharedSecret string) (Token, error) {
	if strings.TrimSpace(sessionToken) == "" || sharedSecret == "" {
		return Token{}, sif.Errorf(sif.ErrInvalidArgument, "session token and shared secret are required")
	}
	ts := s.cfg.now().UTC().Format(TimestampLayout)
	mac := hmacSign(sharedSecret, sessionToken+":"+ts)
	payload := base64.StdEncoding.EncodeToString([]byte(sessionToken + ":" + mac))
	return Token{Token: string(SchemeHMAC) + " " + payload, Timestamp: ts}, nil
}

// Verify recomputes the MAC over the token's own timestamp. Lookup errors,
// including unknown sessions, are returned unchanged.
func (s *HMACTokenService) Verify(ctx context.Context, t Token, lookup SecretLookup) (string, bool, error) {
	if strings.TrimSpace(t.Token) == "" {
		return "", false, invalidToken("authorisation token is required")
	}
	if strings.TrimSpace(t.Timestamp) == "" {
		return "", false, invalidToken("authorisation token timestamp is required")
	}
	parts := strings.Split(t.Token, " ")
	if len(parts) != 2 || parts[0] != string(SchemeHMAC) {
		return "", false, invalidToken("authorisation token is not a %s token", SchemeHMAC)
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(parts[1])
	if err != nil {
		return "", false, invalidToken("authorisation token payload is not valid Base64")
	}
	inner := strings.Split(string(raw), ":")
	if len(inner) != 2 || strings.TrimSpace(inner[0]) == "" || strings.TrimSpace(inner[1]) == "" {
		return "", false, invalidToken("authorisation token payload is malformed")
	}
	sessionToken, clientMAC := inner[0], inner[1]

	if err := s.checkFreshness(t.Timestamp); err != nil {
		return sessionToken, false, err
	}
	secret, err := lookup(ctx, sessionToken)
	if err != nil {
		return sessionToken, false, err
	}
	expected := hmacSign(secret, sessionToken+":"+t.Timestamp)
	return sessionToken, hmac.Equal([]byte(expected), []byte(clientMAC)), nil
}

func (s *HMACTokenService) checkFreshness(timestamp string) error {
	if s.cfg.maxAge == 0 {
		return nil
	}
	signed, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return invalidToken("authorisation token timestamp is not a valid instant")
	}
	age := s.cfg.now().Sub(signed)
	if age > s.cfg.maxAge || age < -s.cfg.maxAge {
		return invalidToken("authorisation token timestamp is outside the accepted window")
	}
	return nil
}

func hmacSign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// BasicTokenService implements HTTP Basic with the session token (or
// application key) as user and the shared secret as password.
type BasicTokenService struct {
	cfg tokenConfig
}

// NewBasicTokenService returns a Basic token service. Only the clock option applies.
func NewBasicTokenService(opts ...TokenOption) *BasicTokenService {
	return &BasicTokenService{cfg: newTokenConfig(opts)}
}

func (s *BasicTokenService) Scheme() Scheme { return SchemeBasic }

func (s *BasicTokenService) Generate(sessionToken, sharedSecret string) (Token, error) {
	if strings.TrimSpace(sessionToken) == "" || sharedSecret == "" {
		return Token{}, sif.Errorf(sif.ErrInvalidArgument, "session token and shared secret are required")
	}
	payload := base64.StdEncoding.EncodeToString([]byte(sessionToken + ":" + sharedSecret))
	return Token{
		Token:     string(SchemeBasic) + " " + payload,
		Timestamp: s.cfg.now().UTC().Format(TimestampLayout),
	}, nil
}

func (s *BasicTokenService) Verify(ctx context.Context, t Token, lookup SecretLookup) (string, bool, error) {
	if strings.TrimSpace(t.Token) == "" {
		return "", false, invalidToken("authorisation token is required")
	}
	parts := strings.Split(t.Token, " ")
	if len(parts) != 2 || parts[0] != string(SchemeBasic) {
		return "", false, invalidToken("authorisation token is not a %s token", SchemeBasic)
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(parts[1])
	if err != nil {
		return "", false, invalidToken("authorisation token payload is not valid Base64")
	}
	user, password, ok := strings.Cut(string(raw), ":")
	if !ok || strings.TrimSpace(user) == "" || password == "" {
		return "", false, invalidToken("authorisation token payload is malformed")
	}
	secret, err := lookup(ctx, user)
	if err != nil {
		return user, false, err
	}
	return user, subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1, nil
}
