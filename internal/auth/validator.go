package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/irep/realtime_gateway/internal/apperr"
)

// AccessTokenParam is the query parameter browsers use to pass the bearer
// token, since WebSocket and EventSource clients cannot set headers.
const AccessTokenParam = "access_token"

var hmacMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

type tokenClaims struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Validator verifies HMAC-signed bearer tokens locally. It holds no mutable
// state and is safe for concurrent use.
type Validator struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithLeeway tolerates clock skew when checking expiry.
func WithLeeway(d time.Duration) Option {
	return func(v *Validator) { v.leeway = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a Validator for the given signing secret.
func NewValidator(secret []byte, opts ...Option) (*Validator, error) {
	if len(secret) == 0 {
		return nil, apperr.New(apperr.CodeConfigInvalid, "token signing secret is empty", nil)
	}
	v := &Validator{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate verifies token and returns the identity it carries.
func (v *Validator) Validate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperr.New(apperr.CodeInvalidToken, "token is missing", nil)
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, v.key,
		jwt.WithValidMethods(hmacMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, apperr.New(apperr.CodeExpiredToken, "token is expired", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Identity{}, apperr.New(apperr.CodeSignatureMismatch, "token signature is invalid", err)
		default:
			return Identity{}, apperr.New(apperr.CodeInvalidToken, "token is malformed", err)
		}
	}

	// A connection cannot exist outside a tenant scope.
	if strings.TrimSpace(claims.TenantID) == "" {
		return Identity{}, apperr.New(apperr.CodeInvalidToken, "token has no tenantId claim", nil)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return Identity{}, apperr.New(apperr.CodeInvalidToken, "token has no id claim", nil)
	}

	return Identity{
		UserID:   claims.ID,
		TenantID: claims.TenantID,
		Email:    claims.Email,
		Roles:    claims.Roles,
	}, nil
}

func (v *Validator) key(*jwt.Token) (any, error) {
	return v.secret, nil
}

// Issue signs a short-lived HS256 token for id. Production tokens come from
// the auth service; this exists for local tooling and tests.
func (v *Validator) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := tokenClaims{
		ID:       id.UserID,
		TenantID: id.TenantID,
		Email:    id.Email,
		Roles:    id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest extracts the bearer token from the access_token query
// parameter or the Authorization header, in that order.
func TokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get(AccessTokenParam); tok != "" {
		return tok
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken returns the credentials of a "Bearer" Authorization header
// value, or "" when the scheme does not match.
func BearerToken(header string) string {
	const bearerPrefix = "Bearer "
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return ""
}
