package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TimeNow is the clock used for exp/nbf checks. Package-level var for test
// injection.
var TimeNow = time.Now

// Claims are the JWT claims the gateway expects. The subject is the actor.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// JWTAuthenticator verifies HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	Secret   []byte
	Issuer   string
	Audience string
}

func NewJWTAuthenticator(secret, issuer, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{Secret: []byte(secret), Issuer: issuer, Audience: audience}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return Identity{}, err
	}
	claims, err := a.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: claims.Subject, TenantID: claims.TenantID, Roles: claims.Roles}, nil
}

// Verify checks the signature, expiry and, when configured, issuer and
// audience. Subject and tenant bindings are mandatory.
func (a *JWTAuthenticator) Verify(token string) (*Claims, error) {
	if a == nil || len(a.Secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithTimeFunc(TimeNow),
		jwt.WithExpirationRequired(),
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	if a.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.Audience))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidCredentials
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject required", ErrInvalidCredentials)
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant binding required", ErrInvalidCredentials)
	}
	return claims, nil
}

// Issue signs claims with HS256. Used by operator tooling and tests.
func (a *JWTAuthenticator) Issue(subject, tenantID string, roles []string, ttl time.Duration) (string, error) {
	now := TimeNow()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	if a.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

// bearerToken accepts "Bearer <token>" with any casing of the scheme.
func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrMissingCredentials
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredentials
	}
	return token, nil
}
