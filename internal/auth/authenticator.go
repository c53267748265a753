package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
)

// Authenticator resolves the caller of a request. Failures are
// *apperr.AuthenticationError; there is no anonymous identity.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// Result is the outcome of an authentication attempt as reported to callers
// of the guard.
type Result struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	SubjectID       string `json:"subjectId,omitempty"`
	OrganizationID  string `json:"organizationId,omitempty"`
	AuthMethod      string `json:"authMethod,omitempty"`
	Status          int    `json:"status"`
	Message         string `json:"message"`
}

// Authenticated is the response body for an identity that passed every check.
func Authenticated(id *Identity) Result {
	return Result{
		IsAuthenticated: true,
		SubjectID:       id.SubjectID,
		OrganizationID:  id.OrganizationID,
		AuthMethod:      id.AuthMethod,
		Status:          http.StatusOK,
		Message:         "Authenticated",
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

type APIKeyAuthenticator struct {
	resolver *KeyResolver
}

func NewAPIKeyAuthenticator(resolver *KeyResolver) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{resolver: resolver}
}

func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	key, err := a.resolver.Resolve(r.Context(), BearerToken(r))
	if err != nil {
		return nil, err
	}
	return key.Identity(), nil
}

// SessionClaims is the payload of the session cookie issued by the web app.
type SessionClaims struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	jwt.RegisteredClaims
}

type SessionAuthenticator struct {
	secret     []byte
	cookieName string
	issuer     string
	clock      quartz.Clock
}

func NewSessionAuthenticator(secret, cookieName, issuer string, clock quartz.Clock) *SessionAuthenticator {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &SessionAuthenticator{secret: []byte(secret), cookieName: cookieName, issuer: issuer, clock: clock}
}

func (a *SessionAuthenticator) hasSession(r *http.Request) bool {
	c, err := r.Cookie(a.cookieName)
	return err == nil && c.Value != ""
}

func (a *SessionAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	c, err := r.Cookie(a.cookieName)
	if err != nil || c.Value == "" {
		return nil, apperr.Unauthenticated(apperr.ReasonMissing, "Session is missing")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return a.clock.Now() }),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims SessionClaims
	_, err = jwt.ParseWithClaims(c.Value, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Unauthenticated(apperr.ReasonRevoked, "Session has expired")
		}
		return nil, apperr.Unauthenticated(apperr.ReasonInvalid, "Invalid session")
	}
	if claims.UserID == "" {
		return nil, apperr.Unauthenticated(apperr.ReasonInvalid, "Invalid session")
	}

	return &Identity{
		SubjectID:      claims.UserID,
		Kind:           KindUser,
		OrganizationID: claims.OrganizationID,
		AuthMethod:     MethodSession,
	}, nil
}

// Issue signs a session token. The web app owns sessions; this exists for
// seeding and tests.
func (a *SessionAuthenticator) Issue(userID, organizationID string, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := SessionClaims{
		UserID:         userID,
		OrganizationID: organizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// HybridAuthenticator prefers a bearer API key and uses the session cookie
// only when no Authorization header was sent. A presented but bad API key is
// rejected, never retried as a session.
type HybridAuthenticator struct {
	apiKey  *APIKeyAuthenticator
	session *SessionAuthenticator
}

func NewHybridAuthenticator(apiKey *APIKeyAuthenticator, session *SessionAuthenticator) *HybridAuthenticator {
	return &HybridAuthenticator{apiKey: apiKey, session: session}
}

func (a *HybridAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	if r.Header.Get("Authorization") != "" {
		return a.apiKey.Authenticate(r)
	}
	if a.session.hasSession(r) {
		return a.session.Authenticate(r)
	}
	return nil, apperr.Unauthenticated(apperr.ReasonMissing, "API Key is missing")
}

// NewAuthenticator picks the variant named by mode.
func NewAuthenticator(mode string, resolver *KeyResolver, session *SessionAuthenticator) (Authenticator, error) {
	switch mode {
	case "api_key":
		return NewAPIKeyAuthenticator(resolver), nil
	case "session":
		return session, nil
	case "hybrid", "":
		return NewHybridAuthenticator(NewAPIKeyAuthenticator(resolver), session), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// Middleware rejects unauthenticated requests and stores the Identity in the
// request context.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r)
			if err != nil {
				apperr.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
