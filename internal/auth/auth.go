package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

var ErrKeyNotFound = errors.New("api key not found")

type Kind string

const (
	KindUser    Kind = "user"
	KindService Kind = "service"
)

const (
	MethodAPIKey  = "api_key"
	MethodSession = "session"
)

// Identity is the resolved caller behind a request. It is never persisted.
type Identity struct {
	SubjectID      string `json:"subject_id"`
	Kind           Kind   `json:"kind"`
	OrganizationID string `json:"organization_id,omitempty"`
	APIKeyID       string `json:"api_key_id,omitempty"`
	AuthMethod     string `json:"auth_method"`
}

type APIKey struct {
	ID             string     `json:"id"`
	SecretHash     string     `json:"secret_hash"`
	Name           string     `json:"name"`
	OwnerUserID    string     `json:"owner_user_id"`
	OrganizationID string     `json:"organization_id,omitempty"`
	Scope          []string   `json:"scope"` // allowed model names, empty means all
	CreatedAt      time.Time  `json:"created_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

func (k *APIKey) AllowsModel(name string) bool {
	return len(k.Scope) == 0 || slices.Contains(k.Scope, name)
}

func (k *APIKey) Identity() *Identity {
	return &Identity{
		SubjectID:      k.OwnerUserID,
		Kind:           KindService,
		OrganizationID: k.OrganizationID,
		APIKeyID:       k.ID,
		AuthMethod:     MethodAPIKey,
	}
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (k *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(k)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (k *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, k)
}

// Store persists API keys. GetByHash returns revoked keys too so callers can
// tell a revoked key from an unknown one.
type Store interface {
	GetByHash(ctx context.Context, secretHash string) (*APIKey, error)
	Create(ctx context.Context, key *APIKey) error
	Revoke(ctx context.Context, keyID string, at time.Time) (*APIKey, error)
}

func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new raw API key. Only its hash is ever stored.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(buf), nil
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

// SubjectID returns the caller's subject or "".
func SubjectID(ctx context.Context) string {
	if id := IdentityFrom(ctx); id != nil {
		return id.SubjectID
	}
	return ""
}
