// Package auth provides HMAC-based API key authentication for the HTTP and
// gRPC surfaces.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/solatis/ruleskeeper/internal/core/db"
)

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// principalKey is the context key for the authenticated key name.
const principalKey = contextKey("principal")

// HeaderName carries the API key on HTTP requests; gRPC uses the same name
// in lowercase metadata.
const HeaderName = "X-API-Key"

// lastUsedThrottle limits last_used_at writes for busy keys.
const lastUsedThrottle = time.Minute

// Queries defines the database operations authentication needs.
// Implemented by *db.Queries.
type Queries interface {
	GetContext(ctx context.Context, name string, dest interface{}, args ...interface{}) error
	SelectContext(ctx context.Context, name string, dest interface{}, args ...interface{}) error
	ExecContext(ctx context.Context, name string, args ...interface{}) (sql.Result, error)
}

// KeyInfo describes a stored key. The key itself is never stored.
type KeyInfo struct {
	ID         string       `db:"api_key_id" json:"id"`
	Name       string       `db:"name" json:"name"`
	SecretID   string       `db:"secret_id" json:"secret_id"`
	CreatedAt  db.Timestamp `db:"created_at" json:"created_at"`
	LastUsedAt db.Timestamp `db:"last_used_at" json:"last_used_at"`
	RevokedAt  db.Timestamp `db:"revoked_at" json:"revoked_at"`
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// An authenticator without secrets is disabled and lets every request through.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	now     func() time.Time
}

// NewAuthenticator creates an authenticator with HMAC secrets keyed by
// secret id.
func NewAuthenticator(secrets map[string][]byte, queries Queries) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		queries: queries,
		now:     time.Now,
	}
}

// Enabled reports whether requests must carry a key.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secrets) > 0 && a.queries != nil
}

// Authenticate validates an API key and returns the key name.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	var key KeyInfo
	err = a.queries.GetContext(ctx, "get-api-key-by-hash", &key, ComputeHMAC(secret, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if !key.RevokedAt.IsZero() {
		return "", ErrKeyRevoked
	}

	now := a.now()
	if key.LastUsedAt.IsZero() || now.Sub(key.LastUsedAt.Time) > lastUsedThrottle {
		_, _ = a.queries.ExecContext(ctx, "update-last-used", db.NewTimestamp(now), key.ID)
	}
	return key.Name, nil
}

// CreateKey issues a key named name under the newest configured secret and
// returns it. The key is shown once; only its hash is stored.
func (a *Authenticator) CreateKey(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("key name must not be empty")
	}
	if len(a.secrets) == 0 {
		return "", ErrNoSecrets
	}

	secretID := a.newestSecretID()
	apiKey, err := GenerateAPIKey(secretID)
	if err != nil {
		return "", err
	}

	_, err = a.queries.ExecContext(ctx, "insert-api-key",
		uuid.Must(uuid.NewV7()).String(),
		name,
		secretID,
		ComputeHMAC(a.secrets[secretID], apiKey),
		db.NewTimestamp(a.now()),
	)
	if db.IsUniqueViolation(err) {
		return "", ErrKeyExists
	}
	if err != nil {
		return "", fmt.Errorf("failed to store API key: %w", err)
	}
	return apiKey, nil
}

// newestSecretID picks the lexically greatest id, which for UUIDv7 ids is
// the most recently generated secret.
func (a *Authenticator) newestSecretID() string {
	ids := make([]string, 0, len(a.secrets))
	for id := range a.secrets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[len(ids)-1]
}

// RevokeKey revokes the active key named name.
func (a *Authenticator) RevokeKey(ctx context.Context, name string) error {
	res, err := a.queries.ExecContext(ctx, "revoke-api-key", db.NewTimestamp(a.now()), name)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// ListKeys returns stored keys, newest first.
func (a *Authenticator) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	var keys []KeyInfo
	if err := a.queries.SelectContext(ctx, "list-api-keys", &keys); err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	return keys, nil
}

// UnaryInterceptor returns a gRPC interceptor that authenticates requests.
// The health service stays open so health checks work without a key.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !a.Enabled() || strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		apiKeys := md.Get(strings.ToLower(HeaderName))
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		name, err := a.Authenticate(ctx, apiKeys[0])
		if err != nil {
			return nil, status.Error(grpcCode(err), err.Error())
		}
		return handler(WithPrincipal(ctx, name), req)
	}
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, ErrKeyRevoked):
		return codes.PermissionDenied
	case errors.Is(err, ErrUnavailable):
		return codes.Unavailable
	default:
		return codes.Unauthenticated
	}
}

// Middleware authenticates HTTP requests through the X-API-Key header.
// Failures answer {"error": ...} with 401, 403 or 503.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(HeaderName)
		if apiKey == "" {
			writeAuthError(w, http.StatusUnauthorized, ErrMissingKey)
			return
		}
		name, err := a.Authenticate(r.Context(), apiKey)
		if err != nil {
			writeAuthError(w, httpStatus(err), err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), name)))
	})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrKeyRevoked):
		return http.StatusForbidden
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

func writeAuthError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// WithPrincipal returns ctx carrying the authenticated key name.
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey, name)
}

// PrincipalFromContext extracts the authenticated key name.
// Returns empty string if not found.
func PrincipalFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(principalKey).(string); ok {
		return name
	}
	return ""
}
