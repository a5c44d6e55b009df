// Package auth verifies bearer credentials: platform JWTs whose
// signature the identity provider already checked, and ul_ API tokens
// stored as hashes.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/store"
)

// Failure subtypes surfaced to clients in error.data.type.
const (
	TypeAuthRequired    = "AUTH_REQUIRED"
	TypeTokenExpired    = "AUTH_TOKEN_EXPIRED"
	TypeMissingToken    = "AUTH_MISSING_TOKEN"
	TypeInvalidToken    = "AUTH_INVALID_TOKEN"
	TypeAPITokenInvalid = "AUTH_API_TOKEN_INVALID"
)

const apiTokenPrefix = "ul_"

// Error is an authentication failure with its client-facing subtype.
type Error struct {
	Type    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Identity is the verified caller of one request.
type Identity struct {
	UserID string
	Email  string
	Tier   string

	// Bearer is the raw credential, re-presented on inter-app calls so
	// the target app sees the same user.
	Bearer string

	// APIToken marks ul_ credentials. Scope lists are nil when
	// unrestricted (absent or wildcard).
	APIToken       bool
	TokenAppIDs    []string
	TokenFunctions []string
}

// AllowsApp reports whether the credential's scope admits appID.
func (id *Identity) AllowsApp(appID string) bool {
	return id.TokenAppIDs == nil || contains(id.TokenAppIDs, appID)
}

// AllowsFunction reports whether the credential's scope admits fn. SDK
// tool names are scoped exactly like app functions.
func (id *Identity) AllowsFunction(fn string) bool {
	return id.TokenFunctions == nil || contains(id.TokenFunctions, fn)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// CredentialStore is the slice of the repository the verifier needs.
type CredentialStore interface {
	GetAPITokenByHash(ctx context.Context, hash string) (*store.APIToken, error)
	TouchAPIToken(ctx context.Context, tokenID string) error
	GetUser(ctx context.Context, userID string) (*store.User, error)
	EnsureUser(ctx context.Context, userID, email, tier string) error
}

// Verifier resolves Authorization header values into identities.
type Verifier struct {
	store CredentialStore
	log   *zap.Logger
	now   func() time.Time
}

func NewVerifier(st CredentialStore, log *zap.Logger) *Verifier {
	return &Verifier{store: st, log: log, now: time.Now}
}

// Verify inspects an Authorization header value and returns the caller
// identity, or an *Error describing the failure subtype.
func (v *Verifier) Verify(ctx context.Context, header string) (*Identity, error) {
	if header == "" {
		return nil, &Error{Type: TypeMissingToken, Message: "Missing or invalid authorization header"}
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, &Error{Type: TypeMissingToken, Message: "Missing or invalid authorization header"}
	}

	if strings.HasPrefix(token, apiTokenPrefix) {
		return v.verifyAPIToken(ctx, token)
	}
	return v.verifyJWT(ctx, token)
}

func (v *Verifier) verifyAPIToken(ctx context.Context, token string) (*Identity, error) {
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	row, err := v.store.GetAPITokenByHash(ctx, hash)
	if err != nil {
		// A lookup failure is not a verdict on the token itself.
		v.log.Warn("api token lookup failed", zap.Error(err))
		return nil, &Error{Type: TypeAuthRequired, Message: "Authentication failed"}
	}
	if row == nil {
		return nil, &Error{Type: TypeAPITokenInvalid, Message: "Invalid API token"}
	}
	if row.RevokedAt != nil {
		return nil, &Error{Type: TypeAPITokenInvalid, Message: "API token revoked"}
	}
	if row.ExpiresAt != nil && !v.now().Before(*row.ExpiresAt) {
		return nil, &Error{Type: TypeTokenExpired, Message: "API token expired"}
	}

	// Usage bump is best-effort and off the request path.
	tokenID := row.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := v.store.TouchAPIToken(ctx, tokenID); err != nil {
			v.log.Warn("touch api token failed", zap.String("token_id", tokenID), zap.Error(err))
		}
	}()

	id := &Identity{
		UserID:         row.UserID,
		Tier:           "free",
		Bearer:         token,
		APIToken:       true,
		TokenAppIDs:    normalizeScope(row.AppIDs),
		TokenFunctions: normalizeScope(row.Functions),
	}
	if user, err := v.store.GetUser(ctx, row.UserID); err != nil {
		v.log.Warn("user lookup for api token failed", zap.String("user_id", row.UserID), zap.Error(err))
	} else if user != nil {
		id.Email = user.Email
		if user.Tier != "" {
			id.Tier = user.Tier
		}
	}
	return id, nil
}

// normalizeScope collapses "unrestricted" spellings to nil.
func normalizeScope(list []string) []string {
	if len(list) == 0 || contains(list, "*") {
		return nil
	}
	return list
}

func (v *Verifier) verifyJWT(ctx context.Context, token string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, &Error{Type: TypeInvalidToken, Message: "Invalid token"}
	}

	// Signature trust is delegated to the identity provider; expiry is
	// still ours to enforce. A token without exp passes.
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, &Error{Type: TypeInvalidToken, Message: "Invalid token"}
	}
	if exp != nil && !v.now().Before(exp.Time) {
		return nil, &Error{Type: TypeTokenExpired, Message: "Token expired"}
	}

	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if sub == "" || email == "" {
		return nil, &Error{Type: TypeInvalidToken, Message: "Token missing required claims"}
	}

	tier := "free"
	if meta, ok := claims["user_metadata"].(map[string]any); ok {
		if t, ok := meta["tier"].(string); ok && t != "" {
			tier = t
		}
	}

	if err := v.store.EnsureUser(ctx, sub, email, tier); err != nil {
		v.log.Warn("ensure user failed", zap.String("user_id", sub), zap.Error(err))
	}

	return &Identity{
		UserID: sub,
		Email:  email,
		Tier:   tier,
		Bearer: token,
	}, nil
}
