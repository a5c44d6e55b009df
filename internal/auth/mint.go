package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ultralight-ai/mcp-host/internal/store"
)

const tokenPrefixLen = 8

// TokenStore is the slice of the repository minting needs.
type TokenStore interface {
	InsertAPIToken(ctx context.Context, token *store.APIToken) error
}

// MintToken creates a new API token for a user, stores its hash row, and
// returns the plaintext secret. The secret is shown exactly once; only
// the hash and a display prefix persist.
func MintToken(ctx context.Context, st TokenStore, userID, name string, appIDs, functions []string, expiresAt *time.Time) (string, *store.APIToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	secret := apiTokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	sum := sha256.Sum256([]byte(secret))
	row := &store.APIToken{
		UserID:      userID,
		Name:        name,
		TokenHash:   hex.EncodeToString(sum[:]),
		TokenPrefix: secret[:tokenPrefixLen],
		AppIDs:      appIDs,
		Functions:   functions,
		ExpiresAt:   expiresAt,
	}
	if err := st.InsertAPIToken(ctx, row); err != nil {
		return "", nil, err
	}
	return secret, row, nil
}
