package store

import (
	"context"
	"fmt"
	"time"
)

// GetAPITokenByHash looks up an API token by the SHA-256 hex digest of
// the presented secret. Missing rows yield (nil, nil).
func (c *Client) GetAPITokenByHash(ctx context.Context, hash string) (*APIToken, error) {
	var tokens []APIToken
	_, err := c.db.From("api_tokens").
		Select("*", "", false).
		Eq("token_hash", hash).
		ExecuteTo(&tokens)
	if err != nil {
		return nil, fmt.Errorf("get api token: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return &tokens[0], nil
}

// TouchAPIToken bumps last_used_at. Best-effort: the verifier logs and
// proceeds when it fails.
func (c *Client) TouchAPIToken(ctx context.Context, tokenID string) error {
	update := map[string]any{"last_used_at": time.Now().UTC()}
	_, _, err := c.db.From("api_tokens").
		Update(update, "", "").
		Eq("id", tokenID).
		Execute()
	if err != nil {
		return fmt.Errorf("touch api token: %w", err)
	}
	return nil
}

// InsertAPIToken stores a freshly minted token's hash row.
func (c *Client) InsertAPIToken(ctx context.Context, token *APIToken) error {
	_, _, err := c.db.From("api_tokens").
		Insert(token, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("insert api token: %w", err)
	}
	return nil
}
