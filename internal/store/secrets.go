package store

import (
	"context"
	"fmt"
)

// GetUserSecrets returns the encrypted per-user env vars for (user, app),
// keyed by env var name.
func (c *Client) GetUserSecrets(ctx context.Context, userID, appID string) (map[string]string, error) {
	var rows []UserSecret
	_, err := c.db.From("user_secrets").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("app_id", appID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get user secrets: %w", err)
	}
	secrets := make(map[string]string, len(rows))
	for _, r := range rows {
		secrets[r.Key] = r.ValueEncrypted
	}
	return secrets, nil
}
