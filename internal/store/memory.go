package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// MemorySet upserts one cross-app memory entry for (user, scope, key).
func (c *Client) MemorySet(ctx context.Context, userID, scope, key string, value json.RawMessage) error {
	row := MemoryRow{UserID: userID, Scope: scope, Key: key, Value: value}
	_, _, err := c.db.From("user_memory").
		Upsert(row, "user_id,scope,key", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("memory set: %w", err)
	}
	return nil
}

// MemoryGet returns the value for (user, scope, key), or nil when absent.
func (c *Client) MemoryGet(ctx context.Context, userID, scope, key string) (json.RawMessage, error) {
	var rows []MemoryRow
	_, err := c.db.From("user_memory").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("scope", scope).
		Eq("key", key).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("memory get: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].Value, nil
}
