package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// KVSet upserts one (app, user, key) storage entry.
func (c *Client) KVSet(ctx context.Context, appID, userID, key string, value json.RawMessage) error {
	row := KVRow{AppID: appID, UserID: userID, Key: key, Value: value}
	_, _, err := c.db.From("app_storage").
		Upsert(row, "app_id,user_id,key", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet returns the value for key, or nil when absent.
func (c *Client) KVGet(ctx context.Context, appID, userID, key string) (json.RawMessage, error) {
	var rows []KVRow
	_, err := c.db.From("app_storage").
		Select("*", "", false).
		Eq("app_id", appID).
		Eq("user_id", userID).
		Eq("key", key).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].Value, nil
}

// KVList returns the keys under prefix, sorted by the store.
func (c *Client) KVList(ctx context.Context, appID, userID, prefix string) ([]string, error) {
	query := c.db.From("app_storage").
		Select("key", "", false).
		Eq("app_id", appID).
		Eq("user_id", userID).
		Order("key", nil)
	if prefix != "" {
		query = query.Like("key", escapeLike(prefix)+"%")
	}

	var rows []KVRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	return keys, nil
}

// KVQuery returns full entries under prefix with limit/offset paging.
func (c *Client) KVQuery(ctx context.Context, appID, userID, prefix string, limit, offset int) ([]KVRow, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := c.db.From("app_storage").
		Select("*", "", false).
		Eq("app_id", appID).
		Eq("user_id", userID).
		Order("key", nil)
	if prefix != "" {
		query = query.Like("key", escapeLike(prefix)+"%")
	}
	query = query.Range(offset, offset+limit-1, "")

	var rows []KVRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("kv query: %w", err)
	}
	return rows, nil
}

// KVDelete removes one key; absent keys are a no-op.
func (c *Client) KVDelete(ctx context.Context, appID, userID, key string) error {
	_, _, err := c.db.From("app_storage").
		Delete("", "").
		Eq("app_id", appID).
		Eq("user_id", userID).
		Eq("key", key).
		Execute()
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// escapeLike neutralizes PostgREST LIKE wildcards inside user keys so a
// prefix of "a_b" does not match "axb".
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
