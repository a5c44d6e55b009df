package store

import (
	"context"
	"fmt"
)

// GetApp retrieves an app by id. Missing rows yield (nil, nil); the
// caller decides whether that is an error.
func (c *Client) GetApp(ctx context.Context, appID string) (*App, error) {
	var apps []App
	_, err := c.db.From("apps").
		Select("*", "", false).
		Eq("id", appID).
		ExecuteTo(&apps)
	if err != nil {
		return nil, fmt.Errorf("get app: %w", err)
	}
	if len(apps) == 0 {
		return nil, nil
	}
	return &apps[0], nil
}

// FindAppBySlug resolves an app through its owner's id and slug, the
// addressing form inter-app calls use.
func (c *Client) FindAppBySlug(ctx context.Context, ownerID, slug string) (*App, error) {
	var apps []App
	_, err := c.db.From("apps").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("slug", slug).
		ExecuteTo(&apps)
	if err != nil {
		return nil, fmt.Errorf("find app by slug: %w", err)
	}
	if len(apps) == 0 {
		return nil, nil
	}
	return &apps[0], nil
}

// ListAppsByOwner returns every app a user owns, ordered by slug.
func (c *Client) ListAppsByOwner(ctx context.Context, ownerID string) ([]App, error) {
	var apps []App
	_, err := c.db.From("apps").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Order("slug", nil).
		ExecuteTo(&apps)
	if err != nil {
		return nil, fmt.Errorf("list apps by owner: %w", err)
	}
	return apps, nil
}

// GetUpstreamDBConfig resolves an explicit upstream database config row.
func (c *Client) GetUpstreamDBConfig(ctx context.Context, configID string) (*UpstreamDBConfig, error) {
	var rows []UpstreamDBConfig
	_, err := c.db.From("upstream_db_configs").
		Select("*", "", false).
		Eq("id", configID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get upstream db config: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
