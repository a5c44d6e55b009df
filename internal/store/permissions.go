package store

import (
	"context"
	"fmt"
)

// ListPermissions returns every permission row granted to a user on an
// app, allowed or not.
func (c *Client) ListPermissions(ctx context.Context, userID, appID string) ([]PermissionRow, error) {
	var rows []PermissionRow
	_, err := c.db.From("app_permissions").
		Select("*", "", false).
		Eq("granted_to_user_id", userID).
		Eq("app_id", appID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return rows, nil
}

// UpsertPermission writes a permission row keyed by (user, app, function).
func (c *Client) UpsertPermission(ctx context.Context, row *PermissionRow) error {
	_, _, err := c.db.From("app_permissions").
		Upsert(row, "granted_to_user_id,app_id,function_name", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("upsert permission: %w", err)
	}
	return nil
}

// DeletePermission removes a permission row by id.
func (c *Client) DeletePermission(ctx context.Context, id string) error {
	_, _, err := c.db.From("app_permissions").
		Delete("", "").
		Eq("id", id).
		Execute()
	if err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	return nil
}

// IncrementBudgetUsed persists one consumed budget unit. The resolver
// has already mutated its cached row; this write is best-effort.
func (c *Client) IncrementBudgetUsed(ctx context.Context, rowID string, used int64) error {
	update := map[string]any{"budget_used": used}
	_, _, err := c.db.From("app_permissions").
		Update(update, "", "").
		Eq("id", rowID).
		Execute()
	if err != nil {
		return fmt.Errorf("increment budget: %w", err)
	}
	return nil
}
