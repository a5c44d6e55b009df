package store

import (
	"context"
	"fmt"
)

// GetUser retrieves a user by id. Missing rows yield (nil, nil).
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var users []User
	_, err := c.db.From("users").
		Select("*", "", false).
		Eq("id", userID).
		ExecuteTo(&users)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// EnsureUser upserts the identity-provider view of a user. Callers treat
// failure as non-fatal: a later write path retries the same upsert.
func (c *Client) EnsureUser(ctx context.Context, userID, email, tier string) error {
	row := map[string]any{
		"id":    userID,
		"email": email,
		"tier":  tier,
	}
	_, _, err := c.db.From("users").
		Upsert(row, "id", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

type creditResult struct {
	BalanceCents     int64 `json:"balance_cents"`
	HostingSuspended bool  `json:"hosting_suspended"`
}

// CreditHostingBalance applies a top-up through the credit_hosting_balance
// stored procedure, which also clears hosting suspension on the user's
// apps once the balance is no longer negative.
func (c *Client) CreditHostingBalance(ctx context.Context, userID string, amountCents int64) (int64, error) {
	var res creditResult
	err := c.rpc(ctx, "credit_hosting_balance", map[string]any{
		"p_user_id":      userID,
		"p_amount_cents": amountCents,
	}, &res)
	if err != nil {
		return 0, err
	}
	return res.BalanceCents, nil
}
