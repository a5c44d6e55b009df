package store

import (
	"context"
	"time"
)

// TransferResult is one row returned by the transfer_balance procedure.
type TransferResult struct {
	FromBalanceCents int64 `json:"from_balance_cents"`
	ToBalanceCents   int64 `json:"to_balance_cents"`
}

// TransferBalance moves amountCents atomically between two users. The
// procedure returns no rows when the payer's balance is insufficient;
// that outcome is (false, nil), not an error.
func (c *Client) TransferBalance(ctx context.Context, fromUserID, toUserID string, amountCents int64) (bool, error) {
	var rows []TransferResult
	err := c.rpc(ctx, "transfer_balance", map[string]any{
		"p_from_user_id": fromUserID,
		"p_to_user_id":   toUserID,
		"p_amount_cents": amountCents,
	}, &rows)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// QuotaDecision is the result of the check_rate_limit procedure, which
// increments and tests a windowed counter in one round trip.
type QuotaDecision struct {
	Allowed bool  `json:"allowed"`
	Current int64 `json:"current"`
}

// CheckRateLimit increments the counter for key in the window starting
// at windowStart and reports whether it is still within limit.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, windowStart time.Time) (*QuotaDecision, error) {
	var res QuotaDecision
	err := c.rpc(ctx, "check_rate_limit", map[string]any{
		"p_key":          key,
		"p_limit":        limit,
		"p_window_start": windowStart.UTC().Format(time.RFC3339),
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
