package store

import (
	"context"
	"fmt"
)

// InsertToolCall appends one call-log row.
func (c *Client) InsertToolCall(ctx context.Context, row *ToolCall) error {
	_, _, err := c.db.From("tool_calls").
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// InsertBalanceTransfer records a settled charge.
func (c *Client) InsertBalanceTransfer(ctx context.Context, row *BalanceTransfer) error {
	_, _, err := c.db.From("balance_transfers").
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("insert balance transfer: %w", err)
	}
	return nil
}
