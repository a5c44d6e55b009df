// Package billing settles the per-call charge between a caller and an
// app author. Settlement runs after execution, so a call that failed
// in the sandbox never costs anything; a call that succeeded but could
// not be funded keeps its side effects and reports payment-required.
package billing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/app"
	"github.com/ultralight-ai/mcp-host/internal/store"
)

// transferLogTimeout bounds the fire-and-forget audit write.
const transferLogTimeout = 10 * time.Second

// Ledger is the repository slice holding balances.
type Ledger interface {
	TransferBalance(ctx context.Context, fromUserID, toUserID string, amountCents int64) (bool, error)
	InsertBalanceTransfer(ctx context.Context, row *store.BalanceTransfer) error
}

// Settlement is the monetary outcome of one call.
type Settlement struct {
	PriceCents      int64
	ChargeCents     int64
	PaymentRequired bool
}

// Settler moves money through the ledger's atomic transfer procedure.
type Settler struct {
	ledger Ledger
	log    *zap.Logger
}

func NewSettler(ledger Ledger, log *zap.Logger) *Settler {
	return &Settler{ledger: ledger, log: log}
}

// Settle charges the caller the function's price and credits the app
// owner. Free functions and owner self-calls settle at zero. A ledger
// transport failure settles at zero too: the response already carries
// the app's output and losing one charge is cheaper than losing the
// call.
func (s *Settler) Settle(ctx context.Context, a *app.App, callerID, function string) Settlement {
	price := a.PriceCents(function)
	if price <= 0 || callerID == a.OwnerID {
		return Settlement{PriceCents: price}
	}

	ok, err := s.ledger.TransferBalance(ctx, callerID, a.OwnerID, price)
	if err != nil {
		s.log.Error("balance transfer failed, call not charged",
			zap.String("app_id", a.ID),
			zap.String("function", function),
			zap.String("from", callerID),
			zap.Int64("price_cents", price),
			zap.Error(err))
		return Settlement{PriceCents: price}
	}
	if !ok {
		return Settlement{PriceCents: price, PaymentRequired: true}
	}

	row := &store.BalanceTransfer{
		FromUserID:   callerID,
		ToUserID:     a.OwnerID,
		AmountCents:  price,
		AppID:        a.ID,
		FunctionName: function,
	}
	go func() {
		logCtx, cancel := context.WithTimeout(context.Background(), transferLogTimeout)
		defer cancel()
		if err := s.ledger.InsertBalanceTransfer(logCtx, row); err != nil {
			s.log.Warn("transfer log write failed",
				zap.String("app_id", a.ID),
				zap.String("function", function),
				zap.Error(err))
		}
	}()

	return Settlement{PriceCents: price, ChargeCents: price}
}

// PaymentRequiredText is the tool-result text that replaces the app
// output when the caller's balance cannot cover the price.
func PaymentRequiredText(priceCents int64) string {
	return fmt.Sprintf("Insufficient balance. This tool costs %d¢ per call. Top up your balance to continue.", priceCents)
}
