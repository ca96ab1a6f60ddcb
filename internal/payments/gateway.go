// Package payments defines the narrow stablecoin-transfer capability the
// settlement engine depends on, plus adapters for the underlying transfer
// mechanisms. The engine only ever needs "charge exactly the entry fee from
// participant X" and "pay amount Y to participant X", each yielding a
// transaction id or a typed failure.
package payments

import (
	"context"
	"errors"
	"fmt"
)

// Gateway is the transfer capability consumed by the engine. Amounts are in
// micro-units (6-decimal stablecoin). Both calls must respect ctx deadlines:
// a charge that has not confirmed when the deadline passes is treated by the
// caller as never having happened.
type Gateway interface {
	// Charge collects amount from the participant and returns the
	// transaction id on success.
	Charge(ctx context.Context, participant string, amount int64) (string, error)

	// Payout transfers amount to the participant and returns the
	// transaction id on success.
	Payout(ctx context.Context, participant string, amount int64) (string, error)
}

// Error codes reported by gateway adapters.
const (
	CodeDeclined              = "declined"
	CodeInsufficientFunds     = "insufficient_funds"
	CodeInsufficientAllowance = "insufficient_allowance"
	CodeUnauthorized          = "unauthorized"
	CodeUnavailable           = "unavailable"
)

// Error is a typed failure from a gateway adapter.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("payments: %s: %s", e.Code, e.Message)
}

// IsInsufficientAllowance reports whether err is an allowance failure, which
// the participant can fix by approving the spend and retrying.
func IsInsufficientAllowance(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == CodeInsufficientAllowance
}

// IsRetryable reports whether err is transient (the transfer may succeed if
// attempted again).
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == CodeUnavailable
}
