package engine

import "errors"

// Admission errors: user-correctable, returned synchronously, no state change.
var (
	ErrAlreadyEntered        = errors.New("participant already entered this round")
	ErrInvalidParticipant    = errors.New("participant identity is required")
	ErrEntryPending          = errors.New("a payment for this round is already in flight")
	ErrInvalidChoice         = errors.New("move must be rock, paper, or scissors")
	ErrEntryWindowClosed     = errors.New("entry window is closed for this round")
	ErrInsufficientAllowance = errors.New("entry fee spend has not been authorized")
)

// Payment errors: external or transient. The participant is guaranteed not
// to be entered; retrying is the prescribed recovery.
var (
	ErrPaymentFailed  = errors.New("entry payment failed")
	ErrPaymentTimeout = errors.New("entry payment did not confirm in time")
)

// Settlement and claim errors: terminal for the call, no partial effect.
var (
	ErrRoundNotComplete = errors.New("round is not settled yet")
	ErrNotWinner        = errors.New("participant did not win this round")
	ErrAlreadyClaimed   = errors.New("share already claimed for this round")
	ErrClaimUnavailable = errors.New("claims are disabled in push payout mode")
	ErrPayoutFailed     = errors.New("share payout failed")
)

// ErrIntegrity marks a state that the invariants say must never be reached
// (disbursement exceeding the frozen pool). The affected operation aborts
// without mutating anything; it indicates a bug or tampering, not a
// recoverable condition.
var ErrIntegrity = errors.New("integrity violation: disbursement would exceed prize pool")
