package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/engine"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/store"
)

// APIError is the structured error envelope returned by every endpoint.
type APIError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e APIError) Error() string {
	return e.Message
}

// Error types with proper categorization
const (
	// Input validation errors
	ErrTypeValidation         = "validation_error"
	ErrTypeInvalidMove        = "invalid_move"
	ErrTypeInvalidParticipant = "invalid_participant"

	// Round lifecycle errors
	ErrTypeWindowClosed    = "entry_window_closed"
	ErrTypeAlreadyEntered  = "already_entered"
	ErrTypeEntryPending    = "entry_pending"
	ErrTypeRoundNotSettled = "round_not_settled"
	ErrTypeNotFound        = "not_found"

	// Payment errors
	ErrTypePaymentFailed         = "payment_failed"
	ErrTypePaymentTimeout        = "payment_timeout"
	ErrTypeInsufficientAllowance = "insufficient_allowance"

	// Claim errors
	ErrTypeNotWinner        = "not_winner"
	ErrTypeAlreadyClaimed   = "already_claimed"
	ErrTypeClaimUnavailable = "claim_unavailable"
	ErrTypePayoutFailed     = "payout_failed"
	ErrTypeNotSweepable     = "not_sweepable"

	// System errors
	ErrTypeUnauthorized = "unauthorized"
	ErrTypeIntegrity    = "integrity_violation"
	ErrTypeInternal     = "internal_error"
)

// ErrorCategory represents error categories for monitoring
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryRound      ErrorCategory = "round"
	CategoryPayment    ErrorCategory = "payment"
	CategorySystem     ErrorCategory = "system"
)

// GetErrorCategory returns the category for an error type
func GetErrorCategory(errType string) ErrorCategory {
	switch errType {
	case ErrTypeValidation, ErrTypeInvalidMove, ErrTypeInvalidParticipant:
		return CategoryValidation
	case ErrTypeWindowClosed, ErrTypeAlreadyEntered, ErrTypeEntryPending,
		ErrTypeRoundNotSettled, ErrTypeNotFound, ErrTypeNotWinner,
		ErrTypeAlreadyClaimed, ErrTypeClaimUnavailable, ErrTypeNotSweepable:
		return CategoryRound
	case ErrTypePaymentFailed, ErrTypePaymentTimeout,
		ErrTypeInsufficientAllowance, ErrTypePayoutFailed:
		return CategoryPayment
	default:
		return CategorySystem
	}
}

// EntryRequest submits a move into a round's entry window.
type EntryRequest struct {
	Participant string `json:"participant"`
	Move        string `json:"move"`
}

// EntryResponse echoes the committed entry receipt.
type EntryResponse struct {
	Receipt    *engine.Receipt `json:"receipt"`
	FeeDisplay string          `json:"fee_display"`
}

// ClaimRequest asks for a winner's share of a settled round.
type ClaimRequest struct {
	Participant string `json:"participant"`
}

// ClaimResponse confirms a disbursed share.
type ClaimResponse struct {
	RoundID       int64  `json:"round_id"`
	Participant   string `json:"participant"`
	Amount        int64  `json:"amount"`
	AmountDisplay string `json:"amount_display"`
}

// EntryStatusResponse reports a participant's standing in a round.
type EntryStatusResponse struct {
	RoundID     int64  `json:"round_id"`
	Participant string `json:"participant"`
	Entered     bool   `json:"entered"`
	Move        string `json:"move,omitempty"`
}

// RoundsResponse is a page of round history.
type RoundsResponse struct {
	Rounds     []store.Round `json:"rounds"`
	Page       int           `json:"page"`
	PerPage    int           `json:"per_page"`
	TotalCount int           `json:"total_count"`
	TotalPages int           `json:"total_pages"`
}

// SweepResponse confirms a released zero-winner pool.
type SweepResponse struct {
	RoundID       int64  `json:"round_id"`
	Amount        int64  `json:"amount"`
	AmountDisplay string `json:"amount_display"`
}

// FairnessResponse publishes the outcome commitment and the game's economic
// constants so entrants can audit rounds after settlement.
type FairnessResponse struct {
	Commitment        string `json:"commitment"`
	Mode              string `json:"mode"`
	RoundDurationSecs int64  `json:"round_duration_secs"`
	EntryWindowSecs   int64  `json:"entry_window_secs"`
	EntryFee          int64  `json:"entry_fee"`
	EntryFeeDisplay   string `json:"entry_fee_display"`
	Rake              int64  `json:"rake"`
	RakeDisplay       string `json:"rake_display"`
}

// LeaderboardResponse ranks participants by paid winnings.
type LeaderboardResponse struct {
	Rows []store.LeaderboardRow `json:"rows"`
}

// microDisplay renders a micro-unit amount as a 6-decimal token string.
func microDisplay(amount int64) string {
	return decimal.New(amount, -6).StringFixed(6)
}

func rfc3339Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
