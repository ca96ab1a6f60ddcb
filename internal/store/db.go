// Package store persists round, entry, and payout records. Rounds span real
// time, so everything an engine restart must not lose (confirmed entries,
// frozen pools, settlement results, payout progress) lives here. The DB
// interface keeps the backend swappable without touching engine logic.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/game"
)

// Sentinel errors returned by DB implementations.
var (
	ErrNotFound        = errors.New("store: record not found")
	ErrDuplicateEntry  = errors.New("store: participant already entered this round")
	ErrDuplicatePayout = errors.New("store: payout already recorded for this participant")
	ErrRoundSettled    = errors.New("store: round is already settled")
	ErrRoundNotSettled = errors.New("store: round is not settled")
	ErrNotSweepable    = errors.New("store: round pool is not sweepable")
)

// Round is the durable record of one game round. A row materializes the
// first time the time-derived round id is written to (first entry or
// settlement); there is no explicit creation step.
type Round struct {
	ID             int64      `json:"id"`
	PrizePool      int64      `json:"prize_pool"`
	EntryCount     int        `json:"entry_count"`
	OutcomeMove    *game.Move `json:"outcome_move,omitempty"`
	WinningMove    *game.Move `json:"winning_move,omitempty"`
	WinnerCount    int        `json:"winner_count"`
	SharePerWinner int64      `json:"share_per_winner"`
	Remainder      int64      `json:"remainder"`
	Settled        bool       `json:"settled"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
	Swept          bool       `json:"swept"`
	SweptAt        *time.Time `json:"swept_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Entry is a confirmed entry: the participant's move plus the cleared
// charge. Pending (unconfirmed) entries are never written here.
type Entry struct {
	ID          string    `json:"id"`
	RoundID     int64     `json:"round_id"`
	Participant string    `json:"participant"`
	Move        game.Move `json:"move"`
	Fee         int64     `json:"fee"`
	Net         int64     `json:"net"`
	TxID        string    `json:"tx_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// PayoutStatus tracks a winner's share through disbursement.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutFailed  PayoutStatus = "failed"
)

// Payout is a winner's share of a settled round. The UNIQUE(round,
// participant) constraint behind it is what makes double payouts
// structurally impossible.
type Payout struct {
	ID          int64        `json:"id"`
	RoundID     int64        `json:"round_id"`
	Participant string       `json:"participant"`
	Amount      int64        `json:"amount"`
	Status      PayoutStatus `json:"status"`
	TxID        string       `json:"tx_id,omitempty"`
	Attempts    int          `json:"attempts"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// SettleResult is the settlement outcome to persist for a round.
type SettleResult struct {
	OutcomeMove    game.Move
	WinningMove    game.Move
	WinnerCount    int
	SharePerWinner int64
	Remainder      int64
}

// RoundsQuery selects a page of round history.
type RoundsQuery struct {
	Page        int
	PerPage     int
	SettledOnly bool
}

// RoundsList is a page of round history.
type RoundsList struct {
	Rounds     []Round `json:"rounds"`
	TotalCount int     `json:"total_count"`
	Page       int     `json:"page"`
	PerPage    int     `json:"per_page"`
	TotalPages int     `json:"total_pages"`
}

// LeaderboardRow aggregates a participant's paid winnings.
type LeaderboardRow struct {
	Participant string `json:"participant"`
	Wins        int    `json:"wins"`
	TotalWon    int64  `json:"total_won"`
}

// DB is the persistence capability the engine depends on.
type DB interface {
	Close() error

	// GetRound returns the round record, or ErrNotFound if the round has
	// never been written to.
	GetRound(ctx context.Context, id int64) (*Round, error)

	// InsertEntry commits a confirmed entry and grows the round's pool by
	// entry.Net in one transaction. Returns ErrDuplicateEntry if the
	// participant already has an entry for the round, ErrRoundSettled if
	// the pool is already frozen.
	InsertEntry(ctx context.Context, entry *Entry) error

	GetEntry(ctx context.Context, roundID int64, participant string) (*Entry, error)
	ListEntries(ctx context.Context, roundID int64) ([]Entry, error)

	// SettleRound freezes the round exactly once: it records the outcome
	// and share math and flips the settled flag with compare-and-set
	// semantics. A second call returns ErrRoundSettled and changes nothing.
	SettleRound(ctx context.Context, id int64, res SettleResult) error

	// InsertPayout records a winner's share in the pending state.
	InsertPayout(ctx context.Context, payout *Payout) error
	GetPayout(ctx context.Context, roundID int64, participant string) (*Payout, error)
	ListPayouts(ctx context.Context, roundID int64) ([]Payout, error)
	ListFailedPayouts(ctx context.Context, limit int) ([]Payout, error)
	MarkPayoutPaid(ctx context.Context, roundID int64, participant, txID string) error
	MarkPayoutFailed(ctx context.Context, roundID int64, participant string) error

	// SumCommitted returns the total amount of payouts for the round that
	// are pending or paid, the figure integrity checks compare against the
	// frozen pool.
	SumCommitted(ctx context.Context, roundID int64) (int64, error)

	// ListUnsettledRounds returns ids of rounds with recorded activity that
	// ended before beforeID and are still unsettled, oldest first.
	ListUnsettledRounds(ctx context.Context, beforeID int64, limit int) ([]int64, error)

	ListRounds(ctx context.Context, q RoundsQuery) (*RoundsList, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error)

	// SweepRound marks a settled zero-winner round's pool as swept and
	// returns the swept amount. Returns ErrNotSweepable if the round has
	// winners, an empty pool, or was already swept.
	SweepRound(ctx context.Context, id int64) (int64, error)
}
