// Package engine owns the round lifecycle: admitting paid entries, deriving
// and freezing each round's outcome, and disbursing prizes. All round state
// mutations flow through here; readers only ever see settled-or-growing
// snapshots, never a half-applied settlement.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/game"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/oracle"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/payments"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/rounds"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/store"
)

// Mode selects the disbursement strategy.
type Mode string

const (
	// ModePush transfers every winner's share during settlement.
	ModePush Mode = "push"
	// ModePull marks winners eligible; each claims their share later.
	ModePull Mode = "pull"
)

// Config holds the engine's economic and timing constants. Amounts are in
// micro-units (6-decimal stablecoin).
type Config struct {
	// EntryFee is charged exactly once per participant per round.
	EntryFee int64
	// Rake is the platform's cut of each fee, excluded from the pool.
	Rake int64
	// Mode selects push or pull disbursement.
	Mode Mode
	// PaymentTimeout bounds how long a charge or payout may stay pending
	// before it is treated as canceled.
	PaymentTimeout time.Duration
	// SweepAddress, if set, receives swept zero-winner pools.
	SweepAddress string
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.EntryFee <= 0 {
		return fmt.Errorf("entry fee %d must be positive", c.EntryFee)
	}
	if c.Rake < 0 || c.Rake >= c.EntryFee {
		return fmt.Errorf("rake %d must be in [0, entry fee)", c.Rake)
	}
	if c.Mode != ModePush && c.Mode != ModePull {
		return fmt.Errorf("payout mode %q must be push or pull", c.Mode)
	}
	if c.PaymentTimeout <= 0 {
		return fmt.Errorf("payment timeout %v must be positive", c.PaymentTimeout)
	}
	return nil
}

// Receipt confirms a committed entry.
type Receipt struct {
	EntryID     string    `json:"entry_id"`
	RoundID     int64     `json:"round_id"`
	Participant string    `json:"participant"`
	Move        game.Move `json:"move"`
	Fee         int64     `json:"fee"`
	Net         int64     `json:"net"`
	TxID        string    `json:"tx_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoundStatus is the public view of one round: the time-derived snapshot
// merged with whatever durable state the round has accumulated.
type RoundStatus struct {
	rounds.Snapshot
	PrizePool      int64      `json:"prize_pool"`
	EntryCount     int        `json:"entry_count"`
	Settled        bool       `json:"settled"`
	OutcomeMove    *game.Move `json:"outcome_move,omitempty"`
	WinningMove    *game.Move `json:"winning_move,omitempty"`
	WinnerCount    int        `json:"winner_count"`
	SharePerWinner int64      `json:"share_per_winner"`
	Remainder      int64      `json:"remainder"`
}

type pendingKey struct {
	roundID     int64
	participant string
}

// Engine is the settlement engine. It owns all round state mutations; one
// Engine per store is assumed (multi-process deployments would additionally
// race on the store's compare-and-set settled flag, which stays correct but
// wastes work).
type Engine struct {
	db    store.DB
	gw    payments.Gateway
	orc   oracle.Oracle
	clock *rounds.Clock
	cfg   Config
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[pendingKey]time.Time
	locks   [64]sync.Mutex
}

// New builds an engine. The clock, oracle, gateway, and store are injected
// so tests can pin time, outcomes, and money.
func New(db store.DB, gw payments.Gateway, orc oracle.Oracle, clock *rounds.Clock, cfg Config, log zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		db:      db,
		gw:      gw,
		orc:     orc,
		clock:   clock,
		cfg:     cfg,
		log:     log,
		pending: make(map[pendingKey]time.Time),
	}, nil
}

// Clock exposes the engine's round clock for read-only phase queries.
func (e *Engine) Clock() *rounds.Clock { return e.clock }

// Mode returns the configured disbursement mode.
func (e *Engine) Mode() Mode { return e.cfg.Mode }

// Commitment returns the oracle's published commitment hash.
func (e *Engine) Commitment() string { return e.orc.Commitment() }

// Economics returns the engine's fee configuration.
func (e *Engine) Economics() Config { return e.cfg }

// roundLock returns the mutex serializing entry commits, settlement, and
// claims for a round. Locks are sharded by round id so the set stays
// fixed-size over the daemon's lifetime; distinct rounds sharing a shard
// contend harmlessly.
func (e *Engine) roundLock(roundID int64) *sync.Mutex {
	return &e.locks[uint64(roundID)%uint64(len(e.locks))]
}

// reservePending marks a charge in flight for participant+round. Returns
// false if a non-expired charge is already pending.
func (e *Engine) reservePending(roundID int64, participant string) bool {
	key := pendingKey{roundID, participant}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if deadline, ok := e.pending[key]; ok && now.Before(deadline) {
		return false
	}
	e.pending[key] = now.Add(e.cfg.PaymentTimeout)
	return true
}

func (e *Engine) releasePending(roundID int64, participant string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, pendingKey{roundID, participant})
}

// expirePending drops stale pending markers whose charges have long timed
// out. Normal submissions clean up after themselves; this catches leaks.
func (e *Engine) expirePending(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, deadline := range e.pending {
		if now.After(deadline) {
			delete(e.pending, key)
		}
	}
}

// SubmitEntry admits a participant into the active round's entry window.
// The entry commits only after the gateway confirms the charge; a declined
// or timed-out charge leaves no trace.
func (e *Engine) SubmitEntry(ctx context.Context, participant string, roundID int64, mv game.Move) (*Receipt, error) {
	if participant == "" {
		return nil, ErrInvalidParticipant
	}
	if !mv.Valid() {
		return nil, ErrInvalidChoice
	}

	snap := e.clock.Current()
	if snap.RoundID != roundID || snap.Phase != rounds.PhaseEntry {
		return nil, ErrEntryWindowClosed
	}

	if _, err := e.db.GetEntry(ctx, roundID, participant); err == nil {
		return nil, ErrAlreadyEntered
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if !e.reservePending(roundID, participant) {
		return nil, ErrEntryPending
	}
	defer e.releasePending(roundID, participant)

	chargeCtx, cancel := context.WithTimeout(ctx, e.cfg.PaymentTimeout)
	defer cancel()
	txID, err := e.gw.Charge(chargeCtx, participant, e.cfg.EntryFee)
	if err != nil {
		e.log.Warn().Err(err).Str("participant", participant).Int64("round_id", roundID).
			Msg("entry charge failed")
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
		case payments.IsInsufficientAllowance(err):
			return nil, fmt.Errorf("%w: %v", ErrInsufficientAllowance, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
		}
	}

	entry := &store.Entry{
		RoundID:     roundID,
		Participant: participant,
		Move:        mv,
		Fee:         e.cfg.EntryFee,
		Net:         e.cfg.EntryFee - e.cfg.Rake,
		TxID:        txID,
	}
	// The charge has cleared: the commit must not be lost to the caller
	// hanging up.
	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PaymentTimeout)
	defer cancelCommit()

	// Serialized with Settle so a late-clearing charge either commits before
	// the winner snapshot is taken or is rejected by the settled flag. Without
	// this an entry could land between Settle's entry read and its freeze,
	// leaving the frozen share math blind to a confirmed winner.
	lock := e.roundLock(roundID)
	lock.Lock()
	err = e.db.InsertEntry(commitCtx, entry)
	lock.Unlock()
	if err != nil {
		e.refundCharge(participant, roundID, txID)
		switch {
		case errors.Is(err, store.ErrDuplicateEntry):
			return nil, ErrAlreadyEntered
		case errors.Is(err, store.ErrRoundSettled):
			return nil, ErrEntryWindowClosed
		default:
			return nil, err
		}
	}

	e.log.Info().Str("participant", participant).Int64("round_id", roundID).
		Str("move", mv.String()).Str("tx_id", txID).Int64("net", entry.Net).
		Msg("entry committed")

	return &Receipt{
		EntryID:     entry.ID,
		RoundID:     entry.RoundID,
		Participant: entry.Participant,
		Move:        entry.Move,
		Fee:         entry.Fee,
		Net:         entry.Net,
		TxID:        entry.TxID,
		CreatedAt:   entry.CreatedAt,
	}, nil
}

// refundCharge returns a cleared charge that could not be committed as an
// entry. Only the net contribution is refunded from holding: the rake leg
// went to the platform address at charge time and never reached the holding
// account, so it is logged for manual reconciliation instead. Best effort: a
// failed refund is likewise logged.
func (e *Engine) refundCharge(participant string, roundID int64, chargeTxID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PaymentTimeout)
	defer cancel()

	refund := e.cfg.EntryFee - e.cfg.Rake
	refundTx, err := e.gw.Payout(ctx, participant, refund)
	evt := e.log.Info()
	if err != nil {
		evt = e.log.Error().Err(err)
	}
	evt.Str("participant", participant).Int64("round_id", roundID).
		Str("charge_tx_id", chargeTxID).Str("refund_tx_id", refundTx).
		Int64("refund", refund).Int64("rake_withheld", e.cfg.Rake).
		Msg("refunded uncommittable entry charge")
}

// Settle fixes the round's outcome and freezes its pool exactly once.
// Calling it again returns the stored result. It is driven by the ticker
// once the entry window passes, and exposed to operators via the API.
func (e *Engine) Settle(ctx context.Context, roundID int64) (*store.Round, error) {
	now := e.clock.Now()
	switch e.clock.PhaseOf(roundID, now) {
	case rounds.PhasePending, rounds.PhaseEntry:
		return nil, ErrRoundNotComplete
	}

	lock := e.roundLock(roundID)
	lock.Lock()
	defer lock.Unlock()

	r, err := e.db.GetRound(ctx, roundID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if r != nil && r.Settled {
		return r, nil
	}

	outcome, err := e.orc.Outcome(ctx, roundID, e.clock.RoundID(now))
	if err != nil {
		return nil, fmt.Errorf("derive outcome: %w", err)
	}
	winning := game.Beats(outcome)

	entries, err := e.db.ListEntries(ctx, roundID)
	if err != nil {
		return nil, err
	}

	var pool int64
	var winners []store.Entry
	for _, en := range entries {
		pool += en.Net
		if en.Move == winning {
			winners = append(winners, en)
		}
	}
	if r != nil && r.PrizePool != pool {
		// The running pool and the entry sum must always agree.
		e.log.Error().Int64("round_id", roundID).Int64("round_pool", r.PrizePool).
			Int64("entry_sum", pool).Msg("pool mismatch, aborting settlement")
		return nil, ErrIntegrity
	}

	res := store.SettleResult{OutcomeMove: outcome, WinningMove: winning}
	if n := int64(len(winners)); n > 0 {
		res.WinnerCount = len(winners)
		res.SharePerWinner = pool / n
		res.Remainder = pool % n
	}

	if err := e.db.SettleRound(ctx, roundID, res); err != nil {
		if errors.Is(err, store.ErrRoundSettled) {
			return e.db.GetRound(ctx, roundID)
		}
		return nil, err
	}

	e.log.Info().Int64("round_id", roundID).Str("outcome", outcome.String()).
		Str("winning", winning.String()).Int64("pool", pool).
		Int("winners", len(winners)).Int64("share", res.SharePerWinner).
		Int64("remainder", res.Remainder).Msg("round settled")

	if e.cfg.Mode == ModePush && len(winners) > 0 {
		e.disburse(ctx, roundID, winners, res.SharePerWinner, pool)
	}

	return e.db.GetRound(ctx, roundID)
}

// disburse pushes each winner's share. A failure for one winner never
// blocks or rolls back the others; failed payouts stay recorded and are
// retried on later ticks.
func (e *Engine) disburse(ctx context.Context, roundID int64, winners []store.Entry, share, pool int64) {
	for _, winner := range winners {
		p := &store.Payout{RoundID: roundID, Participant: winner.Participant, Amount: share}
		if err := e.db.InsertPayout(ctx, p); err != nil {
			if errors.Is(err, store.ErrDuplicatePayout) {
				continue
			}
			e.log.Error().Err(err).Int64("round_id", roundID).
				Str("participant", winner.Participant).Msg("recording payout failed")
			continue
		}

		committed, err := e.db.SumCommitted(ctx, roundID)
		if err != nil {
			e.log.Error().Err(err).Int64("round_id", roundID).Msg("committed sum unavailable")
			e.db.MarkPayoutFailed(ctx, roundID, winner.Participant)
			continue
		}
		if committed > pool {
			e.db.MarkPayoutFailed(ctx, roundID, winner.Participant)
			e.log.Error().Int64("round_id", roundID).Int64("committed", committed).
				Int64("pool", pool).Msg("integrity violation, halting round disbursement")
			return
		}

		e.payOut(ctx, roundID, winner.Participant, share)
	}
}

// payOut attempts one gateway transfer for a recorded payout and marks the
// result.
func (e *Engine) payOut(ctx context.Context, roundID int64, participant string, amount int64) {
	payCtx, cancel := context.WithTimeout(ctx, e.cfg.PaymentTimeout)
	defer cancel()

	txID, err := e.gw.Payout(payCtx, participant, amount)
	if err != nil {
		e.log.Warn().Err(err).Int64("round_id", roundID).Str("participant", participant).
			Int64("amount", amount).Msg("payout transfer failed, will retry")
		if markErr := e.db.MarkPayoutFailed(ctx, roundID, participant); markErr != nil {
			e.log.Error().Err(markErr).Int64("round_id", roundID).
				Str("participant", participant).Msg("marking payout failed did not stick")
		}
		return
	}
	if err := e.db.MarkPayoutPaid(ctx, roundID, participant, txID); err != nil {
		e.log.Error().Err(err).Int64("round_id", roundID).Str("participant", participant).
			Str("tx_id", txID).Msg("payout sent but not recorded")
		return
	}
	e.log.Info().Int64("round_id", roundID).Str("participant", participant).
		Int64("amount", amount).Str("tx_id", txID).Msg("payout sent")
}

// Claim pays a settled round's share to one winner, once. Pull mode only.
func (e *Engine) Claim(ctx context.Context, participant string, roundID int64) (int64, error) {
	if e.cfg.Mode != ModePull {
		return 0, ErrClaimUnavailable
	}

	r, err := e.db.GetRound(ctx, roundID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrRoundNotComplete
	}
	if err != nil {
		return 0, err
	}
	if !r.Settled {
		return 0, ErrRoundNotComplete
	}

	entry, err := e.db.GetEntry(ctx, roundID, participant)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNotWinner
	}
	if err != nil {
		return 0, err
	}
	if r.WinningMove == nil || entry.Move != *r.WinningMove {
		return 0, ErrNotWinner
	}

	lock := e.roundLock(roundID)
	lock.Lock()
	defer lock.Unlock()

	share := r.SharePerWinner
	counted := false // whether this claim's row is already in the committed sum
	existing, err := e.db.GetPayout(ctx, roundID, participant)
	switch {
	case err == nil && existing.Status == store.PayoutPaid:
		return 0, ErrAlreadyClaimed
	case err == nil:
		counted = existing.Status == store.PayoutPending
	case errors.Is(err, store.ErrNotFound):
		if err := e.db.InsertPayout(ctx, &store.Payout{RoundID: roundID, Participant: participant, Amount: share}); err != nil {
			if errors.Is(err, store.ErrDuplicatePayout) {
				return 0, ErrAlreadyClaimed
			}
			return 0, err
		}
		counted = true
	default:
		return 0, err
	}

	committed, err := e.db.SumCommitted(ctx, roundID)
	if err != nil {
		return 0, err
	}
	if !counted {
		committed += share
	}
	if committed > r.PrizePool {
		e.db.MarkPayoutFailed(ctx, roundID, participant)
		e.log.Error().Int64("round_id", roundID).Int64("committed", committed).
			Int64("pool", r.PrizePool).Msg("integrity violation, claim aborted")
		return 0, ErrIntegrity
	}

	payCtx, cancel := context.WithTimeout(ctx, e.cfg.PaymentTimeout)
	defer cancel()
	txID, err := e.gw.Payout(payCtx, participant, share)
	if err != nil {
		e.db.MarkPayoutFailed(ctx, roundID, participant)
		return 0, fmt.Errorf("%w: %v", ErrPayoutFailed, err)
	}

	markCtx, cancelMark := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PaymentTimeout)
	defer cancelMark()
	if err := e.db.MarkPayoutPaid(markCtx, roundID, participant, txID); err != nil {
		e.log.Error().Err(err).Int64("round_id", roundID).Str("participant", participant).
			Str("tx_id", txID).Msg("claim paid but not recorded")
	} else {
		e.log.Info().Int64("round_id", roundID).Str("participant", participant).
			Int64("amount", share).Str("tx_id", txID).Msg("share claimed")
	}
	return share, nil
}

// RetryFailedPayouts re-attempts transfers for payouts stuck in the failed
// state. Used by the ticker in push mode.
func (e *Engine) RetryFailedPayouts(ctx context.Context, limit int) {
	failed, err := e.db.ListFailedPayouts(ctx, limit)
	if err != nil {
		e.log.Error().Err(err).Msg("listing failed payouts")
		return
	}
	for _, p := range failed {
		r, err := e.db.GetRound(ctx, p.RoundID)
		if err != nil {
			continue
		}
		committed, err := e.db.SumCommitted(ctx, p.RoundID)
		if err != nil || committed+p.Amount > r.PrizePool {
			continue
		}
		e.payOut(ctx, p.RoundID, p.Participant, p.Amount)
	}
}

// Sweep releases a settled zero-winner pool to the configured sweep
// address. Administrative operation.
func (e *Engine) Sweep(ctx context.Context, roundID int64) (int64, error) {
	lock := e.roundLock(roundID)
	lock.Lock()
	defer lock.Unlock()

	amount, err := e.db.SweepRound(ctx, roundID)
	if err != nil {
		return 0, err
	}

	if e.cfg.SweepAddress != "" {
		payCtx, cancel := context.WithTimeout(ctx, e.cfg.PaymentTimeout)
		defer cancel()
		txID, err := e.gw.Payout(payCtx, e.cfg.SweepAddress, amount)
		if err != nil {
			e.log.Error().Err(err).Int64("round_id", roundID).Int64("amount", amount).
				Msg("sweep transfer failed, pool marked swept")
			return amount, nil
		}
		e.log.Info().Int64("round_id", roundID).Int64("amount", amount).
			Str("tx_id", txID).Msg("pool swept")
	}
	return amount, nil
}

// Tick advances the engine: it settles elapsed rounds, retries failed push
// payouts, and expires stale pending markers. Called once per second by the
// daemon; every step is idempotent, so missed or doubled ticks are harmless.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clock.Now()
	current := e.clock.RoundID(now)

	// The immediately previous round always gets its outcome recorded, even
	// with zero entries.
	if _, err := e.Settle(ctx, current-1); err != nil && !errors.Is(err, ErrRoundNotComplete) {
		e.log.Error().Err(err).Int64("round_id", current-1).Msg("settling previous round")
	}

	// Backfill rounds with entries that were missed (e.g. across restarts).
	ids, err := e.db.ListUnsettledRounds(ctx, current, 16)
	if err != nil {
		e.log.Error().Err(err).Msg("listing unsettled rounds")
		return
	}
	for _, id := range ids {
		if _, err := e.Settle(ctx, id); err != nil {
			e.log.Error().Err(err).Int64("round_id", id).Msg("backfill settlement failed")
		}
	}

	if e.cfg.Mode == ModePush {
		e.RetryFailedPayouts(ctx, 16)
	}

	e.expirePending(now)
}

// CurrentRound returns the public view of the active round.
func (e *Engine) CurrentRound(ctx context.Context) (*RoundStatus, error) {
	snap := e.clock.Current()
	return e.roundStatus(ctx, snap)
}

// Round returns the public view of any round, past or future.
func (e *Engine) Round(ctx context.Context, roundID int64) (*RoundStatus, error) {
	now := e.clock.Now()
	opensAt, closesAt, endsAt := e.clock.Bounds(roundID)
	snap := rounds.Snapshot{
		RoundID:  roundID,
		Phase:    e.clock.PhaseOf(roundID, now),
		OpensAt:  opensAt,
		ClosesAt: closesAt,
		EndsAt:   endsAt,
	}
	return e.roundStatus(ctx, snap)
}

func (e *Engine) roundStatus(ctx context.Context, snap rounds.Snapshot) (*RoundStatus, error) {
	st := &RoundStatus{Snapshot: snap}
	r, err := e.db.GetRound(ctx, snap.RoundID)
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}

	st.PrizePool = r.PrizePool
	st.EntryCount = r.EntryCount
	st.Settled = r.Settled
	if r.Settled {
		st.OutcomeMove = r.OutcomeMove
		st.WinningMove = r.WinningMove
		st.WinnerCount = r.WinnerCount
		st.SharePerWinner = r.SharePerWinner
		st.Remainder = r.Remainder
	}
	return st, nil
}

// HasEntered reports whether the participant has a confirmed entry.
func (e *Engine) HasEntered(ctx context.Context, roundID int64, participant string) (bool, error) {
	_, err := e.db.GetEntry(ctx, roundID, participant)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Choice returns the participant's recorded move, or nil if they have no
// confirmed entry.
func (e *Engine) Choice(ctx context.Context, roundID int64, participant string) (*game.Move, error) {
	entry, err := e.db.GetEntry(ctx, roundID, participant)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	mv := entry.Move
	return &mv, nil
}
