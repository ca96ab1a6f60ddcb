package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/game"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/payments"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/rounds"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/store"
)

// fixedOracle always derives the same adversary move.
type fixedOracle struct {
	mv game.Move
}

func (o fixedOracle) Outcome(ctx context.Context, roundID, bucket int64) (game.Move, error) {
	return o.mv, nil
}

func (o fixedOracle) Commitment() string { return "test-commitment" }

// roundStart sits on a 5-minute round boundary.
var roundStart = time.Unix(1_700_000_100, 0)

type testEnv struct {
	t     *testing.T
	db    *store.SQLiteDB
	gw    *payments.MemGateway
	eng   *Engine
	now   time.Time
	round int64
}

func newTestEnv(t *testing.T, outcome game.Move, mode Mode) *testEnv {
	t.Helper()

	db, err := store.NewSQLiteDB(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{t: t, db: db, gw: payments.NewMemGateway(), now: roundStart}

	clock, err := rounds.NewClockWithNow(rounds.Schedule{
		RoundDuration: 5 * time.Minute,
		EntryWindow:   4 * time.Minute,
	}, func() time.Time { return env.now })
	if err != nil {
		t.Fatalf("NewClockWithNow: %v", err)
	}

	env.eng, err = New(db, env.gw, fixedOracle{mv: outcome}, clock, Config{
		EntryFee:       1_000_000,
		Rake:           90_000,
		Mode:           mode,
		PaymentTimeout: 2 * time.Second,
		SweepAddress:   "platform",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env.round = clock.Current().RoundID
	return env
}

func (env *testEnv) enter(participant string, mv game.Move) *Receipt {
	env.t.Helper()
	env.gw.Credit(participant, 1_000_000)
	r, err := env.eng.SubmitEntry(context.Background(), participant, env.round, mv)
	if err != nil {
		env.t.Fatalf("SubmitEntry(%s): %v", participant, err)
	}
	return r
}

// advancePastRound moves the clock to the start of the next round.
func (env *testEnv) advancePastRound() {
	env.now = roundStart.Add(5 * time.Minute)
}

func TestSubmitEntryValidation(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	ctx := context.Background()

	if _, err := env.eng.SubmitEntry(ctx, "alice", env.round, game.Move(9)); !errors.Is(err, ErrInvalidChoice) {
		t.Errorf("invalid move: got %v", err)
	}
	if _, err := env.eng.SubmitEntry(ctx, "", env.round, game.Rock); !errors.Is(err, ErrInvalidParticipant) {
		t.Errorf("empty participant: got %v", err)
	}
	if _, err := env.eng.SubmitEntry(ctx, "alice", env.round-1, game.Rock); !errors.Is(err, ErrEntryWindowClosed) {
		t.Errorf("stale round: got %v", err)
	}
	if _, err := env.eng.SubmitEntry(ctx, "alice", env.round+1, game.Rock); !errors.Is(err, ErrEntryWindowClosed) {
		t.Errorf("future round: got %v", err)
	}

	// Inside the closing window entries are refused.
	env.now = roundStart.Add(4*time.Minute + time.Second)
	env.gw.Credit("alice", 1_000_000)
	if _, err := env.eng.SubmitEntry(ctx, "alice", env.round, game.Rock); !errors.Is(err, ErrEntryWindowClosed) {
		t.Errorf("closing phase: got %v", err)
	}
}

func TestSubmitEntryAtMostOnce(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	ctx := context.Background()

	env.enter("alice", game.Paper)

	env.gw.Credit("alice", 1_000_000)
	if _, err := env.eng.SubmitEntry(ctx, "alice", env.round, game.Scissors); !errors.Is(err, ErrAlreadyEntered) {
		t.Fatalf("second submit: got %v, want ErrAlreadyEntered", err)
	}

	// The rejected resubmission must not have charged or changed the move.
	if got := env.gw.Balance("alice"); got != 1_000_000 {
		t.Errorf("balance after rejected resubmission = %d, want 1000000", got)
	}
	mv, err := env.eng.Choice(ctx, env.round, "alice")
	if err != nil || mv == nil || *mv != game.Paper {
		t.Errorf("choice = %v, %v; want paper", mv, err)
	}
}

func TestSubmitEntryPaymentFailureLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	ctx := context.Background()

	env.gw.Credit("alice", 1_000_000)
	env.gw.FailCharges(&payments.Error{Code: payments.CodeDeclined, Message: "declined"})

	_, err := env.eng.SubmitEntry(ctx, "alice", env.round, game.Rock)
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("got %v, want ErrPaymentFailed", err)
	}

	entered, _ := env.eng.HasEntered(ctx, env.round, "alice")
	if entered {
		t.Error("failed payment must not produce an entry")
	}
	st, _ := env.eng.CurrentRound(ctx)
	if st.PrizePool != 0 {
		t.Errorf("pool = %d after failed payment, want 0", st.PrizePool)
	}

	// Retry after the failure clears is the prescribed recovery.
	env.gw.FailCharges(nil)
	if _, err := env.eng.SubmitEntry(ctx, "alice", env.round, game.Rock); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestSubmitEntryInsufficientAllowance(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)

	env.gw.Credit("alice", 1_000_000)
	env.gw.FailCharges(&payments.Error{Code: payments.CodeInsufficientAllowance, Message: "approve first"})

	_, err := env.eng.SubmitEntry(context.Background(), "alice", env.round, game.Rock)
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("got %v, want ErrInsufficientAllowance", err)
	}
}

func TestSubmitEntryPaymentTimeout(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	env.eng.cfg.PaymentTimeout = 20 * time.Millisecond

	env.gw.Credit("alice", 1_000_000)
	env.gw.DelayCharges(time.Second)

	_, err := env.eng.SubmitEntry(context.Background(), "alice", env.round, game.Rock)
	if !errors.Is(err, ErrPaymentTimeout) {
		t.Fatalf("got %v, want ErrPaymentTimeout", err)
	}
	if got := env.gw.Balance("alice"); got != 1_000_000 {
		t.Errorf("timed out charge moved money: balance = %d", got)
	}
	if entered, _ := env.eng.HasEntered(context.Background(), env.round, "alice"); entered {
		t.Error("timed out payment must not produce an entry")
	}
}

func TestSubmitEntryPendingBlocksSecondAttempt(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)

	if !env.eng.reservePending(env.round, "alice") {
		t.Fatal("first reservation should succeed")
	}
	env.gw.Credit("alice", 1_000_000)
	if _, err := env.eng.SubmitEntry(context.Background(), "alice", env.round, game.Rock); !errors.Is(err, ErrEntryPending) {
		t.Fatalf("got %v, want ErrEntryPending", err)
	}

	// Once the pending marker is released the participant can enter.
	env.eng.releasePending(env.round, "alice")
	if _, err := env.eng.SubmitEntry(context.Background(), "alice", env.round, game.Rock); err != nil {
		t.Fatalf("submit after release: %v", err)
	}
}

func TestSettleRequiresEntryWindowPassed(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)

	if _, err := env.eng.Settle(context.Background(), env.round); !errors.Is(err, ErrRoundNotComplete) {
		t.Fatalf("settle during entry: got %v, want ErrRoundNotComplete", err)
	}

	// The closing window is past entry close, so settlement is allowed.
	env.now = roundStart.Add(4*time.Minute + time.Second)
	if _, err := env.eng.Settle(context.Background(), env.round); err != nil {
		t.Fatalf("settle during closing: %v", err)
	}
}

func TestSettleIdempotent(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	ctx := context.Background()

	env.enter("alice", game.Paper)
	env.advancePastRound()

	first, err := env.eng.Settle(ctx, env.round)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if first.OutcomeMove == nil || *first.OutcomeMove != game.Rock {
		t.Fatalf("outcome = %v, want rock", first.OutcomeMove)
	}
	if first.WinningMove == nil || *first.WinningMove != game.Paper {
		t.Fatalf("winning = %v, want paper", first.WinningMove)
	}

	for i := 0; i < 3; i++ {
		again, err := env.eng.Settle(ctx, env.round)
		if err != nil {
			t.Fatalf("repeat settle: %v", err)
		}
		if *again.OutcomeMove != *first.OutcomeMove || *again.WinningMove != *first.WinningMove {
			t.Fatal("outcome changed on repeated settle")
		}
		if !again.SettledAt.Equal(*first.SettledAt) {
			t.Fatal("settled timestamp changed on repeated settle")
		}
	}
}

func TestSettleZeroEntries(t *testing.T) {
	env := newTestEnv(t, game.Scissors, ModePull)
	env.advancePastRound()

	r, err := env.eng.Settle(context.Background(), env.round)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if r.PrizePool != 0 || r.EntryCount != 0 || r.WinnerCount != 0 {
		t.Errorf("round = %+v, want empty settled round", r)
	}
	if r.OutcomeMove == nil || *r.OutcomeMove != game.Scissors {
		t.Errorf("outcome = %v, want scissors", r.OutcomeMove)
	}
}

// The first concrete scenario from the fee schedule: three entries, two
// winners, even split.
func TestTwoWinnersEvenSplit(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	ctx := context.Background()

	env.enter("p1", game.Rock)
	env.enter("p2", game.Paper)
	env.enter("p3", game.Paper)

	env.advancePastRound()
	r, err := env.eng.Settle(ctx, env.round)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if r.PrizePool != 2_730_000 {
		t.Errorf("pool = %d, want 2730000", r.PrizePool)
	}
	if r.WinnerCount != 2 {
		t.Errorf("winners = %d, want 2", r.WinnerCount)
	}
	if r.SharePerWinner != 1_365_000 {
		t.Errorf("share = %d, want 1365000", r.SharePerWinner)
	}
	if r.Remainder != 0 {
		t.Errorf("remainder = %d, want 0", r.Remainder)
	}

	for _, winner := range []string{"p2", "p3"} {
		amount, err := env.eng.Claim(ctx, winner, env.round)
		if err != nil {
			t.Fatalf("Claim(%s): %v", winner, err)
		}
		if amount != 1_365_000 {
			t.Errorf("claimed = %d, want 1365000", amount)
		}
		if got := env.gw.Balance(winner); got != 1_365_000 {
			t.Errorf("%s balance = %d, want 1365000", winner, got)
		}
	}
}

// The second concrete scenario: five entries, three winners, remainder 2
// stays undistributed.
func TestThreeWinnersWithRemainder(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	ctx := context.Background()

	env.enter("w1", game.Paper)
	env.enter("w2", game.Paper)
	env.enter("w3", game.Paper)
	env.enter("l1", game.Rock)
	env.enter("l2", game.Scissors)

	env.advancePastRound()
	r, err := env.eng.Settle(ctx, env.round)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if r.PrizePool != 4_550_000 {
		t.Errorf("pool = %d, want 4550000", r.PrizePool)
	}
	if r.SharePerWinner != 1_516_666 {
		t.Errorf("share = %d, want 1516666", r.SharePerWinner)
	}
	if r.Remainder != 2 {
		t.Errorf("remainder = %d, want 2", r.Remainder)
	}

	var disbursed int64
	for _, winner := range []string{"w1", "w2", "w3"} {
		amount, err := env.eng.Claim(ctx, winner, env.round)
		if err != nil {
			t.Fatalf("Claim(%s): %v", winner, err)
		}
		disbursed += amount
	}

	if disbursed != 3*1_516_666 {
		t.Errorf("disbursed = %d, want %d", disbursed, 3*1_516_666)
	}
	if disbursed > r.PrizePool {
		t.Error("disbursed exceeds pool")
	}
	if r.PrizePool-disbursed != 2 {
		t.Errorf("undistributed = %d, want exactly the remainder 2", r.PrizePool-disbursed)
	}
	// The remainder stays in the holding balance: five fees in, three
	// shares out.
	wantHolding := 5*1_000_000 - disbursed
	if got := env.gw.HoldingBalance(); got != wantHolding {
		t.Errorf("holding = %d, want %d", got, wantHolding)
	}
}

func TestClaimErrors(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	ctx := context.Background()

	env.enter("winner", game.Paper)
	env.enter("loser", game.Scissors)

	// Claim before settlement.
	if _, err := env.eng.Claim(ctx, "winner", env.round); !errors.Is(err, ErrRoundNotComplete) {
		t.Errorf("claim before settle: got %v, want ErrRoundNotComplete", err)
	}

	env.advancePastRound()
	if _, err := env.eng.Settle(ctx, env.round); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if _, err := env.eng.Claim(ctx, "loser", env.round); !errors.Is(err, ErrNotWinner) {
		t.Errorf("losing claim: got %v, want ErrNotWinner", err)
	}
	if _, err := env.eng.Claim(ctx, "stranger", env.round); !errors.Is(err, ErrNotWinner) {
		t.Errorf("stranger claim: got %v, want ErrNotWinner", err)
	}

	// First claim pays, second fails with balances unchanged.
	amount, err := env.eng.Claim(ctx, "winner", env.round)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	balanceAfterFirst := env.gw.Balance("winner")

	if _, err := env.eng.Claim(ctx, "winner", env.round); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("double claim: got %v, want ErrAlreadyClaimed", err)
	}
	if got := env.gw.Balance("winner"); got != balanceAfterFirst {
		t.Errorf("double claim changed balance: %d != %d", got, balanceAfterFirst)
	}
	if amount != 1_820_000 {
		t.Errorf("share = %d, want full pool 1820000 for the only winner", amount)
	}
}

func TestClaimRetryAfterPayoutFailure(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	ctx := context.Background()

	env.enter("winner", game.Paper)
	env.advancePastRound()
	env.eng.Settle(ctx, env.round)

	env.gw.FailPayoutsFor("winner", &payments.Error{Code: payments.CodeUnavailable, Message: "down"})
	if _, err := env.eng.Claim(ctx, "winner", env.round); !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("claim during outage: got %v, want ErrPayoutFailed", err)
	}
	if got := env.gw.Balance("winner"); got != 0 {
		t.Errorf("failed claim moved money: %d", got)
	}

	env.gw.FailPayoutsFor("winner", nil)
	amount, err := env.eng.Claim(ctx, "winner", env.round)
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if amount != 910_000 {
		t.Errorf("retried claim = %d, want 910000", amount)
	}
}

func TestClaimUnavailableInPushMode(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePush)
	if _, err := env.eng.Claim(context.Background(), "anyone", env.round); !errors.Is(err, ErrClaimUnavailable) {
		t.Fatalf("got %v, want ErrClaimUnavailable", err)
	}
}

func TestPushModeDisbursesAtSettlement(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePush)
	ctx := context.Background()

	env.enter("w1", game.Paper)
	env.enter("w2", game.Paper)
	env.enter("loser", game.Rock)

	env.advancePastRound()
	if _, err := env.eng.Settle(ctx, env.round); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	for _, winner := range []string{"w1", "w2"} {
		if got := env.gw.Balance(winner); got != 1_365_000 {
			t.Errorf("%s balance = %d, want 1365000", winner, got)
		}
	}
	if got := env.gw.Balance("loser"); got != 0 {
		t.Errorf("loser balance = %d, want 0", got)
	}
}

func TestPushModePartialFailureDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePush)
	ctx := context.Background()

	env.enter("healthy", game.Paper)
	env.enter("broken", game.Paper)

	env.gw.FailPayoutsFor("broken", &payments.Error{Code: payments.CodeUnavailable, Message: "down"})

	env.advancePastRound()
	if _, err := env.eng.Settle(ctx, env.round); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if got := env.gw.Balance("healthy"); got != 910_000 {
		t.Errorf("healthy balance = %d, want 910000", got)
	}
	if got := env.gw.Balance("broken"); got != 0 {
		t.Errorf("broken balance = %d before retry", got)
	}

	// The failed transfer is recorded and retried independently.
	env.gw.FailPayoutsFor("broken", nil)
	env.eng.RetryFailedPayouts(ctx, 10)
	if got := env.gw.Balance("broken"); got != 910_000 {
		t.Errorf("broken balance after retry = %d, want 910000", got)
	}

	// Each winner got exactly one share despite the retry machinery.
	payouts, _ := env.db.ListPayouts(ctx, env.round)
	if len(payouts) != 2 {
		t.Fatalf("payout rows = %d, want 2", len(payouts))
	}
	for _, p := range payouts {
		if p.Status != store.PayoutPaid {
			t.Errorf("payout %s status = %s, want paid", p.Participant, p.Status)
		}
	}
}

func TestZeroWinnersPoolRetainedAndSwept(t *testing.T) {
	env := newTestEnv(t, game.Paper, ModePull) // winning move is scissors
	ctx := context.Background()

	env.enter("p1", game.Rock)
	env.enter("p2", game.Paper)

	env.advancePastRound()
	r, err := env.eng.Settle(ctx, env.round)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if r.WinnerCount != 0 {
		t.Fatalf("winners = %d, want 0", r.WinnerCount)
	}
	if r.PrizePool != 1_820_000 {
		t.Errorf("pool = %d, want 1820000 retained", r.PrizePool)
	}

	if _, err := env.eng.Claim(ctx, "p1", env.round); !errors.Is(err, ErrNotWinner) {
		t.Errorf("claim on zero-winner round: got %v", err)
	}

	amount, err := env.eng.Sweep(ctx, env.round)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if amount != 1_820_000 {
		t.Errorf("swept = %d, want 1820000", amount)
	}
	if got := env.gw.Balance("platform"); got != 1_820_000 {
		t.Errorf("platform balance = %d, want 1820000", got)
	}
	if _, err := env.eng.Sweep(ctx, env.round); !errors.Is(err, store.ErrNotSweepable) {
		t.Errorf("second sweep: got %v, want ErrNotSweepable", err)
	}
}

func TestTickSettlesElapsedRounds(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePush)
	ctx := context.Background()

	env.enter("w", game.Paper)
	env.advancePastRound()

	env.eng.Tick(ctx)

	r, err := env.db.GetRound(ctx, env.round)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	if !r.Settled {
		t.Fatal("tick did not settle the elapsed round")
	}
	if got := env.gw.Balance("w"); got != 910_000 {
		t.Errorf("winner balance after tick = %d, want 910000", got)
	}

	// Further ticks are no-ops for this round.
	env.eng.Tick(ctx)
	if got := env.gw.Balance("w"); got != 910_000 {
		t.Errorf("second tick paid again: balance = %d", got)
	}
}

func TestRoundStatusViews(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	ctx := context.Background()

	st, err := env.eng.CurrentRound(ctx)
	if err != nil {
		t.Fatalf("CurrentRound: %v", err)
	}
	if st.RoundID != env.round || st.Phase != rounds.PhaseEntry {
		t.Errorf("status = %+v", st)
	}
	if st.PrizePool != 0 || st.Settled {
		t.Errorf("untouched round status = %+v", st)
	}

	env.enter("alice", game.Paper)
	st, _ = env.eng.CurrentRound(ctx)
	if st.PrizePool != 910_000 || st.EntryCount != 1 {
		t.Errorf("status after entry = %+v", st)
	}
	if st.OutcomeMove != nil {
		t.Error("outcome must stay hidden before settlement")
	}

	env.advancePastRound()
	env.eng.Settle(ctx, env.round)

	past, err := env.eng.Round(ctx, env.round)
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if !past.Settled || past.Phase != rounds.PhaseSettled {
		t.Errorf("settled view = %+v", past)
	}
	if past.OutcomeMove == nil || *past.OutcomeMove != game.Rock {
		t.Errorf("outcome = %v", past.OutcomeMove)
	}
}

func TestHasEnteredAndChoice(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)
	ctx := context.Background()

	entered, err := env.eng.HasEntered(ctx, env.round, "alice")
	if err != nil || entered {
		t.Fatalf("HasEntered before entry = %v, %v", entered, err)
	}
	mv, err := env.eng.Choice(ctx, env.round, "alice")
	if err != nil || mv != nil {
		t.Fatalf("Choice before entry = %v, %v", mv, err)
	}

	env.enter("alice", game.Scissors)

	entered, _ = env.eng.HasEntered(ctx, env.round, "alice")
	if !entered {
		t.Error("HasEntered after entry = false")
	}
	mv, _ = env.eng.Choice(ctx, env.round, "alice")
	if mv == nil || *mv != game.Scissors {
		t.Errorf("Choice = %v, want scissors", mv)
	}
}

// gatedGateway blocks one participant's charge until released, so tests can
// interleave a slow-clearing charge with settlement.
type gatedGateway struct {
	*payments.MemGateway
	gateFor string
	started chan struct{}
	release chan struct{}
}

func (g *gatedGateway) Charge(ctx context.Context, participant string, amount int64) (string, error) {
	if participant != g.gateFor {
		return g.MemGateway.Charge(ctx, participant, amount)
	}
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.MemGateway.Charge(ctx, participant, amount)
}

func TestLateClearingChargeCannotEnterFrozenRound(t *testing.T) {
	db, err := store.NewSQLiteDB(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("NewSQLiteDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mem := payments.NewMemGateway()
	gw := &gatedGateway{
		MemGateway: mem,
		gateFor:    "bob",
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}

	now := roundStart
	clock, err := rounds.NewClockWithNow(rounds.Schedule{
		RoundDuration: 5 * time.Minute,
		EntryWindow:   4 * time.Minute,
	}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewClockWithNow: %v", err)
	}

	eng, err := New(db, gw, fixedOracle{mv: game.Rock}, clock, Config{
		EntryFee:       1_000_000,
		Rake:           90_000,
		Mode:           ModePull,
		PaymentTimeout: 5 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	round := clock.Current().RoundID

	mem.Credit("alice", 1_000_000)
	mem.Credit("bob", 1_000_000)

	if _, err := eng.SubmitEntry(ctx, "alice", round, game.Paper); err != nil {
		t.Fatalf("SubmitEntry(alice): %v", err)
	}

	// Bob's charge confirms only after the round has been frozen.
	done := make(chan error, 1)
	go func() {
		_, err := eng.SubmitEntry(ctx, "bob", round, game.Paper)
		done <- err
	}()
	<-gw.started

	now = roundStart.Add(5 * time.Minute)
	r, err := eng.Settle(ctx, round)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if r.PrizePool != 910_000 || r.WinnerCount != 1 || r.SharePerWinner != 910_000 {
		t.Fatalf("settled round = pool %d, winners %d, share %d; want 910000/1/910000",
			r.PrizePool, r.WinnerCount, r.SharePerWinner)
	}

	close(gw.release)
	if err := <-done; !errors.Is(err, ErrEntryWindowClosed) {
		t.Fatalf("late entry: got %v, want ErrEntryWindowClosed", err)
	}

	// The late charge left no entry and was refunded net of the rake, which
	// the charge forwarded to the platform and holding never received.
	if entered, _ := eng.HasEntered(ctx, round, "bob"); entered {
		t.Error("late charge produced an entry in a frozen round")
	}
	if got := mem.Balance("bob"); got != 910_000 {
		t.Errorf("bob balance after refund = %d, want 910000", got)
	}
	if got := mem.HoldingBalance(); got != 1_090_000 {
		t.Errorf("holding after refund = %d, want 1090000", got)
	}

	// The frozen share math stays consistent: bob cannot claim, alice gets
	// the whole recorded pool.
	if _, err := eng.Claim(ctx, "bob", round); !errors.Is(err, ErrNotWinner) {
		t.Errorf("late entrant claim: got %v, want ErrNotWinner", err)
	}
	amount, err := eng.Claim(ctx, "alice", round)
	if err != nil {
		t.Fatalf("Claim(alice): %v", err)
	}
	if amount != 910_000 {
		t.Errorf("alice share = %d, want 910000", amount)
	}

	after, err := db.GetRound(ctx, round)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	if after.PrizePool != r.PrizePool || after.EntryCount != 1 {
		t.Errorf("round changed after freeze: pool %d, entries %d", after.PrizePool, after.EntryCount)
	}
}

func TestRoundLockIsStablePerRound(t *testing.T) {
	env := newTestEnv(t, game.Rock, ModePull)

	if env.eng.roundLock(env.round) != env.eng.roundLock(env.round) {
		t.Error("same round yields different mutexes")
	}
	if env.eng.roundLock(-3) == nil {
		t.Error("negative round id yields no mutex")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{EntryFee: 1_000_000, Rake: 90_000, Mode: ModePull, PaymentTimeout: time.Minute}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero rake ok", func(c *Config) { c.Rake = 0 }, false},
		{"zero fee", func(c *Config) { c.EntryFee = 0 }, true},
		{"rake equals fee", func(c *Config) { c.Rake = c.EntryFee }, true},
		{"negative rake", func(c *Config) { c.Rake = -1 }, true},
		{"bad mode", func(c *Config) { c.Mode = "magic" }, true},
		{"zero timeout", func(c *Config) { c.PaymentTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
