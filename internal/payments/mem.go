package payments

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transfer records one completed MemGateway movement, for test assertions.
type Transfer struct {
	TxID        string
	Participant string
	Amount      int64
}

// MemGateway is an in-process Gateway used in development and tests. It
// keeps per-participant balances, a holding balance, and hooks for failure
// and latency injection.
type MemGateway struct {
	mu       sync.Mutex
	balances map[string]int64
	holding  int64
	charges  []Transfer
	payouts  []Transfer

	chargeErr    error
	payoutErr    error
	payoutErrFor map[string]error
	chargeDelay  time.Duration
}

// NewMemGateway builds an empty in-memory gateway.
func NewMemGateway() *MemGateway {
	return &MemGateway{balances: make(map[string]int64)}
}

// Credit tops up a participant's balance.
func (g *MemGateway) Credit(participant string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[participant] += amount
}

// Balance returns a participant's current balance.
func (g *MemGateway) Balance(participant string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[participant]
}

// HoldingBalance returns the funds collected from charges and not yet paid out.
func (g *MemGateway) HoldingBalance() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holding
}

// FailCharges makes subsequent Charge calls return err (nil restores normal
// behavior).
func (g *MemGateway) FailCharges(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeErr = err
}

// FailPayouts makes subsequent Payout calls return err.
func (g *MemGateway) FailPayouts(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payoutErr = err
}

// FailPayoutsFor makes Payout calls for one participant return err, leaving
// other participants unaffected. Pass nil to clear.
func (g *MemGateway) FailPayoutsFor(participant string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.payoutErrFor == nil {
		g.payoutErrFor = make(map[string]error)
	}
	if err == nil {
		delete(g.payoutErrFor, participant)
		return
	}
	g.payoutErrFor[participant] = err
}

// DelayCharges makes Charge block for d before confirming, so callers can
// exercise their payment timeouts.
func (g *MemGateway) DelayCharges(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeDelay = d
}

// Charges returns the completed charges in order.
func (g *MemGateway) Charges() []Transfer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Transfer(nil), g.charges...)
}

// Payouts returns the completed payouts in order.
func (g *MemGateway) Payouts() []Transfer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Transfer(nil), g.payouts...)
}

// Charge implements Gateway.
func (g *MemGateway) Charge(ctx context.Context, participant string, amount int64) (string, error) {
	g.mu.Lock()
	delay := g.chargeDelay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chargeErr != nil {
		return "", g.chargeErr
	}
	if g.balances[participant] < amount {
		return "", &Error{Code: CodeInsufficientFunds, Message: "balance too low"}
	}

	g.balances[participant] -= amount
	g.holding += amount
	tx := Transfer{TxID: uuid.NewString(), Participant: participant, Amount: amount}
	g.charges = append(g.charges, tx)
	return tx.TxID, nil
}

// Payout implements Gateway.
func (g *MemGateway) Payout(ctx context.Context, participant string, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.payoutErr != nil {
		return "", g.payoutErr
	}
	if err, ok := g.payoutErrFor[participant]; ok {
		return "", err
	}
	if g.holding < amount {
		return "", &Error{Code: CodeInsufficientFunds, Message: "holding balance too low"}
	}

	g.holding -= amount
	g.balances[participant] += amount
	tx := Transfer{TxID: uuid.NewString(), Participant: participant, Amount: amount}
	g.payouts = append(g.payouts, tx)
	return tx.TxID, nil
}
