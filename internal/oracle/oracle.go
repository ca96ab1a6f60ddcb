// Package oracle derives the adversary move for a round.
//
// The shipped implementation is a seeded pseudo-random derivation. Anyone
// who knows the server seed (or can influence the time bucket) can predict
// outcomes before the entry window closes, which is why the derivation is
// isolated behind the Oracle interface: a verifiable-randomness source can
// replace it without touching the settlement engine. The seed hash is
// published up front so outcomes can be audited once the seed is revealed.
package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/game"
)

// Oracle produces the adversary move for a round. Implementations must be
// deterministic for a given (roundID, bucket) pair; settlement idempotence
// is enforced by the engine, which persists the first derived outcome and
// never asks again.
type Oracle interface {
	// Outcome derives the adversary move for the round. bucket is the
	// coarse time bucket active when settlement runs.
	Outcome(ctx context.Context, roundID, bucket int64) (game.Move, error)

	// Commitment returns a hash of the derivation secret, published before
	// any round settles.
	Commitment() string
}

// SeededOracle derives moves from an HMAC-SHA256 stream keyed by a server
// seed. Keep the seed out of logs; only the commitment hash is public.
type SeededOracle struct {
	seed       string
	commitment string
}

// NewSeededOracle builds an oracle from a non-empty server seed.
func NewSeededOracle(seed string) (*SeededOracle, error) {
	if seed == "" {
		return nil, errors.New("server seed is required")
	}
	sum := sha256.Sum256([]byte(seed))
	return &SeededOracle{
		seed:       seed,
		commitment: hex.EncodeToString(sum[:]),
	}, nil
}

// Outcome maps the first float of the round's byte stream uniformly onto
// the three moves.
func (o *SeededOracle) Outcome(ctx context.Context, roundID, bucket int64) (game.Move, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f := newByteStream(o.seed, roundID, bucket).nextFloat()
	mv := game.Move(f * 3)
	if !mv.Valid() {
		// f < 1 guarantees mv < 3; anything else is a bug.
		return 0, errors.New("derived move out of range")
	}
	return mv, nil
}

// Commitment returns the hex SHA-256 of the server seed.
func (o *SeededOracle) Commitment() string {
	return o.commitment
}
