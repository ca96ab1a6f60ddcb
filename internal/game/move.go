// Package game defines the rock/paper/scissors move domain and the
// cyclic rule that decides which move beats the round outcome.
package game

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Move is one of the three playable moves. The numeric values are part of
// the wire and storage format and must not be reordered.
type Move uint8

const (
	Rock     Move = 0
	Paper    Move = 1
	Scissors Move = 2
)

// moveCount is the size of the move cycle.
const moveCount = 3

var moveNames = [moveCount]string{"rock", "paper", "scissors"}

// Valid reports whether m is one of the three playable moves.
func (m Move) Valid() bool {
	return m < moveCount
}

func (m Move) String() string {
	if !m.Valid() {
		return fmt.Sprintf("move(%d)", uint8(m))
	}
	return moveNames[m]
}

// ParseMove accepts a move name ("rock", "Paper", ...) or its numeric
// form ("0".."2").
func ParseMove(s string) (Move, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rock", "0":
		return Rock, nil
	case "paper", "1":
		return Paper, nil
	case "scissors", "2":
		return Scissors, nil
	default:
		return 0, fmt.Errorf("unknown move %q", s)
	}
}

// Beats returns the move that defeats outcome: paper beats rock, scissors
// beats paper, rock beats scissors.
func Beats(outcome Move) Move {
	return (outcome + 1) % moveCount
}

// MarshalJSON encodes the move as its lowercase name.
func (m Move) MarshalJSON() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid move %d", uint8(m))
	}
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts anything ParseMove accepts.
func (m *Move) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMove(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
