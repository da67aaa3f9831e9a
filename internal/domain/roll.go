// Package domain contains core domain types for gagsync.
package domain

import (
	"time"
)

// TerminalRoll is the rolled value that ends a death roll. Whoever rolls it loses.
const TerminalRoll = 1

// RollSession is one in-progress death roll between two players.
type RollSession struct {
	ID             string    `json:"id"`
	Initiator      string    `json:"initiator"`
	Opponent       string    `json:"opponent,omitempty"`
	StartingCap    int       `json:"starting_cap"`
	CurrentCap     int       `json:"current_cap"`
	LastRoller     string    `json:"last_roller"`
	Turns          int       `json:"turns"`
	StartedAt      time.Time `json:"started_at"`
	LastActionTime time.Time `json:"last_action_time"`
	IsComplete     bool      `json:"is_complete"`
}

// Participates reports whether identity is the initiator or the opponent.
func (s *RollSession) Participates(identity string) bool {
	if identity == "" {
		return false
	}
	return s.Initiator == identity || s.Opponent == identity
}

// Loser returns the player who rolled the terminal value.
// Returns empty string while the session is still running.
func (s *RollSession) Loser() string {
	if !s.IsComplete {
		return ""
	}
	return s.LastRoller
}

// Winner returns the participant who did not lose.
func (s *RollSession) Winner() string {
	if !s.IsComplete {
		return ""
	}
	if s.LastRoller == s.Initiator {
		return s.Opponent
	}
	return s.Initiator
}

// RollResult is the stored outcome of a completed death roll.
type RollResult struct {
	SessionID   string    `json:"session_id"`
	Initiator   string    `json:"initiator"`
	Opponent    string    `json:"opponent"`
	Winner      string    `json:"winner"`
	Loser       string    `json:"loser"`
	StartingCap int       `json:"starting_cap"`
	Turns       int       `json:"turns"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ResultFromSession builds the stored record for a completed session.
func ResultFromSession(s RollSession) RollResult {
	return RollResult{
		SessionID:   s.ID,
		Initiator:   s.Initiator,
		Opponent:    s.Opponent,
		Winner:      s.Winner(),
		Loser:       s.Loser(),
		StartingCap: s.StartingCap,
		Turns:       s.Turns,
		StartedAt:   s.StartedAt,
		CompletedAt: s.LastActionTime,
	}
}
