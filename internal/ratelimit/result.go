package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Decision explains an admission result.
type Decision int

const (
	// DecisionAllowed means the action may proceed and was counted.
	DecisionAllowed Decision = iota
	// DecisionBlocked means an earlier strike is still in force.
	DecisionBlocked
	// DecisionStruck means this call exceeded the cap and recorded a new strike.
	DecisionStruck
	// DecisionUnconfigured means the category has no cap and is denied by default.
	DecisionUnconfigured
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionBlocked:
		return "blocked"
	case DecisionStruck:
		return "struck"
	case DecisionUnconfigured:
		return "unconfigured"
	default:
		return "unknown"
	}
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	Decision   Decision
	RetryAfter time.Duration // zero unless a block is in force
	Strikes    int
}

// StrikePolicy decides when accumulated strikes are forgiven.
type StrikePolicy int

const (
	// StrikePolicyManual keeps strikes until Reset or ResetAll is called.
	StrikePolicyManual StrikePolicy = iota
	// StrikePolicyCleanWindow forgives strikes when a window closes without a strike in it.
	StrikePolicyCleanWindow
)

func (p StrikePolicy) String() string {
	switch p {
	case StrikePolicyCleanWindow:
		return "clean-window"
	default:
		return "manual"
	}
}

// ParseStrikePolicy accepts "manual" or "clean-window".
func ParseStrikePolicy(s string) (StrikePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "manual":
		return StrikePolicyManual, nil
	case "clean-window", "clean_window":
		return StrikePolicyCleanWindow, nil
	default:
		return StrikePolicyManual, fmt.Errorf("unknown strike policy %q", s)
	}
}
