package domain

import (
	"fmt"
	"strings"
	"time"
)

// ActionCategory identifies a class of throttled actions.
// Each category is rate limited independently.
type ActionCategory int

const (
	// CategoryUnknown is the zero value and is never configured.
	CategoryUnknown ActionCategory = iota
	// CategoryGag covers applying or swapping gags.
	CategoryGag
	// CategoryRestriction covers restriction items.
	CategoryRestriction
	// CategoryRestraint covers full restraint sets.
	CategoryRestraint
	// CategoryTrigger covers firing configured triggers.
	CategoryTrigger
)

var categoryNames = map[ActionCategory]string{
	CategoryGag:         "gag",
	CategoryRestriction: "restriction",
	CategoryRestraint:   "restraint",
	CategoryTrigger:     "trigger",
}

func (c ActionCategory) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// AllActionCategories returns the statically known categories in declaration order.
func AllActionCategories() []ActionCategory {
	return []ActionCategory{CategoryGag, CategoryRestriction, CategoryRestraint, CategoryTrigger}
}

// ParseActionCategory resolves a category from its name, case-insensitively.
func ParseActionCategory(name string) (ActionCategory, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range categoryNames {
		if n == name {
			return c, nil
		}
	}
	return CategoryUnknown, fmt.Errorf("unknown action category %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (c ActionCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ActionCategory) UnmarshalText(text []byte) error {
	parsed, err := ParseActionCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Action is a request to perform a throttled action on behalf of a player.
type Action struct {
	ID        string         `json:"id"`
	Category  ActionCategory `json:"category"`
	Target    string         `json:"target"`
	Source    string         `json:"source"`
	Detail    string         `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StrikeRecord is an audit entry for a rate-limit violation.
type StrikeRecord struct {
	Category     ActionCategory `json:"category"`
	StrikeCount  int            `json:"strike_count"`
	BlockedUntil time.Time      `json:"blocked_until"`
	CreatedAt    time.Time      `json:"created_at"`
}
