package domain

import "time"

// Action identifies the user action that triggered an XP award
type Action string

const (
	ActionPost       Action = "post"
	ActionLike       Action = "like"
	ActionDislike    Action = "dislike"
	ActionSkip       Action = "skip"
	ActionInvite     Action = "invite"
	ActionJoinFeed   Action = "join_feed"
	ActionCreateFeed Action = "create_feed"
)

// AwardAmounts maps each qualifying action to its XP value
var AwardAmounts = map[Action]float64{
	ActionPost:       450,
	ActionLike:       20,
	ActionDislike:    20,
	ActionSkip:       10,
	ActionInvite:     650,
	ActionJoinFeed:   20,
	ActionCreateFeed: 100,
}

// AmountFor returns the XP value for an action
func AmountFor(action Action) (float64, error) {
	amount, ok := AwardAmounts[action]
	if !ok {
		return 0, ErrInvalidAction
	}
	return amount, nil
}

// AwardRequest represents a request to award XP to a user. Either Action
// or an explicit Amount must be set; Action wins when both are present.
type AwardRequest struct {
	UserID string   `json:"user_id"`
	Action Action   `json:"action,omitempty"`
	Amount *float64 `json:"amount,omitempty"`
}

// ResolveAmount returns the XP delta this request asks for
func (r *AwardRequest) ResolveAmount() (float64, error) {
	if r.Action != "" {
		return AmountFor(r.Action)
	}
	if r.Amount == nil {
		return 0, ErrInvalidRequest
	}
	if err := ValidateAmount(*r.Amount); err != nil {
		return 0, err
	}
	return *r.Amount, nil
}

// BatchAwardRequest represents multiple award requests
type BatchAwardRequest struct {
	Awards []AwardRequest `json:"awards"`
}

// AwardEvent is the audit record written after each applied award
type AwardEvent struct {
	UserID       string    `json:"user_id"`
	Action       Action    `json:"action,omitempty"`
	Amount       float64   `json:"amount"`
	LevelsGained int       `json:"levels_gained"`
	Timestamp    time.Time `json:"timestamp"`
}

// RankedUser is a single entry in the XP leaderboard
type RankedUser struct {
	Rank    int64   `json:"rank"`
	UserID  string  `json:"user_id"`
	TotalXP float64 `json:"total_xp"`
	Level   int     `json:"level,omitempty"`
}
