package model

import (
	"time"
)

// TurnState is a step of a single send: Idle → UserAppended → AwaitingReply →
// ReplyAppended | Failed.
type TurnState string

const (
	TurnUserAppended  TurnState = "user_appended"
	TurnAwaitingReply TurnState = "awaiting_reply"
	TurnReplyAppended TurnState = "reply_appended"
	TurnFailed        TurnState = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s TurnState) Terminal() bool {
	return s == TurnReplyAppended || s == TurnFailed
}

// TurnEvent reports a state transition of a turn. Turn events are not
// persisted; they let live views show pending and failed replies without
// touching the append-only log.
type TurnEvent struct {
	TurnID         string    `json:"turn_id"`
	ConversationID string    `json:"conversation_id"`
	State          TurnState `json:"state"`
	UserMessageID  string    `json:"user_message_id,omitempty"`
	ReplyMessageID string    `json:"reply_message_id,omitempty"`
	Failure        string    `json:"failure,omitempty"`
	At             time.Time `json:"at"`
}
