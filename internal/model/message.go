// Package model defines data structures for the companion chat.
package model

import (
	"time"
)

// Author identifies who wrote a message.
type Author string

const (
	AuthorUser      Author = "user"
	AuthorCompanion Author = "companion"
	// AuthorCircle is reserved for trusted-circle participants. Nothing in
	// this service produces it yet.
	AuthorCircle Author = "circle"
)

// Valid reports whether a is a known author.
func (a Author) Valid() bool {
	switch a {
	case AuthorUser, AuthorCompanion, AuthorCircle:
		return true
	}
	return false
}

// Message is one immutable entry of a conversation log.
type Message struct {
	// Identity, assigned by the store
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Content
	Author Author `json:"author"`
	Text   string `json:"text"`

	// Causality. InReplyTo is set on companion messages only.
	InReplyTo string `json:"in_reply_to,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`

	// Ordering, assigned by the store
	CreatedAt time.Time `json:"created_at"`
	Sequence  uint64    `json:"sequence"`
}

// Before reports whether m sorts before o in conversation order.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Sequence < o.Sequence
}

// MentorRequest is the body of POST /api/mentor.
type MentorRequest struct {
	Message string `json:"message"`
}

// MentorResponse is the body returned by POST /api/mentor on every path.
type MentorResponse struct {
	Reply string `json:"reply"`
}

// SendMessageRequest is the request to send a user message.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// MoodRequest is the request to send a mood shortcut.
type MoodRequest struct {
	Label string `json:"label"`
}

// SendMessageResponse is the response after a turn completes.
type SendMessageResponse struct {
	TurnID      string   `json:"turn_id"`
	UserMessage *Message `json:"user_message"`
	Reply       *Message `json:"reply,omitempty"`
	Failure     string   `json:"failure,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// ErrorEvent represents an error frame on a live connection.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
