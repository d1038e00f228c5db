package model

// DefaultConversationID is the log used when a client does not name one.
const DefaultConversationID = "default"

// Snapshot is the full ordered message list of a conversation at one instant.
type Snapshot struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	LastSequence   uint64    `json:"last_sequence"`
}

// NewSnapshot wraps an ordered message list.
func NewSnapshot(conversationID string, messages []Message) Snapshot {
	s := Snapshot{ConversationID: conversationID, Messages: messages}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	for _, m := range messages {
		if m.Sequence > s.LastSequence {
			s.LastSequence = m.Sequence
		}
	}
	return s
}
