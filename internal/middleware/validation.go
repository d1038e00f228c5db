package middleware

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmptyText is returned for text that is blank after trimming.
	ErrEmptyText = errors.New("text cannot be empty")

	conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// ValidateMessageText checks user text before it reaches the controller.
// Length is counted in runes after trimming.
func ValidateMessageText(text string, maxLength int) error {
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	if maxLength > 0 && utf8.RuneCountInString(text) > maxLength {
		return fmt.Errorf("text exceeds maximum length of %d characters", maxLength)
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if !conversationIDPattern.MatchString(id) {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateMoodLabel validates a mood shortcut label.
func ValidateMoodLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return errors.New("label cannot be empty")
	}
	if utf8.RuneCountInString(label) > 64 {
		return errors.New("label exceeds maximum length")
	}
	if !utf8.ValidString(label) {
		return errors.New("label must be valid UTF-8")
	}
	return nil
}
