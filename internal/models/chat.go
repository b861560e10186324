package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Conversation represents a thread of messages exchanged with the chat backend. An empty ID means the
// conversation has not been created on the backend yet; the backend assigns the ID on the first
// successful send.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Messages    []Message `json:"messages,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Summary is a row of the backend's conversation listing.
type Summary struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	NumMessages int    `json:"num_messages"`
}

const (
	fallbackTitleWords    = 5
	fallbackTitleMaxRunes = 50
)

// FallbackTitle derives a short conversation title from the first user message: its first five words,
// cut to at most 50 characters.
func FallbackTitle(message string) string {
	words := strings.Fields(message)
	if len(words) > fallbackTitleWords {
		words = words[:fallbackTitleWords]
	}
	title := strings.Join(words, " ")
	if utf8.RuneCountInString(title) <= fallbackTitleMaxRunes {
		return title
	}
	return string([]rune(title)[:fallbackTitleMaxRunes])
}
