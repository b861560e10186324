// Package conversation holds the message sequence of the active conversation and the transitions
// allowed on it.
//
// The sequence only grows: messages are appended, and the single exception to immutability is the
// trailing assistant placeholder, whose content grows while its reply streams in. Nothing is removed
// except by replacing the whole sequence.
package conversation

import (
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/horizon-web/internal/models"
	"github.com/google/uuid"
)

// State is the message sequence of one active conversation. It is safe for concurrent use, but is
// meant to have a single writer: the send orchestrator that owns it.
type State struct {
	mu       sync.RWMutex
	messages []models.Message
	// open is true while the last message is an assistant placeholder accepting deltas.
	open bool

	now func() time.Time
}

// New creates a State seeded with a copy of messages.
func New(messages []models.Message) *State {
	return &State{
		messages: slices.Clone(messages),
		now:      time.Now,
	}
}

// AppendMessage adds a complete message with the current timestamp to the end of the sequence. Any
// open placeholder is closed first, since it is no longer the last message.
func (s *State) AppendMessage(role models.Role, content string) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open = false
	return s.append(role, content)
}

// AppendPlaceholder adds an empty assistant message that accepts deltas until Seal is called.
func (s *State) AppendPlaceholder() models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.append(models.RoleAssistant, "")
	s.open = true
	return msg
}

// AppendDelta appends text to the open assistant placeholder. It reports false, and changes nothing,
// when the last message is not an open placeholder.
func (s *State) AppendDelta(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open || len(s.messages) == 0 {
		return false
	}
	last := &s.messages[len(s.messages)-1]
	if last.Role != models.RoleAssistant {
		return false
	}
	last.Content += text
	return true
}

// Seal closes the open placeholder; its content is final from here on.
func (s *State) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open = false
}

// ReplaceAll discards the sequence and installs a copy of messages, as happens when the active
// conversation changes.
func (s *State) ReplaceAll(messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = slices.Clone(messages)
	s.open = false
}

// Messages returns a copy of the sequence.
func (s *State) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.messages)
}

// Last returns the last message, if any.
func (s *State) Last() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.messages) == 0 {
		return models.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Len returns the number of messages.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages)
}

// Streaming reports whether the last message is an open placeholder.
func (s *State) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.open
}

func (s *State) append(role models.Role, content string) models.Message {
	msg := models.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
	}
	s.messages = append(s.messages, msg)
	return msg
}
