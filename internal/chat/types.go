package chat

import (
	"fmt"

	"github.com/MegaGrindStone/horizon-web/internal/models"
)

// Phase is where a Session is in the life of its latest send.
type Phase int

// Phases of a send. A Session starts Idle and returns to Idle whenever the active conversation is
// replaced.
const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UpdateKind tells observers what changed.
type UpdateKind int

// Kinds of Update.
const (
	// UpdateMessages is sent when messages were appended or the whole sequence was replaced.
	UpdateMessages UpdateKind = iota
	// UpdateDelta is sent for every token applied to the streaming reply.
	UpdateDelta
	// UpdatePhase is sent when a send settles.
	UpdatePhase
	// UpdateSummaries is sent after the conversation listing was reloaded.
	UpdateSummaries
	// UpdateTitle is sent once a conversation got its title.
	UpdateTitle
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMessages:
		return "messages"
	case UpdateDelta:
		return "delta"
	case UpdatePhase:
		return "phase"
	case UpdateSummaries:
		return "summaries"
	case UpdateTitle:
		return "title"
	default:
		return fmt.Sprintf("update(%d)", int(k))
	}
}

// Update describes one state transition of a Session. Delta is set for UpdateDelta only.
type Update struct {
	Kind     UpdateKind
	Delta    string
	Snapshot Snapshot
}

// Snapshot is a copy of a Session's state at one point in time.
type Snapshot struct {
	ConversationID string           `json:"conversation_id"`
	Title          string           `json:"title"`
	Phase          Phase            `json:"phase"`
	InFlight       bool             `json:"in_flight"`
	Streaming      bool             `json:"streaming"`
	Messages       []models.Message `json:"messages"`
	Error          string           `json:"error,omitempty"`
}
