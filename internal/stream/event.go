package stream

import (
	"errors"
	"fmt"
)

// Kind discriminates the variants of Event.
type Kind int

const (
	// KindToken carries an incremental fragment of the assistant reply in Event.Delta.
	KindToken Kind = iota
	// KindDone marks the normal end of the stream.
	KindDone
	// KindError marks an abnormal end of the stream; the cause is in Event.Err.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a single item delivered by a Stream. Exactly one of Delta or Err is meaningful, depending
// on Kind.
type Event struct {
	Kind  Kind
	Delta string
	Err   error
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}

var (
	// ErrMissingConversationID is returned by Open when the endpoint does not name a conversation.
	ErrMissingConversationID = errors.New("stream endpoint has no conversation id")
	// ErrClosedBeforeDone is the cause of the Error event emitted when the server closes the stream
	// without sending a done event.
	ErrClosedBeforeDone = errors.New("stream closed before done event")
)

// StatusError is the cause of the Error event emitted when the streaming endpoint answers with a
// non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream endpoint returned status %d: %s", e.StatusCode, e.Body)
}
