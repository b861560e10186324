// Package stream consumes the server-sent event stream that carries an assistant reply. A Stream
// turns the endpoint's token and done events into Events, delivered one at a time and in arrival
// order to whoever drains it.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// ConversationIDParam is the query parameter of the streaming endpoint that names the conversation.
const ConversationIDParam = "conversation_id"

// SSE event types emitted by the streaming endpoint.
const (
	eventToken = "token"
	eventDone  = "done"
)

const (
	errLoggerKey = "error"

	maxErrorBodySize = 4 << 10
)

type tokenPayload struct {
	Delta *string `json:"delta"`
}

// Consumer opens Streams against a streaming endpoint. The zero value is not usable; create one with
// NewConsumer.
type Consumer struct {
	client *http.Client
	logger *slog.Logger
}

// Stream is a single open subscription to the streaming endpoint. Events are handed over through an
// unbuffered channel by a reader goroutine, so the drain side sees them strictly in the order the
// server sent them.
//
// A Stream ends with exactly one Done or Error event, unless it is cancelled first. After Cancel
// returns, Next reports no further events, including any the reader had already received.
type Stream struct {
	events chan Event
	closed chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
}

// NewConsumer creates a Consumer that issues its requests with client. The client should not carry
// a Timeout, since a stream stays open as long as the reply lasts; a nil client selects a fresh
// http.Client.
func NewConsumer(client *http.Client, logger *slog.Logger) Consumer {
	if client == nil {
		client = &http.Client{}
	}
	return Consumer{
		client: client,
		logger: logger.With(slog.String("module", "stream")),
	}
}

// Open validates endpoint and starts consuming it in the background. The endpoint must be an absolute
// URL carrying a non-empty conversation_id query parameter; otherwise an error is returned and no
// request is made. Cancelling ctx has the same effect as calling Cancel on the returned Stream.
func (c Consumer) Open(ctx context.Context, endpoint string) (*Stream, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid stream endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid stream endpoint %q: must be an absolute URL", endpoint)
	}
	conversationID := u.Query().Get(ConversationIDParam)
	if conversationID == "" {
		return nil, ErrMissingConversationID
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	s := &Stream{
		events: make(chan Event),
		closed: make(chan struct{}),
		cancel: cancel,
	}
	go s.read(ctx, c.client, req, c.logger.With(slog.String("conversationID", conversationID)))

	return s, nil
}

// Next blocks until the next event arrives. ok is false once the stream has delivered its terminal
// event, or has been cancelled.
func (s *Stream) Next() (Event, bool) {
	if s.isCancelled() {
		return Event{}, false
	}
	ev, ok := <-s.events
	if !ok || s.isCancelled() {
		return Event{}, false
	}
	return ev, true
}

// Events returns an iterator over the remaining events of the stream. Breaking out of the loop does
// not cancel the stream.
func (s *Stream) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, ok := s.Next()
			if !ok {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Cancel closes the connection and suppresses every later delivery. It is safe to call more than once
// and from any goroutine.
func (s *Stream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()

	s.cancel()
}

// Closed returns a channel that is closed once the reader goroutine has exited and the connection is
// released.
func (s *Stream) Closed() <-chan struct{} {
	return s.closed
}

func (s *Stream) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Stream) read(ctx context.Context, client *http.Client, req *http.Request, logger *slog.Logger) {
	defer close(s.closed)
	defer close(s.events)
	defer s.cancel()

	fail := func(err error) {
		// A cancelled stream reports nothing, whatever the transport says about it.
		if ctx.Err() != nil {
			return
		}
		logger.Error("Stream failed", slog.String(errLoggerKey, err.Error()))
		s.emit(ctx, Event{Kind: KindError, Err: err})
	}

	resp, err := client.Do(req)
	if err != nil {
		fail(fmt.Errorf("failed to open stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		fail(&StatusError{StatusCode: resp.StatusCode, Body: string(body)})
		return
	}

	logger.Debug("Stream opened")

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			fail(fmt.Errorf("failed to read stream: %w", err))
			return
		}

		switch ev.Type {
		case eventToken:
			var payload tokenPayload
			if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil || payload.Delta == nil {
				// One corrupt token must not abort an otherwise healthy reply.
				logger.Warn("Dropping malformed token event", slog.String("data", ev.Data))
				continue
			}
			if !s.emit(ctx, Event{Kind: KindToken, Delta: *payload.Delta}) {
				return
			}
		case eventDone:
			logger.Debug("Stream done")
			s.emit(ctx, Event{Kind: KindDone})
			return
		default:
			logger.Debug("Ignoring event", slog.String("type", ev.Type))
		}
	}

	fail(ErrClosedBeforeDone)
}

func (s *Stream) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
