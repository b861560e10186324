// Package chat drives a single send from the user's message to a settled assistant reply. A Session
// owns the active conversation: it issues the create/continue request, consumes the reply stream,
// routes every event into the conversation state and persists the result once the reply is done.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/horizon-web/internal/backend"
	"github.com/MegaGrindStone/horizon-web/internal/conversation"
	"github.com/MegaGrindStone/horizon-web/internal/models"
	"github.com/MegaGrindStone/horizon-web/internal/stream"
)

// Backend is the external chat backend a Session sends through.
type Backend interface {
	Send(ctx context.Context, req backend.SendRequest) (backend.SendResponse, error)
	StreamURL(conversationID string) string
	Title(ctx context.Context, message string) (string, error)
	Conversations(ctx context.Context) ([]models.Summary, error)
}

// Streamer opens the reply stream of a conversation.
type Streamer interface {
	Open(ctx context.Context, endpoint string) (*stream.Stream, error)
}

// Store is the local cache of settled conversations. Conversation returns an empty conversation, not
// an error, for an unknown ID. Conversations lists the cache newest first.
type Store interface {
	Conversations(ctx context.Context) ([]models.Summary, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	SaveConversation(ctx context.Context, conv models.Conversation) error
	UpdateTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

var (
	// ErrEmptyMessage is returned by Send for a message with no visible text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSendInFlight is returned by Send while another send has not settled.
	ErrSendInFlight = errors.New("a message is already being sent")
	// ErrConversationSwitched is returned by a send whose conversation was replaced before it settled.
	ErrConversationSwitched = errors.New("conversation switched while sending")
)

const errLoggerKey = "error"

// titleTimeout bounds a background title request.
const titleTimeout = 30 * time.Second

// Session is the send orchestrator of one client. It is safe for concurrent use; at most one send is
// in flight at any time.
type Session struct {
	backend  Backend
	streamer Streamer
	store    Store
	logger   *slog.Logger

	mu             sync.Mutex
	state          *conversation.State
	conversationID string
	title          string
	phase          Phase
	lastErr        error
	inFlight       bool
	active         *stream.Stream
	// generation is bumped whenever the active conversation is replaced. A send only touches the state
	// while the generation it started under is current.
	generation uint64
	summaries  []models.Summary

	observersMu sync.Mutex
	observers   map[int]func(Update)
	nextObsID   int

	// background bounds the title requests; Close cancels it.
	background     context.Context
	stopBackground context.CancelFunc
	titles         sync.WaitGroup
}

// Option configures a Session created with NewSession.
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates a Session that starts on a new, empty conversation.
func NewSession(b Backend, streamer Streamer, store Store, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		backend:        b,
		streamer:       streamer,
		store:          store,
		logger:         slog.Default(),
		state:          conversation.New(nil),
		observers:      make(map[int]func(Update)),
		background:     ctx,
		stopBackground: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("module", "chat"))

	return s
}

// Send sends text as the next user message of the active conversation and blocks until the reply has
// settled. It returns nil once the reply is done, and an error when the request or the stream failed;
// in both cases the user's message and any partial reply stay in the conversation.
//
// Cancelling ctx aborts the send. Switching conversations while Send runs makes it return
// ErrConversationSwitched without touching the newly active conversation.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	s.inFlight = true
	s.lastErr = nil
	gen := s.generation
	convID := s.conversationID
	history := historyOf(s.state.Messages())
	s.state.AppendMessage(models.RoleUser, text)
	s.phase = PhaseSending
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateMessages, Snapshot: snap})

	logger := s.logger.With(slog.String("conversationID", convID))

	res, err := s.backend.Send(ctx, backend.SendRequest{
		ConversationID: convID,
		Message:        text,
		History:        history,
	})

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return ErrConversationSwitched
	}
	if err != nil {
		err = fmt.Errorf("failed to send message: %w", err)
		logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		return s.failLocked(err)
	}

	isNew := convID == ""
	convID = res.ConversationID
	s.conversationID = convID
	logger = s.logger.With(slog.String("conversationID", convID))

	// The stream is opened before the placeholder exists, so a rejected endpoint leaves no empty
	// assistant message behind.
	st, err := s.streamer.Open(ctx, s.backend.StreamURL(convID))
	if err != nil {
		err = fmt.Errorf("failed to open reply stream: %w", err)
		logger.Error("Failed to open reply stream", slog.String(errLoggerKey, err.Error()))
		return s.failLocked(err)
	}
	s.active = st
	s.state.AppendPlaceholder()
	s.phase = PhaseStreaming
	snap = s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateMessages, Snapshot: snap})

	for ev := range st.Events() {
		s.mu.Lock()
		if gen != s.generation || s.active != st {
			s.mu.Unlock()
			return ErrConversationSwitched
		}

		if ev.Terminal() {
			if ev.Kind == stream.KindDone {
				return s.completeLocked(ctx, isNew, logger)
			}
			err := fmt.Errorf("failed to stream reply: %w", ev.Err)
			logger.Error("Reply stream failed", slog.String(errLoggerKey, err.Error()))
			return s.failLocked(err)
		}

		s.state.AppendDelta(ev.Delta)
		snap = s.snapshotLocked()
		s.mu.Unlock()
		s.notify(Update{Kind: UpdateDelta, Delta: ev.Delta, Snapshot: snap})
	}

	// The stream ended without a terminal event: it was cancelled, either by a switch or through ctx.
	s.mu.Lock()
	if gen != s.generation || s.active != st {
		s.mu.Unlock()
		return ErrConversationSwitched
	}
	st.Cancel()
	cause := ctx.Err()
	if cause == nil {
		cause = stream.ErrClosedBeforeDone
	}
	return s.failLocked(fmt.Errorf("failed to stream reply: %w", cause))
}

// completeLocked settles a send whose stream delivered Done. It must be called with s.mu held and
// releases it.
func (s *Session) completeLocked(ctx context.Context, isNew bool, logger *slog.Logger) error {
	s.state.Seal()
	s.active = nil
	s.inFlight = false
	s.phase = PhaseDone

	msgs := s.state.Messages()
	conv := models.Conversation{
		ID:          s.conversationID,
		Title:       s.title,
		Messages:    msgs,
		LastUpdated: time.Now(),
	}
	// Saving under the lock keeps a quick switch-away-and-back from reading a stale cache.
	if err := s.store.SaveConversation(context.WithoutCancel(ctx), conv); err != nil {
		logger.Error("Failed to save conversation", slog.String(errLoggerKey, err.Error()))
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Update{Kind: UpdatePhase, Snapshot: snap})

	if _, err := s.RefreshSummaries(ctx); err != nil {
		logger.Warn("Failed to refresh conversations", slog.String(errLoggerKey, err.Error()))
	}

	// The listing is loaded first so the title lands on a row that already exists.
	if isNew {
		if first, ok := firstUserMessage(msgs); ok {
			s.titles.Add(1)
			go s.deriveTitle(conv.ID, first)
		}
	}

	return nil
}

// failLocked settles a send as failed. It must be called with s.mu held and releases it.
func (s *Session) failLocked(err error) error {
	s.state.Seal()
	s.active = nil
	s.inFlight = false
	s.phase = PhaseFailed
	s.lastErr = err
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Update{Kind: UpdatePhase, Snapshot: snap})

	return err
}

func (s *Session) deriveTitle(conversationID, message string) {
	defer s.titles.Done()

	logger := s.logger.With(slog.String("conversationID", conversationID))
	ctx, cancel := context.WithTimeout(s.background, titleTimeout)
	defer cancel()

	title, err := s.backend.Title(ctx, message)
	if err != nil {
		logger.Warn("Failed to generate title, using fallback", slog.String(errLoggerKey, err.Error()))
	}
	if title == "" {
		title = models.FallbackTitle(message)
	}

	// The fallback is stored even when Close cut the request short.
	if err := s.store.UpdateTitle(context.WithoutCancel(ctx), conversationID, title); err != nil {
		logger.Error("Failed to save title", slog.String(errLoggerKey, err.Error()))
	}

	s.mu.Lock()
	if s.conversationID == conversationID {
		s.title = title
	}
	for i := range s.summaries {
		if s.summaries[i].ID == conversationID {
			s.summaries[i].Title = title
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	logger.Debug("Title set", slog.String("title", title))
	s.notify(Update{Kind: UpdateTitle, Snapshot: snap})
}

// Wait blocks until every background title request has finished.
func (s *Session) Wait() {
	s.titles.Wait()
}

// Close cancels the background title requests and waits for them to settle. Conversations whose
// title request was cut short get the fallback title. The store can be closed once Close returns.
func (s *Session) Close() {
	s.stopBackground()
	s.titles.Wait()
}

// Switch makes the conversation with the given ID active, replacing the message sequence with the
// locally cached one. Any reply still streaming is cancelled and its send abandoned.
func (s *Session) Switch(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	conv, err := s.store.Conversation(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	conv.ID = id

	s.mu.Lock()
	s.resetLocked(conv)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("Switched conversation", slog.String("conversationID", id))
	s.notify(Update{Kind: UpdateMessages, Snapshot: snap})
	return nil
}

// NewConversation starts an empty conversation, cancelling any reply still streaming.
func (s *Session) NewConversation() {
	s.mu.Lock()
	s.resetLocked(models.Conversation{})
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateMessages, Snapshot: snap})
}

// Delete drops a conversation from the local cache. Deleting the active conversation starts a new one.
func (s *Session) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}

	s.mu.Lock()
	active := s.conversationID == id
	s.mu.Unlock()

	if active {
		s.NewConversation()
	}
	return nil
}

// Clear empties the local cache and starts a new conversation.
func (s *Session) Clear(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear conversations: %w", err)
	}
	s.NewConversation()
	return nil
}

func (s *Session) resetLocked(conv models.Conversation) {
	if s.active != nil {
		s.active.Cancel()
		s.active = nil
	}
	s.generation++
	s.inFlight = false
	s.lastErr = nil
	s.phase = PhaseIdle
	s.conversationID = conv.ID
	s.title = conv.Title
	s.state.ReplaceAll(conv.Messages)
}

// RefreshSummaries reloads the conversation listing from the backend. Rows without a title borrow the
// one cached locally. When the backend cannot be reached the local cache is listed instead; the
// backend's error is returned only if the cache has nothing to offer either.
func (s *Session) RefreshSummaries(ctx context.Context) ([]models.Summary, error) {
	summaries, err := s.backend.Conversations(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list conversations: %w", err)
		cached, cacheErr := s.store.Conversations(ctx)
		if cacheErr != nil || len(cached) == 0 {
			return nil, err
		}
		s.logger.Warn("Listing cached conversations", slog.String(errLoggerKey, err.Error()))
		summaries = cached
	}

	for i := range summaries {
		if summaries[i].Title != "" {
			continue
		}
		conv, err := s.store.Conversation(ctx, summaries[i].ID)
		if err != nil {
			s.logger.Warn("Failed to read cached conversation",
				slog.String("conversationID", summaries[i].ID),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		summaries[i].Title = conv.Title
	}

	s.mu.Lock()
	s.summaries = summaries
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateSummaries, Snapshot: snap})

	return cloneSummaries(summaries), nil
}

// Summaries returns the last loaded conversation listing.
func (s *Session) Summaries() []models.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return cloneSummaries(s.summaries)
}

// Snapshot returns the current state of the active conversation.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ConversationID: s.conversationID,
		Title:          s.title,
		Phase:          s.phase,
		InFlight:       s.inFlight,
		Streaming:      s.state.Streaming(),
		Messages:       s.state.Messages(),
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

// Subscribe registers fn to be called after every state transition. Calls are made outside the
// session lock, from the goroutine that caused the transition. The returned function removes fn.
func (s *Session) Subscribe(fn func(Update)) func() {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()

	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn

	return func() {
		s.observersMu.Lock()
		defer s.observersMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Session) notify(u Update) {
	s.observersMu.Lock()
	fns := make([]func(Update), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.observersMu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

func historyOf(msgs []models.Message) []backend.HistoryMessage {
	history := make([]backend.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		// An assistant placeholder left empty by a failed reply carries nothing worth sending.
		if m.Role == models.RoleAssistant && m.Content == "" {
			continue
		}
		history = append(history, backend.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return history
}

func firstUserMessage(msgs []models.Message) (string, bool) {
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			return m.Content, true
		}
	}
	return "", false
}

func cloneSummaries(in []models.Summary) []models.Summary {
	if in == nil {
		return nil
	}
	out := make([]models.Summary, len(in))
	copy(out, in)
	return out
}
