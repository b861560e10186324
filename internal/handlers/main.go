package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/horizon-web/internal/chat"
	"github.com/MegaGrindStone/horizon-web/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/tmaxmax/go-sse"
)

// Session is the send orchestrator behind the browser-facing routes. It owns the active conversation
// and reports every state transition to its subscribers.
type Session interface {
	Send(ctx context.Context, text string) error
	Snapshot() chat.Snapshot
	Summaries() []models.Summary
	RefreshSummaries(ctx context.Context) ([]models.Summary, error)
	NewConversation()
	Switch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Subscribe(fn func(chat.Update)) func()
}

// Main serves the JSON routes of the web client and fans every session update out to the connected
// browsers over server-sent events.
type Main struct {
	sseSrv  *sse.Server
	session Session
	logger  *slog.Logger

	sendTimeout time.Duration

	// sendCtx bounds the background sends started by HandleSend; Shutdown cancels it. sendsMu orders
	// sends.Add in HandleSend before the cancellation, so no send starts once Shutdown waits.
	sendsMu     sync.Mutex
	sendCtx     context.Context
	cancelSends context.CancelFunc
	sends       sync.WaitGroup

	unsubscribe func()
}

// Option configures a Main created with NewMain.
type Option func(*Main)

// WithSendTimeout bounds each background send. Zero means no bound.
func WithSendTimeout(d time.Duration) Option {
	return func(m *Main) {
		m.sendTimeout = d
	}
}

const errLoggerKey = "error"

// SSE event types published to the browsers.
var (
	messagesSSEType  = sse.Type("messages")
	chatsSSEType     = sse.Type("chats")
	closeChatSSEType = sse.Type("closeChat")
)

type messagesEvent struct {
	chat.Snapshot
	// Delta is the token just applied, for clients that append instead of re-rendering.
	Delta string `json:"delta,omitempty"`
	// HTML is the last message rendered from markdown.
	HTML string `json:"html"`
}

// NewMain creates a Main driving session and subscribes it to the session's updates. Shutdown must be
// called to release the subscription.
func NewMain(session Session, logger *slog.Logger, opts ...Option) *Main {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Main{
		sseSrv:      &sse.Server{},
		session:     session,
		logger:      logger.With(slog.String("module", "main")),
		sendCtx:     ctx,
		cancelSends: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = session.Subscribe(m.publishUpdate)

	return m
}

// RegisterRoutes registers the web client routes on r.
func (m *Main) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/messages", m.HandleMessages)
		r.Post("/send", m.HandleSend)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", m.HandleConversations)
			r.Delete("/", m.HandleClearConversations)
			r.Post("/new", m.HandleNewConversation)
			r.Post("/{id}/select", m.HandleSelectConversation)
			r.Delete("/{id}", m.HandleDeleteConversation)
		})
	})
	r.Handle("/sse", m.sseSrv)
}

func (m *Main) publishUpdate(u chat.Update) {
	switch u.Kind {
	case chat.UpdateMessages, chat.UpdateDelta, chat.UpdatePhase:
		m.publishMessages(u)
	case chat.UpdateSummaries:
		m.publishChats(m.session.Summaries())
	case chat.UpdateTitle:
		m.publishMessages(u)
		m.publishChats(m.session.Summaries())
	}
}

func (m *Main) publishMessages(u chat.Update) {
	ev := messagesEvent{Snapshot: u.Snapshot, Delta: u.Delta}
	if n := len(u.Snapshot.Messages); n > 0 {
		html, err := models.RenderMarkdown(u.Snapshot.Messages[n-1].Content)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", u.Snapshot.Messages[n-1].ID),
				slog.String(errLoggerKey, err.Error()))
		}
		ev.HTML = html
	}

	if err := m.publish(messagesSSEType, ev); err != nil {
		m.logger.Error("Failed to publish messages",
			slog.String("conversationID", u.Snapshot.ConversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) publishChats(summaries []models.Summary) {
	if summaries == nil {
		summaries = []models.Summary{}
	}
	if err := m.publish(chatsSSEType, summaries); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) publish(typ sse.EventType, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := sse.Message{Type: typ}
	msg.AppendData(string(data))
	return m.sseSrv.Publish(&msg)
}

// Shutdown stops accepting session updates, aborts background sends and terminates the SSE server. It
// broadcasts a close message to all connected clients and waits up to 5 seconds for connections to
// terminate.
func (m *Main) Shutdown(ctx context.Context) error {
	m.unsubscribe()

	m.sendsMu.Lock()
	m.cancelSends()
	m.sendsMu.Unlock()

	e := &sse.Message{Type: closeChatSSEType}
	// The SSE format requires data on every event.
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.sends.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Background sends still running at shutdown")
	}

	return m.sseSrv.Shutdown(ctx)
}
