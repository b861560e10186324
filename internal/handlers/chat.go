package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/horizon-web/internal/chat"
	"github.com/go-chi/chi/v5"
)

type sendRequest struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleMessages returns the current state of the active conversation.
func (m *Main) HandleMessages(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, m.session.Snapshot())
}

// HandleSend accepts a user message and sends it in the background. The reply is delivered through
// the SSE stream, not the response; the handler answers 202 as soon as the send has started.
//
// An empty message is rejected with 400, a message sent while another reply is still in flight
// with 409, and any message once Shutdown has started with 503.
func (m *Main) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		m.writeError(w, http.StatusBadRequest, chat.ErrEmptyMessage.Error())
		return
	}
	if m.session.Snapshot().InFlight {
		m.writeError(w, http.StatusConflict, chat.ErrSendInFlight.Error())
		return
	}

	m.sendsMu.Lock()
	if m.sendCtx.Err() != nil {
		m.sendsMu.Unlock()
		m.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	m.sends.Add(1)
	m.sendsMu.Unlock()
	go m.send(req.Message)

	m.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (m *Main) send(text string) {
	defer m.sends.Done()

	ctx := m.sendCtx
	if m.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.sendTimeout)
		defer cancel()
	}

	err := m.session.Send(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrSendInFlight), errors.Is(err, chat.ErrConversationSwitched):
		m.logger.Warn("Send abandoned", slog.String(errLoggerKey, err.Error()))
	default:
		// The session has already published the failure to the browsers.
		m.logger.Error("Send failed", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleConversations reloads the conversation listing from the backend.
func (m *Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := m.session.RefreshSummaries(r.Context())
	if err != nil {
		m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if summaries == nil {
		m.writeJSON(w, http.StatusOK, []any{})
		return
	}
	m.writeJSON(w, http.StatusOK, summaries)
}

// HandleNewConversation starts an empty conversation.
func (m *Main) HandleNewConversation(w http.ResponseWriter, _ *http.Request) {
	m.session.NewConversation()
	m.writeJSON(w, http.StatusOK, m.session.Snapshot())
}

// HandleSelectConversation makes the conversation named in the path active.
func (m *Main) HandleSelectConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := m.session.Switch(r.Context(), id); err != nil {
		m.logger.Error("Failed to switch conversation",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, m.session.Snapshot())
}

// HandleDeleteConversation drops the conversation named in the path from the local cache.
func (m *Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := m.session.Delete(r.Context(), id); err != nil {
		m.logger.Error("Failed to delete conversation",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearConversations empties the local cache.
func (m *Main) HandleClearConversations(w http.ResponseWriter, r *http.Request) {
	if err := m.session.Clear(r.Context()); err != nil {
		m.logger.Error("Failed to clear conversations", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) writeError(w http.ResponseWriter, status int, msg string) {
	m.writeJSON(w, status, errorResponse{Error: msg})
}
