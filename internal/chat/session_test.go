package chat_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/horizon-web/internal/backend"
	"github.com/MegaGrindStone/horizon-web/internal/chat"
	"github.com/MegaGrindStone/horizon-web/internal/models"
	"github.com/MegaGrindStone/horizon-web/internal/stream"
)

type mockBackend struct {
	streamBase string

	mu        sync.Mutex
	sends     []backend.SendRequest
	sendErr   error
	sendID    string
	titles    []string
	title     string
	titleErr  error
	// titleBlocks makes Title wait for its context to end.
	titleBlocks bool
	summaries   []models.Summary
	listErr     error
}

func (m *mockBackend) Send(_ context.Context, req backend.SendRequest) (backend.SendResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sends = append(m.sends, req)
	if m.sendErr != nil {
		return backend.SendResponse{}, m.sendErr
	}
	id := req.ConversationID
	if id == "" {
		id = m.sendID
	}
	return backend.SendResponse{ConversationID: id}, nil
}

func (m *mockBackend) StreamURL(conversationID string) string {
	return m.streamBase + "/api/chat/stream?conversation_id=" + conversationID
}

func (m *mockBackend) Title(ctx context.Context, message string) (string, error) {
	m.mu.Lock()
	m.titles = append(m.titles, message)
	blocks := m.titleBlocks
	m.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return m.title, m.titleErr
}

func (m *mockBackend) Conversations(context.Context) ([]models.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]models.Summary, len(m.summaries))
	copy(out, m.summaries)
	return out, nil
}

func (m *mockBackend) sendRequests() []backend.SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.SendRequest(nil), m.sends...)
}

func (m *mockBackend) titleRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.titles...)
}

type mockStore struct {
	mu    sync.Mutex
	convs map[string]models.Conversation
}

func newMockStore(convs ...models.Conversation) *mockStore {
	s := &mockStore{convs: make(map[string]models.Conversation)}
	for _, c := range convs {
		s.convs[c.ID] = c
	}
	return s
}

func (s *mockStore) Conversations(context.Context) ([]models.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Summary, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, models.Summary{ID: c.ID, Title: c.Title, NumMessages: len(c.Messages)})
	}
	return out, nil
}

func (s *mockStore) Conversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id], nil
}

func (s *mockStore) SaveConversation(_ context.Context, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv
	return nil
}

func (s *mockStore) UpdateTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[id]
	c.ID = id
	c.Title = title
	s.convs[id] = c
	return nil
}

func (s *mockStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	return nil
}

func (s *mockStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = make(map[string]models.Conversation)
	return nil
}

func (s *mockStore) get(id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	return c, ok
}

type sseWriter struct {
	w http.ResponseWriter
}

func (s sseWriter) send(event, data string) {
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.w.(http.Flusher).Flush()
}

func token(delta string) string {
	return fmt.Sprintf(`{"delta":%q}`, delta)
}

func newStreamServer(t *testing.T, handler func(r *http.Request, sw sseWriter)) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		handler(r, sseWriter{w: w})
	}))
	t.Cleanup(srv.Close)

	return srv, &hits
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession(b *mockBackend, store *mockStore) *chat.Session {
	consumer := stream.NewConsumer(nil, discardLogger())
	return chat.NewSession(b, consumer, store, chat.WithLogger(discardLogger()))
}

func roles(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

// waitForPhase blocks until the session reports phase, failing the test after a few seconds.
func waitForPhase(t *testing.T, s *chat.Session, phase chat.Phase) {
	t.Helper()

	require.Eventually(t, func() bool {
		return s.Snapshot().Phase == phase
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSendNewConversation(t *testing.T) {
	srv, hits := newStreamServer(t, func(_ *http.Request, sw sseWriter) {
		sw.send("token", token("Hi"))
		sw.send("token", token(" there"))
		sw.send("done", `{}`)
	})

	b := &mockBackend{
		streamBase: srv.URL,
		sendID:     "c1",
		title:      "Greeting",
		summaries:  []models.Summary{{ID: "c1", NumMessages: 2}},
	}
	store := newMockStore()
	s := newSession(b, store)

	var deltas []string
	var mu sync.Mutex
	s.Subscribe(func(u chat.Update) {
		if u.Kind == chat.UpdateDelta {
			mu.Lock()
			deltas = append(deltas, u.Delta)
			mu.Unlock()
		}
	})

	require.NoError(t, s.Send(context.Background(), "  Hello  "))
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, "c1", snap.ConversationID)
	assert.Equal(t, chat.PhaseDone, snap.Phase)
	assert.False(t, snap.InFlight)
	assert.False(t, snap.Streaming)
	assert.Equal(t, []string{"user:Hello", "assistant:Hi there"}, roles(snap.Messages))
	assert.Equal(t, "Greeting", snap.Title)

	mu.Lock()
	assert.Equal(t, []string{"Hi", " there"}, deltas)
	mu.Unlock()

	reqs := b.sendRequests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].ConversationID)
	assert.Equal(t, "Hello", reqs[0].Message)
	assert.Empty(t, reqs[0].History)
	assert.Equal(t, int32(1), hits.Load())

	assert.Equal(t, []string{"Hello"}, b.titleRequests())

	saved, ok := store.get("c1")
	require.True(t, ok)
	assert.Equal(t, "Greeting", saved.Title)
	assert.Equal(t, []string{"user:Hello", "assistant:Hi there"}, roles(saved.Messages))

	assert.Equal(t, []models.Summary{{ID: "c1", Title: "Greeting", NumMessages: 2}}, s.Summaries())
}

func TestSendContinuesConversation(t *testing.T) {
	srv, _ := newStreamServer(t, func(r *http.Request, sw sseWriter) {
		assert.Equal(t, "c1", r.URL.Query().Get("conversation_id"))
		sw.send("token", token("Fine"))
		sw.send("done", `{}`)
	})

	b := &mockBackend{streamBase: srv.URL}
	store := newMockStore(models.Conversation{
		ID:    "c1",
		Title: "Greeting",
		Messages: []models.Message{
			{ID: "1", Role: models.RoleUser, Content: "Hello"},
			{ID: "2", Role: models.RoleAssistant, Content: "Hi there"},
		},
	})
	s := newSession(b, store)
	require.NoError(t, s.Switch(context.Background(), "c1"))

	require.NoError(t, s.Send(context.Background(), "How are you?"))
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, []string{
		"user:Hello",
		"assistant:Hi there",
		"user:How are you?",
		"assistant:Fine",
	}, roles(snap.Messages))
	assert.Equal(t, "Greeting", snap.Title)

	reqs := b.sendRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "c1", reqs[0].ConversationID)
	assert.Equal(t, []backend.HistoryMessage{
		{Role: models.RoleUser, Content: "Hello"},
		{Role: models.RoleAssistant, Content: "Hi there"},
	}, reqs[0].History)
	assert.Empty(t, b.titleRequests(), "only new conversations get a title")
}

func TestSendRequestFailure(t *testing.T) {
	srv, hits := newStreamServer(t, func(*http.Request, sseWriter) {})

	b := &mockBackend{
		streamBase: srv.URL,
		sendErr:    &backend.StatusError{StatusCode: http.StatusInternalServerError, Body: "boom"},
	}
	s := newSession(b, newMockStore())

	err := s.Send(context.Background(), "Hello")
	require.Error(t, err)

	var statusErr *backend.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)

	snap := s.Snapshot()
	assert.Equal(t, chat.PhaseFailed, snap.Phase)
	assert.False(t, snap.InFlight)
	assert.NotEmpty(t, snap.Error)
	assert.Equal(t, []string{"user:Hello"}, roles(snap.Messages), "no placeholder without a stream")
	assert.Zero(t, hits.Load(), "no stream may be opened after a failed request")
}

func TestSendStreamClosedEarly(t *testing.T) {
	srv, _ := newStreamServer(t, func(_ *http.Request, sw sseWriter) {
		sw.send("token", token("Par"))
	})

	b := &mockBackend{streamBase: srv.URL, sendID: "c1"}
	store := newMockStore()
	s := newSession(b, store)

	err := s.Send(context.Background(), "Hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrClosedBeforeDone)

	snap := s.Snapshot()
	assert.Equal(t, chat.PhaseFailed, snap.Phase)
	assert.False(t, snap.Streaming)
	assert.Equal(t, []string{"user:Hello", "assistant:Par"}, roles(snap.Messages))

	_, saved := store.get("c1")
	assert.False(t, saved, "a failed reply is not persisted")
	assert.Empty(t, b.titleRequests())

	// The partial reply is sealed; a later send starts from a settled state.
	assert.NotErrorIs(t, s.Send(context.Background(), "again"), chat.ErrSendInFlight)
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	b := &mockBackend{}
	s := newSession(b, newMockStore())

	for _, text := range []string{"", "   ", "\n\t"} {
		assert.ErrorIs(t, s.Send(context.Background(), text), chat.ErrEmptyMessage)
	}
	assert.Empty(t, b.sendRequests())
	assert.Empty(t, s.Snapshot().Messages)
}

func TestSendRejectsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newStreamServer(t, func(r *http.Request, sw sseWriter) {
		sw.send("token", token("Hi"))
		select {
		case <-release:
			sw.send("done", `{}`)
		case <-r.Context().Done():
		}
	})

	b := &mockBackend{streamBase: srv.URL, sendID: "c1"}
	s := newSession(b, newMockStore())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Send(context.Background(), "first")
	}()
	waitForPhase(t, s, chat.PhaseStreaming)

	before := s.Snapshot().Messages
	assert.ErrorIs(t, s.Send(context.Background(), "second"), chat.ErrSendInFlight)
	assert.Equal(t, len(before), len(s.Snapshot().Messages), "a rejected send changes nothing")
	assert.Len(t, b.sendRequests(), 1)

	close(release)
	require.NoError(t, <-errCh)
	s.Wait()
}

func TestSwitchIsolatesAbandonedSend(t *testing.T) {
	srv, _ := newStreamServer(t, func(r *http.Request, sw sseWriter) {
		sw.send("token", token("stale"))
		<-r.Context().Done()
	})

	seed := []models.Message{
		{ID: "1", Role: models.RoleUser, Content: "Other"},
		{ID: "2", Role: models.RoleAssistant, Content: "Conversation"},
	}
	b := &mockBackend{streamBase: srv.URL, sendID: "c1"}
	s := newSession(b, newMockStore(models.Conversation{ID: "c9", Title: "Other", Messages: seed}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Send(context.Background(), "Hello")
	}()
	require.Eventually(t, func() bool {
		msgs := s.Snapshot().Messages
		return len(msgs) == 2 && msgs[1].Content == "stale"
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Switch(context.Background(), "c9"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, chat.ErrConversationSwitched)
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned send did not return")
	}

	snap := s.Snapshot()
	assert.Equal(t, "c9", snap.ConversationID)
	assert.Equal(t, "Other", snap.Title)
	assert.Equal(t, chat.PhaseIdle, snap.Phase)
	assert.False(t, snap.InFlight)
	assert.Equal(t, seed, snap.Messages)
}

func TestSendCancelledByContext(t *testing.T) {
	srv, _ := newStreamServer(t, func(r *http.Request, sw sseWriter) {
		sw.send("token", token("Hi"))
		<-r.Context().Done()
	})

	b := &mockBackend{streamBase: srv.URL, sendID: "c1"}
	s := newSession(b, newMockStore())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Send(ctx, "Hello")
	}()
	waitForPhase(t, s, chat.PhaseStreaming)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after cancellation")
	}

	snap := s.Snapshot()
	assert.Equal(t, chat.PhaseFailed, snap.Phase)
	assert.False(t, snap.InFlight)
}

func TestTitleFallback(t *testing.T) {
	srv, _ := newStreamServer(t, func(_ *http.Request, sw sseWriter) {
		sw.send("done", `{}`)
	})

	tests := []struct {
		name     string
		title    string
		titleErr error
	}{
		{name: "Request fails", titleErr: errors.New("title service down")},
		{name: "Empty title", title: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBackend{streamBase: srv.URL, sendID: "c1", title: tt.title, titleErr: tt.titleErr}
			store := newMockStore()
			s := newSession(b, store)

			msg := "Explain the difference between goroutines and threads please"
			require.NoError(t, s.Send(context.Background(), msg))
			s.Wait()

			want := "Explain the difference between goroutines"
			assert.Equal(t, chat.PhaseDone, s.Snapshot().Phase, "title failures never fail the send")
			assert.Equal(t, want, s.Snapshot().Title)

			saved, ok := store.get("c1")
			require.True(t, ok)
			assert.Equal(t, want, saved.Title)
		})
	}
}

func TestNewConversationAndDelete(t *testing.T) {
	store := newMockStore(models.Conversation{
		ID:       "c1",
		Messages: []models.Message{{ID: "1", Role: models.RoleUser, Content: "Hello"}},
	})
	s := newSession(&mockBackend{}, store)
	ctx := context.Background()

	require.NoError(t, s.Switch(ctx, "c1"))
	assert.Len(t, s.Snapshot().Messages, 1)

	require.NoError(t, s.Delete(ctx, "c1"))
	_, ok := store.get("c1")
	assert.False(t, ok)

	snap := s.Snapshot()
	assert.Empty(t, snap.ConversationID, "deleting the active conversation starts a new one")
	assert.Empty(t, snap.Messages)

	var updates atomic.Int32
	s.Subscribe(func(chat.Update) { updates.Add(1) })
	s.NewConversation()
	assert.Equal(t, int32(1), updates.Load())
}

func TestSendSkipsMalformedToken(t *testing.T) {
	srv, _ := newStreamServer(t, func(_ *http.Request, sw sseWriter) {
		sw.send("token", token("A"))
		sw.send("token", `{"delta":`)
		sw.send("token", token("B"))
		sw.send("done", `{}`)
	})

	b := &mockBackend{streamBase: srv.URL, sendID: "c1", title: "Letters"}
	s := newSession(b, newMockStore())

	require.NoError(t, s.Send(context.Background(), "Hello"))
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, chat.PhaseDone, snap.Phase)
	assert.Equal(t, []string{"user:Hello", "assistant:AB"}, roles(snap.Messages))
}

func TestRefreshSummariesFallsBackToCache(t *testing.T) {
	listErr := errors.New("backend down")

	t.Run("Cached conversations", func(t *testing.T) {
		store := newMockStore(models.Conversation{
			ID:       "c1",
			Title:    "Cached",
			Messages: []models.Message{{ID: "1", Role: models.RoleUser, Content: "Hello"}},
		})
		s := newSession(&mockBackend{listErr: listErr}, store)

		got, err := s.RefreshSummaries(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []models.Summary{{ID: "c1", Title: "Cached", NumMessages: 1}}, got)
		assert.Equal(t, got, s.Summaries())
	})

	t.Run("Empty cache", func(t *testing.T) {
		s := newSession(&mockBackend{listErr: listErr}, newMockStore())

		_, err := s.RefreshSummaries(context.Background())
		assert.ErrorIs(t, err, listErr)
	})
}

func TestCloseCancelsTitleRequest(t *testing.T) {
	srv, _ := newStreamServer(t, func(_ *http.Request, sw sseWriter) {
		sw.send("done", `{}`)
	})

	b := &mockBackend{streamBase: srv.URL, sendID: "c1", titleBlocks: true}
	store := newMockStore()
	s := newSession(b, store)

	require.NoError(t, s.Send(context.Background(), "Tell me about channels"))

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not cancel the title request")
	}

	saved, ok := store.get("c1")
	require.True(t, ok)
	assert.Equal(t, "Tell me about channels", saved.Title, "a cancelled request falls back")
	assert.Equal(t, "Tell me about channels", s.Snapshot().Title)
}
