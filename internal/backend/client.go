// Package backend talks to the external chat backend: the create/continue request that starts a
// reply, the streaming endpoint that carries it, the title endpoint and the conversation listing.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MegaGrindStone/horizon-web/internal/models"
)

// ErrNotConfigured is returned by New when no backend URL is given.
var ErrNotConfigured = errors.New("backend URL is not configured")

// StatusError is returned when the backend answers with a non-2xx status. Body holds the error
// payload the backend sent, if any.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// Paths are the backend routes the client talks to, relative to the backend URL.
type Paths struct {
	Send          string `yaml:"send"`
	Stream        string `yaml:"stream"`
	Title         string `yaml:"title"`
	Conversations string `yaml:"conversations"`
}

// DefaultPaths returns the routes of the stock chat backend.
func DefaultPaths() Paths {
	return Paths{
		Send:          "/api/chat/send",
		Stream:        "/api/chat/stream",
		Title:         "/api/title",
		Conversations: "/api/conversations",
	}
}

// HistoryMessage is a prior message sent along with a create/continue request.
type HistoryMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// SendRequest creates a conversation, when ConversationID is empty, or continues one.
type SendRequest struct {
	ConversationID string
	Message        string
	History        []HistoryMessage
}

// SendResponse names the conversation the reply will be streamed for.
type SendResponse struct {
	ConversationID string `json:"conversation_id"`
}

type sendBody struct {
	ConversationID *string          `json:"conversation_id"`
	Message        string           `json:"message"`
	History        []HistoryMessage `json:"history"`
}

type titleResponse struct {
	Title    string `json:"title"`
	Response string `json:"response"`
}

// Client is an HTTP client of the chat backend.
type Client struct {
	baseURL *url.URL
	paths   Paths

	client *http.Client
	logger *slog.Logger
}

// Option configures a Client created with New.
type Option func(*Client)

// WithHTTPClient sets the client used for the request/response calls. The streaming endpoint is not
// called through it.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithPaths overrides the backend routes. Empty fields keep their defaults.
func WithPaths(paths Paths) Option {
	return func(c *Client) {
		if paths.Send != "" {
			c.paths.Send = paths.Send
		}
		if paths.Stream != "" {
			c.paths.Stream = paths.Stream
		}
		if paths.Title != "" {
			c.paths.Title = paths.Title
		}
		if paths.Conversations != "" {
			c.paths.Conversations = paths.Conversations
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client for the backend at baseURL. An empty baseURL is a configuration error and
// yields ErrNotConfigured.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme and host are required", baseURL)
	}

	c := &Client{
		baseURL: u,
		paths:   DefaultPaths(),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "backend"))

	return c, nil
}

// Send issues the create/continue request for req. A non-2xx answer is returned as a *StatusError.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	body := sendBody{
		Message: req.Message,
		History: req.History,
	}
	if req.ConversationID != "" {
		body.ConversationID = &req.ConversationID
	}
	if body.History == nil {
		body.History = []HistoryMessage{}
	}

	var res SendResponse
	if err := c.doJSON(ctx, http.MethodPost, c.paths.Send, body, &res); err != nil {
		return SendResponse{}, err
	}
	if res.ConversationID == "" {
		return SendResponse{}, errors.New("backend returned an empty conversation id")
	}

	c.logger.Debug("Message sent",
		slog.String("conversationID", res.ConversationID),
		slog.Int("historyLength", len(req.History)))

	return res, nil
}

// StreamURL returns the streaming endpoint for conversationID.
func (c *Client) StreamURL(conversationID string) string {
	u := c.resolve(c.paths.Stream)
	q := u.Query()
	q.Set("conversation_id", conversationID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Title asks the backend for a short title derived from message.
func (c *Client) Title(ctx context.Context, message string) (string, error) {
	var res titleResponse
	body := map[string]string{"message": message}
	if err := c.doJSON(ctx, http.MethodPost, c.paths.Title, body, &res); err != nil {
		return "", err
	}

	title := strings.TrimSpace(res.Title)
	if title == "" {
		title = strings.TrimSpace(res.Response)
	}
	return title, nil
}

// Conversations returns the backend's conversation listing.
func (c *Client) Conversations(ctx context.Context) ([]models.Summary, error) {
	var res []models.Summary
	if err := c.doJSON(ctx, http.MethodGet, c.paths.Conversations, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) resolve(path string) *url.URL {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL.ResolveReference(&url.URL{Path: path})
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	u := c.resolve(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", u.Path, err)
	}
	return nil
}
