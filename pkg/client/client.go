// Package client is the Go SDK for a threadline server: a REST client, a
// feed connection and the per-viewer session state built on both.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"threadline/pkg/auth"
	"threadline/pkg/models"
	"threadline/pkg/turns"
	"threadline/pkg/whiteboard"
)

const defaultTimeout = 10 * time.Second

var ErrNotFound = errors.New("not found")

// APIError is any non-2xx reply that has no richer mapping.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("threadline: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == fasthttp.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Options configure a Client. Exactly one acting identity is normally set:
// UserID (with Signature or SigningKey for frontend keys) or AgentID.
type Options struct {
	// BaseURL is the REST root, e.g. http://localhost:8080.
	BaseURL string
	// FeedURL is the websocket root, e.g. ws://localhost:8081. Derived from
	// BaseURL when empty.
	FeedURL string
	APIKey  string
	UserID  string
	// Signature is the HMAC of UserID; computed from SigningKey when empty.
	Signature  string
	SigningKey string
	AgentID    string
	Timeout    time.Duration
	// Dial overrides the transport dialer.
	Dial fasthttp.DialFunc
}

type Client struct {
	opts Options
	base string
	hc   *fasthttp.Client
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Signature == "" && opts.SigningKey != "" && opts.UserID != "" {
		opts.Signature = auth.CreateHMACSignature(opts.UserID, opts.SigningKey)
	}
	if opts.FeedURL == "" {
		scheme := "ws"
		if u.Scheme == "https" {
			scheme = "wss"
		}
		opts.FeedURL = scheme + "://" + u.Host
	}
	return &Client{
		opts: opts,
		base: strings.TrimRight(opts.BaseURL, "/"),
		hc: &fasthttp.Client{
			Name:                     "threadctl",
			Dial:                     opts.Dial,
			ReadTimeout:              opts.Timeout,
			WriteTimeout:             opts.Timeout,
			MaxIdleConnDuration:      time.Minute,
			NoDefaultUserAgentHeader: true,
		},
	}, nil
}

// AccountID is the acting account, if any.
func (c *Client) AccountID() string { return c.opts.UserID }

func (c *Client) headers(h *fasthttp.RequestHeader) {
	if c.opts.APIKey != "" {
		h.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	if c.opts.UserID != "" {
		h.Set("X-User-ID", c.opts.UserID)
	}
	if c.opts.Signature != "" {
		h.Set("X-User-Signature", c.opts.Signature)
	}
	if c.opts.AgentID != "" {
		h.Set("X-Agent-ID", c.opts.AgentID)
	}
}

// errorBody is the union of the server's error replies.
type errorBody struct {
	Error           string       `json:"error"`
	Conflict        bool         `json:"conflict"`
	CurrentContent  string       `json:"current_content"`
	CurrentRevision uint64       `json:"current_revision"`
	Reason          turns.Reason `json:"reason"`
}

// do sends one request and decodes a 2xx body into out. Conflicts come
// back as *whiteboard.ConflictError or *turns.RejectionError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	c.headers(&req.Header)
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	var err error
	if d, ok := ctx.Deadline(); ok {
		err = c.hc.DoDeadline(req, resp, d)
	} else {
		err = c.hc.DoTimeout(req, resp, c.opts.Timeout)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		if out == nil || status == fasthttp.StatusNoContent || len(resp.Body()) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
	return decodeError(status, resp.Body())
}

func decodeError(status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(body))
	}
	if status == fasthttp.StatusConflict {
		if eb.Conflict {
			return &whiteboard.ConflictError{ServerContent: eb.CurrentContent, ServerRevision: eb.CurrentRevision}
		}
		if eb.Reason != "" {
			detail := strings.TrimPrefix(eb.Error, "turn rejected: "+string(eb.Reason))
			return &turns.RejectionError{Reason: eb.Reason, Detail: strings.TrimPrefix(detail, ": ")}
		}
	}
	return &APIError{Status: status, Message: eb.Error}
}

func convPath(convID string, rest ...string) string {
	p := "/v1/conversations/" + url.PathEscape(convID)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// Settings are the server tunables a client applies locally.
type Settings struct {
	PageSize          int    `json:"page_size"`
	TimeoutWindowMS   int64  `json:"timeout_window_ms"`
	TimeoutCheckMS    int64  `json:"timeout_check_interval_ms"`
	EditSessionTTLMS  int64  `json:"edit_session_ttl_ms"`
	MaxWhiteboardSize int64  `json:"max_whiteboard_size"`
	MaxMessageSize    int64  `json:"max_message_size"`
	Version           string `json:"version"`
}

func (s Settings) TimeoutWindow() time.Duration {
	return time.Duration(s.TimeoutWindowMS) * time.Millisecond
}

func (s Settings) TimeoutCheckInterval() time.Duration {
	return time.Duration(s.TimeoutCheckMS) * time.Millisecond
}

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	return s, c.do(ctx, fasthttp.MethodGet, "/v1/settings", nil, &s)
}

// CreateConversation is the body of a create request.
type CreateConversation struct {
	Title          string `json:"title,omitempty"`
	ManualTurns    bool   `json:"manual_turns"`
	DefaultAgentID string `json:"default_agent_id,omitempty"`
	AccountID      string `json:"account_id,omitempty"`
	// Participants beyond the creator and the default agent.
	Participants []models.Participant `json:"participants,omitempty"`
}

func (c *Client) CreateConversation(ctx context.Context, req CreateConversation) (models.Conversation, error) {
	var conv models.Conversation
	return conv, c.do(ctx, fasthttp.MethodPost, "/v1/conversations", req, &conv)
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	return out.Conversations, c.do(ctx, fasthttp.MethodGet, "/v1/conversations", nil, &out)
}

// ConversationView is a conversation with its participants.
type ConversationView struct {
	Conversation models.Conversation  `json:"conversation"`
	Participants []models.Participant `json:"participants"`
}

func (c *Client) Conversation(ctx context.Context, convID string) (ConversationView, error) {
	var v ConversationView
	return v, c.do(ctx, fasthttp.MethodGet, convPath(convID), nil, &v)
}

// AddParticipant attaches an agent or human to a conversation.
func (c *Client) AddParticipant(ctx context.Context, convID string, p models.Participant) (models.Participant, error) {
	var out models.Participant
	return out, c.do(ctx, fasthttp.MethodPost, convPath(convID, "participants"), p, &out)
}

// History fetches the page before beforeID; an empty cursor asks for the
// newest page.
func (c *Client) History(ctx context.Context, convID, beforeID string) (models.Page, error) {
	path := convPath(convID, "history")
	if beforeID != "" {
		path += "?before=" + url.QueryEscape(beforeID)
	}
	var p models.Page
	return p, c.do(ctx, fasthttp.MethodGet, path, nil, &p)
}

// Message fetches one message. A message still being generated carries the
// server's current content and seq.
func (c *Client) Message(ctx context.Context, convID, messageID string) (models.Message, error) {
	var m models.Message
	return m, c.do(ctx, fasthttp.MethodGet, convPath(convID, "messages", messageID), nil, &m)
}

// Sent is the reply to a send. TurnError is set when the message was stored
// but no agent turn started.
type Sent struct {
	Message   models.Message `json:"message"`
	Turn      *models.Turn   `json:"turn,omitempty"`
	TurnError *struct {
		Error  string       `json:"error"`
		Reason turns.Reason `json:"reason"`
	} `json:"turn_error,omitempty"`
}

func (c *Client) Send(ctx context.Context, convID, content, resendOf string) (Sent, error) {
	body := map[string]any{"content": content}
	if resendOf != "" {
		body["resend_of"] = resendOf
	}
	var s Sent
	return s, c.do(ctx, fasthttp.MethodPost, convPath(convID, "messages"), body, &s)
}

// SendMessage adapts Send to the timeout controller's resend hook.
func (c *Client) SendMessage(ctx context.Context, convID, content, resendOf string) (models.Message, error) {
	s, err := c.Send(ctx, convID, content, resendOf)
	return s.Message, err
}

func (c *Client) Retry(ctx context.Context, convID, messageID string) (models.Turn, error) {
	var out struct {
		Turn models.Turn `json:"turn"`
	}
	return out.Turn, c.do(ctx, fasthttp.MethodPost, convPath(convID, "messages", messageID, "retry"), nil, &out)
}

func (c *Client) Agents(ctx context.Context, convID string) (turns.Agents, error) {
	var a turns.Agents
	return a, c.do(ctx, fasthttp.MethodGet, convPath(convID, "agents"), nil, &a)
}

// Trigger asks agentID to respond in a manual conversation. Refusals are
// *turns.RejectionError.
func (c *Client) Trigger(ctx context.Context, convID, agentID string) (models.Turn, error) {
	var out struct {
		Turn models.Turn `json:"turn"`
	}
	return out.Turn, c.do(ctx, fasthttp.MethodPost, convPath(convID, "agents", agentID, "trigger"), nil, &out)
}

// WhiteboardView is a whiteboard with its open edit sessions.
type WhiteboardView struct {
	Whiteboard   models.Whiteboard    `json:"whiteboard"`
	EditSessions []models.EditSession `json:"edit_sessions"`
}

func (c *Client) Whiteboard(ctx context.Context, convID string) (WhiteboardView, error) {
	var v WhiteboardView
	return v, c.do(ctx, fasthttp.MethodGet, convPath(convID, "whiteboard"), nil, &v)
}

// SaveWhiteboard writes content if expected is still current. A stale
// revision yields *whiteboard.ConflictError.
func (c *Client) SaveWhiteboard(ctx context.Context, convID, content string, expected uint64) (models.Whiteboard, error) {
	var out struct {
		Whiteboard models.Whiteboard `json:"whiteboard"`
	}
	body := map[string]any{"content": content, "expected_revision": expected}
	return out.Whiteboard, c.do(ctx, fasthttp.MethodPatch, convPath(convID, "whiteboard"), body, &out)
}

// BeginEdit opens an edit session, or renews sessionID when set.
func (c *Client) BeginEdit(ctx context.Context, convID, sessionID string) (models.EditSession, error) {
	var body any
	if sessionID != "" {
		body = map[string]string{"session_id": sessionID}
	}
	var s models.EditSession
	return s, c.do(ctx, fasthttp.MethodPost, convPath(convID, "whiteboard", "edit-session"), body, &s)
}

func (c *Client) EndEdit(ctx context.Context, convID, sessionID string) error {
	return c.do(ctx, fasthttp.MethodDelete, convPath(convID, "whiteboard", "edit-session", sessionID), nil, nil)
}
