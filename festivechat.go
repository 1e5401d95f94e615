// Package festivechat is the Go client SDK for the FestiveGuest chat
// platform: direct messaging between Guests and Hosts over a REST API plus a
// realtime push channel.
//
// Example:
//
//	store := festivechat.StaticSession{ID: "U1", Token: "fg-token"}
//	client := festivechat.NewClient(store)
//
//	cred, _ := client.IssueChannelToken(ctx)
//	channel := client.Channel(&festivechat.ChannelConfig{Token: cred.Token, AutoReconnect: true})
//
//	tracker := festivechat.NewNotifier(store.ID)
//	session := festivechat.NewChatSession(client, channel, tracker, "U2")
//	if err := session.Open(ctx); err != nil { ... }
//	session.Send(ctx, "hello!")
package festivechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.festiveguest.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Session store
// ============================================================================

// SessionStore holds the local user's identity and auth credential. Every
// component in this SDK reads it; none writes it.
type SessionStore interface {
	UserID() string
	AuthToken() string
}

// StaticSession is a fixed-value SessionStore.
type StaticSession struct {
	ID    string
	Token string
}

func (s StaticSession) UserID() string    { return s.ID }
func (s StaticSession) AuthToken() string { return s.Token }

// ============================================================================
// Client
// ============================================================================

// Client talks to the FestiveGuest REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    SessionStore
	logger     *log.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the diagnostic logger. The SDK logs sparingly (join
// failures, dropped payloads); by default output is discarded.
func WithLogger(l *log.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a FestiveGuest chat client reading identity and auth
// from the given session store.
func NewClient(session SessionStore, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		session: session,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: log.New(io.Discard, "", 0),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// UserID returns the local user's id from the session store.
func (c *Client) UserID() string { return c.session.UserID() }

func (c *Client) logf(format string, args ...any) {
	c.logger.Printf(format, args...)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.session.AuthToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// resultErr converts a non-OK envelope into an error.
func resultErr(r *Result, fallback string) error {
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("%s", fallback)
}

// ============================================================================
// Token Provider
// ============================================================================

// IssueChannelToken obtains a short-lived credential for the realtime
// channel, keyed by the local user id.
func (c *Client) IssueChannelToken(ctx context.Context) (*Credential, error) {
	result, err := c.do(ctx, "POST", "/api/chat/token", map[string]string{
		"userId": c.session.UserID(),
	}, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result, "token issuance failed")
	}
	var cred Credential
	if err := result.Decode(&cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	if cred.Token == "" {
		return nil, fmt.Errorf("token issuance returned empty token")
	}
	return &cred, nil
}

// ============================================================================
// Thread Resolver
// ============================================================================

// ResolveThread maps the (local user, other user) pair to a stable thread
// id, creating the thread on first contact. The endpoint is idempotent: the
// same unordered pair always yields the same id. Failures are wrapped in
// *ResolutionError; callers surface a retry affordance.
func (c *Client) ResolveThread(ctx context.Context, otherUserID string) (string, error) {
	result, err := c.do(ctx, "POST", "/api/chat/threads", map[string]string{
		"userId":      c.session.UserID(),
		"otherUserId": otherUserID,
	}, nil)
	if err != nil {
		return "", &ResolutionError{OtherUserID: otherUserID, Err: err}
	}
	if !result.OK {
		return "", &ResolutionError{OtherUserID: otherUserID, Err: resultErr(result, "thread resolution failed")}
	}
	var data resolveThreadData
	if err := result.Decode(&data); err != nil {
		return "", &ResolutionError{OtherUserID: otherUserID, Err: err}
	}
	if data.ThreadID == "" {
		return "", &ResolutionError{OtherUserID: otherUserID, Err: fmt.Errorf("backend returned empty thread id")}
	}
	return data.ThreadID, nil
}

// ============================================================================
// Message History Loader
// ============================================================================

// LoadHistory fetches the durable message log for a thread in chronological
// order (oldest first). Sender identity is tagged self/other against the
// local user id and statuses are normalized on ingestion. Failures are
// wrapped in *HistoryLoadError and must not block sending.
func (c *Client) LoadHistory(ctx context.Context, threadID string) ([]Message, error) {
	msgs, err := c.fetchHistory(ctx, "/api/chat/threads/"+threadID+"/messages", threadID)
	if err != nil {
		return nil, &HistoryLoadError{ThreadID: threadID, Err: err}
	}
	return msgs, nil
}

// LoadHistoryWith fetches the direct-message feed with a counterpart. The
// feed arrives most-recent-first and is reversed into chronological order
// before display.
func (c *Client) LoadHistoryWith(ctx context.Context, otherUserID string) ([]Message, error) {
	msgs, err := c.fetchHistory(ctx, "/api/chat/direct/"+otherUserID+"/messages", "")
	if err != nil {
		return nil, &HistoryLoadError{Err: err}
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (c *Client) fetchHistory(ctx context.Context, path, threadID string) ([]Message, error) {
	result, err := c.do(ctx, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result, "history fetch failed")
	}
	var wire []wireMessage
	if err := result.Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	msgs := make([]Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, c.normalizeMessage(w, threadID))
	}
	return msgs, nil
}

// normalizeMessage maps a wire message onto the strict domain model. Inbound
// messages from the counterpart are always delivered; self-authored history
// entries keep their normalized status. Unrecognized statuses are logged and
// coerced rather than propagated.
func (c *Client) normalizeMessage(w wireMessage, threadID string) Message {
	mine := w.SenderID == c.session.UserID()

	status := StatusDelivered
	if mine {
		s, ok := ParseMessageStatus(w.Status)
		switch {
		case ok:
			status = s
		case w.Status != "":
			c.logf("festivechat: unrecognized message status %q for %s, treating as sent", w.Status, w.ID)
			status = StatusSent
		default:
			status = StatusSent
		}
	}

	tid := w.ThreadID
	if tid == "" {
		tid = threadID
	}
	return Message{
		ID:        w.ID,
		ThreadID:  tid,
		SenderID:  w.SenderID,
		Text:      w.Message,
		Timestamp: parseWireTime(w.Timestamp),
		Status:    status,
		Mine:      mine,
	}
}

// ============================================================================
// REST Send (fallback tier)
// ============================================================================

// SendDirect durably persists a message over REST. The send pipeline uses it
// only when the realtime channel send fails.
func (c *Client) SendDirect(ctx context.Context, recipientID, text string) (*Message, error) {
	result, err := c.do(ctx, "POST", "/api/chat/messages", map[string]string{
		"recipientId": recipientID,
		"message":     text,
	}, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result, "rest send failed")
	}
	var w wireMessage
	if err := result.Decode(&w); err != nil {
		return nil, fmt.Errorf("failed to decode sent message: %w", err)
	}
	msg := c.normalizeMessage(w, "")
	return &msg, nil
}

// ============================================================================
// Thread list / read state
// ============================================================================

// ListThreads returns the aggregate chat-list view with per-thread unread
// counts.
func (c *Client) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	result, err := c.do(ctx, "GET", "/api/chat/threads", nil, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result, "thread list failed")
	}
	var threads []ThreadSummary
	if err := result.Decode(&threads); err != nil {
		return nil, fmt.Errorf("failed to decode thread list: %w", err)
	}
	return threads, nil
}

// MarkThreadRead clears the backend's unread count for a thread. Best-effort
// from chat surfaces; failures do not affect the local merged view.
func (c *Client) MarkThreadRead(ctx context.Context, threadID string) error {
	result, err := c.do(ctx, "POST", "/api/chat/threads/"+threadID+"/read", nil, nil)
	if err != nil {
		return err
	}
	if !result.OK {
		return resultErr(result, "mark read failed")
	}
	return nil
}

// Health checks chat service health.
func (c *Client) Health(ctx context.Context) error {
	result, err := c.do(ctx, "GET", "/api/chat/health", nil, nil)
	if err != nil {
		return err
	}
	if !result.OK {
		return resultErr(result, "service unhealthy")
	}
	return nil
}
