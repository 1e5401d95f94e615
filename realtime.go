package festivechat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// channelEnvelope is the wire format for all inbound channel events.
type channelEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// channelCommand is a client-to-server invocation (joinChat, sendMessage, ping).
type channelCommand struct {
	Invoke    string `json:"invoke"`
	Args      []any  `json:"args,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// MessageEvent is an inbound push-delivered message.
type MessageEvent struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId,omitempty"`
	SenderID  string `json:"senderId"`
	Text      string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

type channelErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration & state
// ============================================================================

// ChannelConfig configures a realtime channel.
type ChannelConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Subscriptions
// ============================================================================

// Subscription is the handle returned by channel subscribe calls. Cancel is
// idempotent and safe after the channel is gone; pair it with the owning
// surface's teardown.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel detaches the handler. Events already in flight to the handler may
// still be delivered.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// dispatcher fans inbound events out to subscription handlers. Message
// handlers run synchronously on the read loop so arrival order is preserved
// for the stream merger.
type dispatcher struct {
	mu       sync.Mutex
	nextID   int
	messages map[int]func(MessageEvent)
	states   map[int]func(ChannelState)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		messages: make(map[int]func(MessageEvent)),
		states:   make(map[int]func(ChannelState)),
	}
}

func (d *dispatcher) subscribeMessages(fn func(MessageEvent)) *Subscription {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.messages[id] = fn
	d.mu.Unlock()
	return newSubscription(func() {
		d.mu.Lock()
		delete(d.messages, id)
		d.mu.Unlock()
	})
}

func (d *dispatcher) subscribeStates(fn func(ChannelState)) *Subscription {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.states[id] = fn
	d.mu.Unlock()
	return newSubscription(func() {
		d.mu.Lock()
		delete(d.states, id)
		d.mu.Unlock()
	})
}

func (d *dispatcher) dispatchMessage(ev MessageEvent) {
	d.mu.Lock()
	handlers := make([]func(MessageEvent), 0, len(d.messages))
	for _, h := range d.messages {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (d *dispatcher) dispatchState(s ChannelState) {
	d.mu.Lock()
	handlers := make([]func(ChannelState), 0, len(d.states))
	for _, h := range d.states {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute resets the backoff window.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// PushChannel interface
// ============================================================================

// PushChannel is the slice of the realtime channel that chat surfaces and
// the notifier consume. *Channel is the production implementation.
type PushChannel interface {
	Connect(ctx context.Context) error
	Disconnect()
	JoinChat(ctx context.Context, otherUserID string) error
	SendMessage(ctx context.Context, recipientID, text string) error
	SubscribeMessages(fn func(MessageEvent)) *Subscription
	SubscribeStates(fn func(ChannelState)) *Subscription
	State() ChannelState
}

// ============================================================================
// Channel
// ============================================================================

// Channel owns the lifecycle of one realtime connection: connect, automatic
// reconnect with backoff, and teardown. One channel per open chat surface,
// or one process-wide for the notification badge; the owner that opened it
// must Disconnect it on unmount.
type Channel struct {
	baseURL string
	config  *ChannelConfig
	logf    func(format string, args ...any)

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *dispatcher
	recon      *reconnector

	reqCounter   int
	pendingPings map[string]chan pongPayload
	pendingMu    sync.Mutex
}

// Channel creates a realtime channel against the client's base URL. Call
// Connect to establish it.
func (c *Client) Channel(config *ChannelConfig) *Channel {
	cfg := *config
	cfg.defaults()
	return &Channel{
		baseURL:      c.baseURL,
		config:       &cfg,
		logf:         c.logf,
		state:        StateDisconnected,
		dispatcher:   newDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan pongPayload),
	}
}

// SubscribeMessages registers a handler for inbound messages and returns the
// handle that detaches it.
func (ch *Channel) SubscribeMessages(fn func(MessageEvent)) *Subscription {
	return ch.dispatcher.subscribeMessages(fn)
}

// SubscribeStates registers a handler for connection state transitions.
func (ch *Channel) SubscribeStates(fn func(ChannelState)) *Subscription {
	return ch.dispatcher.subscribeStates(fn)
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) setState(s ChannelState) {
	ch.mu.Lock()
	changed := ch.state != s
	ch.state = s
	ch.mu.Unlock()
	if changed {
		ch.dispatcher.dispatchState(s)
	}
}

// wsURL derives the websocket endpoint from the API base URL.
func (ch *Channel) wsURL() string {
	u := ch.baseURL
	if len(u) >= 8 && u[:8] == "https://" {
		u = "wss://" + u[8:]
	} else if len(u) >= 7 && u[:7] == "http://" {
		u = "ws://" + u[7:]
	}
	return u + "/ws/chat?token=" + ch.config.Token
}

// Connect establishes the channel. Idempotent: if already connected or
// connecting it returns immediately. Failure is a *ConnectionError and is
// non-fatal to callers, which fall back to REST-only mode.
func (ch *Channel) Connect(ctx context.Context) error {
	return ch.connect(ctx, false)
}

// connect dials and performs the ready handshake. While retrying after a
// transient loss the channel stays in StateReconnecting throughout; state
// subscribers only ever see disconnected as a final state.
func (ch *Channel) connect(ctx context.Context, retrying bool) error {
	attemptState, failState := StateConnecting, StateDisconnected
	if retrying {
		attemptState, failState = StateReconnecting, StateReconnecting
	}

	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	prev := ch.state
	ch.state = attemptState
	ch.intentionalClose = false
	ch.mu.Unlock()
	if prev != attemptState {
		ch.dispatcher.dispatchState(attemptState)
	}

	conn, _, err := websocket.Dial(ctx, ch.wsURL(), nil)
	if err != nil {
		ch.setState(failState)
		return &ConnectionError{Err: fmt.Errorf("dial: %w", err)}
	}

	// The backend acknowledges the credential with a ready frame before any
	// events flow.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ch.setState(failState)
		return &ConnectionError{Err: fmt.Errorf("read ready frame: %w", err)}
	}
	var env channelEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "channel.ready" {
		conn.Close(websocket.StatusNormalClosure, "")
		ch.setState(failState)
		return &ConnectionError{Err: fmt.Errorf("expected channel.ready, got %q", env.Type)}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	if ch.cancelFn != nil {
		ch.cancelFn()
	}
	ch.conn = conn
	ch.state = StateConnected
	ch.cancelFn = cancel
	ch.mu.Unlock()
	ch.recon.markConnected()
	ch.dispatcher.dispatchState(StateConnected)

	go ch.readLoop(connCtx, conn)
	go ch.heartbeatLoop(connCtx)

	return nil
}

// Disconnect tears the channel down. Idempotent and always safe to call,
// including from an already-unmounted owner.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	wasDisconnected := ch.state == StateDisconnected
	ch.state = StateDisconnected
	ch.mu.Unlock()

	ch.clearPendingPings()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !wasDisconnected {
		ch.dispatcher.dispatchState(StateDisconnected)
	}
}

// JoinChat associates the channel with a direct-chat counterpart after
// connecting. A failure here does not tear down the connection; callers log
// it and continue.
func (ch *Channel) JoinChat(ctx context.Context, otherUserID string) error {
	return ch.Invoke(ctx, "joinChat", otherUserID)
}

// SendMessage sends a message over the realtime channel. This is tier one of
// the send pipeline; the REST fallback covers its failures.
func (ch *Channel) SendMessage(ctx context.Context, recipientID, text string) error {
	ch.mu.Lock()
	ch.reqCounter++
	reqID := fmt.Sprintf("msg-%d", ch.reqCounter)
	ch.mu.Unlock()
	return ch.send(ctx, &channelCommand{
		Invoke:    "sendMessage",
		Args:      []any{recipientID, text},
		RequestID: reqID,
	})
}

// Invoke sends a raw invocation over the channel.
func (ch *Channel) Invoke(ctx context.Context, method string, args ...any) error {
	return ch.send(ctx, &channelCommand{Invoke: method, Args: args})
}

func (ch *Channel) send(ctx context.Context, cmd *channelCommand) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()

	if conn == nil {
		return &ConnectionError{Err: fmt.Errorf("not connected")}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &ConnectionError{Err: err}
	}
	return nil
}

// Ping sends a ping and waits for the matching pong.
func (ch *Channel) Ping(ctx context.Context) error {
	ch.mu.Lock()
	ch.reqCounter++
	requestID := fmt.Sprintf("ping-%d", ch.reqCounter)
	ch.mu.Unlock()

	pong := make(chan pongPayload, 1)
	ch.pendingMu.Lock()
	ch.pendingPings[requestID] = pong
	ch.pendingMu.Unlock()

	drop := func() {
		ch.pendingMu.Lock()
		delete(ch.pendingPings, requestID)
		ch.pendingMu.Unlock()
	}

	if err := ch.send(ctx, &channelCommand{Invoke: "ping", RequestID: requestID}); err != nil {
		drop()
		return err
	}

	select {
	case _, ok := <-pong:
		if !ok {
			return &ConnectionError{Err: fmt.Errorf("connection closed")}
		}
		return nil
	case <-time.After(10 * time.Second):
		drop()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return ctx.Err()
	}
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			if ch.conn == conn {
				ch.conn = nil
			}
			ch.mu.Unlock()
			if intentional {
				return
			}

			// Transient loss surfaces as reconnecting, not disconnected;
			// disconnected is reserved for teardown and exhausted retries.
			if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
				ch.setState(StateReconnecting)
				go ch.scheduleReconnect(ctx)
				return
			}
			ch.setState(StateDisconnected)
			return
		}

		var env channelEnvelope
		if json.Unmarshal(data, &env) != nil {
			ch.logf("festivechat: dropping malformed channel frame")
			continue
		}

		switch env.Type {
		case "chat.message":
			var ev MessageEvent
			if json.Unmarshal(env.Payload, &ev) != nil || ev.ID == "" {
				ch.logf("festivechat: dropping malformed chat.message payload")
				continue
			}
			ch.dispatcher.dispatchMessage(ev)

		case "pong":
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ch.pendingMu.Lock()
				pong, ok := ch.pendingPings[p.RequestID]
				if ok {
					delete(ch.pendingPings, p.RequestID)
				}
				ch.pendingMu.Unlock()
				if ok {
					pong <- p
				}
			}

		case "error":
			var p channelErrorPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				ch.logf("festivechat: channel error: %s", p.Message)
			}
		}
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ch.State() != StateConnected {
				return
			}
			if err := ch.Ping(ctx); err != nil {
				// Force close; the read loop notices and reconnects.
				ch.mu.Lock()
				conn := ch.conn
				ch.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// scheduleReconnect runs the transient-loss path: reconnecting with backoff
// until the transport is back or retries are exhausted. No error surfaces to
// the owner; the final state tells the story.
func (ch *Channel) scheduleReconnect(ctx context.Context) {
	delay := ch.recon.nextDelay()

	select {
	case <-ctx.Done():
		ch.setState(StateDisconnected)
		return
	case <-time.After(delay):
	}

	ch.mu.Lock()
	if ch.intentionalClose {
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()

	if err := ch.connect(context.Background(), true); err != nil {
		if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
			ch.scheduleReconnect(ctx)
		} else {
			ch.setState(StateDisconnected)
		}
	}
}

func (ch *Channel) clearPendingPings() {
	ch.pendingMu.Lock()
	for k, pong := range ch.pendingPings {
		close(pong)
		delete(ch.pendingPings, k)
	}
	ch.pendingMu.Unlock()
}
