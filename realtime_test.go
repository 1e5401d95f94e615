package festivechat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestChannelConfigDefaults(t *testing.T) {
	cfg := ChannelConfig{Token: "tok"}
	cfg.defaults()
	if cfg.ReconnectBaseDelay != 1*time.Second {
		t.Errorf("ReconnectBaseDelay = %v", cfg.ReconnectBaseDelay)
	}
	if cfg.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("ReconnectMaxDelay = %v", cfg.ReconnectMaxDelay)
	}
	if cfg.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d", cfg.MaxReconnectAttempts)
	}
	if cfg.HeartbeatInterval != 25*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
}

func TestReconnectorBackoff(t *testing.T) {
	t.Run("delays grow and cap", func(t *testing.T) {
		r := newReconnector(&ChannelConfig{
			ReconnectBaseDelay:   100 * time.Millisecond,
			ReconnectMaxDelay:    1 * time.Second,
			MaxReconnectAttempts: 10,
		})
		var prev time.Duration
		for i := 0; i < 10; i++ {
			d := r.nextDelay()
			if d > 1*time.Second {
				t.Fatalf("attempt %d: delay %v exceeds max", i, d)
			}
			if d < prev && d != 1*time.Second {
				t.Fatalf("attempt %d: delay %v shrank below %v before cap", i, d, prev)
			}
			prev = d
		}
	})

	t.Run("attempt budget", func(t *testing.T) {
		r := newReconnector(&ChannelConfig{
			ReconnectBaseDelay:   time.Millisecond,
			ReconnectMaxDelay:    time.Millisecond,
			MaxReconnectAttempts: 3,
		})
		for i := 0; i < 3; i++ {
			if !r.shouldReconnect() {
				t.Fatalf("attempt %d: budget exhausted early", i)
			}
			r.nextDelay()
		}
		if r.shouldReconnect() {
			t.Error("budget not exhausted after max attempts")
		}
	})

	t.Run("long-held connection resets backoff", func(t *testing.T) {
		r := newReconnector(&ChannelConfig{
			ReconnectBaseDelay:   100 * time.Millisecond,
			ReconnectMaxDelay:    30 * time.Second,
			MaxReconnectAttempts: 10,
		})
		for i := 0; i < 5; i++ {
			r.nextDelay()
		}
		r.connectedAt = time.Now().Add(-2 * time.Minute)
		d := r.nextDelay()
		// First-attempt delay is base plus up to 50% jitter.
		if d > 150*time.Millisecond {
			t.Errorf("delay after reset = %v, want first-attempt range", d)
		}
	})
}

func TestSubscriptionCancel(t *testing.T) {
	var calls int
	sub := newSubscription(func() { calls++ })
	sub.Cancel()
	sub.Cancel()
	if calls != 1 {
		t.Errorf("cancel ran %d times, want 1", calls)
	}

	var nilSub *Subscription
	nilSub.Cancel() // must not panic
}

func TestDispatcherOrder(t *testing.T) {
	d := newDispatcher()
	var got []string
	sub := d.subscribeMessages(func(ev MessageEvent) {
		got = append(got, ev.ID)
	})
	defer sub.Cancel()

	for _, id := range []string{"a", "b", "c", "d"} {
		d.dispatchMessage(MessageEvent{ID: id})
	}
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", got, want)
		}
	}

	sub.Cancel()
	d.dispatchMessage(MessageEvent{ID: "e"})
	if len(got) != 4 {
		t.Error("handler still invoked after cancel")
	}
}

// newChannelServer runs a realtime backend: accepts the socket, sends the
// ready frame, answers pings, and pushes one chat.message after a joinChat.
func newChannelServer(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	joined := make(chan string, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/chat" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != "chan-token" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"channel.ready"}`)); err != nil {
			return
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd channelCommand
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			switch cmd.Invoke {
			case "ping":
				payload, _ := json.Marshal(pongPayload{RequestID: cmd.RequestID})
				env, _ := json.Marshal(channelEnvelope{Type: "pong", Payload: payload})
				conn.Write(ctx, websocket.MessageText, env)
			case "joinChat":
				if len(cmd.Args) == 1 {
					if other, ok := cmd.Args[0].(string); ok {
						joined <- other
					}
				}
				payload, _ := json.Marshal(MessageEvent{ID: "push-1", ThreadID: "T1", SenderID: "U2", Text: "welcome"})
				env, _ := json.Marshal(channelEnvelope{Type: "chat.message", Payload: payload})
				conn.Write(ctx, websocket.MessageText, env)
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, joined
}

func TestChannelLifecycle(t *testing.T) {
	server, joined := newChannelServer(t)
	client := NewClient(StaticSession{ID: "U1", Token: "tok"}, WithBaseURL(server.URL))
	ch := client.Channel(&ChannelConfig{Token: "chan-token"})
	defer ch.Disconnect()

	received := make(chan MessageEvent, 4)
	sub := ch.SubscribeMessages(func(ev MessageEvent) { received <- ev })
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ch.State() != StateConnected {
		t.Fatalf("State = %q, want connected", ch.State())
	}

	// Second connect on an established channel is a no-op.
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	if err := ch.JoinChat(ctx, "U2"); err != nil {
		t.Fatalf("JoinChat: %v", err)
	}
	select {
	case other := <-joined:
		if other != "U2" {
			t.Errorf("joined = %q, want U2", other)
		}
	case <-ctx.Done():
		t.Fatal("server never saw joinChat")
	}

	select {
	case ev := <-received:
		if ev.ID != "push-1" || ev.Text != "welcome" {
			t.Errorf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("pushed message never dispatched")
	}
	// The redundant Connect must not have produced a second read loop.
	select {
	case ev := <-received:
		t.Errorf("duplicate delivery: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	if err := ch.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	ch.Disconnect()
	ch.Disconnect() // idempotent
	if ch.State() != StateDisconnected {
		t.Errorf("State = %q after disconnect", ch.State())
	}
	if err := ch.SendMessage(ctx, "U2", "into the void"); err == nil {
		t.Error("SendMessage after disconnect should fail")
	}
}

func TestChannelReconnect(t *testing.T) {
	// The server drops the first connection right after the handshake; the
	// channel must come back on its own and re-deliver events exactly once.
	var connMu sync.Mutex
	var conns int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"channel.ready"}`)); err != nil {
			return
		}

		connMu.Lock()
		conns++
		n := conns
		connMu.Unlock()

		if n == 1 {
			conn.Close(websocket.StatusInternalError, "transient loss")
			return
		}

		payload, _ := json.Marshal(MessageEvent{ID: "after-loss", SenderID: "U2", Text: "back"})
		env, _ := json.Marshal(channelEnvelope{Type: "chat.message", Payload: payload})
		conn.Write(ctx, websocket.MessageText, env)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(StaticSession{ID: "U1", Token: "tok"}, WithBaseURL(server.URL))
	ch := client.Channel(&ChannelConfig{
		Token:              "chan-token",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	defer ch.Disconnect()

	var stateMu sync.Mutex
	var states []ChannelState
	stateSub := ch.SubscribeStates(func(s ChannelState) {
		stateMu.Lock()
		states = append(states, s)
		stateMu.Unlock()
	})
	defer stateSub.Cancel()

	received := make(chan MessageEvent, 4)
	sub := ch.SubscribeMessages(func(ev MessageEvent) { received <- ev })
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case ev := <-received:
		if ev.ID != "after-loss" {
			t.Errorf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("channel never recovered from the dropped connection")
	}
	select {
	case ev := <-received:
		t.Errorf("duplicate delivery after reconnect: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	if ch.State() != StateConnected {
		t.Errorf("State = %q after recovery, want connected", ch.State())
	}

	// Transient loss must read connected -> reconnecting -> connected with no
	// disconnected in between; disconnected is final-only.
	stateMu.Lock()
	observed := append([]ChannelState(nil), states...)
	stateMu.Unlock()
	sawReconnecting := false
	for _, s := range observed {
		if s == StateReconnecting {
			sawReconnecting = true
		}
		if s == StateDisconnected {
			t.Fatalf("non-final disconnected in state sequence %v", observed)
		}
	}
	if !sawReconnecting {
		t.Errorf("state sequence %v never showed reconnecting", observed)
	}
	if observed[len(observed)-1] != StateConnected {
		t.Errorf("state sequence %v does not end connected", observed)
	}

	ch.Disconnect()
	if ch.State() != StateDisconnected {
		t.Errorf("State = %q after teardown", ch.State())
	}
}

func TestChannelConnectFailure(t *testing.T) {
	t.Run("handshake rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no websockets here", http.StatusBadGateway)
		}))
		defer server.Close()

		client := NewClient(StaticSession{ID: "U1", Token: "tok"}, WithBaseURL(server.URL))
		ch := client.Channel(&ChannelConfig{Token: "chan-token"})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := ch.Connect(ctx)
		if _, ok := err.(*ConnectionError); !ok {
			t.Fatalf("error = %T (%v), want *ConnectionError", err, err)
		}
		if ch.State() != StateDisconnected {
			t.Errorf("State = %q after failed connect", ch.State())
		}
	})

	t.Run("missing ready frame", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			// Wrong first frame.
			conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"chat.message"}`))
			conn.Close(websocket.StatusNormalClosure, "")
		}))
		defer server.Close()

		client := NewClient(StaticSession{ID: "U1", Token: "tok"}, WithBaseURL(server.URL))
		ch := client.Channel(&ChannelConfig{Token: "chan-token"})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := ch.Connect(ctx)
		if _, ok := err.(*ConnectionError); !ok {
			t.Fatalf("error = %T (%v), want *ConnectionError", err, err)
		}
	})
}
