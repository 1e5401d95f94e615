package festivechat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// connectedFallbackDelay is how long a surface waits before reporting
// "connected" to the UI even if the channel handshake is still pending or
// failed. Sends carry their own failure handling, so the user is never
// blocked from typing.
const connectedFallbackDelay = 2 * time.Second

// ChatSession is one open chat surface with a single counterpart. It owns
// the merged message buffer for its thread: history seeded once, push events
// merged in with dedup by id, optimistic send entries reconciled in place.
//
// The buffer is insertion-ordered and display order equals insertion order;
// message timestamps are advisory only.
type ChatSession struct {
	client      *Client
	channel     PushChannel
	tracker     UnreadTracker
	otherUserID string

	// fallbackDelay overrides connectedFallbackDelay in tests.
	fallbackDelay time.Duration

	mu          sync.Mutex
	threadID    string
	buffer      []Message
	index       map[string]int // message id -> buffer position
	draft       string
	uiConnected bool
	historyErr  error
	closed      bool

	sub           *Subscription
	fallbackTimer *time.Timer
}

// NewChatSession wires a chat surface for the given counterpart. The tracker
// may be nil for surfaces that do not participate in unread bookkeeping.
// Call Open before use and Close on unmount.
func NewChatSession(client *Client, channel PushChannel, tracker UnreadTracker, otherUserID string) *ChatSession {
	return &ChatSession{
		client:        client,
		channel:       channel,
		tracker:       tracker,
		otherUserID:   otherUserID,
		fallbackDelay: connectedFallbackDelay,
		index:         make(map[string]int),
	}
}

// Session wires a chat surface for the given counterpart over this client.
// Shorthand for NewChatSession.
func (c *Client) Session(channel PushChannel, tracker UnreadTracker, otherUserID string) *ChatSession {
	return NewChatSession(c, channel, tracker, otherUserID)
}

// Open brings the surface up: connect the channel (non-fatal), join the
// direct chat, resolve the thread (fatal, *ResolutionError), subscribe to
// push events, seed history (non-fatal, see HistoryErr), and register the
// thread as active.
//
// Open must be called at most once per session.
func (s *ChatSession) Open(ctx context.Context) error {
	if err := s.channel.Connect(ctx); err != nil {
		// REST-only mode; the fallback timer keeps the UI usable.
		s.client.logf("festivechat: channel unavailable, continuing over REST: %v", err)
	} else if err := s.channel.JoinChat(ctx, s.otherUserID); err != nil {
		s.client.logf("festivechat: joinChat %s failed: %v", s.otherUserID, err)
	}

	s.mu.Lock()
	s.fallbackTimer = time.AfterFunc(s.fallbackDelay, func() {
		s.mu.Lock()
		s.uiConnected = true
		s.mu.Unlock()
	})
	s.mu.Unlock()

	threadID, err := s.client.ResolveThread(ctx, s.otherUserID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.threadID = threadID
	s.mu.Unlock()

	// Subscribe before seeding so nothing is lost while history loads; the
	// dedup-by-id rule makes the interleaving safe.
	s.sub = s.channel.SubscribeMessages(s.handleInbound)

	history, err := s.client.LoadHistory(ctx, threadID)
	s.mu.Lock()
	if err != nil {
		// Thread starts empty; sending is not blocked.
		s.historyErr = err
	} else {
		s.mergeHistory(history)
	}
	s.mu.Unlock()

	if s.tracker != nil {
		s.tracker.MarkActive(threadID)
	}
	// Opening the surface counts as reading it.
	if err := s.client.MarkThreadRead(ctx, threadID); err != nil {
		s.client.logf("festivechat: mark read %s failed: %v", threadID, err)
	}
	return nil
}

// handleInbound merges one push event into the buffer.
func (s *ChatSession) handleInbound(ev MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		// Late event for a torn-down surface.
		return
	}
	// Self-echo: our own sends are represented by the optimistic entry from
	// Send, never by the push path.
	if ev.SenderID == s.client.UserID() {
		return
	}
	if ev.ThreadID != "" && s.threadID != "" && ev.ThreadID != s.threadID {
		return
	}
	if _, dup := s.index[ev.ID]; dup {
		return
	}

	s.append(Message{
		ID:        ev.ID,
		ThreadID:  s.threadID,
		SenderID:  ev.SenderID,
		Text:      ev.Text,
		Timestamp: parseWireTime(ev.Timestamp),
		Status:    StatusDelivered,
		Mine:      false,
	})
}

// mergeHistory seeds the buffer, skipping ids already delivered by push
// events that raced the load. Caller holds s.mu.
func (s *ChatSession) mergeHistory(history []Message) {
	for _, m := range history {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.append(m)
	}
}

// append adds to the buffer and index. Caller holds s.mu.
func (s *ChatSession) append(m Message) {
	s.index[m.ID] = len(s.buffer)
	s.buffer = append(s.buffer, m)
}

// Send runs the two-tier pipeline for one outgoing message. The optimistic
// pending entry is appended before any network I/O so the compose box can
// clear immediately. The realtime tier is tried first, then the REST
// fallback; the entry's status is updated in place, never re-appended.
//
// On total failure the returned error is a *SendError and the composed text
// is restored to the draft for manual resubmission.
func (s *ChatSession) Send(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, fmt.Errorf("empty message")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("session closed")
	}
	tempID := "local-" + uuid.NewString()
	msg := Message{
		ID:        tempID,
		ThreadID:  s.threadID,
		SenderID:  s.client.UserID(),
		Text:      text,
		Timestamp: time.Now(),
		Status:    StatusPending,
		Mine:      true,
	}
	s.append(msg)
	s.draft = ""
	s.mu.Unlock()

	// Tier one: realtime channel.
	var rtErr error
	if s.channel.State() == StateConnected {
		rtErr = s.channel.SendMessage(ctx, s.otherUserID, text)
	} else {
		rtErr = &ConnectionError{Err: fmt.Errorf("channel %s", s.channel.State())}
	}
	if rtErr == nil {
		return s.setStatus(tempID, StatusSent), nil
	}

	// Tier two: REST fallback.
	sent, restErr := s.client.SendDirect(ctx, s.otherUserID, text)
	if restErr == nil {
		return s.confirm(tempID, sent), nil
	}

	failed := s.setStatus(tempID, StatusFailed)
	s.mu.Lock()
	if s.draft == "" {
		s.draft = text
	}
	s.mu.Unlock()
	return failed, &SendError{ClientID: tempID, RealtimeErr: rtErr, RestErr: restErr}
}

// setStatus updates an entry's status in place and returns a snapshot.
func (s *ChatSession) setStatus(id string, status MessageStatus) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[id]
	if !ok {
		return Message{ID: id, Status: status}
	}
	s.buffer[pos].Status = status
	return s.buffer[pos]
}

// confirm replaces a temporary entry with its durable representation,
// keeping the buffer position. The temporary entry is never duplicated.
func (s *ChatSession) confirm(tempID string, durable *Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[tempID]
	if !ok {
		if durable != nil {
			return *durable
		}
		return Message{ID: tempID, Status: StatusSent}
	}
	entry := &s.buffer[pos]
	entry.Status = StatusSent
	if durable != nil && durable.ID != "" {
		delete(s.index, tempID)
		entry.ID = durable.ID
		s.index[durable.ID] = pos
		if durable.ThreadID != "" {
			entry.ThreadID = durable.ThreadID
		}
	}
	return *entry
}

// Messages returns the merged view in display order.
func (s *ChatSession) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// ThreadID returns the resolved thread id, empty before Open succeeds.
func (s *ChatSession) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Draft returns the compose-box text, including text restored by a failed
// send.
func (s *ChatSession) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// SetDraft replaces the compose-box text.
func (s *ChatSession) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// Connected reports the UI-visible connection indicator: true once the
// channel is up, or once the fallback delay has elapsed regardless.
func (s *ChatSession) Connected() bool {
	if s.channel.State() == StateConnected {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uiConnected
}

// HistoryErr returns the *HistoryLoadError from Open, if any. Cleared by a
// successful ReloadHistory.
func (s *ChatSession) HistoryErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyErr
}

// ReloadHistory retries a failed history load, merging results into the
// existing buffer with the usual dedup.
func (s *ChatSession) ReloadHistory(ctx context.Context) error {
	s.mu.Lock()
	threadID := s.threadID
	s.mu.Unlock()
	if threadID == "" {
		return fmt.Errorf("thread not resolved")
	}

	history, err := s.client.LoadHistory(ctx, threadID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err != nil {
		s.historyErr = err
		return err
	}
	s.historyErr = nil
	s.mergeHistory(history)
	return nil
}

// Close unmounts the surface: deregisters the active thread, cancels the
// push subscription, and releases the channel. Idempotent. In-flight sends
// or history loads finish against a closed session without effect.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	threadID := s.threadID
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
	}
	s.mu.Unlock()

	if s.tracker != nil && threadID != "" {
		s.tracker.MarkInactive(threadID)
	}
	s.sub.Cancel()
	s.channel.Disconnect()
}
