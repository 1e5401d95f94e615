package festivechat

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Message Status
// ============================================================================

// MessageStatus is the strict status enum for chat messages. Backend payloads
// carry status as a loosely-cased string ("Sent" vs "sent"); values are
// normalized at the boundary via ParseMessageStatus and never propagated raw.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// ParseMessageStatus normalizes a backend status string onto the enum.
// The second return is false for unrecognized values.
func ParseMessageStatus(raw string) (MessageStatus, bool) {
	switch MessageStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, true
	case StatusSent:
		return StatusSent, true
	case StatusDelivered:
		return StatusDelivered, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// ============================================================================
// Domain Types
// ============================================================================

// Message is a single chat message in a thread's merged view.
//
// ID is server-assigned for durable messages and client-assigned (prefixed
// "local-") for optimistic entries awaiting confirmation. Timestamp is
// advisory and used only for display formatting; it is never a sync key.
type Message struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"threadId,omitempty"`
	SenderID  string        `json:"senderId"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status"`
	Mine      bool          `json:"mine"`
}

// Thread is a conversation between exactly two identities.
type Thread struct {
	ID           string    `json:"threadId"`
	Participants [2]string `json:"participants"`
}

// ThreadSummary is one row of the aggregate chat-list view.
type ThreadSummary struct {
	ID            string `json:"threadId"`
	OtherUserID   string `json:"otherUserId"`
	LastMessage   string `json:"lastMessage,omitempty"`
	LastMessageAt string `json:"lastMessageAt,omitempty"`
	UnreadCount   int    `json:"unreadCount"`
}

// Credential is the short-lived identity issued for the realtime channel.
type Credential struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participantId"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
}

// ============================================================================
// Wire Types
// ============================================================================

// wireMessage is the backend's message shape, shared by the history endpoint
// and the push channel. The body field is named "message" on the wire.
type wireMessage struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId,omitempty"`
	SenderID  string `json:"senderId"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
	Status    string `json:"status,omitempty"`
}

type resolveThreadData struct {
	ThreadID string `json:"threadId"`
}

// parseWireTime accepts the timestamp formats the backend has been seen to
// emit. A zero time is acceptable: timestamps are display-only.
func parseWireTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
