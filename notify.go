package festivechat

import "sync"

// UnreadTracker is the unread/active-thread bookkeeping surface passed to
// any component that needs it. It is constructed explicitly at session start
// and torn down on logout; there is no ambient global.
type UnreadTracker interface {
	MarkActive(threadID string)
	MarkInactive(threadID string)
	ClearUnreadCount()
	UnreadCount() int
}

// Notifier tracks which threads are open in the UI and maintains the global
// unread badge counter. Bind attaches its inbound handler to the process's
// notification channel exactly once; it is the sole writer to the counter.
//
// The counter is monotonically non-decreasing between clears: a push event
// for an inactive thread increments it, and only ClearUnreadCount resets it.
type Notifier struct {
	selfUserID string

	mu     sync.Mutex
	active map[string]struct{}
	unread int
	sub    *Subscription
}

// NewNotifier creates a tracker for the given local user identity.
func NewNotifier(selfUserID string) *Notifier {
	return &Notifier{
		selfUserID: selfUserID,
		active:     make(map[string]struct{}),
	}
}

// Bind subscribes the global inbound handler to a channel. Calling Bind
// again while bound is a no-op; rebinding requires Close first.
func (n *Notifier) Bind(ch PushChannel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		return
	}
	n.sub = ch.SubscribeMessages(n.handleInbound)
}

// Close detaches from the channel and resets all state. Call on logout.
func (n *Notifier) Close() {
	n.mu.Lock()
	sub := n.sub
	n.sub = nil
	n.active = make(map[string]struct{})
	n.unread = 0
	n.mu.Unlock()
	sub.Cancel()
}

func (n *Notifier) handleInbound(ev MessageEvent) {
	if ev.SenderID == n.selfUserID {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, open := n.active[ev.ThreadID]; open {
		// The thread is on screen; no badge.
		return
	}
	n.unread++
}

// MarkActive records a thread as currently open in the UI. Push events for
// active threads never increment the badge.
func (n *Notifier) MarkActive(threadID string) {
	n.mu.Lock()
	n.active[threadID] = struct{}{}
	n.mu.Unlock()
}

// MarkInactive removes a thread from the active set.
func (n *Notifier) MarkInactive(threadID string) {
	n.mu.Lock()
	delete(n.active, threadID)
	n.mu.Unlock()
}

// UnreadCount returns the badge value.
func (n *Notifier) UnreadCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unread
}

// ClearUnreadCount resets the badge; called when the user navigates to the
// aggregate chat-list view.
func (n *Notifier) ClearUnreadCount() {
	n.mu.Lock()
	n.unread = 0
	n.mu.Unlock()
}
