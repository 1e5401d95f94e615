package festivechat

import "testing"

func TestNotifierBadge(t *testing.T) {
	t.Run("counts events for inactive threads", func(t *testing.T) {
		channel := newFakeChannel(StateConnected)
		n := NewNotifier("U1")
		n.Bind(channel)

		channel.push(MessageEvent{ID: "m1", ThreadID: "T1", SenderID: "U2", Text: "hi"})
		channel.push(MessageEvent{ID: "m2", ThreadID: "T2", SenderID: "U3", Text: "hello"})
		if got := n.UnreadCount(); got != 2 {
			t.Errorf("unread = %d, want 2", got)
		}
	})

	t.Run("active threads are suppressed", func(t *testing.T) {
		channel := newFakeChannel(StateConnected)
		n := NewNotifier("U1")
		n.Bind(channel)

		n.MarkActive("T1")
		channel.push(MessageEvent{ID: "m1", ThreadID: "T1", SenderID: "U2", Text: "on screen"})
		channel.push(MessageEvent{ID: "m2", ThreadID: "T2", SenderID: "U3", Text: "off screen"})
		if got := n.UnreadCount(); got != 1 {
			t.Errorf("unread = %d, want 1", got)
		}

		n.MarkInactive("T1")
		channel.push(MessageEvent{ID: "m3", ThreadID: "T1", SenderID: "U2", Text: "now it counts"})
		if got := n.UnreadCount(); got != 2 {
			t.Errorf("unread = %d, want 2", got)
		}
	})

	t.Run("own messages never count", func(t *testing.T) {
		channel := newFakeChannel(StateConnected)
		n := NewNotifier("U1")
		n.Bind(channel)

		channel.push(MessageEvent{ID: "m1", ThreadID: "T1", SenderID: "U1", Text: "my echo"})
		if got := n.UnreadCount(); got != 0 {
			t.Errorf("unread = %d, want 0", got)
		}
	})

	t.Run("monotonic between clears", func(t *testing.T) {
		channel := newFakeChannel(StateConnected)
		n := NewNotifier("U1")
		n.Bind(channel)

		prev := 0
		for i := 0; i < 5; i++ {
			channel.push(MessageEvent{ID: "m", ThreadID: "T1", SenderID: "U2", Text: "x"})
			got := n.UnreadCount()
			if got < prev {
				t.Fatalf("unread decreased: %d -> %d", prev, got)
			}
			prev = got
		}
		n.ClearUnreadCount()
		if got := n.UnreadCount(); got != 0 {
			t.Errorf("unread = %d after clear, want 0", got)
		}
	})

	t.Run("rebind is a no-op while bound", func(t *testing.T) {
		channel := newFakeChannel(StateConnected)
		n := NewNotifier("U1")
		n.Bind(channel)
		n.Bind(channel)

		channel.push(MessageEvent{ID: "m1", ThreadID: "T1", SenderID: "U2", Text: "once"})
		if got := n.UnreadCount(); got != 1 {
			t.Errorf("unread = %d, want 1 (double-bound handler?)", got)
		}
	})

	t.Run("close detaches and resets", func(t *testing.T) {
		channel := newFakeChannel(StateConnected)
		n := NewNotifier("U1")
		n.Bind(channel)

		n.MarkActive("T1")
		channel.push(MessageEvent{ID: "m1", ThreadID: "T2", SenderID: "U2", Text: "x"})
		n.Close()

		if got := n.UnreadCount(); got != 0 {
			t.Errorf("unread = %d after close, want 0", got)
		}
		channel.push(MessageEvent{ID: "m2", ThreadID: "T2", SenderID: "U2", Text: "after logout"})
		if got := n.UnreadCount(); got != 0 {
			t.Errorf("unread = %d, handler still attached after close", got)
		}

		// Rebind after close starts fresh.
		n.Bind(channel)
		channel.push(MessageEvent{ID: "m3", ThreadID: "T1", SenderID: "U2", Text: "fresh session"})
		if got := n.UnreadCount(); got != 1 {
			t.Errorf("unread = %d after rebind, want 1 (active set not reset?)", got)
		}
	})
}
