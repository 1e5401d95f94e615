package festivechat

import "fmt"

// The error taxonomy mirrors what a chat surface needs to decide between
// retry affordances. Errors are state for the UI layer, not control flow:
// callers inspect them with errors.As and render accordingly.

// ConnectionError means the realtime channel could not be established or was
// lost beyond automatic recovery. Non-fatal: callers fall back to REST-only
// mode and surface a passive status indicator at most.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("channel connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ResolutionError means a thread could not be resolved or created. Surfaced
// as a retry affordance on the chat surface; never retried automatically.
type ResolutionError struct {
	OtherUserID string
	Err         error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve thread with %s: %v", e.OtherUserID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// HistoryLoadError means the durable log fetch failed. The thread starts
// empty; sending is not blocked.
type HistoryLoadError struct {
	ThreadID string
	Err      error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("load history for thread %s: %v", e.ThreadID, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }

// SendError means both the realtime send and the REST fallback failed for a
// single outgoing message. The optimistic entry is marked failed and the
// composed text restored; the user resubmits manually.
type SendError struct {
	ClientID    string
	RealtimeErr error
	RestErr     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s failed on both tiers: realtime: %v; rest: %v",
		e.ClientID, e.RealtimeErr, e.RestErr)
}

func (e *SendError) Unwrap() error { return e.RestErr }
