package wabridge

import "time"

const (
	// Unresolved threads stay sticky for a week: support staff may be slow
	// to respond and later contact from the same counterpart should land in
	// the thread they are already working.
	unresolvedStickyWindow = 7 * 24 * time.Hour

	// Resolved threads reopen only within a short grace window so that
	// unrelated later contact does not clutter history with reopenings.
	resolvedReopenWindow = 24 * time.Hour
)

type ThreadAction int

const (
	ThreadCreateNew ThreadAction = iota
	ThreadReuse
	ThreadReopen
)

type ThreadDecision struct {
	Action       ThreadAction
	Conversation Conversation
}

// DecideThread is the pure threading policy: given the counterpart's
// existing conversations, in any order, decide whether an event attaches
// to one of them or starts a new thread.
//
// When lockToSingle is set, latest is consulted instead: all traffic on the
// channel collapses onto the single most recent conversation regardless of
// counterpart.
func DecideThread(lockToSingle bool, latest *Conversation, existing []Conversation, now time.Time) ThreadDecision {
	if lockToSingle {
		if latest != nil {
			return ThreadDecision{Action: ThreadReuse, Conversation: *latest}
		}
		return ThreadDecision{Action: ThreadCreateNew}
	}

	// Windows are measured against last activity, not creation order, so
	// each candidate is the conversation with the freshest activity in its
	// status class.
	if conv, ok := freshestByStatus(existing, ConversationOpen); ok {
		if now.Sub(conv.LastActivityAt) <= unresolvedStickyWindow {
			return ThreadDecision{Action: ThreadReuse, Conversation: conv}
		}
	}

	if conv, ok := freshestByStatus(existing, ConversationResolved); ok {
		if now.Sub(conv.LastActivityAt) <= resolvedReopenWindow {
			return ThreadDecision{Action: ThreadReopen, Conversation: conv}
		}
	}

	return ThreadDecision{Action: ThreadCreateNew}
}

func freshestByStatus(convs []Conversation, status ConversationStatus) (Conversation, bool) {
	var best Conversation
	var found bool
	for _, conv := range convs {
		if conv.Status != status {
			continue
		}
		if !found || conv.LastActivityAt.After(best.LastActivityAt) {
			best = conv
			found = true
		}
	}
	return best, found
}
