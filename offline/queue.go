// Package offline is the client-side half of the notification protocol:
// an in-memory inbox that dedupes incoming pushes, and an action queue
// that buffers read/dismiss actions while disconnected and replays them on
// reconnect. Reconciliation is eventually consistent by design; queued
// actions are applied optimistically and flush failures are logged, never
// shown to the user.
package offline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"caseflow/notification"
)

// ActionType enumerates the queueable actions.
type ActionType string

const (
	ActionMarkRead    ActionType = "mark_read"
	ActionMarkAllRead ActionType = "mark_all_read"
	ActionDismiss     ActionType = "dismiss"
)

// Action is one buffered mutation.
type Action struct {
	Type           ActionType
	NotificationID string
}

// Sender applies actions against the server once connectivity exists.
type Sender interface {
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Dismiss(ctx context.Context, id string) error
}

// Inbox is the client's notification set, deduplicated by id.
type Inbox struct {
	mu    sync.Mutex
	items map[string]notification.Notification
	order []string
}

func NewInbox() *Inbox {
	return &Inbox{items: make(map[string]notification.Notification)}
}

// Add appends the notification unless it is already present. A duplicate
// push, e.g. a resync overlapping a live event, must not double-count the
// unread total.
func (in *Inbox) Add(n notification.Notification) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, ok := in.items[n.ID]; ok {
		return false
	}
	in.items[n.ID] = n
	in.order = append(in.order, n.ID)
	return true
}

func (in *Inbox) UnreadCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()

	count := 0
	for _, n := range in.items {
		if !n.IsRead {
			count++
		}
	}
	return count
}

func (in *Inbox) markRead(id string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if n, ok := in.items[id]; ok {
		n.IsRead = true
		in.items[id] = n
	}
}

func (in *Inbox) markAllRead() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for id, n := range in.items {
		n.IsRead = true
		in.items[id] = n
	}
}

func (in *Inbox) dismiss(id string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.items[id]; !ok {
		return
	}
	delete(in.items, id)
	in.compactOrderLocked()
}

// dismissMatching removes notifications for the dispute (optionally
// narrowed by type) and returns the removed ids.
func (in *Inbox) dismissMatching(disputeID string, t notification.Type) []string {
	in.mu.Lock()
	defer in.mu.Unlock()

	var removed []string
	for id, n := range in.items {
		if n.DisputeID == nil || *n.DisputeID != disputeID {
			continue
		}
		if t != "" && n.Type != t {
			continue
		}
		delete(in.items, id)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		in.compactOrderLocked()
	}
	return removed
}

// compactOrderLocked drops arrival entries whose notification is gone, so a
// long session of dismissals does not grow the slice without bound.
func (in *Inbox) compactOrderLocked() {
	kept := in.order[:0]
	for _, id := range in.order {
		if _, ok := in.items[id]; ok {
			kept = append(kept, id)
		}
	}
	in.order = kept
}

// Snapshot returns the notifications in arrival order.
func (in *Inbox) Snapshot() []notification.Notification {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]notification.Notification, 0, len(in.items))
	for _, id := range in.order {
		if n, ok := in.items[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Queue buffers actions while offline and flushes them FIFO on reconnect.
type Queue struct {
	inbox  *Inbox
	sender Sender
	log    zerolog.Logger

	mu      sync.Mutex
	online  bool
	pending []Action
}

func NewQueue(inbox *Inbox, sender Sender, log zerolog.Logger) *Queue {
	return &Queue{inbox: inbox, sender: sender, log: log}
}

// MarkRead applies locally at once and either sends or queues the server
// call depending on connectivity.
func (q *Queue) MarkRead(ctx context.Context, id string) {
	q.inbox.markRead(id)
	q.submit(ctx, Action{Type: ActionMarkRead, NotificationID: id})
}

func (q *Queue) MarkAllRead(ctx context.Context) {
	q.inbox.markAllRead()
	q.submit(ctx, Action{Type: ActionMarkAllRead})
}

func (q *Queue) Dismiss(ctx context.Context, id string) {
	q.inbox.dismiss(id)
	q.submit(ctx, Action{Type: ActionDismiss, NotificationID: id})
}

// AcknowledgeAction clears local notifications for an entity the user just
// acted on and queues the matching server-side dismissals.
func (q *Queue) AcknowledgeAction(ctx context.Context, disputeID string, t notification.Type) {
	for _, id := range q.inbox.dismissMatching(disputeID, t) {
		q.submit(ctx, Action{Type: ActionDismiss, NotificationID: id})
	}
}

// SetOnline flips connectivity; coming back online flushes the queue.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	wasOffline := !q.online
	q.online = online
	q.mu.Unlock()

	if online && wasOffline {
		q.Flush(ctx)
	}
}

// Pending returns a copy of the buffered actions, oldest first.
func (q *Queue) Pending() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, len(q.pending))
	copy(out, q.pending)
	return out
}

func (q *Queue) submit(ctx context.Context, a Action) {
	q.mu.Lock()
	if !q.online {
		q.pending = append(q.pending, a)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.apply(ctx, a)
}

// Flush replays the buffered actions in FIFO order. Each action is
// fire-and-forget: a failure is logged and skipped, not retried in this
// session and never surfaced to the user.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, a := range pending {
		q.apply(ctx, a)
	}
}

func (q *Queue) apply(ctx context.Context, a Action) {
	var err error
	switch a.Type {
	case ActionMarkRead:
		err = q.sender.MarkRead(ctx, a.NotificationID)
	case ActionMarkAllRead:
		err = q.sender.MarkAllRead(ctx)
	case ActionDismiss:
		err = q.sender.Dismiss(ctx, a.NotificationID)
	}
	if err != nil {
		q.log.Warn().Err(err).Str("action", string(a.Type)).Str("id", a.NotificationID).
			Msg("offline action flush failed")
	}
}
