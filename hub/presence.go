package hub

import (
	"encoding/json"
	"sync"
	"time"
)

// typingTTL is how long a typing indicator stays alive without a refresh.
const typingTTL = 5 * time.Second

// Presence tracks ephemeral typing indicators per room. Nothing here is
// persisted or relayed across instances; indicators silently expire.
type Presence struct {
	mu     sync.Mutex
	typing map[string]map[string]time.Time // room -> userID -> expiry
	now    func() time.Time
}

func NewPresence() *Presence {
	return &Presence{
		typing: make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

// WithClock overrides the time source for tests.
func (p *Presence) WithClock(now func() time.Time) *Presence {
	p.now = now
	return p
}

// SetTyping marks or clears the user's typing state in the room.
func (p *Presence) SetTyping(room, userID string, typing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	users := p.typing[room]
	if typing {
		if users == nil {
			users = make(map[string]time.Time)
			p.typing[room] = users
		}
		users[userID] = p.now().Add(typingTTL)
		return
	}
	if users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.typing, room)
		}
	}
}

// TypingUsers returns who is typing in the room, pruning expired entries.
func (p *Presence) TypingUsers(room string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	users := p.typing[room]
	if users == nil {
		return nil
	}

	now := p.now()
	out := make([]string, 0, len(users))
	for id, expiry := range users {
		if now.After(expiry) {
			delete(users, id)
			continue
		}
		out = append(out, id)
	}
	if len(users) == 0 {
		delete(p.typing, room)
	}
	return out
}

// TypingSignal builds the broadcast message for a typing state change.
// Best-effort by design: it is sent through Hub.Broadcast and never blocks
// or outlives the moment.
func TypingSignal(room, userID string, typing bool) Message {
	data, _ := json.Marshal(map[string]any{"user_id": userID, "typing": typing})
	return Message{Type: "presence.typing", Room: room, Data: data}
}

// OnlineSignal builds the broadcast message for a presence snapshot.
func OnlineSignal(room string, users []string) Message {
	data, _ := json.Marshal(map[string]any{"online": users})
	return Message{Type: "presence.online", Room: room, Data: data}
}
