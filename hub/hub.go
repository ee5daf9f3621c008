// Package hub groups live connections into per-dispute rooms and fans
// committed domain events out to them. Broadcasts are ephemeral and
// best-effort; durable facts belong to the notification store.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"caseflow/broker"
	"caseflow/dispute"
)

// resyncQueueSize bounds how many rejoin reconciliations may be pending at
// once before new ones are dropped (the client will retry on its next
// reconnect).
const resyncQueueSize = 64

// ResyncRequest asks the owner's event loop to fetch authoritative dispute
// state and reconcile the named connection after a reconnect.
type ResyncRequest struct {
	Room   string
	ConnID string
	UserID string
}

// remoteEnvelope is what travels through the broker between instances.
type remoteEnvelope struct {
	Instance string  `json:"instance"`
	Message  Message `json:"message"`
}

type roomState struct {
	members map[string]Conn // connID -> conn
	cancel  context.CancelFunc
}

// Hub owns the room membership tables. All maps are guarded by one
// RWMutex; broadcast sends happen outside the lock.
type Hub struct {
	instanceID string
	registry   *Registry
	broker     broker.Broker
	log        zerolog.Logger

	mu     sync.RWMutex
	rooms  map[string]*roomState
	byConn map[string]string // connID -> current room

	resync  chan ResyncRequest
	queued  map[string]bool // connIDs with a pending resync
	baseCtx context.Context

	// backoff governs re-subscribing to a room's stream after relay errors.
	backoff Backoff
}

// New constructs a hub. mb may be nil for single-instance deployments; the
// registry is shared with the notification fan-out.
func New(ctx context.Context, registry *Registry, mb broker.Broker, log zerolog.Logger) *Hub {
	return &Hub{
		instanceID: uuid.NewString(),
		registry:   registry,
		broker:     mb,
		log:        log,
		rooms:      make(map[string]*roomState),
		byConn:     make(map[string]string),
		resync:     make(chan ResyncRequest, resyncQueueSize),
		queued:     make(map[string]bool),
		baseCtx:    ctx,
		backoff:    DefaultBackoff(),
	}
}

// WithReconnectPolicy overrides the relay re-subscribe backoff.
func (h *Hub) WithReconnectPolicy(b Backoff) *Hub {
	h.backoff = b
	return h
}

// Resync exposes pending rejoin reconciliations. The consumer fetches
// authoritative state and pushes it to the connection.
func (h *Hub) Resync() <-chan ResyncRequest { return h.resync }

// Join registers the connection under the room. Idempotent; joining a new
// room implicitly leaves the previous one.
func (h *Hub) Join(c Conn, room string) {
	h.mu.Lock()

	if prev, ok := h.byConn[c.ID()]; ok && prev != room {
		h.leaveLocked(c, prev)
	}

	rs := h.rooms[room]
	if rs == nil {
		rs = &roomState{members: make(map[string]Conn)}
		h.rooms[room] = rs
		h.startBrokerLoopLocked(room, rs)
	}
	rs.members[c.ID()] = c
	h.byConn[c.ID()] = room
	h.mu.Unlock()
}

// Leave removes the connection from the room. Leaving an absent connection
// is a no-op.
func (h *Hub) Leave(c Conn, room string) {
	h.mu.Lock()
	h.leaveLocked(c, room)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(c Conn, room string) {
	rs := h.rooms[room]
	if rs == nil {
		return
	}
	delete(rs.members, c.ID())
	if h.byConn[c.ID()] == room {
		delete(h.byConn, c.ID())
	}
	if len(rs.members) == 0 {
		if rs.cancel != nil {
			rs.cancel()
		}
		delete(h.rooms, room)
	}
}

// Disconnect drops the connection from whatever room it is in. Membership
// never outlives the connection; a reconnect must Rejoin explicitly.
func (h *Hub) Disconnect(c Conn) {
	h.mu.Lock()
	if room, ok := h.byConn[c.ID()]; ok {
		h.leaveLocked(c, room)
	}
	delete(h.queued, c.ID())
	h.mu.Unlock()
}

// Rejoin re-establishes membership after a transport-level reconnect and
// queues a resync so the client catches up on anything missed while away.
// A connection has at most one resync outstanding; repeats are collapsed.
func (h *Hub) Rejoin(c Conn, room string) {
	h.Join(c, room)

	h.mu.Lock()
	if h.queued[c.ID()] {
		h.mu.Unlock()
		return
	}
	h.queued[c.ID()] = true
	h.mu.Unlock()

	req := ResyncRequest{Room: room, ConnID: c.ID(), UserID: c.UserID()}
	select {
	case h.resync <- req:
	default:
		h.mu.Lock()
		delete(h.queued, c.ID())
		h.mu.Unlock()
		h.log.Warn().Str("room", room).Str("conn", c.ID()).Msg("resync queue full, dropping request")
	}
}

// ResyncDone clears the pending flag once the consumer handled the request.
func (h *Hub) ResyncDone(connID string) {
	h.mu.Lock()
	delete(h.queued, connID)
	h.mu.Unlock()
}

// Broadcast delivers the message to every current member of the room,
// at most once per connection per call. Undeliverable members are skipped.
func (h *Hub) Broadcast(room string, msg Message) {
	msg.Room = room

	h.mu.RLock()
	rs := h.rooms[room]
	conns := make([]Conn, 0, 4)
	if rs != nil {
		for _, c := range rs.members {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.Send(msg) {
			h.log.Debug().Str("room", room).Str("conn", c.ID()).Msg("dropped room broadcast")
		}
	}
}

// OnDisputeEvent makes the hub a machine sink: committed transitions are
// broadcast to the dispute's room and relayed to sibling instances.
func (h *Hub) OnDisputeEvent(ctx context.Context, ev dispute.DomainEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal dispute event")
		return
	}
	msg := Message{Type: "dispute.event", Room: ev.DisputeID, Data: data}

	h.Broadcast(ev.DisputeID, msg)
	h.publish(ctx, ev.DisputeID, msg)

	if ev.Status.Terminal() && h.broker != nil {
		if err := h.broker.Cleanup(ctx, ev.DisputeID); err != nil {
			h.log.Warn().Err(err).Str("room", ev.DisputeID).Msg("broker cleanup")
		}
	}
}

func (h *Hub) publish(ctx context.Context, room string, msg Message) {
	if h.broker == nil {
		return
	}
	env := remoteEnvelope{Instance: h.instanceID, Message: msg}
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal remote envelope")
		return
	}
	if _, err := h.broker.Publish(ctx, room, data); err != nil {
		// Cross-instance relay is best-effort; local members already got it.
		h.log.Warn().Err(err).Str("room", room).Msg("broker publish")
	}
}

// startBrokerLoopLocked subscribes to the room's stream while it has local
// members, applying envelopes published by other instances. Transient relay
// failures are retried under the reconnect policy; exhausting it abandons
// the subscription.
func (h *Hub) startBrokerLoopLocked(room string, rs *roomState) {
	if h.broker == nil {
		return
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	rs.cancel = cancel

	go func() {
		err := h.backoff.Retry(ctx, func(ctx context.Context) error {
			return h.broker.Subscribe(ctx, room, "", func(ctx context.Context, env broker.Envelope) error {
				var remote remoteEnvelope
				if err := json.Unmarshal(env.Data, &remote); err != nil {
					h.log.Warn().Err(err).Str("room", room).Msg("bad remote envelope")
					return nil
				}
				if remote.Instance == h.instanceID {
					return nil
				}
				h.Broadcast(room, remote.Message)
				return nil
			})
		})
		if err != nil && ctx.Err() == nil {
			h.log.Error().Err(err).Str("room", room).Msg("room subscription ended")
		}
	}()
}

// RoomMembers returns a snapshot of user IDs currently joined to the room.
func (h *Hub) RoomMembers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rs := h.rooms[room]
	if rs == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(rs.members))
	out := make([]string, 0, len(rs.members))
	for _, c := range rs.members {
		if _, ok := seen[c.UserID()]; ok {
			continue
		}
		seen[c.UserID()] = struct{}{}
		out = append(out, c.UserID())
	}
	return out
}
