package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"caseflow/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth happens in the middleware; cross-origin upgrades are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// serveWS upgrades the connection and runs the read loop until the client
// goes away. The write pump runs on its own goroutine.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r.Context())

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("user", userID).Msg("websocket upgrade failed")
		return
	}

	conn := hub.NewWSConn(sock, userID, h.log)
	h.registry.Register(conn)
	go conn.WritePump()

	ctx := r.Context()
	conn.ReadPump(func(data []byte) {
		h.handleWSMessage(ctx, conn, data)
	})

	h.hub.Disconnect(conn)
	h.registry.Unregister(conn)
}

type typingPayload struct {
	Typing bool `json:"typing"`
}

// handleWSMessage processes one client frame. Unknown types are ignored so
// old clients don't get disconnected when the protocol grows.
func (h *Handler) handleWSMessage(ctx context.Context, conn *hub.WSConn, data []byte) {
	var msg hub.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Debug().Err(err).Str("user", conn.UserID()).Msg("malformed websocket frame")
		return
	}

	switch msg.Type {
	case "join", "rejoin":
		if msg.Room == "" {
			return
		}
		// Room membership requires being a party to the dispute or an admin.
		if _, err := h.roles.Resolve(ctx, conn.UserID(), msg.Room); err != nil {
			h.log.Debug().Err(err).Str("user", conn.UserID()).Str("room", msg.Room).
				Msg("room join denied")
			return
		}
		if msg.Type == "rejoin" {
			h.hub.Rejoin(conn, msg.Room)
		} else {
			h.hub.Join(conn, msg.Room)
		}
		h.hub.Broadcast(msg.Room, hub.OnlineSignal(msg.Room, h.hub.RoomMembers(msg.Room)))

	case "leave":
		if msg.Room == "" {
			return
		}
		h.hub.Leave(conn, msg.Room)
		h.presence.SetTyping(msg.Room, conn.UserID(), false)
		h.hub.Broadcast(msg.Room, hub.OnlineSignal(msg.Room, h.hub.RoomMembers(msg.Room)))

	case "typing":
		if msg.Room == "" {
			return
		}
		var p typingPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return
		}
		h.presence.SetTyping(msg.Room, conn.UserID(), p.Typing)
		h.hub.Broadcast(msg.Room, hub.TypingSignal(msg.Room, conn.UserID(), p.Typing))
	}
}

// RunResync consumes rejoin reconciliation requests: it fetches the
// authoritative dispute state plus the unread counter and pushes both to the
// reconnected user. Runs until the context is cancelled.
func (h *Handler) RunResync(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-h.hub.Resync():
			h.resyncOne(ctx, req)
		}
	}
}

func (h *Handler) resyncOne(ctx context.Context, req hub.ResyncRequest) {
	defer h.hub.ResyncDone(req.ConnID)

	// The reconciliation reads share the acknowledged-operation budget; a
	// stuck fetch must not stall the whole resync queue.
	ctx, cancel := context.WithTimeout(ctx, hub.AckTimeout)
	defer cancel()

	d, err := h.disputes.Get(ctx, req.Room)
	if err != nil {
		h.log.Error().Err(err).Str("room", req.Room).Msg("resync fetch failed")
		return
	}
	unread, err := h.notifications.UnreadCount(ctx, req.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("user", req.UserID).Msg("resync unread count failed")
		return
	}

	payload, err := json.Marshal(map[string]any{
		"dispute":      toDisputeView(d),
		"unread_count": unread,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal resync payload")
		return
	}
	h.registry.SendToUser(req.UserID, hub.Message{Type: "resync", Room: req.Room, Data: payload})
}
