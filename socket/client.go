package socket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"syncpad/internal/protocol"
	"syncpad/internal/room"
	"syncpad/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CheckOrigin allows connections from the editor's dev server.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one live editor connection: a read pump dispatching inbound
// messages against its room, and a write pump draining the send buffer.
type Client struct {
	id       string
	conn     *websocket.Conn
	registry *room.Registry
	room     *room.Room
	identity protocol.Identity

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// ServeWs upgrades the request and binds the connection to the room for its
// target document. The identity comes verified from the auth middleware; a
// request without one, or without a docId, is rejected before any room state
// is touched.
func ServeWs(registry *room.Registry, w http.ResponseWriter, r *http.Request, identity protocol.Identity) {
	if identity.UserID == "" {
		http.Error(w, "Missing identity", http.StatusUnauthorized)
		return
	}
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		registry: registry,
		identity: identity,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}

	// Resolve-and-join is a single registry step, so a concurrent leave on
	// the same document can never strand this member in a retired room.
	client.room = registry.Join(docID, client, identity)

	logger.Sugar.Infof("Connection %s: user %s joined document %s", client.id, identity.UserID, docID)

	go client.writePump()
	go client.readPump()
}

// Send queues a frame without blocking. When the buffer is full the oldest
// queued frame is dropped; a stalled client loses frames, never stalls a
// room. The client is expected to recover via an explicit sync.
func (c *Client) Send(frame []byte) {
	if frame == nil {
		return
	}
	for {
		select {
		case c.send <- frame:
			return
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.send:
			logger.Sugar.Warnf("Connection %s: send buffer full, dropping oldest frame", c.id)
		default:
		}
	}
}

// close runs the leave path exactly once, no matter whether the read pump,
// the write pump, or an explicit leave message got there first.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.registry.Release(c.room.DocumentID(), c.identity.UserID, c)
		close(c.done)
		c.conn.Close()
		logger.Sugar.Infof("Connection %s: user %s left document %s", c.id, c.identity.UserID, c.room.DocumentID())
	})
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("Connection %s: read error: %v", c.id, err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Sugar.Errorf("Connection %s: malformed envelope: %v", c.id, err)
			continue
		}

		if leave := c.dispatch(env); leave {
			return
		}
	}
}

// dispatch routes one envelope. Malformed payloads are dropped; per-message
// errors never take the connection down. The return value reports an
// explicit leave, which closes the connection.
func (c *Client) dispatch(env protocol.Envelope) bool {
	userID := c.identity.UserID

	switch env.Type {
	case protocol.JoinType:
		// The connection was already bound to its document at connect time.
		// A join for the same document is an idempotent re-init; a join for
		// a different one is dropped, since a connection holds membership
		// in at most one room.
		var p protocol.JoinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false
		}
		if p.DocumentID != c.room.DocumentID() {
			logger.Sugar.Warnf("Connection %s: join for %q ignored, bound to %q", c.id, p.DocumentID, c.room.DocumentID())
			return false
		}
		c.room.Sync(c)

	case protocol.EditType:
		var msg protocol.EditMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			logger.Sugar.Errorf("Connection %s: malformed edit payload: %v", c.id, err)
			return false
		}
		c.room.SubmitEdit(c, userID, msg)

	case protocol.CursorType:
		var p protocol.CursorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false
		}
		c.room.UpdateCursor(c, userID, p.Position, p.FileName)

	case protocol.SelectionType:
		var p protocol.SelectionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false
		}
		c.room.UpdateSelection(c, userID, p.Selection)

	case protocol.SaveType:
		var p protocol.SavePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false
		}
		c.room.Save(c, userID, p.Content, p.FileName)

	case protocol.SyncType:
		c.room.Sync(c)

	case protocol.SignalType:
		var p protocol.SignalPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false
		}
		c.room.RelaySignal(c, userID, p.TargetUserID, p.Payload)

	case protocol.JoinPeerMeshType:
		var p protocol.JoinPeerMeshPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false
		}
		if p.PeerID == "" {
			p.PeerID = c.id
		}
		c.room.JoinPeerMesh(c, userID, p.PeerID)

	case protocol.LeaveType:
		return true

	default:
		logger.Sugar.Warnf("Connection %s: unknown message type %q", c.id, env.Type)
	}
	return false
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
