package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum message size allowed from peer.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced on the API routes; the socket only streams.
	},
}

// streamCommand is what the app may send up the socket.
type streamCommand struct {
	Type     string `json:"type"` // typing | read
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// streamClient is a middleman between one app websocket and the event feed.
type streamClient struct {
	id     string
	h      *Handler
	conn   *websocket.Conn
	sub    *Subscription
	who    Sender
	member map[string]bool // room id -> caller takes part; filled lazily
	logger zerolog.Logger
}

// ServeWs upgrades the request and streams every event of the caller's rooms,
// plus connection events, as JSON text frames.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("upgrade")
		return
	}

	c := &streamClient{
		id:     uuid.NewString(),
		h:      h,
		conn:   conn,
		sub:    h.feed.Subscribe(h.svc.cfg.SubscriberBuffer),
		who:    who,
		member: make(map[string]bool),
	}
	c.logger = h.logger.With().Str("stream_id", c.id).Str("user_id", who.ID).Logger()
	c.logger.Info().Msg("🔗 stream opened")

	go c.writePump()
	go c.readPump()
}

// visible reports whether e concerns the caller.
func (c *streamClient) visible(e Event) bool {
	if e.RoomID == "" {
		return true
	}
	if e.Room != nil {
		c.member[e.RoomID] = e.Room.Participants.Has(c.who.ID)
	}
	if in, ok := c.member[e.RoomID]; ok {
		return in
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	room, err := c.h.svc.Rooms.Get(ctx, e.RoomID)
	if err != nil {
		return false
	}
	in := room.Participants.Has(c.who.ID)
	c.member[e.RoomID] = in
	return in
}

// readPump applies typing and read commands from the app. When the socket
// dies it closes the subscription, which stops writePump.
func (c *streamClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
		c.logger.Info().Msg("stream closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var cmd streamCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("stream read")
			}
			return
		}
		c.apply(cmd)
	}
}

func (c *streamClient) apply(cmd streamCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	room, err := c.h.svc.Rooms.Get(ctx, cmd.RoomID)
	if err != nil || !room.Participants.Has(c.who.ID) {
		c.logger.Debug().Str("room_id", cmd.RoomID).Msg("ignoring command for foreign room")
		return
	}
	switch cmd.Type {
	case "typing":
		c.h.svc.Typing.SetTyping(room.ID, c.who.ID, c.who.Name, cmd.IsTyping)
	case "read":
		if err := c.h.svc.Dispatcher.MarkRead(ctx, room.ID, c.who.ID); err != nil {
			c.logger.Warn().Err(err).Str("room_id", room.ID).Msg("mark read from stream")
		}
	default:
		c.logger.Debug().Str("type", cmd.Type).Msg("unknown stream command")
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case e, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Feed closed: we were unsubscribed or fell behind.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.visible(e) {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				c.logger.Error().Err(err).Msg("encoding event")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
