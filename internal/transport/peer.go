package transport

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nbcon-chat/internal/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Peer is the backend end of the websocket link: it acks every message as
// sent on receipt and as delivered after DeliveredDelay. The host mounts it
// for local development; tests dial it through httptest.
type Peer struct {
	Token          string
	DeliveredDelay time.Duration
	logger         zerolog.Logger
}

func NewPeer(token string, deliveredDelay time.Duration, logger zerolog.Logger) *Peer {
	return &Peer{
		Token:          token,
		DeliveredDelay: deliveredDelay,
		logger:         logger.With().Str("component", "ws_peer").Logger(),
	}
}

// peerConn is a middleman between the websocket connection and the ack timers.
type peerConn struct {
	conn *websocket.Conn
	send chan Frame
	done chan struct{}
	once sync.Once
}

func (c *peerConn) stop() {
	c.once.Do(func() { close(c.done) })
}

// reply queues f unless the connection is gone.
func (c *peerConn) reply(f Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

func (p *Peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.Token != "" && strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != p.Token {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Error().Err(err).Msg("upgrade")
		return
	}

	c := &peerConn{conn: conn, send: make(chan Frame, 256), done: make(chan struct{})}
	go p.writePump(c)
	p.readPump(c)
}

func (p *Peer) readPump(c *peerConn) {
	defer func() {
		c.stop()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Error().Err(err).Msg("peer read")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Type != FrameMessage || f.Message == nil {
			p.logger.Warn().Err(err).Msg("ignoring malformed frame")
			continue
		}
		id := f.Message.ID
		if strings.TrimSpace(f.Message.Content) == "" {
			c.reply(Frame{Type: FrameNack, MessageID: id, Error: "empty content"})
			continue
		}

		c.reply(Frame{Type: FrameAck, MessageID: id, Status: chat.StatusSent})
		time.AfterFunc(p.DeliveredDelay, func() {
			c.reply(Frame{Type: FrameAck, MessageID: id, Status: chat.StatusDelivered})
		})
	}
}

func (p *Peer) writePump(c *peerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.stop()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			return
		}
	}
}
