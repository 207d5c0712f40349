package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nbcon-chat/internal/chat"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 * 1024
)

var errLinkClosed = errors.New("websocket link closed")

// NackError is returned when the backend rejects a message.
type NackError struct {
	MessageID string
	Reason    string
}

func (e *NackError) Error() string {
	return fmt.Sprintf("message %s rejected: %s", e.MessageID, e.Reason)
}

type pendingAck struct {
	sent      chan error
	delivered chan error
}

func newPendingAck() *pendingAck {
	return &pendingAck{sent: make(chan error, 1), delivered: make(chan error, 1)}
}

func offer(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// link is one established connection with its pumps.
type link struct {
	conn    *websocket.Conn
	send    chan []byte
	closing chan struct{}
}

type WebSocketConfig struct {
	URL   string
	Token string
}

// WebSocket is a Transport over a gorilla/websocket connection to the chat
// backend. Acks are matched to messages by id.
type WebSocket struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu      sync.Mutex
	link    *link
	pending map[string]*pendingAck
	onDrop  func(error)
}

func NewWebSocket(cfg WebSocketConfig, logger zerolog.Logger) *WebSocket {
	return &WebSocket{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger.With().Str("component", "ws_transport").Logger(),
		pending: make(map[string]*pendingAck),
	}
}

func (w *WebSocket) Handshake(ctx context.Context) error {
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}

	l := &link{conn: conn, send: make(chan []byte, 256), closing: make(chan struct{})}

	w.mu.Lock()
	old := w.link
	w.link = l
	w.mu.Unlock()
	if old != nil {
		w.teardown(old, errLinkClosed, false)
	}

	go w.writePump(l)
	go w.readPump(l)
	w.logger.Info().Str("url", w.cfg.URL).Msg("✅ websocket link up")
	return nil
}

func (w *WebSocket) Transmit(ctx context.Context, roomID string, m chat.Message) error {
	payload, err := json.Marshal(Frame{Type: FrameMessage, RoomID: roomID, Message: &m})
	if err != nil {
		return err
	}

	w.mu.Lock()
	l := w.link
	if l == nil {
		w.mu.Unlock()
		return chat.ErrNotConnected
	}
	p := newPendingAck()
	w.pending[m.ID] = p
	w.mu.Unlock()

	select {
	case l.send <- payload:
	case <-l.closing:
		w.forget(m.ID)
		return errLinkClosed
	case <-ctx.Done():
		w.forget(m.ID)
		return ctx.Err()
	}

	select {
	case err := <-p.sent:
		if err != nil {
			w.forget(m.ID)
		}
		return err
	case <-ctx.Done():
		w.forget(m.ID)
		return ctx.Err()
	}
}

func (w *WebSocket) AwaitDelivery(ctx context.Context, roomID, messageID string) error {
	w.mu.Lock()
	p, ok := w.pending[messageID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending delivery for message %s", messageID)
	}
	defer w.forget(messageID)

	select {
	case err := <-p.delivered:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebSocket) forget(messageID string) {
	w.mu.Lock()
	delete(w.pending, messageID)
	w.mu.Unlock()
}

// Close shuts the link down without reporting a drop.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	l := w.link
	w.mu.Unlock()
	if l == nil {
		return nil
	}
	w.teardown(l, errLinkClosed, false)
	return nil
}

func (w *WebSocket) NotifyDrop(fn func(error)) {
	w.mu.Lock()
	w.onDrop = fn
	w.mu.Unlock()
}

// teardown retires l once. Pending acks fail with cause. notify reports the
// loss to the drop handler.
func (w *WebSocket) teardown(l *link, cause error, notify bool) {
	w.mu.Lock()
	select {
	case <-l.closing:
		w.mu.Unlock()
		return
	default:
	}
	close(l.closing)
	current := w.link == l
	if current {
		w.link = nil
		for id, p := range w.pending {
			offer(p.sent, cause)
			offer(p.delivered, cause)
			delete(w.pending, id)
		}
	}
	onDrop := w.onDrop
	w.mu.Unlock()

	l.conn.Close()
	if notify && current && onDrop != nil {
		w.logger.Warn().Err(cause).Msg("websocket link dropped")
		onDrop(cause)
	}
}

// readPump routes acks from the backend to the waiting senders.
func (w *WebSocket) readPump(l *link) {
	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := l.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Error().Err(err).Msg("websocket read")
			}
			w.teardown(l, err, true)
			return
		}

		w.mu.Lock()
		p, ok := w.pending[f.MessageID]
		w.mu.Unlock()
		if !ok {
			continue
		}

		switch f.Type {
		case FrameAck:
			switch f.Status {
			case chat.StatusSent:
				offer(p.sent, nil)
			case chat.StatusDelivered:
				offer(p.sent, nil)
				offer(p.delivered, nil)
			}
		case FrameNack:
			err := &NackError{MessageID: f.MessageID, Reason: f.Error}
			offer(p.sent, err)
			offer(p.delivered, err)
		}
	}
}

func (w *WebSocket) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				w.teardown(l, err, true)
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.teardown(l, err, true)
				return
			}

		case <-l.closing:
			l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
