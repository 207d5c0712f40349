package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"nbcon-chat/internal/metrics"
)

// Uploader stores attachment bytes and returns the URL they are served from.
type Uploader interface {
	Upload(ctx context.Context, data []byte, name string) (string, error)
}

type Sender struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Type SenderType `json:"type"`
}

type SendRequest struct {
	RoomID   string
	Sender   Sender
	Content  string
	Type     MessageType // defaults to text
	Metadata Metadata
}

// AttachmentRequest carries the arguments of SendFile and SendImage.
type AttachmentRequest struct {
	RoomID string
	Sender Sender
	Name   string
	Data   []byte
}

// Dispatcher sends messages: it appends them, keeps the room's bookkeeping
// and drives each message through its transport round trip.
type Dispatcher struct {
	registry    *Registry
	store       *MessageStore
	conn        *ConnectionManager
	transport   Transport
	uploader    Uploader
	locks       *roomLocks
	bus         *EventBus
	sendTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(
	registry *Registry,
	store *MessageStore,
	conn *ConnectionManager,
	transport Transport,
	uploader Uploader,
	locks *roomLocks,
	bus *EventBus,
	sendTimeout time.Duration,
	logger zerolog.Logger,
) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:    registry,
		store:       store,
		conn:        conn,
		transport:   transport,
		uploader:    uploader,
		locks:       locks,
		bus:         bus,
		sendTimeout: sendTimeout,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Send appends a new message in status sending and starts its round trip in
// the background. The returned message is the local echo.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (Message, error) {
	if req.Type == "" {
		req.Type = TypeText
	}
	if strings.TrimSpace(req.Content) == "" {
		return Message{}, ErrEmptyContent
	}
	if !req.Sender.Type.Valid() {
		return Message{}, ErrInvalidSender
	}
	if req.Metadata != nil && req.Metadata.Kind() != req.Type {
		return Message{}, ErrMetadataMismatch
	}

	unlock := d.locks.lock(req.RoomID)
	defer unlock()

	room, err := d.registry.Get(ctx, req.RoomID)
	if err != nil {
		return Message{}, err
	}
	if !room.Participants.Has(req.Sender.ID) {
		return Message{}, ErrNotParticipant
	}

	m := Message{
		ID:         ulid.Make().String(),
		RoomID:     room.ID,
		SenderID:   req.Sender.ID,
		SenderName: req.Sender.Name,
		SenderType: req.Sender.Type,
		Content:    req.Content,
		Timestamp:  d.now(),
		Type:       req.Type,
		Status:     StatusSending,
		Metadata:   req.Metadata,
	}
	if err := d.store.Append(ctx, room.ID, m); err != nil {
		return Message{}, err
	}

	recipients := room.Participants.Recipients(m.SenderID)
	_, err = d.registry.repo.Update(ctx, room.ID, func(r *ChatRoom) {
		r.LastMessageID = m.ID
		r.UpdatedAt = m.Timestamp
		if r.Unread == nil {
			r.Unread = map[string]uint{}
		}
		for _, id := range recipients {
			r.Unread[id]++
		}
	})
	if err != nil {
		// Take the message back out so the log matches the unread tallies.
		if _, _, derr := d.store.repo.Delete(ctx, room.ID, m.ID); derr != nil {
			d.logger.Error().Err(derr).Str("room_id", room.ID).Str("message_id", m.ID).Msg("removing message after failed room update")
		}
		return Message{}, fmt.Errorf("update room %s: %w", room.ID, err)
	}

	metrics.MessagesSent.WithLabelValues(string(m.Type)).Inc()
	echo := m
	d.bus.Publish(Event{Type: EventMessageSent, RoomID: room.ID, Message: &echo})

	d.wg.Add(1)
	go d.deliver(m, recipients)

	return m, nil
}

// deliver runs the transport round trip for m. Any error before delivered
// fails the message; a transition refused because the message moved on
// (read or deleted) ends the round trip quietly.
func (d *Dispatcher) deliver(m Message, recipients []string) {
	defer d.wg.Done()
	metrics.InFlightMessages.Inc()
	defer metrics.InFlightMessages.Dec()

	ctx, cancel := context.WithTimeout(d.ctx, d.sendTimeout)
	defer cancel()

	if !d.conn.IsConnected() {
		d.fail(m, recipients, StatusSending, ErrNotConnected)
		return
	}
	if err := d.transport.Transmit(ctx, m.RoomID, m); err != nil {
		d.fail(m, recipients, StatusSending, err)
		return
	}
	if !d.advance(m, StatusSent) {
		return
	}
	if err := d.transport.AwaitDelivery(ctx, m.RoomID, m.ID); err != nil {
		d.fail(m, recipients, StatusSent, err)
		return
	}
	if d.advance(m, StatusDelivered) {
		metrics.DeliveryLatency.Observe(time.Since(m.Timestamp).Seconds())
	}
}

func (d *Dispatcher) advance(m Message, to MessageStatus) bool {
	unlock := d.locks.lock(m.RoomID)
	defer unlock()

	log := d.logger.With().Str("room_id", m.RoomID).Str("message_id", m.ID).Logger()

	_, err := d.store.repo.SetStatus(context.Background(), m.RoomID, m.ID, to)
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrMessageNotFound) {
		log.Debug().Str("to", string(to)).Msg("round trip superseded")
		return false
	}
	if err != nil {
		log.Error().Err(err).Str("to", string(to)).Msg("updating message status")
		return false
	}

	metrics.MessageTransitions.WithLabelValues(string(to)).Inc()
	m.Status = to
	d.bus.Publish(Event{Type: EventMessageDelivered, RoomID: m.RoomID, Message: &m})
	return true
}

func (d *Dispatcher) fail(m Message, recipients []string, stage MessageStatus, cause error) {
	unlock := d.locks.lock(m.RoomID)
	defer unlock()

	ctx := context.Background()
	prev, err := d.store.repo.SetStatus(ctx, m.RoomID, m.ID, StatusFailed)
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrMessageNotFound) {
		return
	}
	if err != nil {
		d.logger.Error().Err(err).Str("message_id", m.ID).Msg("marking message failed")
		return
	}
	if countsAsUnread(prev.Status) {
		if _, err := d.registry.adjustUnread(ctx, m.RoomID, recipients, -1); err != nil {
			d.logger.Error().Err(err).Str("room_id", m.RoomID).Msg("adjusting unread after failure")
		}
	}

	sf := &SendFailure{RoomID: m.RoomID, MessageID: m.ID, Stage: stage, Err: cause}
	d.logger.Warn().Err(sf).Str("room_id", m.RoomID).Str("message_id", m.ID).Msg("❌ message failed")
	metrics.MessageTransitions.WithLabelValues(string(StatusFailed)).Inc()

	m.Status = StatusFailed
	d.bus.Publish(Event{Type: EventMessageFailed, RoomID: m.RoomID, Message: &m, Error: sf.Error()})
}

// Resend sends a copy of a failed message under a new id. The failed
// message stays in the log.
func (d *Dispatcher) Resend(ctx context.Context, roomID, messageID string) (Message, error) {
	orig, err := d.store.Get(ctx, roomID, messageID)
	if err != nil {
		return Message{}, err
	}
	if orig.Status != StatusFailed {
		return Message{}, ErrNotResendable
	}
	return d.Send(ctx, SendRequest{
		RoomID:   roomID,
		Sender:   Sender{ID: orig.SenderID, Name: orig.SenderName, Type: orig.SenderType},
		Content:  orig.Content,
		Type:     orig.Type,
		Metadata: orig.Metadata,
	})
}

// SendFile uploads req.Data and sends a file message pointing at it. An
// upload error is returned as *UploadFailure and no message is created.
func (d *Dispatcher) SendFile(ctx context.Context, req AttachmentRequest) (Message, error) {
	url, err := d.upload(ctx, TypeFile, req)
	if err != nil {
		return Message{}, err
	}
	return d.Send(ctx, SendRequest{
		RoomID:   req.RoomID,
		Sender:   req.Sender,
		Content:  req.Name,
		Type:     TypeFile,
		Metadata: FileMetadata{URL: url, Name: req.Name, Size: int64(len(req.Data))},
	})
}

// SendImage is SendFile for images. Width and height are taken from the
// image header when it can be decoded, otherwise left zero.
func (d *Dispatcher) SendImage(ctx context.Context, req AttachmentRequest) (Message, error) {
	url, err := d.upload(ctx, TypeImage, req)
	if err != nil {
		return Message{}, err
	}
	meta := ImageMetadata{URL: url, Name: req.Name}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Data)); err == nil {
		meta.Width, meta.Height = cfg.Width, cfg.Height
	}
	return d.Send(ctx, SendRequest{
		RoomID:   req.RoomID,
		Sender:   req.Sender,
		Content:  req.Name,
		Type:     TypeImage,
		Metadata: meta,
	})
}

func (d *Dispatcher) upload(ctx context.Context, kind MessageType, req AttachmentRequest) (string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return "", ErrEmptyContent
	}
	room, err := d.registry.Get(ctx, req.RoomID)
	if err != nil {
		return "", err
	}
	if !room.Participants.Has(req.Sender.ID) {
		return "", ErrNotParticipant
	}

	url, err := d.uploader.Upload(ctx, req.Data, req.Name)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(string(kind), "error").Inc()
		return "", &UploadFailure{Name: req.Name, Err: err}
	}
	metrics.UploadsTotal.WithLabelValues(string(kind), "ok").Inc()
	return url, nil
}

// MarkRead marks every message viewerID received in the room as read and
// clears the viewer's unread tally. Calling it again changes nothing.
func (d *Dispatcher) MarkRead(ctx context.Context, roomID, viewerID string) error {
	unlock := d.locks.lock(roomID)
	defer unlock()

	room, err := d.registry.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.Participants.Has(viewerID) {
		return ErrNotParticipant
	}

	log, err := d.store.List(ctx, roomID)
	if err != nil {
		return err
	}
	for _, m := range log {
		if m.SenderID == viewerID || !countsAsUnread(m.Status) {
			continue
		}
		_, err := d.store.repo.SetStatus(ctx, roomID, m.ID, StatusRead)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return err
		}
		metrics.MessageTransitions.WithLabelValues(string(StatusRead)).Inc()
	}

	if _, err := d.registry.repo.Update(ctx, roomID, func(r *ChatRoom) {
		if r.Unread == nil {
			r.Unread = map[string]uint{}
		}
		r.Unread[viewerID] = 0
	}); err != nil {
		return err
	}

	d.bus.Publish(Event{Type: EventMessagesRead, RoomID: roomID, ViewerID: viewerID})
	return nil
}

// Wait blocks until every round trip started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close aborts in-flight round trips, which fail their messages, and waits
// for them.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
