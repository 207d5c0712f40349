package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	myMiddleware "nbcon-chat/internal/middleware"
)

// Handler exposes the Service over HTTP for the app and streams events to
// it over a websocket.
type Handler struct {
	svc       *Service
	feed      *EventBus
	maxUpload int64
	logger    zerolog.Logger
}

// NewHandler builds the API. feed is the bus the /ws stream reads; it is the
// service bus itself or a relay-fed copy of it.
func NewHandler(svc *Service, feed *EventBus, maxUpload int64, logger zerolog.Logger) *Handler {
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &Handler{
		svc:       svc,
		feed:      feed,
		maxUpload: maxUpload,
		logger:    logger.With().Str("component", "http").Logger(),
	}
}

// Routes mounts every endpoint on r. r must already carry the auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)

	r.Route("/api", func(r chi.Router) {
		r.Post("/rooms", h.CreateRoom)
		r.Get("/rooms", h.ListRooms)
		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Get("/", h.GetRoom)
			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.SendMessage)
			r.Post("/messages/{messageID}/resend", h.ResendMessage)
			r.Delete("/messages/{messageID}", h.DeleteMessage)
			r.Post("/attachments", h.UploadAttachment)
			r.Post("/read", h.MarkRead)
			r.Get("/typing", h.ListTyping)
			r.Post("/typing", h.SetTyping)
		})
		r.Get("/search", h.Search)
		r.Get("/connection", h.ConnectionState)
		r.Post("/connection/connect", h.Connect)
		r.Post("/connection/disconnect", h.Disconnect)
	})
}

// RoomView is a room as one participant sees it.
type RoomView struct {
	ChatRoom
	UnreadCount uint `json:"unread_count"`
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (Sender, bool) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return Sender{}, false
	}
	return Sender{ID: id.UserID, Name: id.Name, Type: SenderType(id.Role)}, true
}

// room loads {roomID} and checks the caller takes part in it.
func (h *Handler) room(w http.ResponseWriter, r *http.Request, who Sender) (ChatRoom, bool) {
	room, err := h.svc.Rooms.Get(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		h.fail(w, err)
		return ChatRoom{}, false
	}
	if !room.Participants.Has(who.ID) {
		h.fail(w, ErrNotParticipant)
		return ChatRoom{}, false
	}
	return room, true
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req NewRoom
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ClientID != who.ID && req.EngineerID != who.ID {
		h.fail(w, ErrNotParticipant)
		return
	}

	room, err := h.svc.Rooms.CreateRoom(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RoomView{ChatRoom: room, UnreadCount: room.UnreadCount(who.ID)})
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	rooms, err := h.svc.Rooms.ListForUser(r.Context(), who.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	views := make([]RoomView, len(rooms))
	for i, room := range rooms {
		views[i] = RoomView{ChatRoom: room, UnreadCount: room.UnreadCount(who.ID)}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	room, ok := h.room(w, r, who)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, RoomView{ChatRoom: room, UnreadCount: room.UnreadCount(who.ID)})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	room, ok := h.room(w, r, who)
	if !ok {
		return
	}
	msgs, err := h.svc.Messages.List(r.Context(), room.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendBody struct {
	Content string `json:"content"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := h.svc.Dispatcher.Send(r.Context(), SendRequest{
		RoomID:  chi.URLParam(r, "roomID"),
		Sender:  who,
		Content: body.Content,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (h *Handler) ResendMessage(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	room, ok := h.room(w, r, who)
	if !ok {
		return
	}
	orig, err := h.svc.Messages.Get(r.Context(), room.ID, chi.URLParam(r, "messageID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if orig.SenderID != who.ID {
		http.Error(w, "only the sender can resend a message", http.StatusForbidden)
		return
	}

	m, err := h.svc.Dispatcher.Resend(r.Context(), room.ID, orig.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	room, ok := h.room(w, r, who)
	if !ok {
		return
	}
	m, err := h.svc.Messages.Get(r.Context(), room.ID, chi.URLParam(r, "messageID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if m.SenderID != who.ID {
		http.Error(w, "only the sender can delete a message", http.StatusForbidden)
		return
	}

	removed, err := h.svc.Messages.Delete(r.Context(), room.ID, m.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !removed {
		h.fail(w, ErrMessageNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadAttachment takes a multipart form with a "file" part and a "kind"
// field of file (default) or image.
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := AttachmentRequest{
		RoomID: chi.URLParam(r, "roomID"),
		Sender: who,
		Name:   header.Filename,
		Data:   data,
	}
	var m Message
	switch r.FormValue("kind") {
	case "", string(TypeFile):
		m, err = h.svc.Dispatcher.SendFile(r.Context(), req)
	case string(TypeImage):
		m, err = h.svc.Dispatcher.SendImage(r.Context(), req)
	default:
		http.Error(w, "kind must be file or image", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.Dispatcher.MarkRead(r.Context(), chi.URLParam(r, "roomID"), who.ID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListTyping(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	room, ok := h.room(w, r, who)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Typing.ListTyping(room.ID))
}

type typingBody struct {
	IsTyping bool `json:"is_typing"`
}

func (h *Handler) SetTyping(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	room, ok := h.room(w, r, who)
	if !ok {
		return
	}
	var body typingBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Typing.SetTyping(room.ID, who.ID, who.Name, body.IsTyping))
}

// Search takes q and an optional room. Without a room it covers every room
// the caller takes part in.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	who, ok := h.caller(w, r)
	if !ok {
		return
	}
	query := r.URL.Query().Get("q")
	roomID := r.URL.Query().Get("room")

	if roomID != "" {
		room, err := h.svc.Rooms.Get(r.Context(), roomID)
		if err != nil {
			h.fail(w, err)
			return
		}
		if !room.Participants.Has(who.ID) {
			h.fail(w, ErrNotParticipant)
			return
		}
	}

	found, err := h.svc.Messages.Search(r.Context(), query, roomID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if roomID == "" {
		rooms, err := h.svc.Rooms.ListForUser(r.Context(), who.ID)
		if err != nil {
			h.fail(w, err)
			return
		}
		mine := make(map[string]bool, len(rooms))
		for _, room := range rooms {
			mine[room.ID] = true
		}
		visible := found[:0]
		for _, m := range found {
			if mine[m.RoomID] {
				visible = append(visible, m)
			}
		}
		found = visible
	}
	writeJSON(w, http.StatusOK, found)
}

type connectionView struct {
	State    ConnState `json:"state"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

func (h *Handler) ConnectionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, connectionView{
		State:    h.svc.Connection.State(),
		Attempts: h.svc.Connection.Attempts(),
	})
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	view := connectionView{}
	status := http.StatusOK
	if err := h.svc.Connection.Connect(r.Context()); err != nil {
		view.Error = err.Error()
		status = http.StatusBadGateway
	}
	view.State = h.svc.Connection.State()
	view.Attempts = h.svc.Connection.Attempts()
	writeJSON(w, status, view)
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.svc.Connection.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

// fail maps core errors onto HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		upload *UploadFailure
		conn   *ConnectionError
	)
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrMessageNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotParticipant):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrEmptyContent), errors.Is(err, ErrInvalidRoom),
		errors.Is(err, ErrInvalidSender), errors.Is(err, ErrMetadataMismatch):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotResendable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &upload), errors.As(err, &conn):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		h.logger.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
