// Package apitest is an in-memory stand-in for the VeteranMeet backend.
// It implements every endpoint the messaging core consumes, plus the
// websocket push channel, over state that tests seed and inspect directly.
package apitest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veteranmeet/messenger/chat"
	"github.com/veteranmeet/messenger/session"
)

// Server is the fake backend. All exported methods are safe for concurrent
// use.
type Server struct {
	mu        sync.Mutex
	rooms     []*chat.Room
	messages  map[string][]chat.Message
	online    map[string]struct{}
	conns     []*websocket.Conn
	heartbeat []string
	offline   int

	// FailOffline makes the mark-offline endpoint return 500, for
	// exercising best-effort logout.
	FailOffline bool

	router   chi.Router
	upgrader websocket.Upgrader
}

func New() *Server {
	s := &Server{
		messages: make(map[string][]chat.Message),
		online:   make(map[string]struct{}),
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))
	r.Use(s.authenticate)

	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/rooms/", s.listRooms)
		r.Post("/rooms/direct/", s.createDirect)
		r.Get("/rooms/{roomID}/messages/", s.listMessages)
		r.Post("/rooms/{roomID}/read/", s.markRoomRead)
		r.Post("/rooms/{roomID}/typing/", s.typing)
		r.Delete("/rooms/{roomID}/", s.deleteRoom)
		r.Post("/messages/", s.sendMessage)
		r.Post("/messages/{messageID}/read/", s.markMessageRead)
		r.Get("/online/", s.listOnline)
	})
	r.Route("/api/presence", func(r chi.Router) {
		r.Post("/heartbeat/", s.beat)
		r.Post("/offline/", s.markOffline)
	})
	r.Get("/ws", s.serveWS)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// authenticate rejects requests without a decodable bearer token and
// stashes the caller's identity on the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sess, err := session.FromToken(header[len(prefix):])
		if err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		ctx := withCaller(r.Context(), chat.User{ID: sess.UserID, Username: sess.Username})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SeedRoom installs a room and its messages.
func (s *Server) SeedRoom(room chat.Room, msgs ...chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := room
	s.rooms = append(s.rooms, &r)
	s.messages[room.ID] = append(s.messages[room.ID], msgs...)
}

// SetOnline replaces the online-user set.
func (s *Server) SetOnline(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.online[id] = struct{}{}
	}
}

// Heartbeats returns the device ids received so far, in order.
func (s *Server) Heartbeats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	beats := make([]string, len(s.heartbeat))
	copy(beats, s.heartbeat)
	return beats
}

// OfflineCalls returns how many mark-offline requests arrived.
func (s *Server) OfflineCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// Messages returns the stored messages for a room.
func (s *Server) Messages(roomID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]chat.Message, len(s.messages[roomID]))
	copy(msgs, s.messages[roomID])
	return msgs
}

// Room returns the stored room, or nil.
func (s *Server) Room(roomID string) *chat.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.ID == roomID {
			room := *r
			return &room
		}
	}
	return nil
}

// Push broadcasts an event to all connected push clients.
func (s *Server) Push(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := map[string]any{"type": eventType, "payload": json.RawMessage(data)}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	s.mu.Lock()
	var rooms []chat.Room
	for _, room := range s.rooms {
		for _, p := range room.Participants {
			if p.ID == caller.ID {
				rooms = append(rooms, *room)
				break
			}
		}
	}
	s.mu.Unlock()
	// Paginated envelope; the messages endpoint returns a bare array so
	// both client decode paths stay covered.
	writeJSON(w, http.StatusOK, map[string]any{"results": rooms})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	s.mu.Lock()
	msgs, ok := s.messages[roomID]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	s.mu.Unlock()
	if !ok && s.Room(roomID) == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createDirect(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	var payload struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.User == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		if room.Type != chat.RoomDirect {
			continue
		}
		if hasParticipant(*room, caller.ID) && hasParticipant(*room, payload.User) {
			writeJSON(w, http.StatusOK, room)
			return
		}
	}
	now := time.Now().UTC()
	room := &chat.Room{
		ID:           uuid.NewString(),
		Type:         chat.RoomDirect,
		Participants: []chat.User{caller, {ID: payload.User}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.rooms = append(s.rooms, room)
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	var payload struct {
		Room    string `json:"room"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Room == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var room *chat.Room
	for _, candidate := range s.rooms {
		if candidate.ID == payload.Room {
			room = candidate
			break
		}
	}
	if room == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	msg := chat.Message{
		ID:        uuid.NewString(),
		RoomID:    room.ID,
		Sender:    caller,
		Content:   payload.Content,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[room.ID] = append(s.messages[room.ID], msg)
	stored := msg
	room.LastMessage = &stored
	room.UpdatedAt = msg.CreatedAt
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) markRoomRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		if room.ID == roomID {
			room.UnreadCount = 0
		}
	}
	msgs := s.messages[roomID]
	for i := range msgs {
		msgs[i].IsRead = true
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) markMessageRead(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID := range s.messages {
		for i := range s.messages[roomID] {
			if s.messages[roomID][i].ID == messageID {
				s.messages[roomID][i].IsRead = true
				w.WriteHeader(http.StatusOK)
				return
			}
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) deleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, room := range s.rooms {
		if room.ID == roomID {
			s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
			delete(s.messages, roomID)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) typing(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	roomID := chi.URLParam(r, "roomID")
	var payload struct {
		IsTyping bool `json:"is_typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		if room.ID == roomID {
			if payload.IsTyping {
				user := caller
				room.IsTyping = true
				room.TypingUser = &user
			} else {
				room.IsTyping = false
				room.TypingUser = nil
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listOnline(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) beat(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	var payload struct {
		Device string `json:"device"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.online[caller.ID] = struct{}{}
	s.heartbeat = append(s.heartbeat, payload.Device)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) markOffline(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	s.mu.Lock()
	s.offline++
	fail := s.FailOffline
	if !fail {
		delete(s.online, caller.ID)
	}
	s.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
}

func hasParticipant(room chat.Room, userID string) bool {
	for _, p := range room.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
