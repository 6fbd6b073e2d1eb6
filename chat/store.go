package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

const tempIDPrefix = "local-"

// defaultDeliveredDelay is how long after a server acknowledgment a message
// is promoted from sent to delivered.
const defaultDeliveredDelay = time.Second

// API is the slice of the transport client the store depends on.
type API interface {
	GetRooms(ctx context.Context) ([]Room, error)
	GetMessages(ctx context.Context, roomID string) ([]Message, error)
	CreateDirectChat(ctx context.Context, userID string) (*Room, error)
	SendMessage(ctx context.Context, roomID, content string) (*Message, error)
	MarkRoomRead(ctx context.Context, roomID string) error
	MarkMessageRead(ctx context.Context, messageID string) error
	DeleteRoom(ctx context.Context, roomID string) error
}

// Store is the single source of truth for the conversation list and the
// active conversation's messages. UI components read through its accessors
// and mutate only through its operations.
//
// Polling failures degrade to an empty list and a logged warning; direct
// user actions (send, retry, create, delete) return their errors.
type Store struct {
	api    API
	me     User
	logger *slog.Logger

	deliveredDelay time.Duration

	mu       sync.Mutex
	rooms    []Room
	messages []Message
	current  *Room
	typing   map[string]string
	// fetchGen invalidates in-flight message fetches when the active room
	// changes, so a stale result cannot overwrite the new room's messages.
	fetchGen int
	// lastTempID guards temporary id monotonicity when two sends land in
	// the same millisecond.
	lastTempID int64
	timers     map[string]*time.Timer
	closed     bool

	onChange []func()
}

type StoreOption func(*Store)

func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithDeliveredDelay overrides the sent-to-delivered promotion delay.
func WithDeliveredDelay(d time.Duration) StoreOption {
	return func(s *Store) {
		s.deliveredDelay = d
	}
}

func NewStore(api API, me User, opts ...StoreOption) *Store {
	s := &Store{
		api:            api,
		me:             me,
		logger:         slog.Default(),
		deliveredDelay: defaultDeliveredDelay,
		typing:         make(map[string]string),
		timers:         make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers a callback invoked after every state mutation.
// Callbacks accumulate: registering one never replaces another, so UI
// subscribers coexist with the client's own notification wiring. They run
// outside the store lock, in registration order, and may read the store
// freely.
func (s *Store) OnChange(f func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, f)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.Lock()
	callbacks := make([]func(), len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()
	for _, f := range callbacks {
		f()
	}
}

// Close cancels pending delivered-promotion timers. The store is unusable
// afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// FetchRooms refreshes the room list from the server. Malformed rooms are
// dropped and the typing map is rebuilt from each snapshot's typing_user.
// A failed poll degrades to an empty list; it is never returned as an error
// because the poll repeats and self-heals.
func (s *Store) FetchRooms(ctx context.Context) {
	rooms, err := s.api.GetRooms(ctx)
	if err != nil {
		s.logger.Warn("fetch rooms", slog.String("error", err.Error()))
		rooms = nil
	}

	s.mu.Lock()
	valid := rooms[:0]
	typing := make(map[string]string)
	for _, r := range rooms {
		if !r.Valid() {
			s.logger.Warn("dropping malformed room", slog.String("id", r.ID))
			continue
		}
		if r.TypingUser != nil {
			typing[r.ID] = r.TypingUser.DisplayName()
		}
		valid = append(valid, r)
	}
	s.rooms = valid
	s.typing = typing
	if s.current != nil {
		if i := s.indexOf(s.current.ID); i >= 0 {
			// Keep the optimistic zeroing of the active room's unread
			// count until the mark-read call is reflected server-side.
			s.rooms[i].UnreadCount = 0
			room := s.rooms[i]
			s.current = &room
		}
	}
	s.sortRoomsLocked()
	s.mu.Unlock()
	s.notify()
}

// FetchMessages loads the active room's history, ordered oldest first.
// Results that resolve after the active room has changed are discarded.
func (s *Store) FetchMessages(ctx context.Context, roomID string) {
	s.mu.Lock()
	if s.current == nil || s.current.ID != roomID {
		s.mu.Unlock()
		return
	}
	gen := s.fetchGen
	s.mu.Unlock()

	msgs, err := s.api.GetMessages(ctx, roomID)
	if err != nil {
		s.logger.Warn("fetch messages",
			slog.String("room", roomID), slog.String("error", err.Error()))
		msgs = nil
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	for i := range msgs {
		if msgs[i].IsRead {
			msgs[i].Status = StatusSeen
		} else {
			msgs[i].Status = StatusDelivered
		}
	}

	s.mu.Lock()
	if s.fetchGen != gen {
		s.mu.Unlock()
		return
	}
	s.messages = msgs
	s.mu.Unlock()
	s.notify()
}

// SetCurrentRoom switches the active conversation. The message list is
// cleared and, if the room has unread messages, its unread count is zeroed
// locally before the mark-read call resolves. Passing nil deselects the
// active room with no side effects.
//
// The returned error is the mark-read call's; the local state change always
// happens first and is not reverted on failure.
func (s *Store) SetCurrentRoom(ctx context.Context, room *Room) error {
	s.mu.Lock()
	s.fetchGen++
	s.messages = nil
	if room == nil {
		s.current = nil
		s.mu.Unlock()
		s.notify()
		return nil
	}
	selected := *room
	hadUnread := selected.UnreadCount > 0
	selected.UnreadCount = 0
	if i := s.indexOf(selected.ID); i >= 0 {
		s.rooms[i].UnreadCount = 0
	}
	s.current = &selected
	s.sortRoomsLocked()
	s.mu.Unlock()
	s.notify()

	var markErr error
	if hadUnread {
		if err := s.api.MarkRoomRead(ctx, selected.ID); err != nil {
			markErr = fmt.Errorf("mark room read: %w", err)
		}
	}
	s.FetchMessages(ctx, selected.ID)
	return markErr
}

// Send creates an optimistic message in the active room and submits it.
// The message is visible with status sending before the network call is
// issued; on failure it is marked failed in place and the error returned.
func (s *Store) Send(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return "", ErrNoActiveRoom
	}
	roomID := s.current.ID
	msg := Message{
		ID:        s.nextTempIDLocked(),
		RoomID:    roomID,
		Sender:    s.me,
		Content:   content,
		CreatedAt: time.Now(),
		Status:    StatusSending,
	}
	s.messages = append(s.messages, msg)
	s.touchRoomLocked(roomID, msg)
	s.mu.Unlock()
	s.notify()

	return msg.ID, s.submit(ctx, msg.ID, roomID, content)
}

// Retry resubmits a failed message under its original temporary id, so the
// UI updates the existing bubble rather than growing a duplicate.
func (s *Store) Retry(ctx context.Context, tempID string) error {
	s.mu.Lock()
	i := s.messageIndexLocked(tempID)
	if i < 0 || s.messages[i].Status != StatusFailed {
		s.mu.Unlock()
		return ErrNotRetryable
	}
	s.messages[i].Status = StatusSending
	s.messages[i].Error = ""
	roomID := s.messages[i].RoomID
	content := s.messages[i].Content
	s.mu.Unlock()
	s.notify()

	return s.submit(ctx, tempID, roomID, content)
}

// submit runs the network half of a send and reconciles the optimistic
// message by its temporary id.
func (s *Store) submit(ctx context.Context, tempID, roomID, content string) error {
	sent, err := s.api.SendMessage(ctx, roomID, content)
	if err != nil {
		s.mu.Lock()
		if i := s.messageIndexLocked(tempID); i >= 0 {
			s.messages[i].Status = StatusFailed
			s.messages[i].Error = err.Error()
		}
		s.mu.Unlock()
		s.notify()
		return fmt.Errorf("send message: %w", err)
	}

	s.mu.Lock()
	confirmed := *sent
	confirmed.Status = StatusSent
	if i := s.messageIndexLocked(tempID); i >= 0 {
		s.messages[i] = confirmed
	}
	s.touchRoomLocked(roomID, confirmed)
	s.scheduleDeliveredLocked(confirmed.ID)
	s.mu.Unlock()
	s.notify()
	return nil
}

// scheduleDeliveredLocked promotes an acknowledged message to delivered
// after a short delay. No server confirmation is involved.
func (s *Store) scheduleDeliveredLocked(id string) {
	if s.closed {
		return
	}
	s.timers[id] = time.AfterFunc(s.deliveredDelay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		if i := s.messageIndexLocked(id); i >= 0 && s.messages[i].Status == StatusSent {
			s.messages[i].Status = StatusDelivered
		}
		s.mu.Unlock()
		s.notify()
	})
}

// AddMessage records a message that arrived by polling or push. Messages
// for the active room are appended to the visible list; for any other room
// only the unread count grows. A message for a room not yet in the list
// gets a placeholder room so its unread count is visible immediately; the
// next poll replaces the placeholder with the server's view. The room's
// last message and ordering are updated either way.
func (s *Store) AddMessage(msg Message) {
	s.mu.Lock()
	if s.current != nil && s.current.ID == msg.RoomID {
		msg.Status = StatusDelivered
		s.messages = append(s.messages, msg)
	} else {
		i := s.indexOf(msg.RoomID)
		if i < 0 {
			s.rooms = append(s.rooms, Room{
				ID:           msg.RoomID,
				Type:         RoomDirect,
				Participants: []User{s.me, msg.Sender},
				CreatedAt:    msg.CreatedAt,
				UpdatedAt:    msg.CreatedAt,
			})
			i = len(s.rooms) - 1
		}
		s.rooms[i].UnreadCount++
	}
	s.touchRoomLocked(msg.RoomID, msg)
	s.mu.Unlock()
	s.notify()
}

// MarkMessageSeen transitions a message to seen locally, then records the
// read receipt with the server. Receipts are best effort; a failed call is
// logged and the optimistic state kept.
func (s *Store) MarkMessageSeen(ctx context.Context, messageID string) {
	s.mu.Lock()
	if i := s.messageIndexLocked(messageID); i >= 0 {
		s.messages[i].Status = StatusSeen
		s.messages[i].IsRead = true
	}
	s.mu.Unlock()
	s.notify()

	if err := s.api.MarkMessageRead(ctx, messageID); err != nil {
		s.logger.Warn("mark message read",
			slog.String("message", messageID), slog.String("error", err.Error()))
	}
}

// CreateDirectChat creates (or retrieves) the direct room with a user.
// A result matching an existing room id replaces it in place rather than
// appending a duplicate.
func (s *Store) CreateDirectChat(ctx context.Context, userID string) (*Room, error) {
	room, err := s.api.CreateDirectChat(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("create direct chat: %w", err)
	}
	s.mu.Lock()
	if i := s.indexOf(room.ID); i >= 0 {
		s.rooms[i] = *room
	} else {
		s.rooms = append(s.rooms, *room)
	}
	s.sortRoomsLocked()
	s.mu.Unlock()
	s.notify()
	created := *room
	return &created, nil
}

// DeleteRoom removes a room. Deleting the active room also clears the
// active selection and message list.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.api.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	s.mu.Lock()
	if i := s.indexOf(roomID); i >= 0 {
		s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
	}
	delete(s.typing, roomID)
	if s.current != nil && s.current.ID == roomID {
		s.current = nil
		s.messages = nil
		s.fetchGen++
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetTyping records an out-of-band typing event for a room.
func (s *Store) SetTyping(roomID string, user User) {
	s.mu.Lock()
	s.typing[roomID] = user.DisplayName()
	s.mu.Unlock()
	s.notify()
}

// ClearTyping clears the typing label for a room.
func (s *Store) ClearTyping(roomID string) {
	s.mu.Lock()
	delete(s.typing, roomID)
	s.mu.Unlock()
	s.notify()
}

// Rooms returns a copy of the room list in display order.
func (s *Store) Rooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]Room, len(s.rooms))
	copy(rooms, s.rooms)
	return rooms
}

// Messages returns a copy of the active room's messages, oldest first.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	return msgs
}

// CurrentRoom returns a copy of the active room, or nil.
func (s *Store) CurrentRoom() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	room := *s.current
	return &room
}

// TotalUnread is the sum of unread counts across all rooms. It drives the
// notification dispatcher.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, r := range s.rooms {
		total += r.UnreadCount
	}
	return total
}

// TypingIn returns the display name of whoever is typing in a room, or "".
func (s *Store) TypingIn(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing[roomID]
}

// Me returns the local user the store sends as.
func (s *Store) Me() User {
	return s.me
}

func (s *Store) indexOf(roomID string) int {
	for i := range s.rooms {
		if s.rooms[i].ID == roomID {
			return i
		}
	}
	return -1
}

func (s *Store) messageIndexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// touchRoomLocked updates a room's last message and activity time, then
// restores the display order.
func (s *Store) touchRoomLocked(roomID string, msg Message) {
	if i := s.indexOf(roomID); i >= 0 {
		m := msg
		s.rooms[i].LastMessage = &m
		s.rooms[i].UpdatedAt = msg.CreatedAt
	}
	if s.current != nil && s.current.ID == roomID {
		m := msg
		s.current.LastMessage = &m
		s.current.UpdatedAt = msg.CreatedAt
	}
	s.sortRoomsLocked()
}

// sortRoomsLocked orders rooms with unread conversations first, then by
// most recent activity. Applied after every mutation, not only polls.
func (s *Store) sortRoomsLocked() {
	sort.SliceStable(s.rooms, func(i, j int) bool {
		a, b := s.rooms[i], s.rooms[j]
		if (a.UnreadCount > 0) != (b.UnreadCount > 0) {
			return a.UnreadCount > 0
		}
		return a.ActivityTime().After(b.ActivityTime())
	})
}

func (s *Store) nextTempIDLocked() string {
	id := time.Now().UnixMilli()
	if id <= s.lastTempID {
		id = s.lastTempID + 1
	}
	s.lastTempID = id
	return tempIDPrefix + strconv.FormatInt(id, 10)
}
