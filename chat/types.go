package chat

import (
	"strings"
	"time"
)

const (
	// RoomDirect is a one-to-one conversation between two users.
	// Only one direct room can exist between the same pair.
	RoomDirect RoomType = "direct"
	// RoomGroup is a conversation with two or more participants.
	RoomGroup RoomType = "group"
)

const (
	// StatusSending is the initial state of a locally created message,
	// before the server has acknowledged it.
	StatusSending MessageStatus = "sending"
	// StatusSent means the server has acknowledged the message.
	StatusSent MessageStatus = "sent"
	// StatusDelivered means the message is assumed to have reached the
	// other participants. Reached from StatusSent after a short delay.
	StatusDelivered MessageStatus = "delivered"
	// StatusSeen means a read receipt has been recorded for the message.
	StatusSeen MessageStatus = "seen"
	// StatusFailed means the send was rejected. The message stays in the
	// list and can be retried under the same id.
	StatusFailed MessageStatus = "failed"
)

// RoomType represents the type of a chat room.
type RoomType = string

// MessageStatus represents the client-side delivery state of a message.
type MessageStatus = string

// User is an identity owned by the rest of the application. The messaging
// core references users by value and never mutates them.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsVeteran bool   `json:"is_veteran"`
}

// DisplayName returns the user's full name, falling back to the username.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// Message is a chat message. ID is server-assigned once the message is
// acknowledged; before that it carries a client-generated temporary id.
// Status and Error are client-side only and never serialized.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room"`
	Sender    User      `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`

	Status MessageStatus `json:"-"`
	Error  string        `json:"-"`
}

// Local reports whether the message still carries a temporary id.
func (m Message) Local() bool {
	return strings.HasPrefix(m.ID, tempIDPrefix)
}

// Room is a conversation. TypingUser and LastSeen are ephemeral fields
// carried by room snapshots; they are not part of the room's identity.
type Room struct {
	ID           string     `json:"id"`
	Type         RoomType   `json:"type"`
	Name         string     `json:"name,omitempty"`
	Participants []User     `json:"participants"`
	LastMessage  *Message   `json:"last_message,omitempty"`
	UnreadCount  int        `json:"unread_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	IsTyping     bool       `json:"is_typing,omitempty"`
	TypingUser   *User      `json:"typing_user,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
}

// Valid reports whether a room snapshot is well formed. Rooms with no id or
// no participants are dropped rather than rendered.
func (r Room) Valid() bool {
	return r.ID != "" && len(r.Participants) > 0
}

// ActivityTime is the timestamp rooms are ordered by: the last update if
// known, otherwise the creation time.
func (r Room) ActivityTime() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// Other returns the participant other than the given user in a direct room.
// For group rooms it returns the first participant that is not the user.
func (r Room) Other(userID string) (User, bool) {
	for _, p := range r.Participants {
		if p.ID != userID {
			return p, true
		}
	}
	return User{}, false
}
