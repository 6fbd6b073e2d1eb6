package chat

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	me    = User{ID: "u-me", Username: "me", FirstName: "Max", LastName: "Miller"}
	alice = User{ID: "u-alice", Username: "alice", FirstName: "Alice", LastName: "Ames"}
	bob   = User{ID: "u-bob", Username: "bob", FirstName: "Bob", LastName: "Barnes"}
)

// fakeAPI lets each test swap in just the calls it cares about.
type fakeAPI struct {
	getRooms         func(ctx context.Context) ([]Room, error)
	getMessages      func(ctx context.Context, roomID string) ([]Message, error)
	createDirectChat func(ctx context.Context, userID string) (*Room, error)
	sendMessage      func(ctx context.Context, roomID, content string) (*Message, error)
	markRoomRead     func(ctx context.Context, roomID string) error
	markMessageRead  func(ctx context.Context, messageID string) error
	deleteRoom       func(ctx context.Context, roomID string) error
}

func (f *fakeAPI) GetRooms(ctx context.Context) ([]Room, error) {
	if f.getRooms == nil {
		return nil, nil
	}
	return f.getRooms(ctx)
}

func (f *fakeAPI) GetMessages(ctx context.Context, roomID string) ([]Message, error) {
	if f.getMessages == nil {
		return nil, nil
	}
	return f.getMessages(ctx, roomID)
}

func (f *fakeAPI) CreateDirectChat(ctx context.Context, userID string) (*Room, error) {
	if f.createDirectChat == nil {
		return nil, errors.New("unexpected call")
	}
	return f.createDirectChat(ctx, userID)
}

func (f *fakeAPI) SendMessage(ctx context.Context, roomID, content string) (*Message, error) {
	if f.sendMessage == nil {
		return nil, errors.New("unexpected call")
	}
	return f.sendMessage(ctx, roomID, content)
}

func (f *fakeAPI) MarkRoomRead(ctx context.Context, roomID string) error {
	if f.markRoomRead == nil {
		return nil
	}
	return f.markRoomRead(ctx, roomID)
}

func (f *fakeAPI) MarkMessageRead(ctx context.Context, messageID string) error {
	if f.markMessageRead == nil {
		return nil
	}
	return f.markMessageRead(ctx, messageID)
}

func (f *fakeAPI) DeleteRoom(ctx context.Context, roomID string) error {
	if f.deleteRoom == nil {
		return nil
	}
	return f.deleteRoom(ctx, roomID)
}

func newTestStore(api *fakeAPI, opts ...StoreOption) *Store {
	opts = append([]StoreOption{
		WithLogger(slog.Default()),
		WithDeliveredDelay(10 * time.Millisecond),
	}, opts...)
	return NewStore(api, me, opts...)
}

func directRoom(id string, other User, unread int, updatedAt time.Time) Room {
	return Room{
		ID:           id,
		Type:         RoomDirect,
		Participants: []User{me, other},
		UnreadCount:  unread,
		CreatedAt:    updatedAt.Add(-time.Hour),
		UpdatedAt:    updatedAt,
	}
}

func TestFetchRooms(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("unread rooms sort before read rooms, recency within groups", func(t *testing.T) {
		api := &fakeAPI{
			getRooms: func(ctx context.Context) ([]Room, error) {
				return []Room{
					directRoom("r-old-read", alice, 0, base.Add(-3*time.Hour)),
					directRoom("r-new-read", bob, 0, base),
					directRoom("r-old-unread", alice, 2, base.Add(-5*time.Hour)),
					directRoom("r-new-unread", bob, 1, base.Add(-time.Hour)),
				}, nil
			},
		}
		s := newTestStore(api)
		s.FetchRooms(ctx)

		rooms := s.Rooms()
		require.Len(t, rooms, 4)
		assert.Equal(t, "r-new-unread", rooms[0].ID)
		assert.Equal(t, "r-old-unread", rooms[1].ID)
		assert.Equal(t, "r-new-read", rooms[2].ID)
		assert.Equal(t, "r-old-read", rooms[3].ID)
	})

	t.Run("malformed rooms are dropped", func(t *testing.T) {
		api := &fakeAPI{
			getRooms: func(ctx context.Context) ([]Room, error) {
				return []Room{
					{ID: "r-empty", Type: RoomDirect},
					{Type: RoomDirect, Participants: []User{me, alice}},
					directRoom("r-ok", alice, 0, base),
				}, nil
			},
		}
		s := newTestStore(api)
		s.FetchRooms(ctx)

		rooms := s.Rooms()
		require.Len(t, rooms, 1)
		assert.Equal(t, "r-ok", rooms[0].ID)
	})

	t.Run("typing map derived from snapshots", func(t *testing.T) {
		typing := directRoom("r-typing", alice, 0, base)
		typing.IsTyping = true
		typing.TypingUser = &alice
		api := &fakeAPI{
			getRooms: func(ctx context.Context) ([]Room, error) {
				return []Room{typing, directRoom("r-quiet", bob, 0, base)}, nil
			},
		}
		s := newTestStore(api)
		s.FetchRooms(ctx)

		assert.Equal(t, "Alice Ames", s.TypingIn("r-typing"))
		assert.Empty(t, s.TypingIn("r-quiet"))
	})

	t.Run("typing cleared when the snapshot no longer carries it", func(t *testing.T) {
		withTyping := directRoom("r1", alice, 0, base)
		withTyping.TypingUser = &alice
		snapshots := [][]Room{
			{withTyping},
			{directRoom("r1", alice, 0, base)},
		}
		api := &fakeAPI{
			getRooms: func(ctx context.Context) ([]Room, error) {
				next := snapshots[0]
				snapshots = snapshots[1:]
				return next, nil
			},
		}
		s := newTestStore(api)
		s.FetchRooms(ctx)
		require.Equal(t, "Alice Ames", s.TypingIn("r1"))
		s.FetchRooms(ctx)
		assert.Empty(t, s.TypingIn("r1"))
	})

	t.Run("poll failure degrades to empty list", func(t *testing.T) {
		calls := 0
		api := &fakeAPI{
			getRooms: func(ctx context.Context) ([]Room, error) {
				calls++
				if calls == 1 {
					return []Room{directRoom("r1", alice, 0, base)}, nil
				}
				return nil, errors.New("boom")
			},
		}
		s := newTestStore(api)
		s.FetchRooms(ctx)
		require.Len(t, s.Rooms(), 1)
		s.FetchRooms(ctx)
		assert.Empty(t, s.Rooms())
	})
}

func TestFetchMessages(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	room := directRoom("r1", alice, 0, base)

	t.Run("messages sorted ascending and statuses derived", func(t *testing.T) {
		api := &fakeAPI{
			getMessages: func(ctx context.Context, roomID string) ([]Message, error) {
				return []Message{
					{ID: "m3", RoomID: "r1", CreatedAt: base.Add(2 * time.Minute)},
					{ID: "m1", RoomID: "r1", CreatedAt: base, IsRead: true},
					{ID: "m2", RoomID: "r1", CreatedAt: base.Add(time.Minute)},
				}, nil
			},
		}
		s := newTestStore(api)
		require.NoError(t, s.SetCurrentRoom(ctx, &room))

		msgs := s.Messages()
		require.Len(t, msgs, 3)
		for i := 1; i < len(msgs); i++ {
			assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
		}
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, StatusSeen, msgs[0].Status)
		assert.Equal(t, StatusDelivered, msgs[1].Status)
		assert.Equal(t, StatusDelivered, msgs[2].Status)
	})

	t.Run("stale fetch does not overwrite the newly selected room", func(t *testing.T) {
		roomA := directRoom("r-a", alice, 0, base)
		roomB := directRoom("r-b", bob, 0, base)

		entered := make(chan string, 2)
		release := map[string]chan struct{}{
			"r-a": make(chan struct{}),
			"r-b": make(chan struct{}),
		}
		api := &fakeAPI{
			getMessages: func(ctx context.Context, roomID string) ([]Message, error) {
				entered <- roomID
				<-release[roomID]
				return []Message{{ID: "m-" + roomID, RoomID: roomID, CreatedAt: base}}, nil
			},
		}
		s := newTestStore(api)

		doneA := make(chan struct{})
		go func() {
			defer close(doneA)
			s.SetCurrentRoom(ctx, &roomA)
		}()
		require.Equal(t, "r-a", <-entered)

		doneB := make(chan struct{})
		go func() {
			defer close(doneB)
			s.SetCurrentRoom(ctx, &roomB)
		}()
		require.Equal(t, "r-b", <-entered)

		close(release["r-b"])
		<-doneB
		require.Len(t, s.Messages(), 1)
		require.Equal(t, "m-r-b", s.Messages()[0].ID)

		// The fetch for room A resolves only now, after the switch.
		close(release["r-a"])
		<-doneA
		msgs := s.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "m-r-b", msgs[0].ID)
	})
}

func TestSetCurrentRoom(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("unread zeroed synchronously before mark-read resolves", func(t *testing.T) {
		room := directRoom("r1", alice, 5, base)
		var unreadAtCall int
		api := &fakeAPI{}
		s := newTestStore(api)
		api.getRooms = func(ctx context.Context) ([]Room, error) {
			return []Room{room}, nil
		}
		s.FetchRooms(ctx)
		api.markRoomRead = func(ctx context.Context, roomID string) error {
			for _, r := range s.Rooms() {
				if r.ID == roomID {
					unreadAtCall = r.UnreadCount
				}
			}
			return nil
		}

		require.NoError(t, s.SetCurrentRoom(ctx, &room))
		assert.Zero(t, unreadAtCall)
		assert.Zero(t, s.CurrentRoom().UnreadCount)
	})

	t.Run("mark-read failure keeps the optimistic zero and is returned", func(t *testing.T) {
		room := directRoom("r1", alice, 3, base)
		api := &fakeAPI{
			getRooms: func(ctx context.Context) ([]Room, error) {
				return []Room{room}, nil
			},
			markRoomRead: func(ctx context.Context, roomID string) error {
				return errors.New("boom")
			},
		}
		s := newTestStore(api)
		s.FetchRooms(ctx)

		err := s.SetCurrentRoom(ctx, &room)
		require.Error(t, err)
		assert.Zero(t, s.Rooms()[0].UnreadCount)
	})

	t.Run("selecting nil clears the active room without side effects", func(t *testing.T) {
		room := directRoom("r1", alice, 0, base)
		marked := false
		api := &fakeAPI{
			markRoomRead: func(ctx context.Context, roomID string) error {
				marked = true
				return nil
			},
		}
		s := newTestStore(api)
		require.NoError(t, s.SetCurrentRoom(ctx, &room))
		require.NotNil(t, s.CurrentRoom())

		require.NoError(t, s.SetCurrentRoom(ctx, nil))
		assert.Nil(t, s.CurrentRoom())
		assert.Empty(t, s.Messages())
		assert.False(t, marked)
	})
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	room := directRoom("r1", alice, 0, base)

	t.Run("optimistic message visible before the network call returns", func(t *testing.T) {
		api := &fakeAPI{}
		s := newTestStore(api)
		var visible []Message
		api.sendMessage = func(ctx context.Context, roomID, content string) (*Message, error) {
			// Snapshot taken while the send is still in flight.
			visible = s.Messages()
			return &Message{
				ID: "srv-1", RoomID: roomID, Sender: me,
				Content: content, CreatedAt: time.Now(),
			}, nil
		}
		require.NoError(t, s.SetCurrentRoom(ctx, &room))

		tempID, err := s.Send(ctx, "hello")
		require.NoError(t, err)

		require.Len(t, visible, 1)
		assert.Equal(t, tempID, visible[0].ID)
		assert.Equal(t, StatusSending, visible[0].Status)
		assert.Equal(t, "hello", visible[0].Content)
		assert.Equal(t, me, visible[0].Sender)
		assert.True(t, visible[0].Local())
	})

	t.Run("acknowledged message replaces the temporary one and gets delivered", func(t *testing.T) {
		api := &fakeAPI{
			sendMessage: func(ctx context.Context, roomID, content string) (*Message, error) {
				return &Message{
					ID: "srv-1", RoomID: roomID, Sender: me,
					Content: content, CreatedAt: time.Now(),
				}, nil
			},
		}
		s := newTestStore(api)
		require.NoError(t, s.SetCurrentRoom(ctx, &room))

		_, err := s.Send(ctx, "hello")
		require.NoError(t, err)

		msgs := s.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "srv-1", msgs[0].ID)
		assert.Equal(t, StatusSent, msgs[0].Status)

		assert.Eventually(t, func() bool {
			return s.Messages()[0].Status == StatusDelivered
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("failed send stays in the list and retry reuses the id", func(t *testing.T) {
		fail := true
		var sentContent string
		api := &fakeAPI{
			sendMessage: func(ctx context.Context, roomID, content string) (*Message, error) {
				if fail {
					return nil, errors.New("network down")
				}
				sentContent = content
				return &Message{
					ID: "srv-9", RoomID: roomID, Sender: me,
					Content: content, CreatedAt: time.Now(),
				}, nil
			},
		}
		s := newTestStore(api)
		require.NoError(t, s.SetCurrentRoom(ctx, &room))

		tempID, err := s.Send(ctx, "are you there?")
		require.Error(t, err)

		msgs := s.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, tempID, msgs[0].ID)
		assert.Equal(t, StatusFailed, msgs[0].Status)
		assert.Contains(t, msgs[0].Error, "network down")

		fail = false
		require.NoError(t, s.Retry(ctx, tempID))

		msgs = s.Messages()
		require.Len(t, msgs, 1, "retry must not duplicate the message")
		assert.Equal(t, "srv-9", msgs[0].ID)
		assert.Equal(t, StatusSent, msgs[0].Status)
		assert.Equal(t, "are you there?", sentContent)
	})

	t.Run("retry of a non-failed message is rejected", func(t *testing.T) {
		s := newTestStore(&fakeAPI{})
		err := s.Retry(ctx, "local-123")
		assert.ErrorIs(t, err, ErrNotRetryable)
	})

	t.Run("send without an active room is rejected", func(t *testing.T) {
		s := newTestStore(&fakeAPI{})
		_, err := s.Send(ctx, "hello")
		assert.ErrorIs(t, err, ErrNoActiveRoom)
	})

	t.Run("temporary ids are unique within a millisecond", func(t *testing.T) {
		api := &fakeAPI{
			sendMessage: func(ctx context.Context, roomID, content string) (*Message, error) {
				return &Message{ID: "srv", RoomID: roomID, CreatedAt: time.Now()}, nil
			},
		}
		s := newTestStore(api)
		require.NoError(t, s.SetCurrentRoom(ctx, &room))
		seen := map[string]bool{}
		for i := 0; i < 50; i++ {
			id, err := s.Send(ctx, "x")
			require.NoError(t, err)
			require.False(t, seen[id], "duplicate temp id %s", id)
			seen[id] = true
		}
	})
}

func TestAddMessage(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	active := directRoom("r-active", alice, 0, base)
	other := directRoom("r-other", bob, 0, base.Add(time.Minute))

	newStore := func(t *testing.T) *Store {
		api := &fakeAPI{
			getRooms: func(ctx context.Context) ([]Room, error) {
				return []Room{active, other}, nil
			},
		}
		s := newTestStore(api)
		s.FetchRooms(ctx)
		require.NoError(t, s.SetCurrentRoom(ctx, &active))
		return s
	}

	t.Run("message for the active room is appended as delivered", func(t *testing.T) {
		s := newStore(t)
		msg := Message{ID: "m1", RoomID: "r-active", Sender: alice,
			Content: "hi", CreatedAt: base.Add(2 * time.Minute)}
		s.AddMessage(msg)

		msgs := s.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, StatusDelivered, msgs[0].Status)
		assert.Zero(t, currentUnread(s, "r-active"))
		assert.Equal(t, "r-active", s.Rooms()[0].ID, "active room moved to the top")
	})

	t.Run("message for an unknown room creates a placeholder room", func(t *testing.T) {
		s := newStore(t)
		msg := Message{ID: "m4", RoomID: "r-brand-new", Sender: bob,
			Content: "first contact", CreatedAt: base.Add(2 * time.Minute)}
		s.AddMessage(msg)

		rooms := s.Rooms()
		require.Len(t, rooms, 3)
		assert.Equal(t, "r-brand-new", rooms[0].ID, "unread placeholder sorts first")
		assert.Equal(t, 1, currentUnread(s, "r-brand-new"))
		assert.Equal(t, 1, s.TotalUnread())
		require.NotNil(t, rooms[0].LastMessage)
		assert.Equal(t, "m4", rooms[0].LastMessage.ID)
		assert.Contains(t, rooms[0].Participants, bob)
	})

	t.Run("message for another room only bumps its unread count", func(t *testing.T) {
		s := newStore(t)
		msg := Message{ID: "m2", RoomID: "r-other", Sender: bob,
			Content: "psst", CreatedAt: base.Add(2 * time.Minute)}
		s.AddMessage(msg)

		assert.Empty(t, s.Messages())
		assert.Equal(t, 1, currentUnread(s, "r-other"))
		assert.Equal(t, "r-other", s.Rooms()[0].ID, "unread room sorts first")
		require.NotNil(t, s.Rooms()[0].LastMessage)
		assert.Equal(t, "m2", s.Rooms()[0].LastMessage.ID)
	})
}

func TestCreateDirectChat(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("new room appended", func(t *testing.T) {
		created := directRoom("r-new", bob, 0, base)
		api := &fakeAPI{
			createDirectChat: func(ctx context.Context, userID string) (*Room, error) {
				return &created, nil
			},
		}
		s := newTestStore(api)
		room, err := s.CreateDirectChat(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, "r-new", room.ID)
		assert.Len(t, s.Rooms(), 1)
	})

	t.Run("existing room replaced in place, never duplicated", func(t *testing.T) {
		existing := directRoom("r-dup", bob, 2, base)
		api := &fakeAPI{
			getRooms: func(ctx context.Context) ([]Room, error) {
				return []Room{existing}, nil
			},
			createDirectChat: func(ctx context.Context, userID string) (*Room, error) {
				fresh := directRoom("r-dup", bob, 0, base.Add(time.Hour))
				return &fresh, nil
			},
		}
		s := newTestStore(api)
		s.FetchRooms(ctx)

		_, err := s.CreateDirectChat(ctx, bob.ID)
		require.NoError(t, err)
		rooms := s.Rooms()
		require.Len(t, rooms, 1)
		assert.Equal(t, base.Add(time.Hour), rooms[0].UpdatedAt)
	})

	t.Run("error propagates to the caller", func(t *testing.T) {
		api := &fakeAPI{
			createDirectChat: func(ctx context.Context, userID string) (*Room, error) {
				return nil, errors.New("boom")
			},
		}
		s := newTestStore(api)
		_, err := s.CreateDirectChat(ctx, bob.ID)
		assert.Error(t, err)
	})
}

func TestDeleteRoom(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	room := directRoom("r1", alice, 0, base)

	t.Run("deleting the active room clears selection and messages", func(t *testing.T) {
		api := &fakeAPI{
			getRooms: func(ctx context.Context) ([]Room, error) {
				return []Room{room}, nil
			},
			getMessages: func(ctx context.Context, roomID string) ([]Message, error) {
				return []Message{{ID: "m1", RoomID: roomID, CreatedAt: base}}, nil
			},
		}
		s := newTestStore(api)
		s.FetchRooms(ctx)
		require.NoError(t, s.SetCurrentRoom(ctx, &room))
		require.NotEmpty(t, s.Messages())

		require.NoError(t, s.DeleteRoom(ctx, "r1"))
		assert.Empty(t, s.Rooms())
		assert.Nil(t, s.CurrentRoom())
		assert.Empty(t, s.Messages())
	})

	t.Run("delete failure propagates and leaves state untouched", func(t *testing.T) {
		api := &fakeAPI{
			getRooms: func(ctx context.Context) ([]Room, error) {
				return []Room{room}, nil
			},
			deleteRoom: func(ctx context.Context, roomID string) error {
				return errors.New("boom")
			},
		}
		s := newTestStore(api)
		s.FetchRooms(ctx)

		require.Error(t, s.DeleteRoom(ctx, "r1"))
		assert.Len(t, s.Rooms(), 1)
	})
}

func TestMarkMessageSeen(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	room := directRoom("r1", alice, 0, base)

	t.Run("optimistic seen survives a failed receipt call", func(t *testing.T) {
		api := &fakeAPI{
			getMessages: func(ctx context.Context, roomID string) ([]Message, error) {
				return []Message{{ID: "m1", RoomID: roomID, CreatedAt: base}}, nil
			},
			markMessageRead: func(ctx context.Context, messageID string) error {
				return errors.New("boom")
			},
		}
		s := newTestStore(api)
		require.NoError(t, s.SetCurrentRoom(ctx, &room))

		s.MarkMessageSeen(ctx, "m1")
		msgs := s.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, StatusSeen, msgs[0].Status)
		assert.True(t, msgs[0].IsRead)
	})
}

func TestTotalUnread(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		getRooms: func(ctx context.Context) ([]Room, error) {
			return []Room{
				directRoom("r1", alice, 2, base),
				directRoom("r2", bob, 3, base),
				directRoom("r3", alice, 0, base),
			}, nil
		},
	}
	s := newTestStore(api)
	assert.Zero(t, s.TotalUnread())
	s.FetchRooms(ctx)
	assert.Equal(t, 5, s.TotalUnread())
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		getRooms: func(ctx context.Context) ([]Room, error) {
			return []Room{directRoom("r1", alice, 1, base)}, nil
		},
	}
	s := newTestStore(api)
	var calls int
	s.OnChange(func() { calls++ })
	s.FetchRooms(ctx)
	s.AddMessage(Message{ID: "m1", RoomID: "r1", CreatedAt: base})
	assert.GreaterOrEqual(t, calls, 2)
}

func TestOnChangeMultipleSubscribers(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		getRooms: func(ctx context.Context) ([]Room, error) {
			return []Room{directRoom("r1", alice, 1, base)}, nil
		},
	}
	s := newTestStore(api)
	var first, second int
	s.OnChange(func() { first++ })
	s.OnChange(func() { second++ })
	s.FetchRooms(ctx)

	assert.Equal(t, first, second, "a later registration never replaces an earlier one")
	assert.GreaterOrEqual(t, first, 1)
}

func currentUnread(s *Store, roomID string) int {
	for _, r := range s.Rooms() {
		if r.ID == roomID {
			return r.UnreadCount
		}
	}
	return -1
}
