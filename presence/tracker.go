// Package presence tracks which users are online and keeps the server-side
// view of the local user alive through heartbeats. Everything here is best
// effort: a failed poll or beat is logged and the UI shows slightly stale
// state until the next tick.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// API is the slice of the transport client the tracker depends on.
type API interface {
	GetOnlineUsers(ctx context.Context) ([]string, error)
	SendTypingIndicator(ctx context.Context, roomID string, isTyping bool) error
}

// Tracker holds the set of online user ids. Each poll replaces the set
// wholesale; merging would leave users online forever once they drop off
// the server's list.
type Tracker struct {
	api    API
	logger *slog.Logger

	mu        sync.RWMutex
	online    map[string]struct{}
	updatedAt time.Time

	onChange []func()
}

type TrackerOption func(*Tracker)

func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

func NewTracker(api API, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		api:    api,
		logger: slog.Default(),
		online: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnChange registers a callback invoked when the online set changes.
// Callbacks accumulate; registering one never replaces another.
func (t *Tracker) OnChange(f func()) {
	t.mu.Lock()
	t.onChange = append(t.onChange, f)
	t.mu.Unlock()
}

// FetchOnlineUsers polls the server and replaces the online set. Failures
// leave the previous set in place.
func (t *Tracker) FetchOnlineUsers(ctx context.Context) {
	ids, err := t.api.GetOnlineUsers(ctx)
	if err != nil {
		t.logger.Warn("fetch online users", slog.String("error", err.Error()))
		return
	}
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	t.mu.Lock()
	changed := !sameSet(t.online, next)
	t.online = next
	t.updatedAt = time.Now()
	callbacks := t.callbacksLocked()
	t.mu.Unlock()
	if changed {
		for _, f := range callbacks {
			f()
		}
	}
}

// SetOnline records a pushed presence-up event for one user.
func (t *Tracker) SetOnline(userID string) {
	t.setPresence(userID, true)
}

// SetOffline records a pushed presence-down event for one user.
func (t *Tracker) SetOffline(userID string) {
	t.setPresence(userID, false)
}

func (t *Tracker) setPresence(userID string, online bool) {
	t.mu.Lock()
	_, was := t.online[userID]
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	callbacks := t.callbacksLocked()
	t.mu.Unlock()
	if was != online {
		for _, f := range callbacks {
			f()
		}
	}
}

func (t *Tracker) callbacksLocked() []func() {
	callbacks := make([]func(), len(t.onChange))
	copy(callbacks, t.onChange)
	return callbacks
}

// IsOnline reports whether a user is currently considered online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the online user ids, sorted for stable display.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdatedAt is the time of the last successful presence poll.
func (t *Tracker) UpdatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updatedAt
}

// SendTyping pushes a typing indicator for a room. Fire and forget.
func (t *Tracker) SendTyping(ctx context.Context, roomID string, isTyping bool) {
	if err := t.api.SendTypingIndicator(ctx, roomID, isTyping); err != nil {
		t.logger.Debug("send typing indicator",
			slog.String("room", roomID), slog.String("error", err.Error()))
	}
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
