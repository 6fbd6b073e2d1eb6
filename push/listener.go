// Package push consumes server-pushed chat events over a websocket and
// feeds them into the same store mutations that polling drives. The push
// channel is an optimization, never a requirement: if the connection drops
// the listener reconnects with backoff and polling keeps the UI correct in
// the meantime.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veteranmeet/messenger/chat"
)

const (
	EventMessage  = "message.new"
	EventTyping   = "typing"
	EventPresence = "presence"
)

// Event is the wire frame for pushed events.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TypingPayload signals that a user started or stopped typing in a room.
type TypingPayload struct {
	RoomID   string    `json:"room"`
	User     chat.User `json:"user"`
	IsTyping bool      `json:"is_typing"`
}

// PresencePayload signals a presence transition for a user.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// Authorizer attaches session credentials to the websocket handshake.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// Listener maintains the push connection and dispatches decoded events.
type Listener struct {
	url    string
	auth   Authorizer
	dialer *websocket.Dialer
	logger *slog.Logger

	backoffBase time.Duration
	backoffMax  time.Duration

	onMessage  func(chat.Message)
	onTyping   func(TypingPayload)
	onPresence func(PresencePayload)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

type Option func(*Listener)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(l *Listener) {
		l.backoffBase = base
		l.backoffMax = max
	}
}

func NewListener(url string, auth Authorizer, opts ...Option) *Listener {
	l := &Listener{
		url:         url,
		auth:        auth,
		dialer:      websocket.DefaultDialer,
		logger:      slog.Default(),
		backoffBase: time.Second,
		backoffMax:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnMessage registers the handler for newly arrived messages.
func (l *Listener) OnMessage(f func(chat.Message)) {
	l.onMessage = f
}

// OnTyping registers the handler for typing indicator events.
func (l *Listener) OnTyping(f func(TypingPayload)) {
	l.onTyping = f
}

// OnPresence registers the handler for presence transitions.
func (l *Listener) OnPresence(f func(PresencePayload)) {
	l.onPresence = f
}

// Start connects in the background and keeps the connection alive until
// Stop or context cancellation. Handlers must be registered before Start.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

// Stop closes the connection and waits for the loop to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Listener) run(ctx context.Context) {
	backoff := l.backoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// The outage is over once a dial succeeds; later drops start
			// the backoff ladder from the bottom again.
			backoff = l.backoffBase
		}
		if err != nil {
			l.logger.Warn("push connection lost",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.backoffMax {
			backoff = l.backoffMax
		}
	}
}

// listen dials the push endpoint and reads events until the connection
// drops. The connected return reports whether the dial succeeded at all.
func (l *Listener) listen(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	req, err := http.NewRequest(http.MethodGet, l.url, nil)
	if err != nil {
		return false, fmt.Errorf("build handshake request: %w", err)
	}
	if err := l.auth.Authorize(req); err != nil {
		return false, fmt.Errorf("authorize handshake: %w", err)
	}
	for k, v := range req.Header {
		header[k] = v
	}

	conn, _, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		return false, fmt.Errorf("dial push endpoint: %w", err)
	}
	defer conn.Close()
	l.logger.Debug("push connected", slog.String("url", l.url))

	// The watcher unblocks the read loop on cancellation. It is scoped to
	// this connection so a dropped connection does not leave it parked for
	// the listener's whole lifetime.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		<-watchCtx.Done()
		conn.Close()
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return true, fmt.Errorf("read event: %w", err)
		}
		l.dispatch(ev)
	}
}

func (l *Listener) dispatch(ev Event) {
	switch ev.Type {
	case EventMessage:
		if l.onMessage == nil {
			return
		}
		var msg chat.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			l.logger.Warn("decode message event", slog.String("error", err.Error()))
			return
		}
		l.onMessage(msg)
	case EventTyping:
		if l.onTyping == nil {
			return
		}
		var p TypingPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			l.logger.Warn("decode typing event", slog.String("error", err.Error()))
			return
		}
		l.onTyping(p)
	case EventPresence:
		if l.onPresence == nil {
			return
		}
		var p PresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			l.logger.Warn("decode presence event", slog.String("error", err.Error()))
			return
		}
		l.onPresence(p)
	default:
		l.logger.Debug("unhandled push event", slog.String("type", ev.Type))
	}
}
