// Package messenger is the real-time messaging core of the VeteranMeet
// client: conversation state, optimistic sends, presence, and notification
// cues over the backend's REST API, with an optional websocket push channel.
//
// A Client is created at session start and torn down by Logout. UI code
// reads state through Client.Store and Client.Presence and mutates it only
// through their operations.
package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veteranmeet/messenger/chat"
	"github.com/veteranmeet/messenger/notify"
	"github.com/veteranmeet/messenger/presence"
	"github.com/veteranmeet/messenger/push"
	"github.com/veteranmeet/messenger/session"
	"github.com/veteranmeet/messenger/transport"
)

// Client owns the messaging subsystems and their polling loops.
type Client struct {
	config    *Config
	logger    *slog.Logger
	session   *session.Session
	transport *transport.Client
	store     *chat.Store
	presence  *presence.Tracker
	heartbeat *presence.Heartbeat
	notifier  *notify.Dispatcher
	push      *push.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

type ClientOption func(*Client)

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithNotifier replaces the default (sink-less) notification dispatcher.
// The host environment supplies the title/sound/desktop sinks.
func WithNotifier(d *notify.Dispatcher) ClientOption {
	return func(c *Client) {
		c.notifier = d
	}
}

// New builds a Client from the configuration. The session identity is
// decoded from the configured token.
func New(ctx context.Context, config *Config, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sess, err := session.FromToken(config.Token)
	if err != nil {
		return nil, fmt.Errorf("decode session token: %w", err)
	}
	if sess.Expired() {
		return nil, session.ErrExpiredToken
	}

	c := &Client{
		config:  config,
		logger:  slog.Default(),
		session: sess,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.transport, err = transport.New(config.BaseURL, sess,
		transport.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}

	me := chat.User{ID: sess.UserID, Username: sess.Username}
	c.store = chat.NewStore(c.transport, me,
		chat.WithLogger(c.logger),
		chat.WithDeliveredDelay(config.DeliveredDelay))
	c.presence = presence.NewTracker(c.transport,
		presence.WithLogger(c.logger))
	c.heartbeat = presence.NewHeartbeat(c.transport,
		presence.WithHeartbeatLogger(c.logger),
		presence.WithInterval(config.HeartbeatInterval))

	if c.notifier == nil {
		prefs, err := notify.LoadPrefs(config.PrefsFile)
		if err != nil {
			return nil, err
		}
		c.notifier = notify.NewDispatcher(prefs, notify.WithLogger(c.logger))
	}
	c.store.OnChange(func() {
		c.notifier.Update(c.store.TotalUnread())
	})

	if config.PushURL != "" {
		c.push = push.NewListener(config.PushURL, sess, push.WithLogger(c.logger))
		c.push.OnMessage(func(msg chat.Message) {
			if msg.Sender.ID == me.ID {
				// Own messages already live in the store optimistically.
				return
			}
			c.store.AddMessage(msg)
		})
		c.push.OnTyping(func(p push.TypingPayload) {
			if p.IsTyping {
				c.store.SetTyping(p.RoomID, p.User)
			} else {
				c.store.ClearTyping(p.RoomID)
			}
		})
		c.push.OnPresence(func(p push.PresencePayload) {
			if p.Online {
				c.presence.SetOnline(p.UserID)
			} else {
				c.presence.SetOffline(p.UserID)
			}
		})
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	return c, nil
}

// Start performs the initial fetches and launches the polling loops, the
// heartbeat scheduler, and the push listener.
func (c *Client) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.heartbeat.Start(c.ctx)
	if c.push != nil {
		c.push.Start(c.ctx)
	}

	c.poll(c.config.RoomPollInterval, func(ctx context.Context) {
		c.store.FetchRooms(ctx)
	})
	c.poll(c.config.PresencePollInterval, func(ctx context.Context) {
		c.presence.FetchOnlineUsers(ctx)
	})

	c.logger.Info("messaging client started",
		slog.String("user", c.session.Username),
		slog.String("device", c.heartbeat.Device()))
}

// poll runs f immediately and then on every tick until the client context
// is cancelled.
func (c *Client) poll(interval time.Duration, f func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f(c.ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				f(c.ctx)
			}
		}
	}()
}

// Logout tears the client down. The explicit mark-offline signal goes out
// first and is best effort: its failure is logged and logout proceeds.
func (c *Client) Logout(ctx context.Context) {
	if err := c.transport.MarkOffline(ctx); err != nil {
		c.logger.Warn("mark offline", slog.String("error", err.Error()))
	}
	c.heartbeat.Stop()
	if c.push != nil {
		c.push.Stop()
	}
	c.cancel()
	c.wg.Wait()
	c.store.Close()
	c.logger.Info("messaging client stopped", slog.String("user", c.session.Username))
}

// Store exposes the conversation state for the UI layer.
func (c *Client) Store() *chat.Store {
	return c.store
}

// Presence exposes the online-user tracker for the UI layer.
func (c *Client) Presence() *presence.Tracker {
	return c.presence
}

// Notifier exposes the notification dispatcher, mainly so settings screens
// can toggle channels.
func (c *Client) Notifier() *notify.Dispatcher {
	return c.notifier
}

// Session returns the identity the client acts as.
func (c *Client) Session() *session.Session {
	return c.session
}
