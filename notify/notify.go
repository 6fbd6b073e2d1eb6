// Package notify turns unread-count changes into user-facing cues: a tab
// title badge, a sound, and a desktop notification. Each channel is
// individually togglable, and every failure is swallowed after logging
// because a broken cue must never break messaging.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
)

// TitleSink reflects the unread count in the window or tab title. It is
// driven by current state, not edges: it sees every count change and is
// expected to restore the original title at zero.
type TitleSink interface {
	SetUnread(n int)
}

// SoundSink plays a short fixed cue. Playback failures (for example an
// autoplay block) are reported but never acted on.
type SoundSink interface {
	Play() error
}

// DesktopSink shows OS-level notifications. Permission is requested at most
// once, lazily, the first time the channel fires while enabled. Display
// details (auto-dismiss, click-to-focus) are the sink's concern.
type DesktopSink interface {
	RequestPermission() (bool, error)
	Notify(body string) error
}

// Dispatcher watches the total unread count and fans it out to the sinks.
// Sound and desktop fire only on an increasing edge; the title always
// reflects the current count.
type Dispatcher struct {
	prefs   *Prefs
	title   TitleSink
	sound   SoundSink
	desktop DesktopSink
	logger  *slog.Logger

	mu        sync.Mutex
	last      int
	asked     bool
	permitted bool
}

type DispatcherOption func(*Dispatcher)

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithTitleSink(s TitleSink) DispatcherOption {
	return func(d *Dispatcher) {
		d.title = s
	}
}

func WithSoundSink(s SoundSink) DispatcherOption {
	return func(d *Dispatcher) {
		d.sound = s
	}
}

func WithDesktopSink(s DesktopSink) DispatcherOption {
	return func(d *Dispatcher) {
		d.desktop = s
	}
}

func NewDispatcher(prefs *Prefs, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		prefs:  prefs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Update feeds the dispatcher the current total unread count. The caller
// recomputes it after every room store change.
func (d *Dispatcher) Update(total int) {
	d.mu.Lock()
	prev := d.last
	d.last = total
	d.mu.Unlock()

	if d.title != nil && d.prefs.Title() {
		d.title.SetUnread(total)
	}
	if total <= prev {
		return
	}
	if d.sound != nil && d.prefs.Sound() {
		if err := d.sound.Play(); err != nil {
			d.logger.Debug("notification sound", slog.String("error", err.Error()))
		}
	}
	if d.desktop != nil && d.prefs.Desktop() && d.permission() {
		body := fmt.Sprintf("You have %d unread messages", total)
		if total == 1 {
			body = "You have 1 unread message"
		}
		if err := d.desktop.Notify(body); err != nil {
			d.logger.Debug("desktop notification", slog.String("error", err.Error()))
		}
	}
}

// permission asks the sink for notification permission the first time it is
// needed and caches the answer.
func (d *Dispatcher) permission() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.asked {
		return d.permitted
	}
	d.asked = true
	granted, err := d.desktop.RequestPermission()
	if err != nil {
		d.logger.Debug("notification permission", slog.String("error", err.Error()))
		return false
	}
	d.permitted = granted
	return granted
}
