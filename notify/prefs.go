package notify

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/spf13/viper"
)

const (
	prefTitle   = "title"
	prefSound   = "sound"
	prefDesktop = "desktop"
)

// Prefs holds the per-channel enabled flags, persisted as a small yaml
// file. Toggling takes effect immediately; the dispatcher reads through
// Prefs on every update rather than caching the flags.
type Prefs struct {
	mu   sync.RWMutex
	v    *viper.Viper
	path string
}

// LoadPrefs reads preferences from path, creating defaults (everything on)
// when the file does not exist yet.
func LoadPrefs(path string) (*Prefs, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault(prefTitle, true)
	v.SetDefault(prefSound, true)
	v.SetDefault(prefDesktop, true)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read notification prefs: %w", err)
		}
	}
	return &Prefs{v: v, path: path}, nil
}

func (p *Prefs) Title() bool   { return p.get(prefTitle) }
func (p *Prefs) Sound() bool   { return p.get(prefSound) }
func (p *Prefs) Desktop() bool { return p.get(prefDesktop) }

func (p *Prefs) SetTitle(on bool) error   { return p.set(prefTitle, on) }
func (p *Prefs) SetSound(on bool) error   { return p.set(prefSound, on) }
func (p *Prefs) SetDesktop(on bool) error { return p.set(prefDesktop, on) }

func (p *Prefs) get(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetBool(key)
}

func (p *Prefs) set(key string, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.v.Set(key, on)
	if err := p.v.WriteConfigAs(p.path); err != nil {
		return fmt.Errorf("write notification prefs: %w", err)
	}
	return nil
}
