package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	logx "eventbot/pkg/logx"
)

const (
	defaultDebounce   = 250 * time.Millisecond
	validateTimeout   = 5 * time.Second
	watchBackoffBase  = 250 * time.Millisecond
	watchBackoffLimit = 5 * time.Second
)

// ErrRejected wraps validator failures returned by Reload.
var ErrRejected = errors.New("config rejected")

type Option func(*Manager)

// WithEnv replaces os.LookupEnv for overrides.
func WithEnv(lookup LookupEnv) Option { return func(m *Manager) { m.env = lookup } }

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithDebounce sets how long Watch waits after the last file event.
func WithDebounce(d time.Duration) Option { return func(m *Manager) { m.debounce = d } }

// Manager owns the live configuration. Every accepted update reaches
// subscribers as a Change carrying the section diff and the settings that
// still need a restart.
type Manager struct {
	path     string
	env      LookupEnv
	clock    clockwork.Clock
	debounce time.Duration

	mu        sync.RWMutex
	cur       *Config
	hash      uint64
	overrides []string

	subsMu sync.Mutex
	subs   map[chan Change]struct{}

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:     path,
		env:      os.LookupEnv,
		clock:    clockwork.NewRealClock(),
		debounce: defaultDebounce,
		subs:     map[chan Change]struct{}{},
		log:      logx.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs the check Reload runs before committing.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file and applies environment overrides without
// committing anything.
func (m *Manager) Parse() (*Config, error) {
	cfg, _, err := m.parse()
	return cfg, err
}

func (m *Manager) parse() (*Config, []string, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := decode(m.path, b)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", filepath.Base(m.path), err)
	}
	return cfg, overlayEnv(cfg, m.env), nil
}

// Load parses and commits the initial config. Subscribers are not notified.
func (m *Manager) Load() (*Config, error) {
	cfg, used, err := m.parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, used)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, used []string) {
	m.mu.Lock()
	m.cur = cfg
	m.hash = fingerprint(cfg)
	m.overrides = used
	m.mu.Unlock()
}

func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Overrides lists the environment variables applied to the current config.
func (m *Manager) Overrides() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.overrides...)
}

// Reload re-reads the file. An identical config yields an empty Change
// and no publish; a config the validator refuses is not committed.
func (m *Manager) Reload(ctx context.Context) (Change, error) {
	cfg, used, err := m.parse()
	if err != nil {
		return Change{}, err
	}
	h := fingerprint(cfg)
	m.mu.RLock()
	prev, unchanged := m.cur, h != 0 && h == m.hash
	m.mu.RUnlock()
	if unchanged {
		return Change{Old: prev, New: prev}, nil
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return Change{}, fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	m.commit(cfg, used)
	ch := Diff(prev, cfg)
	m.publish(ch)
	return ch, nil
}

func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Subscribe returns a channel of changes and its cancel func. A
// subscriber that falls behind holds one pending Change, merged with
// every later one, so it never misses a section.
func (m *Manager) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 1)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

// publish only sends under subsMu, so the drain below always frees the
// single slot.
func (m *Manager) publish(c Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		next := c
		select {
		case pending := <-ch:
			next = merge(pending, c)
		default:
		}
		ch <- next
	}
}

// Watch reloads on file changes until ctx is done. The fsnotify watcher
// is recreated with jittered backoff when it breaks.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	trigger, stop := m.debouncer(ctx)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffBase
	for ctx.Err() == nil {
		err := m.watchDir(ctx, dir, file, trigger, func() { backoff = watchBackoffBase })
		if ctx.Err() != nil {
			break
		}
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, watchBackoffLimit)
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-m.clock.After(wait):
		}
	}
	return nil
}

// watchDir runs one watcher until it breaks. Editors often replace the
// file, so the directory is watched and events are matched by name.
func (m *Manager) watchDir(ctx context.Context, dir, file string, trigger, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				trigger()
				continue
			}
			if err != nil {
				return err
			}
		}
	}
}

// debouncer coalesces file events into one Reload after m.debounce of quiet.
func (m *Manager) debouncer(ctx context.Context) (trigger, stop func()) {
	var (
		mu    sync.Mutex
		timer clockwork.Timer
	)
	trigger = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = m.clock.AfterFunc(m.debounce, func() { m.reloadLogged(ctx) })
	}
	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}
	return trigger, stop
}

func (m *Manager) reloadLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ch, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload failed; keeping previous", logx.String("path", m.path), logx.Err(err))
	case ch.Empty():
		m.log.Debug("config unchanged", logx.String("path", m.path))
	default:
		m.log.Debug("config published", logx.String("changed", strings.Join(ch.Sections, ",")))
	}
}
