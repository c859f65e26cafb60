package config

import (
	"bytes"
	"context"
	"sync"
	"time"

	logx "bulkcast/pkg/logx"
)

// Manager holds the current config and hands committed reloads to
// subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu    sync.RWMutex
	cfg   *Config
	print []byte
	check func(ctx context.Context, cfg *Config) error

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, subs: make(map[chan *Config]struct{})}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log.Named("config") }

// SetValidator adds a check that a reloaded config must pass, after
// Validate, before it becomes current.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.check = fn
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.print = fingerprint(cfg)
	m.mu.Unlock()
}

// Subscribe returns a channel holding at most the newest committed config
// not yet read. The returned func unsubscribes and closes the channel.
func (m *Manager) Subscribe() (<-chan *Config, func()) {
	ch := make(chan *Config, 1)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		// replace a config the subscriber has not picked up yet
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

// reload re-reads the file once and reports whether a new config became
// current.
func (m *Manager) reload(ctx context.Context) bool {
	cfg, err := m.Parse()
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return false
	}

	m.mu.RLock()
	same := m.print != nil && bytes.Equal(m.print, fingerprint(cfg))
	check := m.check
	m.mu.RUnlock()
	if same {
		m.log.Debug("config file touched without changes", logx.String("path", m.path))
		return false
	}

	if check != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check(cctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}

	m.commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
	return true
}
