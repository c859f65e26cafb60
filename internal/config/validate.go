package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	logx "bulkcast/pkg/logx"
)

var storageDrivers = []string{"", "memory", "file", "sqlite", "sqlite3"}

// Validate checks everything that can be checked without building
// components. It reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if p := strings.TrimSpace(cfg.Listen.Path); p != "" && !strings.HasPrefix(p, "/") {
		add(fmt.Errorf("listen.path must start with /, got %q", p))
	}
	dur("listen.write_timeout", cfg.Listen.WriteTimeout)
	dur("listen.pong_wait", cfg.Listen.PongWait)
	dur("listen.ping_interval", cfg.Listen.PingInterval)
	if cfg.Listen.ObserverBuffer < 0 {
		add(errors.New("listen.observer_buffer must be >= 0"))
	}

	s := cfg.Session
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "", "sim":
	default:
		add(fmt.Errorf("session.provider: unknown provider %q", s.Provider))
	}
	dur("session.min_backoff", s.MinBackoff)
	dur("session.max_backoff", s.MaxBackoff)
	dur("session.logout_timeout", s.LogoutTimeout)
	dur("session.refresh_timeout", s.RefreshTimeout)
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("session.timezone: %w", err))
		}
	}
	dur("session.sim.pair_after", s.Sim.PairAfter)
	dur("session.sim.send_latency", s.Sim.SendLatency)
	if s.Sim.FailureRate < 0 || s.Sim.FailureRate > 1 {
		add(fmt.Errorf("session.sim.failure_rate must be within [0,1], got %v", s.Sim.FailureRate))
	}
	for i, r := range s.Sim.Recipients {
		if strings.TrimSpace(r.ID) == "" {
			add(fmt.Errorf("session.sim.recipients[%d].id is required", i))
		}
	}
	if dups := lo.FindDuplicatesBy(s.Sim.Recipients, func(r RecipientConfig) string { return r.ID }); len(dups) > 0 {
		add(fmt.Errorf("session.sim.recipients: duplicate id %q", dups[0].ID))
	}

	d := cfg.Dispatch
	if d.QueueSize < 0 || d.Concurrency < 0 || d.RatePerSec < 0 || d.RetryMax < 0 {
		add(errors.New("dispatch: queue_size, concurrency, rate_per_sec and retry_max must be >= 0"))
	}
	dur("dispatch.send_timeout", d.SendTimeout)

	if !lo.Contains(storageDrivers, strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))) {
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		if strings.TrimSpace(a.Telegram.Token) == "" {
			add(errors.New("alerts.telegram.token is required when alerts are enabled"))
		}
		if a.Telegram.ChatID == 0 {
			add(errors.New("alerts.telegram.chat_id is required when alerts are enabled"))
		}
		if a.RatePerMin < 0 {
			add(errors.New("alerts.rate_per_min must be >= 0"))
		}
		dur("alerts.telegram.timeout", a.Telegram.Timeout)
	}

	return errors.Join(errs...)
}
