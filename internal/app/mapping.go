package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"bulkcast/internal/alerts"
	"bulkcast/internal/config"
	"bulkcast/internal/dispatch"
	"bulkcast/internal/lifecycle"
	"bulkcast/internal/observer"
	"bulkcast/internal/provider/sim"
	"bulkcast/internal/session"
	"bulkcast/internal/storage"
	logx "bulkcast/pkg/logx"
)

// Each map* function validates and converts one section. None of them
// start anything.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapListen(cfg *config.Config) (observer.ServerConfig, observer.RegistryConfig, error) {
	l := cfg.Listen
	wt, err := config.ParseDurationOrDefault("listen.write_timeout", l.WriteTimeout, 10*time.Second)
	if err != nil {
		return observer.ServerConfig{}, observer.RegistryConfig{}, err
	}
	pong, err := config.ParseDurationOrDefault("listen.pong_wait", l.PongWait, 60*time.Second)
	if err != nil {
		return observer.ServerConfig{}, observer.RegistryConfig{}, err
	}
	ping, err := config.ParseDurationOrDefault("listen.ping_interval", l.PingInterval, 25*time.Second)
	if err != nil {
		return observer.ServerConfig{}, observer.RegistryConfig{}, err
	}
	if ping >= pong {
		return observer.ServerConfig{}, observer.RegistryConfig{}, fmt.Errorf("listen.ping_interval (%s) must be shorter than listen.pong_wait (%s)", ping, pong)
	}
	addr := strings.TrimSpace(l.Addr)
	if addr == "" {
		addr = ":5001"
	}
	return observer.ServerConfig{
			Addr:         addr,
			Path:         strings.TrimSpace(l.Path),
			Pprof:        l.Pprof,
			WriteTimeout: wt,
			PongWait:     pong,
		}, observer.RegistryConfig{
			Buffer:       l.ObserverBuffer,
			PingInterval: ping,
		}, nil
}

func mapLifecycle(cfg *config.Config) (lifecycle.Config, error) {
	s := cfg.Session
	var out lifecycle.Config
	var err error
	if out.MinBackoff, err = config.ParseDurationOrDefault("session.min_backoff", s.MinBackoff, lifecycle.DefaultMinBackoff); err != nil {
		return out, err
	}
	if out.MaxBackoff, err = config.ParseDurationOrDefault("session.max_backoff", s.MaxBackoff, lifecycle.DefaultMaxBackoff); err != nil {
		return out, err
	}
	if out.MaxBackoff < out.MinBackoff {
		return out, fmt.Errorf("session.max_backoff (%s) must be >= session.min_backoff (%s)", out.MaxBackoff, out.MinBackoff)
	}
	if out.LogoutTimeout, err = config.ParseDurationField("session.logout_timeout", s.LogoutTimeout); err != nil {
		return out, err
	}
	if out.RefreshTimeout, err = config.ParseDurationField("session.refresh_timeout", s.RefreshTimeout); err != nil {
		return out, err
	}
	if _, err := lifecycle.ParseRefreshSchedule(s.RefreshSchedule); err != nil {
		return out, fmt.Errorf("session.refresh_schedule: %w", err)
	}
	out.RefreshSchedule = strings.TrimSpace(s.RefreshSchedule)
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("session.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	return out, nil
}

func mapSim(cfg *config.Config) (sim.Config, error) {
	s := cfg.Session.Sim
	pairAfter, err := config.ParseDurationField("session.sim.pair_after", s.PairAfter)
	if err != nil {
		return sim.Config{}, err
	}
	latency, err := config.ParseDurationField("session.sim.send_latency", s.SendLatency)
	if err != nil {
		return sim.Config{}, err
	}
	out := sim.Config{
		PairAfter:   pairAfter,
		SendLatency: latency,
		FailureRate: s.FailureRate,
		Recipients: lo.Map(s.Recipients, func(r config.RecipientConfig, _ int) session.Recipient {
			name := strings.TrimSpace(r.Name)
			if name == "" {
				name = r.ID
			}
			return session.Recipient{ID: strings.TrimSpace(r.ID), DisplayName: name, IsGroup: r.IsGroup, MemberCount: r.MemberCount}
		}),
	}
	if s.DisplayName != "" || s.Handle != "" {
		out.Identity = session.Identity{ID: "sim-account", DisplayName: s.DisplayName, Handle: s.Handle}
	}
	return out, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	timeout, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		QueueSize:   d.QueueSize,
		Concurrency: d.Concurrency,
		RatePerSec:  d.RatePerSec,
		SendTimeout: timeout,
		RetryMax:    d.RetryMax,
		Progress:    d.Progress,
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./bulkcast_store"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapAlerts reports enabled=false when the section is absent or disabled.
func mapAlerts(cfg *config.Config) (alerts.Config, alerts.TelegramConfig, bool, error) {
	a := cfg.Alerts
	if a == nil || !a.Enabled {
		return alerts.Config{}, alerts.TelegramConfig{}, false, nil
	}
	timeout, err := config.ParseDurationOrDefault("alerts.telegram.timeout", a.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return alerts.Config{}, alerts.TelegramConfig{}, false, err
	}
	return alerts.Config{RatePerMin: a.RatePerMin, SendTimeout: timeout},
		alerts.TelegramConfig{
			Token:    strings.TrimSpace(a.Telegram.Token),
			ChatID:   a.Telegram.ChatID,
			ThreadID: a.Telegram.ThreadID,
			Timeout:  timeout,
		}, true, nil
}

// Check runs static validation plus every section mapping. It is the
// reload validator and the body of `bulkcast check-config`.
func Check(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapListen(cfg); err != nil {
		return err
	}
	if _, err := mapLifecycle(cfg); err != nil {
		return err
	}
	if _, err := mapSim(cfg); err != nil {
		return err
	}
	if _, err := mapDispatch(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	_, _, _, err := mapAlerts(cfg)
	return err
}

// LoadConfig parses and checks the file at path without building anything.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := Check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenStore opens the store configured at path, for offline inspection.
func OpenStore(path string) (storage.Store, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, logx.Nop())
}
