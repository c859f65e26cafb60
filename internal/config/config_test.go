package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
listen:
  addr: ":5001"
  path: /ws
session:
  provider: sim
  min_backoff: 5s
  max_backoff: 30s
  refresh_schedule: 15m
  sim:
    pair_after: 2s
    recipients:
      - id: r1
        name: Alice
      - id: g1
        name: Team
        is_group: true
        member_count: 4
dispatch:
  rate_per_sec: 5
storage:
  driver: sqlite
  path: ./bulkcast.db
logging:
  level: debug
  console: true
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	cfg, err := Decode("bulkcast.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, ":5001", cfg.Listen.Addr)
	require.Len(t, cfg.Session.Sim.Recipients, 2)
	require.True(t, cfg.Session.Sim.Recipients[1].IsGroup)
	require.Equal(t, 4, cfg.Session.Sim.Recipients[1].MemberCount)
	require.Equal(t, 5, cfg.Dispatch.RatePerSec)
	require.NoError(t, Validate(cfg))

	js, err := Decode("bulkcast.json", []byte(`{"listen":{"addr":":6000"},"storage":{"driver":"file","path":"/tmp/x"}}`))
	require.NoError(t, err)
	require.Equal(t, ":6000", js.Listen.Addr)
	require.Equal(t, "file", js.Storage.Driver)
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name, file, body string
	}{
		{"unknown json field", "c.json", `{"listen":{"addr":":1","bogus":true}}`},
		{"unknown yaml field", "c.yml", "session:\n  nope: 1\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "listen: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.file, []byte(tc.body))
			require.Error(t, err)
		})
	}
}

func TestEmptyYAMLIsZeroConfig(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(""))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero config", func(*Config) {}, ""},
		{"bad duration", func(c *Config) { c.Session.MinBackoff = "soon" }, "session.min_backoff"},
		{"negative duration", func(c *Config) { c.Dispatch.SendTimeout = "-1s" }, "dispatch.send_timeout"},
		{"unknown provider", func(c *Config) { c.Session.Provider = "carrier-pigeon" }, "session.provider"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad path", func(c *Config) { c.Listen.Path = "ws" }, "listen.path"},
		{"failure rate", func(c *Config) { c.Session.Sim.FailureRate = 1.5 }, "failure_rate"},
		{"duplicate recipient", func(c *Config) {
			c.Session.Sim.Recipients = []RecipientConfig{{ID: "a"}, {ID: "a"}}
		}, "duplicate id"},
		{"alerts need token", func(c *Config) { c.Alerts = &AlertsConfig{Enabled: true} }, "alerts.telegram.token"},
		{"disabled alerts ignored", func(c *Config) { c.Alerts = &AlertsConfig{} }, ""},
		{"bad timezone", func(c *Config) { c.Session.Timezone = "Mars/Olympus" }, "session.timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			tc.mutate(&cfg)
			err := Validate(&cfg)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BULKCAST_LISTEN_ADDR", "127.0.0.1:7000")
	t.Setenv("BULKCAST_LOG_LEVEL", "warn")
	t.Setenv("BULKCAST_STORAGE_DRIVER", "memory")
	t.Setenv("BULKCAST_ALERTS_TELEGRAM_TOKEN", "secret")
	t.Setenv("BULKCAST_ALERTS_TELEGRAM_CHAT_ID", "-100123")

	cfg := &Config{Listen: ListenConfig{Addr: ":5001"}, Storage: StorageConfig{Driver: "sqlite"}}
	require.NoError(t, ApplyEnv(cfg))
	require.Equal(t, "127.0.0.1:7000", cfg.Listen.Addr)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.NotNil(t, cfg.Alerts)
	require.True(t, cfg.Alerts.Enabled)
	require.Equal(t, "secret", cfg.Alerts.Telegram.Token)
	require.Equal(t, int64(-100123), cfg.Alerts.Telegram.ChatID)
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	d, err = ParseDurationOrDefault("x", " 0s ", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)

	_, err = ParseDurationOrDefault("x", "nope", time.Second)
	require.ErrorContains(t, err, "x: invalid duration")

	_, err = ParseDurationField("session.max_backoff", "-2s")
	require.ErrorContains(t, err, "session.max_backoff: -2s is negative")
}

func TestSummarizeChange(t *testing.T) {
	base := Config{
		Dispatch: DispatchConfig{RatePerSec: 1},
		Logging:  LoggingConfig{Level: "info"},
		Alerts:   &AlertsConfig{Telegram: TelegramConfig{Token: "a"}},
	}

	require.True(t, SummarizeChange(&base, &base).Empty())

	live := base
	live.Dispatch.RatePerSec = 10
	live.Logging.Level = "debug"
	c := SummarizeChange(&base, &live)
	require.Equal(t, []string{"dispatch", "logging"}, c.Sections)
	require.Empty(t, c.Restart)

	restart := base
	restart.Dispatch.QueueSize = 16
	restart.Listen.Addr = ":9999"
	restart.Alerts = &AlertsConfig{Telegram: TelegramConfig{Token: "b"}}
	c = SummarizeChange(&base, &restart)
	require.Equal(t, []string{"alerts", "dispatch", "listen"}, c.Sections)
	require.Equal(t, c.Sections, c.Restart)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bulkcast.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Logging.Level)

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// an invalid file must never be published
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, `{"logging":{"level":"loud"}}`)
	time.Sleep(500 * time.Millisecond)
	select {
	case got := <-ch:
		t.Fatalf("invalid config published: %+v", got.Logging)
	default:
	}
	require.Equal(t, "info", m.Get().Logging.Level)

	writeFile(t, path, `{"logging":{"level":"debug"}}`)
	select {
	case got := <-ch:
		require.Equal(t, "debug", got.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
	require.Equal(t, "debug", m.Get().Logging.Level)
}

func TestManagerValidatorHookRejects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bulkcast.json")
	writeFile(t, path, `{}`)

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(context.Context, *Config) error { return os.ErrPermission })

	writeFile(t, path, `{"logging":{"level":"debug"}}`)
	require.False(t, m.reload(context.Background()))
	require.Equal(t, "", m.Get().Logging.Level)

	m.SetValidator(nil)
	require.True(t, m.reload(context.Background()))
	require.False(t, m.reload(context.Background()), "unchanged content must not republish")
}

func TestSubscribeKeepsOnlyNewest(t *testing.T) {
	m := NewManager("unused.json")
	ch, unsubscribe := m.Subscribe()

	m.publish(&Config{Logging: LoggingConfig{Level: "info"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "debug"}})
	require.Equal(t, "debug", (<-ch).Logging.Level)

	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	require.False(t, ok)
	m.publish(&Config{})
}
