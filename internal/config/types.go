package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Listen   ListenConfig   `json:"listen"`
	Session  SessionConfig  `json:"session"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Alerts   *AlertsConfig  `json:"alerts,omitempty"`
}

// ListenConfig controls the observer endpoint.
//
// Defaults: addr ":5001", path "/ws", write_timeout "10s", pong_wait "60s",
// ping_interval "25s", observer_buffer 256.
type ListenConfig struct {
	Addr           string `json:"addr"`
	Path           string `json:"path,omitempty"`
	Pprof          bool   `json:"pprof,omitempty"`
	WriteTimeout   string `json:"write_timeout,omitempty"`
	PongWait       string `json:"pong_wait,omitempty"`
	PingInterval   string `json:"ping_interval,omitempty"`
	ObserverBuffer int    `json:"observer_buffer,omitempty"`
}

type SessionConfig struct {
	// Provider selects the messaging account backend. Only "sim" is built in.
	Provider       string `json:"provider"`
	MinBackoff     string `json:"min_backoff,omitempty"`
	MaxBackoff     string `json:"max_backoff,omitempty"`
	LogoutTimeout  string `json:"logout_timeout,omitempty"`
	RefreshTimeout string `json:"refresh_timeout,omitempty"`

	// RefreshSchedule re-reads the recipient list while ready: a Go duration
	// ("15m") or a cron expression ("*/15 * * * *"). Empty disables it.
	RefreshSchedule string `json:"refresh_schedule,omitempty"`
	Timezone        string `json:"timezone,omitempty"`

	Sim SimConfig `json:"sim"`
}

type SimConfig struct {
	PairAfter   string            `json:"pair_after,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Handle      string            `json:"handle,omitempty"`
	SendLatency string            `json:"send_latency,omitempty"`
	FailureRate float64           `json:"failure_rate,omitempty"`
	Recipients  []RecipientConfig `json:"recipients"`
}

type RecipientConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsGroup     bool   `json:"is_group,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
}

// DispatchConfig controls the bulk dispatch coordinator.
//
// Everything but queue_size is applied live.
type DispatchConfig struct {
	QueueSize   int    `json:"queue_size,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	Progress    bool   `json:"progress,omitempty"`
}

// StorageConfig controls template and audit persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./bulkcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AlertsConfig forwards high-signal session events to a Telegram chat.
// Nil or enabled=false disables alerts.
type AlertsConfig struct {
	Enabled    bool           `json:"enabled"`
	RatePerMin int            `json:"rate_per_min,omitempty"`
	Telegram   TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // never logged
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}
