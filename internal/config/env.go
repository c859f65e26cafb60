package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are applied on top of the parsed file. Unset variables leave
// the file value alone.
type envOverrides struct {
	ListenAddr     string `env:"BULKCAST_LISTEN_ADDR"`
	LogLevel       string `env:"BULKCAST_LOG_LEVEL"`
	StorageDriver  string `env:"BULKCAST_STORAGE_DRIVER"`
	StoragePath    string `env:"BULKCAST_STORAGE_PATH"`
	TelegramToken  string `env:"BULKCAST_ALERTS_TELEGRAM_TOKEN"`
	TelegramChatID int64  `env:"BULKCAST_ALERTS_TELEGRAM_CHAT_ID"`
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	applyOverrides(cfg, o)
	return nil
}

func applyOverrides(cfg *Config, o envOverrides) {
	if s := strings.TrimSpace(o.ListenAddr); s != "" {
		cfg.Listen.Addr = s
	}
	if s := strings.TrimSpace(o.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
	if s := strings.TrimSpace(o.StorageDriver); s != "" {
		cfg.Storage.Driver = s
	}
	if s := strings.TrimSpace(o.StoragePath); s != "" {
		cfg.Storage.Path = s
	}
	if o.TelegramToken != "" || o.TelegramChatID != 0 {
		if cfg.Alerts == nil {
			cfg.Alerts = &AlertsConfig{Enabled: true}
		}
		if o.TelegramToken != "" {
			cfg.Alerts.Telegram.Token = o.TelegramToken
		}
		if o.TelegramChatID != 0 {
			cfg.Alerts.Telegram.ChatID = o.TelegramChatID
		}
	}
}
