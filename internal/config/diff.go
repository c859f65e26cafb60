package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bulkcast/pkg/logx"
)

// Change summarizes a reload. Attrs never include secrets.
type Change struct {
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	Attrs   []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeChange compares two configs section by section. logging and
// dispatch (except queue_size) apply without a restart.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		c.Sections = append(c.Sections, section)
		if restart {
			c.Restart = append(c.Restart, section)
		}
		c.Attrs = append(c.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Listen, newCfg.Listen) {
		mark("listen", true,
			logx.String("listen.addr", newCfg.Listen.Addr),
			logx.Bool("listen.pprof", newCfg.Listen.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		mark("session", true,
			logx.String("session.provider", newCfg.Session.Provider),
			logx.String("session.refresh_schedule", strings.TrimSpace(newCfg.Session.RefreshSchedule)),
			logx.Int("session.sim.recipients", len(newCfg.Session.Sim.Recipients)),
		)
	}

	od, nd := oldCfg.Dispatch, newCfg.Dispatch
	if od != nd {
		mark("dispatch", od.QueueSize != nd.QueueSize,
			logx.Int("dispatch.rate_per_sec", nd.RatePerSec),
			logx.Bool("dispatch.progress", nd.Progress),
			logx.Int("dispatch.concurrency", nd.Concurrency),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(nst.Driver) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(nst.BusyTimeout) {
		mark("storage", true,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oa, na := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if oa != na {
		mark("alerts", true,
			logx.Bool("alerts.enabled", na.Enabled),
			logx.Bool("alerts.telegram.token_set", strings.TrimSpace(na.Telegram.Token) != ""),
			logx.Int("alerts.rate_per_min", na.RatePerMin),
		)
	}

	sort.Strings(c.Sections)
	sort.Strings(c.Restart)
	return c
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}
