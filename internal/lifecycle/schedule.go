package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "bulkcast/pkg/logx"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseRefreshSchedule parses a recipient refresh schedule.
//
// Accepted forms: empty (disabled), a Go duration ("15m"), or a cron
// expression ("*/15 * * * *", "@hourly", "@every 10m").
func ParseRefreshSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Minute {
			return nil, fmt.Errorf("refresh interval must be >= 1m, got %s", d)
		}
		return cron.Every(d), nil
	}
	sched, err := scheduleParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", raw, err)
	}
	return sched, nil
}

// startRefreshCron runs Refresh on the configured schedule until the returned
// stop func is called. It returns a no-op when no schedule is configured.
func (m *Manager) startRefreshCron(ctx context.Context) (stop func(), err error) {
	sched, err := ParseRefreshSchedule(m.cfg.RefreshSchedule)
	if err != nil || sched == nil {
		return func() {}, err
	}
	loc := m.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(cron.WithParser(scheduleParser), cron.WithLocation(loc))
	c.Schedule(sched, cron.FuncJob(func() {
		if err := m.Refresh(ctx); err != nil {
			m.log.Debug("scheduled recipient refresh skipped", logx.Err(err))
		}
	}))
	c.Start()
	m.log.Info("recipient refresh scheduled", logx.String("schedule", m.cfg.RefreshSchedule))
	return func() { <-c.Stop().Done() }, nil
}
