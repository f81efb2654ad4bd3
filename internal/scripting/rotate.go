package scripting

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/qudata/fleet-agent/internal/message"
	"github.com/qudata/fleet-agent/internal/metrics"
)

// LogRotator periodically deletes script logs older than the retention.
type LogRotator struct {
	dir       string
	interval  time.Duration
	retention atomic.Int64
	logger    *slog.Logger
	now       func() time.Time
}

func NewLogRotator(dir string, interval, retention time.Duration, logger *slog.Logger) *LogRotator {
	r := &LogRotator{
		dir:      dir,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
	r.retention.Store(int64(retention))
	return r
}

// Retention returns the current retention.
func (r *LogRotator) Retention() time.Duration {
	return time.Duration(r.retention.Load())
}

// SetRetention changes the retention; non-positive values are ignored.
func (r *LogRotator) SetRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	r.retention.Store(int64(d))
	r.logger.Info("script log retention updated", "retention", d)
}

// Run sweeps every interval until ctx ends.
func (r *LogRotator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(); err != nil {
				r.logger.Warn("script log rotation failed", "err", err)
			}
		}
	}
}

// Sweep removes expired logs and returns how many were deleted.
func (r *LogRotator) Sweep() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read script log dir: %w", err)
	}

	cutoff := r.now().Add(-r.Retention())
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			r.logger.Warn("cannot remove script log", "path", path, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.ScriptLogsRemovedTotal.Add(float64(removed))
		r.logger.Info("script logs rotated", "removed", removed)
	}
	return removed, nil
}

// OnHostInitResponse adopts base.keep_scripting_logs_time (seconds).
func (r *LogRotator) OnHostInitResponse(m *message.Message) error {
	if secs := m.Body.Section("base").Int("keep_scripting_logs_time", 0); secs > 0 {
		r.SetRetention(time.Duration(secs) * time.Second)
	}
	return nil
}

// OnBeforeHostUp advertises the retention in HostUp.
func (r *LogRotator) OnBeforeHostUp(m *message.Message) error {
	base := m.Body.Section("base")
	if base == nil {
		base = message.Body{}
	}
	base["keep_scripting_logs_time"] = int(r.Retention().Seconds())
	m.Body["base"] = base
	return nil
}
