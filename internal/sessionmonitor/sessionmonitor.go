// Package sessionmonitor implements the Session Monitor: idle and
// max-duration watchdogs over a spawned agent session, force-terminating it
// through the SessionManager when a threshold is crossed.
package sessionmonitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stewards/internal/common/apperrors"
	"github.com/stoneforge-ai/stewards/internal/common/logger"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

// Config controls the idle and max-duration thresholds.
type Config struct {
	IdleTimeout time.Duration
	MaxDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 30 * time.Minute
	}
	return c
}

func (c Config) pollInterval() time.Duration {
	half := c.IdleTimeout / 2
	if half < 30*time.Second {
		return half
	}
	return 30 * time.Second
}

// Watcher supervises one session's lifetime.
type Watcher struct {
	cfg     Config
	manager ports.SessionManager
	log     *logger.Logger

	sessionID string
	startedAt time.Time

	mu             sync.Mutex
	lastActivityAt time.Time
	stopped        bool
	done           chan struct{}
}

// Watch starts consuming sessionID's event stream (the watcher drains it
// itself) and polling for idle/max-duration expiry. Call Stop (or
// let events naturally end the session) to release its goroutine.
func Watch(ctx context.Context, cfg Config, manager ports.SessionManager, sessionID string, events <-chan ports.SessionEvent, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Default()
	}
	cfg = cfg.withDefaults()

	w := &Watcher{
		cfg:            cfg,
		manager:        manager,
		log:            log.WithFields(zap.String("component", "session-monitor"), zap.String("sessionId", sessionID)),
		sessionID:      sessionID,
		startedAt:      time.Now(),
		lastActivityAt: time.Now(),
		done:           make(chan struct{}),
	}

	go w.consumeEvents(events)
	go w.poll(ctx)

	return w
}

func (w *Watcher) consumeEvents(events <-chan ports.SessionEvent) {
	for evt := range events {
		w.touch()
		if evt.Kind == ports.SessionEventExit || (evt.Kind == ports.SessionEventStatus && evt.Status == "terminated") {
			w.Stop()
			return
		}
	}
	w.Stop()
}

func (w *Watcher) touch() {
	w.mu.Lock()
	w.lastActivityAt = time.Now()
	w.mu.Unlock()
}

// Stop releases the watcher's polling goroutine. It does not terminate the
// underlying session; it is idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.done)
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			if w.checkAndMaybeTerminate(ctx) {
				return
			}
		}
	}
}

func (w *Watcher) checkAndMaybeTerminate(ctx context.Context) bool {
	w.mu.Lock()
	lastActivity := w.lastActivityAt
	w.mu.Unlock()

	now := time.Now()
	var reason string
	if idle := now.Sub(lastActivity); idle > w.cfg.IdleTimeout {
		reason = fmt.Sprintf("Steward session idle for %s (timeout: %s)", idle.Round(time.Second), w.cfg.IdleTimeout.Round(time.Second))
	} else if age := now.Sub(w.startedAt); age > w.cfg.MaxDuration {
		reason = fmt.Sprintf("Steward session exceeded max duration (%s)", age.Round(time.Second))
	} else {
		return false
	}

	err := w.manager.StopSession(ctx, w.sessionID, ports.StopSessionOptions{Graceful: false, Reason: reason})
	if err != nil && !isNotFoundFailure(err) {
		w.log.Warn("failed to force-terminate session", zap.String("reason", reason), zap.Error(err))
	} else {
		w.log.Info("force-terminated session", zap.String("reason", reason))
	}
	w.Stop()
	return true
}

func isNotFoundFailure(err error) bool {
	if apperrors.IsNotFound(err) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

