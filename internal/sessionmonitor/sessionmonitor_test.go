package sessionmonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stewards/internal/common/apperrors"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

type fakeSessionManager struct {
	mu      sync.Mutex
	stopped []string
	missing bool
}

func (f *fakeSessionManager) StartSession(ctx context.Context, agentID string, opts ports.StartSessionOptions) (ports.Session, <-chan ports.SessionEvent, error) {
	return ports.Session{}, nil, nil
}
func (f *fakeSessionManager) GetActiveSession(ctx context.Context, agentID string) (ports.Session, bool, error) {
	return ports.Session{}, false, nil
}
func (f *fakeSessionManager) StopSession(ctx context.Context, sessionID string, opts ports.StopSessionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return apperrors.NotFound("session", sessionID)
	}
	f.stopped = append(f.stopped, sessionID)
	return nil
}

var _ ports.SessionManager = (*fakeSessionManager)(nil)

func TestWatcher_ForceTerminatesOnIdleTimeout(t *testing.T) {
	mgr := &fakeSessionManager{}
	events := make(chan ports.SessionEvent)

	w := Watch(context.Background(), Config{IdleTimeout: 20 * time.Millisecond, MaxDuration: time.Hour}, mgr, "sess-1", events, nil)
	defer w.Stop()

	// Force an immediate poll by shrinking the interval's effective wait:
	// pollInterval is min(idle/2, 30s) = 10ms here.
	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return len(mgr.stopped) == 1 && mgr.stopped[0] == "sess-1"
	}, time.Second, 5*time.Millisecond)
}

func TestWatcher_ExitEventStopsWatcherWithoutTerminating(t *testing.T) {
	mgr := &fakeSessionManager{}
	events := make(chan ports.SessionEvent, 1)
	events <- ports.SessionEvent{Kind: ports.SessionEventExit}
	close(events)

	w := Watch(context.Background(), Config{IdleTimeout: time.Hour, MaxDuration: time.Hour}, mgr, "sess-2", events, nil)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.stopped
	}, time.Second, 5*time.Millisecond)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	assert.Empty(t, mgr.stopped)
}

func TestWatcher_NotFoundTerminationFailureIsSuppressed(t *testing.T) {
	mgr := &fakeSessionManager{missing: true}
	events := make(chan ports.SessionEvent)

	w := Watch(context.Background(), Config{IdleTimeout: 10 * time.Millisecond, MaxDuration: time.Hour}, mgr, "sess-3", events, nil)
	defer w.Stop()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.stopped
	}, time.Second, 5*time.Millisecond)
}
