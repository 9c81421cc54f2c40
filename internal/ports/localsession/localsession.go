// Package localsession is the default ports.SessionManager: it spawns the
// configured agent command as a local subprocess and turns its stdout
// lines and exit status into an event/exit/status stream, using local
// (non-distributed) session bookkeeping rather than a remote session
// broker.
package localsession

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stoneforge-ai/stewards/internal/common/apperrors"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

// CommandFactory builds the subprocess command used to start an agent
// session. Implementations typically template in opts.InitialPrompt as a
// CLI flag or stdin payload.
type CommandFactory func(ctx context.Context, agentID string, opts ports.StartSessionOptions) *exec.Cmd

type liveSession struct {
	session ports.Session
	events  chan ports.SessionEvent
	cmd     *exec.Cmd
}

// Manager is the in-memory ports.SessionManager implementation.
type Manager struct {
	mu       sync.RWMutex
	byAgent  map[string]*liveSession
	byID     map[string]*liveSession
	newCmd   CommandFactory
}

// New returns a Manager that starts sessions via newCmd.
func New(newCmd CommandFactory) *Manager {
	return &Manager{
		byAgent: make(map[string]*liveSession),
		byID:    make(map[string]*liveSession),
		newCmd:  newCmd,
	}
}

// StartSession spawns the agent command and returns immediately with a
// buffered event channel that receives one SessionEventData per stdout
// line, followed by a terminal SessionEventStatus and SessionEventExit
// once the process ends.
func (m *Manager) StartSession(ctx context.Context, agentID string, opts ports.StartSessionOptions) (ports.Session, <-chan ports.SessionEvent, error) {
	cmd := m.newCmd(ctx, agentID, opts)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ports.Session{}, nil, apperrors.Internal("attaching session stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return ports.Session{}, nil, apperrors.Internal("starting session process", err)
	}

	session := ports.Session{ID: uuid.NewString(), AgentID: agentID, StartedAt: time.Now()}
	events := make(chan ports.SessionEvent, 64)
	live := &liveSession{session: session, events: events, cmd: cmd}

	m.mu.Lock()
	m.byAgent[agentID] = live
	m.byID[session.ID] = live
	m.mu.Unlock()

	go m.pump(agentID, live, stdout)

	return session, events, nil
}

func (m *Manager) pump(agentID string, live *liveSession, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		live.events <- ports.SessionEvent{Kind: ports.SessionEventData, Payload: map[string]any{"line": scanner.Text()}}
	}

	waitErr := live.cmd.Wait()
	status := "completed"
	if waitErr != nil {
		status = "failed"
	}
	live.events <- ports.SessionEvent{Kind: ports.SessionEventStatus, Status: "terminated", Payload: map[string]any{"outcome": status}}
	live.events <- ports.SessionEvent{Kind: ports.SessionEventExit, Payload: map[string]any{"outcome": status}}
	close(live.events)

	m.mu.Lock()
	delete(m.byAgent, agentID)
	delete(m.byID, live.session.ID)
	m.mu.Unlock()
}

// GetActiveSession reports the currently running session for agentID, if
// any.
func (m *Manager) GetActiveSession(ctx context.Context, agentID string) (ports.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	live, ok := m.byAgent[agentID]
	if !ok {
		return ports.Session{}, false, nil
	}
	return live.session, true, nil
}

// StopSession terminates the process backing sessionID. Stopping a session
// that no longer exists is a no-op (apperrors.NotFound) rather than a
// termination failure.
func (m *Manager) StopSession(ctx context.Context, sessionID string, opts ports.StopSessionOptions) error {
	m.mu.RLock()
	live, ok := m.byID[sessionID]
	m.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}

	if opts.Graceful && live.cmd.Process != nil {
		_ = live.cmd.Process.Signal(os.Interrupt)
		return nil
	}
	if live.cmd.Process != nil {
		return live.cmd.Process.Kill()
	}
	return nil
}

var _ ports.SessionManager = (*Manager)(nil)
