package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stewards/internal/ports"
	"github.com/stoneforge-ai/stewards/internal/sessionmonitor"
)

type fakeSessions struct {
	active  map[string]ports.Session
	started []string
}

func (f *fakeSessions) StartSession(ctx context.Context, agentID string, opts ports.StartSessionOptions) (ports.Session, <-chan ports.SessionEvent, error) {
	f.started = append(f.started, agentID)
	ch := make(chan ports.SessionEvent)
	close(ch)
	return ports.Session{ID: "sess-" + agentID, AgentID: agentID}, ch, nil
}
func (f *fakeSessions) GetActiveSession(ctx context.Context, agentID string) (ports.Session, bool, error) {
	s, ok := f.active[agentID]
	return s, ok, nil
}
func (f *fakeSessions) StopSession(ctx context.Context, sessionID string, opts ports.StopSessionOptions) error {
	return nil
}

var _ ports.SessionManager = (*fakeSessions)(nil)

type fakeRolePrompts struct{ prompt string }

func (f fakeRolePrompts) LoadRolePrompt(ctx context.Context, role string) (string, bool, error) {
	return f.prompt, f.prompt != "", nil
}

type fakePlaybooks struct {
	content map[string]string
}

func (f fakePlaybooks) ResolvePlaybookContent(ctx context.Context, playbookID string) (string, error) {
	if c, ok := f.content[playbookID]; ok {
		return c, nil
	}
	return "", assertErr{}
}

type assertErr struct{}

func (assertErr) Error() string { return "not found" }

func TestDispatch_UnknownFocusReturnsFailure(t *testing.T) {
	exec := NewExecutor(Dependencies{})
	result, err := exec(context.Background(), ports.Steward{Focus: "weird"}, ports.Trigger{}, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "Unknown steward focus")
}

func TestDispatch_MergeFocusWithoutMergeStewardFails(t *testing.T) {
	exec := NewExecutor(Dependencies{})
	result, err := exec(context.Background(), ports.Steward{Focus: ports.FocusMerge}, ports.Trigger{}, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestDispatch_DocsFocusSkipsWhenSessionAlreadyActive(t *testing.T) {
	sessions := &fakeSessions{active: map[string]ports.Session{"docs-steward": {ID: "existing-1"}}}
	exec := NewExecutor(Dependencies{Sessions: sessions})

	result, err := exec(context.Background(), ports.Steward{ID: "docs-steward", Focus: ports.FocusDocs}, ports.Trigger{}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "already has active session")
	assert.Empty(t, sessions.started)
}

func TestDispatch_DocsFocusStartsSession(t *testing.T) {
	sessions := &fakeSessions{active: map[string]ports.Session{}}
	exec := NewExecutor(Dependencies{Sessions: sessions, RolePrompts: fakeRolePrompts{prompt: "base prompt"}, MonitorCfg: shortMonitorCfg()})

	result, err := exec(context.Background(), ports.Steward{ID: "docs-steward", Focus: ports.FocusDocs}, ports.Trigger{}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.ItemsProcessed)
	assert.Contains(t, sessions.started, "docs-steward")
}

func TestDispatch_CustomFocusWithoutPlaybookFails(t *testing.T) {
	sessions := &fakeSessions{active: map[string]ports.Session{}}
	exec := NewExecutor(Dependencies{Sessions: sessions})

	result, err := exec(context.Background(), ports.Steward{ID: "custom-1", Focus: ports.FocusCustom}, ports.Trigger{}, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no playbook configured")
}

func TestDispatch_CustomFocusUsesInlinePlaybookWhenIDMissing(t *testing.T) {
	sessions := &fakeSessions{active: map[string]ports.Session{}}
	exec := NewExecutor(Dependencies{Sessions: sessions, MonitorCfg: shortMonitorCfg()})

	steward := ports.Steward{ID: "custom-1", Focus: ports.FocusCustom, Playbook: "do the thing"}
	result, err := exec(context.Background(), steward, ports.Trigger{}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, sessions.started, "custom-1")
}

func TestDispatch_CustomFocusResolvesPlaybookByID(t *testing.T) {
	sessions := &fakeSessions{active: map[string]ports.Session{}}
	playbooks := fakePlaybooks{content: map[string]string{"pb-1": "playbook body"}}
	exec := NewExecutor(Dependencies{Sessions: sessions, Playbooks: playbooks, MonitorCfg: shortMonitorCfg()})

	steward := ports.Steward{ID: "custom-1", Focus: ports.FocusCustom, PlaybookID: "pb-1"}
	result, err := exec(context.Background(), steward, ports.Trigger{}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func shortMonitorCfg() sessionmonitor.Config {
	return sessionmonitor.Config{IdleTimeout: time.Hour, MaxDuration: time.Hour}
}
