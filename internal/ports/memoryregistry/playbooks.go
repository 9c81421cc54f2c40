package memoryregistry

import (
	"context"
	"sync"

	"github.com/stoneforge-ai/stewards/internal/common/apperrors"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

// PlaybookStore is the default in-memory ports.PlaybookResolver and
// ports.RolePromptLoader: a static map from id/role to markdown content.
type PlaybookStore struct {
	mu        sync.RWMutex
	playbooks map[string]string
	rolePrompts map[string]string
}

// NewPlaybookStore returns an empty playbook/role-prompt store.
func NewPlaybookStore() *PlaybookStore {
	return &PlaybookStore{
		playbooks:   make(map[string]string),
		rolePrompts: make(map[string]string),
	}
}

// SetPlaybook registers markdown content under playbookID.
func (p *PlaybookStore) SetPlaybook(playbookID, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playbooks[playbookID] = content
}

// SetRolePrompt registers a base prompt for a steward role (e.g. "steward/docs").
func (p *PlaybookStore) SetRolePrompt(role, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolePrompts[role] = content
}

// ResolvePlaybookContent implements ports.PlaybookResolver.
func (p *PlaybookStore) ResolvePlaybookContent(ctx context.Context, playbookID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	content, ok := p.playbooks[playbookID]
	if !ok {
		return "", apperrors.NotFound("playbook", playbookID)
	}
	return content, nil
}

// LoadRolePrompt implements ports.RolePromptLoader.
func (p *PlaybookStore) LoadRolePrompt(ctx context.Context, role string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	content, ok := p.rolePrompts[role]
	return content, ok, nil
}

var (
	_ ports.PlaybookResolver  = (*PlaybookStore)(nil)
	_ ports.RolePromptLoader = (*PlaybookStore)(nil)
)
