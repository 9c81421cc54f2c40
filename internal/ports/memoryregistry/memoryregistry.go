// Package memoryregistry is the default in-process ports.AgentRegistry: a
// static map of agents and stewards with channel refs, useful for running
// the daemon standalone and in tests without a real registry service.
package memoryregistry

import (
	"context"
	"sync"

	"github.com/stoneforge-ai/stewards/internal/common/apperrors"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

// Registry is a static, in-memory agent/steward registry.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]ports.Agent
	channels map[string]ports.ChannelRef
	stewards []ports.Steward
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		agents:   make(map[string]ports.Agent),
		channels: make(map[string]ports.ChannelRef),
	}
}

// AddAgent registers an agent, optionally with a notification channel.
func (r *Registry) AddAgent(agent ports.Agent, channel *ports.ChannelRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
	if channel != nil {
		r.channels[agent.ID] = *channel
	}
}

// SetStewards replaces the list returned by GetStewards.
func (r *Registry) SetStewards(stewards []ports.Steward) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stewards = stewards
}

func (r *Registry) GetAgent(ctx context.Context, id string) (ports.Agent, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok, nil
}

func (r *Registry) GetStewards(ctx context.Context) ([]ports.Steward, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.Steward, len(r.stewards))
	copy(out, r.stewards)
	return out, nil
}

func (r *Registry) GetAgentChannel(ctx context.Context, agentID string) (ports.ChannelRef, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[agentID]
	return c, ok, nil
}

func (r *Registry) UpdateAgentMetadata(ctx context.Context, agentID string, patch map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	if a.Metadata == nil {
		a.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		a.Metadata[k] = v
	}
	r.agents[agentID] = a
	return nil
}

var _ ports.AgentRegistry = (*Registry)(nil)
