// Package logdispatch is the default ports.Dispatch: it logs the
// notification through the structured logger instead of delivering it,
// standing in for the real Dispatch Service client in a standalone
// deployment.
package logdispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stewards/internal/common/logger"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

// Dispatcher is the in-process ports.Dispatch implementation.
type Dispatcher struct {
	log *logger.Logger
}

// New returns a Dispatcher that logs through log, or the package default
// logger if log is nil.
func New(log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{log: log}
}

// NotifyAgent logs the notification that would have been posted into the
// agent's channel.
func (d *Dispatcher) NotifyAgent(ctx context.Context, agentID, kind string, body string, meta map[string]any) error {
	d.log.WithFields(
		zap.String("agentId", agentID),
		zap.String("kind", kind),
		zap.Any("meta", meta),
	).Info(body)
	return nil
}

var _ ports.Dispatch = (*Dispatcher)(nil)
