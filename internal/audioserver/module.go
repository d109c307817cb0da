// Package audioserver module wiring.
package audioserver

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/hal"
)

// Module provides the mediation core.
var Module = fx.Module("audioserver",
	fx.Provide(NewServerWithLifecycle),
)

// ServerParams holds dependencies for NewServerWithLifecycle.
type ServerParams struct {
	fx.In
	Device hal.Device
	Logger *zap.Logger
	LC     fx.Lifecycle
}

// NewServerWithLifecycle builds the core and ties endpoint teardown to
// the application lifecycle.
func NewServerWithLifecycle(params ServerParams) (*Server, error) {
	s, err := New(params.Device, params.Logger)
	if err != nil {
		return nil, err
	}
	params.LC.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}
