// Package control module wiring.
package control

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/audioserver"
	"github.com/aurelia-audio/aurelia/internal/config"
)

// Module provides the control surface.
var Module = fx.Module("control",
	fx.Provide(NewServerWithLifecycle),
)

// ServerParams holds dependencies for NewServerWithLifecycle.
type ServerParams struct {
	fx.In
	Cfg    *config.Config
	Core   *audioserver.Server
	Logger *zap.Logger
	LC     fx.Lifecycle
}

// NewServerWithLifecycle builds the control surface and ties its
// listener to the application lifecycle.
func NewServerWithLifecycle(params ServerParams) *Server {
	s := NewServer(Config{Addr: params.Cfg.Control.Addr}, params.Core, params.Logger)
	params.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
	return s
}
