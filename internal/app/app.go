// Package app provides the main application structure and lifecycle management.
package app

import (
	"context"

	"go.uber.org/fx"

	"github.com/aurelia-audio/aurelia/internal/audioserver"
	"github.com/aurelia-audio/aurelia/internal/config"
	"github.com/aurelia-audio/aurelia/internal/control"
	"github.com/aurelia-audio/aurelia/internal/hal"
	"github.com/aurelia-audio/aurelia/internal/infrastructure"
)

// Application represents the main application with its lifecycle.
type Application struct {
	app *fx.App
}

// New assembles the service from its modules: configuration, logging,
// the hardware layer, the mediation core and the control surface.
func New(configPath string, extra ...fx.Option) *Application {
	options := []fx.Option{
		fx.Supply(configPath),
		config.Module,
		infrastructure.LoggerModule,
		fx.WithLogger(infrastructure.NewFxLoggerAdapter),
		hal.Module,
		audioserver.Module,
		control.Module,
		fx.Invoke(func(*control.Server) {}),
	}
	options = append(options, extra...)

	return &Application{app: fx.New(options...)}
}

// Run starts the application and blocks until it's stopped.
func (a *Application) Run() {
	a.app.Run()
}

// Start runs the OnStart hooks without blocking.
func (a *Application) Start(ctx context.Context) error {
	return a.app.Start(ctx)
}

// Stop gracefully stops the application.
func (a *Application) Stop(ctx context.Context) error {
	return a.app.Stop(ctx)
}
