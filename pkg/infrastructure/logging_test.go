package infrastructure_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aurelia-audio/aurelia/pkg/infrastructure"
)

func TestNewFxLoggerAdapter(t *testing.T) {
	adapter := infrastructure.NewFxLoggerAdapter(zaptest.NewLogger(t))
	require.NotNil(t, adapter)

	var _ fxevent.Logger = adapter
}

func TestFxLoggerAdapterLogEvent(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	adapter := infrastructure.NewFxLoggerAdapter(zap.New(core))

	events := []fxevent.Event{
		&fxevent.OnStartExecuting{FunctionName: "testFunc", CallerName: "testCaller"},
		&fxevent.OnStartExecuted{FunctionName: "testFunc", CallerName: "testCaller"},
		&fxevent.Provided{OutputTypeNames: []string{"*zap.Logger"}},
		&fxevent.Invoking{FunctionName: "testFunc"},
		&fxevent.Started{},
	}
	for _, event := range events {
		adapter.LogEvent(event)
	}
	assert.Equal(t, len(events), logs.Len())
}

func TestFxLoggerAdapterErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	adapter := infrastructure.NewFxLoggerAdapter(zap.New(core))

	testError := errors.New("test error")
	adapter.LogEvent(&fxevent.OnStartExecuted{
		FunctionName: "testFunc", CallerName: "testCaller", Err: testError,
	})
	adapter.LogEvent(&fxevent.Started{Err: testError})
	adapter.LogEvent(&fxevent.LoggerInitialized{ConstructorName: "ctor", Err: testError})

	for _, entry := range logs.All() {
		assert.Equal(t, zap.ErrorLevel, entry.Level)
	}
	assert.Equal(t, 3, logs.Len())
}

func TestFxIntegration(t *testing.T) {
	logger := zaptest.NewLogger(t)

	app := fx.New(
		fx.WithLogger(infrastructure.NewFxLoggerAdapter),
		fx.Provide(func() *zap.Logger { return logger }),
		fx.Invoke(func(*zap.Logger) {}),
	)
	require.NotNil(t, app)
	require.NoError(t, app.Err())
}
