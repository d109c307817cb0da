// Package infrastructure provides reusable infrastructure components for Go applications.
package infrastructure

import (
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// FxLoggerAdapter routes Fx framework events through a zap.Logger so
// application and framework logs share one structured stream.
type FxLoggerAdapter struct {
	logger *zap.Logger
}

// NewFxLoggerAdapter creates a new Fx logger adapter that implements fxevent.Logger.
func NewFxLoggerAdapter(logger *zap.Logger) fxevent.Logger {
	return &FxLoggerAdapter{logger: logger}
}

// LogEvent implements fxevent.Logger.
func (p *FxLoggerAdapter) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuting:
		p.logger.Debug("fx hook OnStart executing",
			zap.String("caller", e.CallerName), zap.String("function", e.FunctionName))
	case *fxevent.OnStartExecuted:
		p.hookExecuted("OnStart", e.CallerName, e.FunctionName, e.Runtime.String(), e.Err)
	case *fxevent.OnStopExecuting:
		p.logger.Debug("fx hook OnStop executing",
			zap.String("caller", e.CallerName), zap.String("function", e.FunctionName))
	case *fxevent.OnStopExecuted:
		p.hookExecuted("OnStop", e.CallerName, e.FunctionName, e.Runtime.String(), e.Err)
	case *fxevent.Supplied:
		if e.Err != nil {
			p.logger.Error("fx supply failed", zap.String("type", e.TypeName), zap.Error(e.Err))
		} else {
			p.logger.Debug("fx supplied", zap.String("type", e.TypeName))
		}
	case *fxevent.Provided:
		if e.Err != nil {
			p.logger.Error("fx provide failed", zap.Error(e.Err))
		} else {
			p.logger.Debug("fx provided", zap.Strings("types", e.OutputTypeNames))
		}
	case *fxevent.Invoking:
		p.logger.Debug("fx invoking", zap.String("function", e.FunctionName))
	case *fxevent.Invoked:
		if e.Err != nil {
			p.logger.Error("fx invoke failed",
				zap.String("function", e.FunctionName), zap.Error(e.Err))
		} else {
			p.logger.Debug("fx invoked", zap.String("function", e.FunctionName))
		}
	case *fxevent.Stopping:
		p.logger.Info("fx stopping", zap.String("signal", e.Signal.String()))
	case *fxevent.Stopped:
		p.simple("fx stopped", e.Err)
	case *fxevent.RollingBack:
		p.logger.Error("fx rolling back", zap.Error(e.StartErr))
	case *fxevent.RolledBack:
		p.simple("fx rolled back", e.Err)
	case *fxevent.Started:
		p.simple("fx started", e.Err)
	case *fxevent.LoggerInitialized:
		if e.Err != nil {
			p.logger.Error("fx logger initialization failed", zap.Error(e.Err))
		} else {
			p.logger.Debug("fx logger initialized", zap.String("constructor", e.ConstructorName))
		}
	default:
		p.logger.Debug("fx event", zap.Any("event", event))
	}
}

func (p *FxLoggerAdapter) hookExecuted(hook, caller, function, runtime string, err error) {
	if err != nil {
		p.logger.Error("fx hook failed",
			zap.String("hook", hook), zap.String("caller", caller),
			zap.String("function", function), zap.Error(err))
		return
	}
	p.logger.Debug("fx hook executed",
		zap.String("hook", hook), zap.String("caller", caller),
		zap.String("function", function), zap.String("runtime", runtime))
}

func (p *FxLoggerAdapter) simple(msg string, err error) {
	if err != nil {
		p.logger.Error(msg, zap.Error(err))
		return
	}
	p.logger.Info(msg)
}
