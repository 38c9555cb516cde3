package wasm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/chart-worker/api/wasm"
)

// HostFunctions implements the functions guest modules import from
// the "host" module.
type HostFunctions struct {
	logger *zap.Logger
	debug  bool
}

// NewHostFunctions creates the host module implementation.
func NewHostFunctions(logger *zap.Logger, debug bool) *HostFunctions {
	return &HostFunctions{
		logger: logger.With(zap.String("component", "wasm-host")),
		debug:  debug,
	}
}

// Instantiate installs the host module into r. It must run once, before
// any guest that imports it is instantiated.
func (h *HostFunctions) Instantiate(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(abi.HostModule).
		NewFunctionBuilder().
		WithFunc(h.logMessage).
		WithParameterNames("level", "ptr", "len").
		Export(abi.LogMessageFunc).
		Instantiate(ctx)
	return err
}

// logMessage(level, ptr, len) logs a guest string.
func (h *HostFunctions) logMessage(_ context.Context, mod api.Module, level, ptr, length uint32) {
	mem := mod.Memory()
	if mem == nil {
		h.logger.Error("Guest without memory called log_message", zap.String("instance", mod.Name()))
		return
	}
	msg, ok := mem.Read(ptr, length)
	if !ok {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.String("instance", mod.Name()),
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}

	fields := []zap.Field{zap.String("instance", mod.Name())}
	switch level {
	case abi.LogDebug:
		if h.debug {
			h.logger.Debug(string(msg), fields...)
		}
	case abi.LogWarn:
		h.logger.Warn(string(msg), fields...)
	case abi.LogError:
		h.logger.Error(string(msg), fields...)
	default:
		h.logger.Info(string(msg), fields...)
	}
}
