// Package server assembles a chart worker from its configuration.
//
// One Server owns the state every connection shares: the callback table,
// the plugin and mutator bindings, the main script sandbox and the
// extension packs that feed them. Each connection gets its own engine,
// chart registry and worker, so charts never leak between hosts.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/callback"
	"github.com/woxQAQ/chart-worker/internal/config"
	"github.com/woxQAQ/chart-worker/internal/engine/headless"
	"github.com/woxQAQ/chart-worker/internal/extension"
	"github.com/woxQAQ/chart-worker/internal/interact"
	"github.com/woxQAQ/chart-worker/internal/pipeline"
	"github.com/woxQAQ/chart-worker/internal/registry"
	"github.com/woxQAQ/chart-worker/internal/script"
	"github.com/woxQAQ/chart-worker/internal/transport"
	"github.com/woxQAQ/chart-worker/internal/wasm"
	"github.com/woxQAQ/chart-worker/internal/worker"
)

// Server serves the worker protocol.
type Server struct {
	cfg    *config.WorkerConfig
	logger *zap.Logger

	runtime        *wasm.Runtime
	table          *callback.Table
	plugins        *pipeline.Plugins
	mutators       *pipeline.Mutators
	sandbox        *script.Sandbox
	derationalizer *callback.Derationalizer
	extensions     *extension.Manager
}

// NewServer creates a server and loads the configured extension packs.
// Packs that fail to load are logged and skipped.
func NewServer(ctx context.Context, cfg *config.WorkerConfig, logger *zap.Logger) (*Server, error) {
	wasmConfig := &wasm.RuntimeConfig{
		MemoryPages:      cfg.Wasm.MemoryPages,
		DebugEnabled:     cfg.Wasm.Debug,
		CacheDir:         cfg.Wasm.CacheDir,
		MaxInstances:     cfg.Wasm.MaxInstances,
		ExecutionTimeout: cfg.Wasm.ExecutionTimeoutDuration(),
	}

	runtime, err := wasm.NewRuntime(ctx, logger, wasmConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create wasm runtime: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "server")),
		runtime:  runtime,
		table:    callback.NewTable(logger),
		plugins:  pipeline.NewPlugins(logger),
		mutators: pipeline.NewMutators(logger),
		sandbox:  script.New("main", logger, &script.Config{Timeout: cfg.ScriptTimeout()}),
	}
	if err := pipeline.Bind(s.sandbox, s.plugins, s.table); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to bind script helpers: %w", err)
	}
	s.derationalizer = callback.NewDerationalizer(s.table, s.sandbox)

	s.extensions = extension.NewManager(cfg, runtime, extension.Bindings{
		Table:    s.table,
		Plugins:  s.plugins,
		Mutators: s.mutators,
	}, logger)
	if err := s.extensions.LoadAll(ctx); err != nil {
		s.logger.Warn("Some extensions failed to load", zap.Error(err))
	}

	s.logger.Info("Server initialized",
		zap.String("transport", cfg.Transport.Mode),
		zap.Int("extensions", s.extensions.Registry().Count()),
		zap.Int("callbacks", s.table.Len()),
	)
	return s, nil
}

// Extensions returns the extension manager.
func (s *Server) Extensions() *extension.Manager {
	return s.extensions
}

// Callbacks returns the shared callback table.
func (s *Server) Callbacks() *callback.Table {
	return s.table
}

// newWorker builds the per-connection half of the worker.
func (s *Server) newWorker() *worker.Worker {
	engine := headless.New(s.logger, &headless.Config{
		LegendItemWidth:  s.cfg.Engine.LegendItemWidth,
		LegendItemHeight: s.cfg.Engine.LegendItemHeight,
	})
	reg := registry.New(s.logger)
	pipe := pipeline.New(s.sandbox, s.derationalizer, s.mutators, engine, s.logger)
	return worker.New(engine, pipe, s.derationalizer, reg, interact.New(reg, s.logger), s.logger)
}

// Handle serves one connection until it closes or ctx is done, then
// destroys the charts it created.
func (s *Server) Handle(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	w := s.newWorker()
	defer func() {
		if err := w.Close(); err != nil {
			s.logger.Warn("Failed to destroy charts on disconnect", zap.Error(err))
		}
	}()
	return w.Serve(ctx, conn)
}

// ServeStream serves newline-delimited JSON over r and w.
func (s *Server) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	s.logger.Info("Serving on stream")
	return s.Handle(ctx, transport.NewStreamConn(r, w, nil))
}

// ServeStdio serves on standard input and output.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.ServeStream(ctx, os.Stdin, os.Stdout)
}

func (s *Server) websocketServer() *transport.WebSocketServer {
	return transport.NewWebSocketServer(transport.ServerConfig{
		Address:           s.cfg.Transport.Address,
		Path:              s.cfg.Transport.Path,
		HeartbeatInterval: s.cfg.HeartbeatInterval(),
	}, s.Handle, s.logger)
}

// ServeWebSocket listens on the configured address until ctx is done.
func (s *Server) ServeWebSocket(ctx context.Context) error {
	s.logger.Info("Serving websocket", zap.String("address", s.cfg.Transport.Address), zap.String("path", s.cfg.Transport.Path))
	return s.websocketServer().ListenAndServe(ctx)
}

// ServeListener serves websocket connections accepted on ln.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	return s.websocketServer().Serve(ctx, ln)
}

// Run starts the extension watcher when enabled and serves on the
// configured transport.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.WatchExtensions {
		w, err := extension.NewWatcher(s.extensions, s.cfg.ExtensionPaths, s.logger)
		if err != nil {
			return fmt.Errorf("failed to start extension watcher: %w", err)
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				s.logger.Error("Extension watcher stopped", zap.Error(err))
			}
		}()
	}

	switch s.cfg.Transport.Mode {
	case config.TransportWebSocket:
		return s.ServeWebSocket(ctx)
	default:
		return s.ServeStdio(ctx)
	}
}

// Close unloads every extension and releases the wasm runtime.
func (s *Server) Close(ctx context.Context) error {
	var err error
	if s.extensions != nil {
		err = multierr.Append(err, s.extensions.Shutdown(ctx))
	}
	s.table.Reset()
	return err
}
