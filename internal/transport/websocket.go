package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const writeTimeout = 30 * time.Second

// WSConn frames messages as websocket text messages.
type WSConn struct {
	c *websocket.Conn
}

var _ Conn = (*WSConn)(nil)

// NewWSConn wraps an established websocket connection.
func NewWSConn(c *websocket.Conn) *WSConn {
	c.SetReadLimit(MaxLineSize)
	return &WSConn{c: c}
}

// Dial connects to a worker listening at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*WSConn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWSConn(c), nil
}

// Read returns the next message without surrounding whitespace. A normal
// close by the peer is io.EOF.
func (c *WSConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.c.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	// wsjson terminates every message with a newline.
	return bytes.TrimSpace(data), nil
}

// Write sends v as one JSON text message.
func (c *WSConn) Write(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.c, v)
}

// Close performs a normal closing handshake.
func (c *WSConn) Close() error {
	return c.c.Close(websocket.StatusNormalClosure, "")
}

// Handler serves one accepted connection until it returns.
type Handler func(ctx context.Context, conn Conn) error

// ServerConfig configures a WebSocketServer.
type ServerConfig struct {
	Address string
	Path    string
	// HeartbeatInterval is the ping period. Zero disables pings.
	HeartbeatInterval time.Duration
	// OriginPatterns lists extra host patterns allowed to connect from a
	// different origin.
	OriginPatterns []string
}

// WebSocketServer accepts websocket connections and hands each to a
// Handler. Every connection gets its own handler call.
type WebSocketServer struct {
	config  ServerConfig
	handler Handler
	logger  *zap.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewWebSocketServer creates a server.
func NewWebSocketServer(config ServerConfig, handler Handler, logger *zap.Logger) *WebSocketServer {
	if config.Path == "" {
		config.Path = "/"
	}
	return &WebSocketServer{
		config:  config,
		handler: handler,
		logger:  logger.With(zap.String("component", "websocket-server")),
	}
}

// ListenAndServe listens on the configured address and serves until ctx
// is done.
func (s *WebSocketServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then waits for the
// open connections to finish.
func (s *WebSocketServer) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, func(w http.ResponseWriter, r *http.Request) {
		s.accept(ctx, w, r)
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	s.logger.Info("WebSocket server listening",
		zap.String("address", ln.Addr().String()),
		zap.String("path", s.config.Path),
	)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	// Hijacked connections are not tracked by the http server.
	s.wg.Wait()
	s.logger.Info("WebSocket server stopped")
	return err
}

func (s *WebSocketServer) accept(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
		OriginPatterns:  s.config.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}
	defer c.Close(websocket.StatusInternalError, "worker exited")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.config.HeartbeatInterval > 0 {
		go heartbeat(connCtx, c, s.config.HeartbeatInterval)
	}

	s.logger.Info("Client connected", zap.String("remote", r.RemoteAddr))
	if err := s.handler(connCtx, NewWSConn(c)); err != nil {
		s.logger.Error("Connection handler failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("Client disconnected", zap.String("remote", r.RemoteAddr))
}

// heartbeat pings c every interval and closes it when a pong does not
// arrive within the next interval. Pongs are only read while the
// handler is reading.
func heartbeat(ctx context.Context, c *websocket.Conn, interval time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}

		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := c.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				c.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			}
			return
		}
		t.Reset(interval)
	}
}
