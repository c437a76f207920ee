package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mailfold/mtad/internal/config"
	"github.com/mailfold/mtad/internal/logging"
)

// ConnectionHandler is called for each new connection.
// It receives the context and connection, and should run the SMTP session.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// Listener manages a single TCP listener for accepting SMTP connections.
// Relay listeners take MTA-to-MTA traffic; submission listeners take
// authenticated client traffic. Both start in plaintext and may upgrade
// via STARTTLS.
type Listener struct {
	address   string
	mode      config.ListenerMode
	tlsConfig *tls.Config
	connCfg   ConnectionConfig
	handler   ConnectionHandler
	logger    *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// ListenerConfig holds configuration for creating a new Listener.
type ListenerConfig struct {
	Address        string
	Mode           config.ListenerMode
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
}

// NewListener creates a new Listener with the given configuration.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		address:   cfg.Address,
		mode:      cfg.Mode,
		tlsConfig: cfg.TLSConfig,
		connCfg: ConnectionConfig{
			Mode:           cfg.Mode,
			IdleTimeout:    cfg.IdleTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         logger,
		},
		handler: cfg.Handler,
		logger:  logging.WithListener(logger, cfg.Address, string(cfg.Mode)),
	}
}

// Start begins listening for connections.
// It blocks until the context is cancelled or an unrecoverable error occurs.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info("listener started",
		slog.String("address", ln.Addr().String()),
		slog.String("mode", string(l.mode)))

	go l.acceptLoop(ctx)

	<-ctx.Done()

	l.logger.Info("listener shutting down")

	if err := l.Close(); err != nil {
		l.logger.Debug("error closing listener",
			slog.String("error", err.Error()))
	}

	// Wait for all connections to complete
	l.wg.Wait()

	l.logger.Info("listener stopped")
	return ctx.Err()
}

// acceptLoop accepts connections until the listener is closed.
func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()

			if closed {
				return
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				l.logger.Warn("temporary accept error",
					slog.String("error", err.Error()))
				time.Sleep(5 * time.Millisecond)
				continue
			}

			l.logger.Error("accept error",
				slog.String("error", err.Error()))
			return
		}

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection wraps a connection and calls the handler.
func (l *Listener) handleConnection(ctx context.Context, netConn net.Conn) {
	defer l.wg.Done()

	conn := NewConnection(netConn, l.connCfg)

	conn.Logger().Info("connection accepted")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connCtx = logging.NewContext(connCtx, conn.Logger())

	if err := conn.ResetIdleTimeout(); err != nil {
		conn.Logger().Error("failed to set initial timeout",
			slog.String("error", err.Error()))
		_ = conn.Close()
		return
	}

	go conn.IdleMonitor(connCtx)

	if l.handler != nil {
		l.handler(connCtx, conn)
	}

	_ = conn.Close()
	conn.Logger().Info("connection closed")
}

// Close stops the listener from accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.address
}

// Mode returns the listener's mode.
func (l *Listener) Mode() config.ListenerMode {
	return l.mode
}

// TLSConfig returns the TLS configuration used for STARTTLS, if any.
func (l *Listener) TLSConfig() *tls.Config {
	return l.tlsConfig
}
