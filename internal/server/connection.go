package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mailfold/mtad/internal/config"
	"github.com/mailfold/mtad/internal/logging"
)

// Connection wraps a net.Conn with timeout management, optional
// transaction logging, and in-place TLS upgrade for STARTTLS.
type Connection struct {
	logger      *slog.Logger
	mode        config.ListenerMode
	idleTimeout time.Duration
	logTx       bool

	mu           sync.Mutex
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	lastActivity time.Time
	closed       bool
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	Mode           config.ListenerMode
	IdleTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewConnection creates a new Connection wrapper.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		conn:         conn,
		logger:       logging.WithConnection(logger, conn.RemoteAddr().String()),
		mode:         cfg.Mode,
		idleTimeout:  cfg.IdleTimeout,
		logTx:        cfg.LogTransaction,
		lastActivity: time.Now(),
	}
	c.buildBuffers()
	return c
}

// buildBuffers wires the reader/writer over the current conn. Caller holds
// no buffered input when this runs (fresh connection or post-STARTTLS).
func (c *Connection) buildBuffers() {
	var r io.Reader = c.conn
	var w io.Writer = c.conn
	if c.logTx {
		r = logging.NewTransactionReader(c.conn, c.logger, "recv")
		w = logging.NewTransactionWriter(c.conn, c.logger, "send")
	}
	c.reader = bufio.NewReader(r)
	c.writer = bufio.NewWriter(w)
}

// Mode returns the mode of the listener that accepted this connection.
func (c *Connection) Mode() config.ListenerMode {
	return c.mode
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Reader returns the buffered reader for the connection.
func (c *Connection) Reader() *bufio.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

// Writer returns the buffered writer for the connection.
func (c *Connection) Writer() *bufio.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer
}

// Flush flushes the write buffer.
func (c *Connection) Flush() error {
	return c.Writer().Flush()
}

// SetReadDeadline sets the read deadline.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// ResetIdleTimeout resets the idle timeout deadline.
// Should be called after each successful read/write operation.
func (c *Connection) ResetIdleTimeout() error {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if c.idleTimeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.idleTimeout))
	}
	return nil
}

// UpgradeTLS replaces the transport with a server-side TLS layer and
// rebuilds the buffers. The SMTP session restarts after this, so no
// buffered plaintext may be pending.
func (c *Connection) UpgradeTLS(cfg *tls.Config) error {
	if err := c.Flush(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.conn = tlsConn
	c.buildBuffers()
	c.logger.Debug("TLS established",
		slog.Uint64("version", uint64(tlsConn.ConnectionState().Version)))
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Debug("connection closed")
	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IsTLS returns true if the connection is encrypted with TLS.
func (c *Connection) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// IdleMonitor runs in a goroutine to monitor for idle connections.
// It closes the connection once the idle timeout is exceeded and stops
// when the context is cancelled or the connection closes.
func (c *Connection) IdleMonitor(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()

			if idle >= c.idleTimeout {
				c.logger.Info("closing idle connection",
					slog.Duration("idle_time", idle))
				if err := c.Close(); err != nil {
					c.logger.Debug("error closing idle connection",
						slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}
