package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/mailfold/mtad/internal/auth"
	"github.com/mailfold/mtad/internal/config"
	"github.com/mailfold/mtad/internal/metrics"
	"github.com/mailfold/mtad/internal/policy"
	"github.com/mailfold/mtad/internal/queue"
	"github.com/mailfold/mtad/internal/server"
)

// Handler drives the SMTP command loop for incoming connections. One
// Handler serves all listeners; per-listener mode is bound by Handle.
type Handler struct {
	hostname  string
	limits    config.LimitsConfig
	tlsCfg    config.TLSConfig
	authCfg   config.AuthConfig
	auth      *auth.Service
	policy    *policy.Service
	queue     *queue.Service
	collector metrics.Collector
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// NewHandler creates a protocol handler over the given services.
// tlsConfig may be nil, which disables STARTTLS.
func NewHandler(cfg *config.Config, authSvc *auth.Service, policySvc *policy.Service, queueSvc *queue.Service, collector metrics.Collector, tlsConfig *tls.Config, logger *slog.Logger) *Handler {
	return &Handler{
		hostname:  cfg.Hostname,
		limits:    cfg.Limits,
		tlsCfg:    cfg.TLS,
		authCfg:   cfg.Auth,
		auth:      authSvc,
		policy:    policySvc,
		queue:     queueSvc,
		collector: collector,
		tlsConfig: tlsConfig,
		logger:    logger,
	}
}

// requiresTLS reports whether AUTH must wait for STARTTLS on this session.
func (h *Handler) requiresTLS(sess *Session) bool {
	return sess.isSubmission && h.tlsCfg.TLSRequired()
}

// requiresAuth reports whether MAIL needs an authenticated session.
func (h *Handler) requiresAuth(sess *Session) bool {
	return sess.isSubmission && h.authCfg.AuthRequired()
}

// Handle returns the connection handler to install on the server. The
// listener mode rides on the connection.
func (h *Handler) Handle() server.ConnectionHandler {
	registry := h.newRegistry()
	return func(ctx context.Context, conn *server.Connection) {
		h.serve(ctx, conn, registry)
	}
}

func (h *Handler) serve(ctx context.Context, conn *server.Connection, registry *commandRegistry) {
	h.collector.ConnectionOpened()
	defer h.collector.ConnectionClosed()
	defer conn.Close()

	peerIP := remoteIP(conn)
	sess := NewSession(peerIP, conn.Mode() == config.ModeSubmission)
	logger := conn.Logger()

	if err := writeReply(conn, Reply{Code: 220, Message: fmt.Sprintf("%s ESMTP Service ready", h.hostname)}); err != nil {
		return
	}

	for sess.state != StateQuit {
		conn.ResetIdleTimeout()
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Extend the deadline so the farewell can be written
				conn.ResetIdleTimeout()
				writeReply(conn, Reply{Code: 421, Message: "Timeout"})
				logger.Info("session timed out", slog.String("state", sess.state.String()))
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !h.reply(conn, sess, logger, Reply{Code: 500, Message: "Empty command"}) {
				return
			}
			continue
		}

		cmd, matches, err := registry.match(line)
		if err != nil {
			sess.unknownCommandCount++
			writeReply(conn, Reply{Code: 500, Message: fmt.Sprintf("Command %s not implemented", commandVerb(line))})
			if sess.unknownCommandCount >= h.limits.MaxUnknownCommands {
				writeReply(conn, Reply{Code: 421, Message: "Too many unknown commands"})
				logger.Warn("closing session: too many unknown commands")
				return
			}
			continue
		}

		h.collector.CommandProcessed(cmd.Name())

		reply, err := cmd.Execute(ctx, conn, sess, matches)
		if err != nil {
			logger.Error("command failed",
				slog.String("command", cmd.Name()),
				slog.Any("error", err))
			if reply.Code == 0 {
				// Connection-level failure, nothing left to say
				return
			}
		}
		if reply.Code == 0 {
			// The command wrote its own replies
			continue
		}
		if !h.reply(conn, sess, logger, reply) {
			return
		}
	}
}

// reply writes the reply and applies the error budget. Returns false
// when the session must end.
func (h *Handler) reply(conn *server.Connection, sess *Session, logger *slog.Logger, r Reply) bool {
	if err := writeReply(conn, r); err != nil {
		return false
	}
	if !countsAsError(r.Code) {
		return true
	}
	sess.errorCount++
	if sess.errorCount >= h.limits.MaxErrors {
		writeReply(conn, Reply{Code: 421, Message: "Too many errors"})
		logger.Warn("closing session: too many errors")
		return false
	}
	return true
}

// countsAsError reports whether a reply code consumes the session error
// budget. Sequence errors and policy denials are deliberate client
// probing targets and do not count; malformed input and local failures do.
func countsAsError(code int) bool {
	switch code {
	case 500, 501, 451, 552:
		return true
	}
	return false
}

// commandVerb extracts the first token for the unknown-command reply.
func commandVerb(line string) string {
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		line = line[:i]
	}
	return strings.ToUpper(line)
}

// remoteIP strips the port from the peer address.
func remoteIP(conn *server.Connection) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
