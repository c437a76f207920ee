package smtp

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/mailfold/mtad/internal/server"
)

// starttlsCommand implements STARTTLS (RFC 3207). A successful handshake
// wipes all session state except the listener identity, forcing a fresh
// EHLO over the encrypted channel.
type starttlsCommand struct {
	h *Handler
}

func (c *starttlsCommand) Name() string { return "STARTTLS" }

func (c *starttlsCommand) Pattern() *regexp.Regexp { return starttlsPattern }

func (c *starttlsCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	if sess.tlsActive {
		return Reply{Code: 503, Message: "Already in TLS mode"}, nil
	}
	if matches[1] != "" {
		return Reply{Code: 501, Message: "STARTTLS does not accept parameters"}, nil
	}
	if c.h.tlsConfig == nil {
		return Reply{Code: 502, Message: "TLS not available"}, nil
	}

	if err := writeReply(conn, Reply{Code: 220, Message: "Ready to start TLS"}); err != nil {
		return Reply{}, err
	}

	if err := conn.UpgradeTLS(c.h.tlsConfig); err != nil {
		c.h.logger.Warn("TLS negotiation failed",
			slog.String("ip", sess.peerIP),
			slog.Any("error", err))
		return Reply{Code: 454, Message: "TLS negotiation failed"}, nil
	}

	sess.resetAll()
	sess.tlsActive = true
	c.h.collector.TLSConnectionEstablished()
	c.h.logger.Info("TLS established", slog.String("ip", sess.peerIP))

	// No reply after the handshake; the client speaks next with EHLO.
	return Reply{}, nil
}
