package smtp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mailfold/mtad/internal/queue"
	"github.com/mailfold/mtad/internal/server"
)

// dataCommand implements DATA: the 354 intermediate reply, dot-stuffed
// body collection with size enforcement, Received header synthesis, and
// the hand-off to the queue.
type dataCommand struct {
	h *Handler
}

func (c *dataCommand) Name() string { return "DATA" }

func (c *dataCommand) Pattern() *regexp.Regexp { return dataPattern }

func (c *dataCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	if sess.state != StateRcpt {
		return Reply{Code: 503, Message: "Use RCPT TO first"}, nil
	}
	if matches[1] != "" {
		return Reply{Code: 501, Message: "DATA does not accept parameters"}, nil
	}

	if err := writeReply(conn, Reply{Code: 354, Message: "End data with <CRLF>.<CRLF>"}); err != nil {
		return Reply{}, err
	}

	body, err := c.collect(conn)
	if err != nil {
		if err == errMessageTooLarge {
			for _, rcpt := range sess.rcptTo {
				c.h.collector.MessageRejected(domainOf(rcpt), "oversize")
			}
			sess.resetEnvelope()
			return Reply{Code: 552, Message: "Message size exceeds limit"}, nil
		}
		return Reply{}, err
	}

	// The queue id goes into the Received header, so allocate it before
	// building the message.
	queueID := queue.NewID()
	message := append([]byte(c.receivedHeader(sess, queueID)), body...)

	env := queue.Envelope{
		Sender:      sess.mailFrom,
		Recipients:  sess.Recipients(),
		MessageData: message,
		SessionInfo: queue.SessionInfo{
			PeerIP:        sess.peerIP,
			HeloName:      sess.heloName,
			Authenticated: sess.authUser,
			TLSActive:     sess.tlsActive,
		},
	}

	if _, err := c.h.queue.Enqueue(ctx, queueID, env); err != nil {
		c.h.logger.Error("failed to queue message",
			slog.String("queue_id", queueID),
			slog.Any("error", err))
		for _, rcpt := range env.Recipients {
			c.h.collector.MessageRejected(domainOf(rcpt), "queue_error")
		}
		sess.resetEnvelope()
		return Reply{Code: 451, Message: "Failed to queue message"}, nil
	}

	for _, rcpt := range env.Recipients {
		c.h.collector.MessageReceived(domainOf(rcpt), int64(len(message)))
	}
	c.h.logger.Info("message queued",
		slog.String("queue_id", queueID),
		slog.String("sender", sess.mailFrom),
		slog.Int("recipients", len(env.Recipients)),
		slog.Int("size", len(message)))

	sess.resetEnvelope()
	return Reply{Code: 250, Message: fmt.Sprintf("Message accepted for delivery (Queue ID: %s)", queueID)}, nil
}

var errMessageTooLarge = fmt.Errorf("message size exceeds limit")

// collect reads the message body up to the terminating dot line,
// reversing dot transparency. When the size limit is exceeded the rest
// of the body is drained so the session stays in sync, and
// errMessageTooLarge is returned.
func (c *dataCommand) collect(conn *server.Connection) ([]byte, error) {
	var (
		buf       bytes.Buffer
		total     int64
		oversized bool
	)

	for {
		conn.ResetIdleTimeout()
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			return nil, err
		}

		if line == ".\r\n" || line == ".\n" {
			break
		}

		// Dot transparency: the client doubled any leading dot.
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if oversized {
			continue
		}

		total += int64(len(line))
		if total > c.h.limits.MaxMessageSize {
			oversized = true
			continue
		}
		buf.WriteString(line)
	}

	if oversized {
		return nil, errMessageTooLarge
	}
	return buf.Bytes(), nil
}

// receivedHeader synthesizes the trace header recording how the message
// arrived. The protocol token is ESMTP, ESMTPS under TLS, with an A
// suffix when the session authenticated.
func (c *dataCommand) receivedHeader(sess *Session, queueID string) string {
	proto := "ESMTP"
	if sess.tlsActive {
		proto = "ESMTPS"
	}
	if sess.authUser != "" {
		proto += "A"
	}

	forPart := ""
	if len(sess.rcptTo) == 1 {
		forPart = fmt.Sprintf(" for <%s>", sess.rcptTo[0])
	}

	return fmt.Sprintf("Received: from %s (%s)\r\n\tby %s with %s\r\n\tid %s%s;\r\n\t%s\r\n",
		sess.heloName, sess.peerIP, c.h.hostname, proto, queueID, forPart,
		time.Now().Format(time.RFC1123Z))
}
