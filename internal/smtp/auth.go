package smtp

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/mailfold/mtad/internal/server"
)

// authCommand implements AUTH (RFC 4954) with the PLAIN and LOGIN
// mechanisms, running the 334 challenge loop on the connection.
type authCommand struct {
	h *Handler
}

func (c *authCommand) Name() string { return "AUTH" }

func (c *authCommand) Pattern() *regexp.Regexp { return authPattern }

func (c *authCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	if !sess.esmtp {
		return Reply{Code: 503, Message: "Use EHLO first"}, nil
	}
	if sess.IsAuthenticated() {
		return Reply{Code: 503, Message: "Already authenticated"}, nil
	}
	if c.h.requiresTLS(sess) && !sess.tlsActive {
		return Reply{Code: 538, Message: "Encryption required for requested authentication mechanism"}, nil
	}

	args := strings.TrimSpace(matches[1])
	if args == "" {
		return Reply{Code: 501, Message: "AUTH mechanism required"}, nil
	}

	parts := strings.SplitN(args, " ", 2)
	mechanism := strings.ToUpper(parts[0])
	initial := ""
	if len(parts) > 1 {
		initial = strings.TrimSpace(parts[1])
	}

	var username string
	authenticate := func(user, pass string) error {
		username = user
		_, err := c.h.auth.Authenticate(user, pass, sess.peerIP)
		return err
	}

	var srv sasl.Server
	switch mechanism {
	case sasl.Plain:
		srv = sasl.NewPlainServer(func(identity, user, pass string) error {
			if identity != "" && identity != user {
				return fmt.Errorf("authorization identity %q not permitted", identity)
			}
			return authenticate(user, pass)
		})
	case sasl.Login:
		srv = newLoginServer(authenticate)
	default:
		return Reply{Code: 504, Message: fmt.Sprintf("AUTH mechanism %s not supported", mechanism)}, nil
	}

	// RFC 4422 section 3: nil means no initial response, "=" means an
	// empty one.
	var response []byte
	if initial == "=" {
		response = []byte{}
	} else if initial != "" {
		decoded, err := base64.StdEncoding.DecodeString(initial)
		if err != nil {
			return Reply{Code: 501, Message: "Invalid base64 data"}, nil
		}
		response = decoded
	}

	for {
		challenge, done, err := srv.Next(response)
		if err != nil {
			c.h.collector.AuthAttempt(username, false)
			c.h.logger.Warn("authentication failed",
				slog.String("mechanism", mechanism),
				slog.String("username", username),
				slog.String("ip", sess.peerIP))
			return Reply{Code: 535, Message: "Authentication credentials invalid"}, nil
		}
		if done {
			break
		}

		encoded := base64.StdEncoding.EncodeToString(challenge)
		if err := writeRaw(conn, "334 "+encoded); err != nil {
			return Reply{}, err
		}

		conn.ResetIdleTimeout()
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			return Reply{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "*" {
			return Reply{Code: 501, Message: "Authentication cancelled"}, nil
		}

		response, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return Reply{Code: 501, Message: "Invalid base64 data"}, nil
		}
	}

	sess.authUser = username
	sess.state = StateAuthenticated
	c.h.collector.AuthAttempt(username, true)
	return Reply{Code: 235, Message: "Authentication successful"}, nil
}

type loginState int

const (
	loginNotStarted loginState = iota
	loginWaitingUsername
	loginWaitingPassword
)

// loginServer runs the obsolete LOGIN mechanism for legacy clients that
// cannot use PLAIN. Challenges are "Username:" then "Password:".
type loginServer struct {
	state              loginState
	username, password string
	authenticate       func(username, password string) error
}

func newLoginServer(authenticate func(username, password string) error) sasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.state {
	case loginNotStarted:
		// Check for an initial response field, as per RFC 4422 section 3
		if response == nil {
			challenge = []byte("Username:")
			break
		}
		a.state++
		fallthrough
	case loginWaitingUsername:
		a.username = string(response)
		challenge = []byte("Password:")
	case loginWaitingPassword:
		a.password = string(response)
		err = a.authenticate(a.username, a.password)
		done = true
	default:
		err = sasl.ErrUnexpectedClientResponse
	}
	a.state++
	return
}
