package smtp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mailfold/mtad/internal/auth"
	"github.com/mailfold/mtad/internal/server"
)

// ErrUnknownCommand is returned by the registry when no pattern matches.
var ErrUnknownCommand = errors.New("unknown command")

// Command is one SMTP verb. Pattern matches the full command line;
// Execute receives the capture groups and may perform its own I/O on the
// connection (AUTH challenges, STARTTLS, DATA collection).
type Command interface {
	// Name returns the command verb for logging and metrics.
	Name() string

	// Pattern returns the compiled regexp for matching this command.
	Pattern() *regexp.Regexp

	// Execute processes the command. matches[0] is the full line,
	// matches[1:] are capture groups. A zero-code Reply means the
	// command wrote its own replies.
	Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error)
}

// commandRegistry matches input lines against the registered commands.
type commandRegistry struct {
	commands []Command
}

func (h *Handler) newRegistry() *commandRegistry {
	return &commandRegistry{
		commands: []Command{
			&heloCommand{h},
			&ehloCommand{h},
			&starttlsCommand{h},
			&authCommand{h},
			&mailCommand{h},
			&rcptCommand{h},
			&dataCommand{h},
			&rsetCommand{},
			&noopCommand{},
			&quitCommand{h},
			&vrfyCommand{},
			&expnCommand{},
			&helpCommand{},
		},
	}
}

// match finds the command matching the line and returns it with the
// captured groups.
func (r *commandRegistry) match(line string) (Command, []string, error) {
	for _, cmd := range r.commands {
		if matches := cmd.Pattern().FindStringSubmatch(line); matches != nil {
			return cmd, matches, nil
		}
	}
	return nil, nil, ErrUnknownCommand
}

// Each pattern matches the bare verb too, so that a missing argument is
// reported as 501 rather than falling through to unknown-command 500.
var (
	heloPattern     = regexp.MustCompile(`(?i)^HELO(?:\s+(\S+))?\s*$`)
	ehloPattern     = regexp.MustCompile(`(?i)^EHLO(?:\s+(\S+))?\s*$`)
	starttlsPattern = regexp.MustCompile(`(?i)^STARTTLS(?:\s+(.*?))?\s*$`)
	authPattern     = regexp.MustCompile(`(?i)^AUTH(?:\s+(.*?))?\s*$`)
	mailPattern     = regexp.MustCompile(`(?i)^MAIL(?:\s+(.*?))?\s*$`)
	rcptPattern     = regexp.MustCompile(`(?i)^RCPT(?:\s+(.*?))?\s*$`)
	dataPattern     = regexp.MustCompile(`(?i)^DATA(?:\s+(.*?))?\s*$`)
	rsetPattern     = regexp.MustCompile(`(?i)^RSET\s*$`)
	noopPattern     = regexp.MustCompile(`(?i)^NOOP(?:\s.*)?$`)
	quitPattern     = regexp.MustCompile(`(?i)^QUIT\s*$`)
	vrfyPattern     = regexp.MustCompile(`(?i)^VRFY(?:\s+(.*?))?\s*$`)
	expnPattern     = regexp.MustCompile(`(?i)^EXPN(?:\s+(.*?))?\s*$`)
	helpPattern     = regexp.MustCompile(`(?i)^HELP(?:\s+(.*?))?\s*$`)
)

// heloCommand implements HELO (RFC 5321 section 4.1.1.1).
type heloCommand struct {
	h *Handler
}

func (c *heloCommand) Name() string { return "HELO" }

func (c *heloCommand) Pattern() *regexp.Regexp { return heloPattern }

func (c *heloCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	if matches[1] == "" {
		return Reply{Code: 501, Message: "HELO requires domain address"}, nil
	}

	sess.heloName = matches[1]
	sess.esmtp = false
	sess.resetEnvelope()
	if sess.authUser != "" {
		sess.state = StateAuthenticated
	} else {
		sess.state = StateGreeted
	}

	return Reply{Code: 250, Message: fmt.Sprintf("%s Hello %s", c.h.hostname, sess.peerIP)}, nil
}

// ehloCommand implements EHLO and the capability advertisement.
type ehloCommand struct {
	h *Handler
}

func (c *ehloCommand) Name() string { return "EHLO" }

func (c *ehloCommand) Pattern() *regexp.Regexp { return ehloPattern }

func (c *ehloCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	if matches[1] == "" {
		return Reply{Code: 501, Message: "EHLO requires domain address"}, nil
	}

	sess.heloName = matches[1]
	sess.esmtp = true
	sess.resetEnvelope()
	if sess.authUser != "" {
		sess.state = StateAuthenticated
	} else {
		sess.state = StateGreeted
	}

	extensions := []string{
		fmt.Sprintf("SIZE %d", c.h.limits.MaxMessageSize),
		"8BITMIME",
		"PIPELINING",
		"ENHANCEDSTATUSCODES",
		"DSN",
	}
	if !sess.tlsActive && c.h.tlsConfig != nil {
		extensions = append(extensions, "STARTTLS")
	}
	if sess.tlsActive || !c.h.requiresTLS(sess) {
		extensions = append(extensions, "AUTH PLAIN LOGIN")
	}

	lines := append([]string{fmt.Sprintf("%s Hello %s", c.h.hostname, sess.peerIP)}, extensions...)
	return Reply{Code: 250, Message: lines[len(lines)-1], Lines: lines[:len(lines)-1]}, nil
}

// mailCommand implements MAIL FROM with policy checks.
type mailCommand struct {
	h *Handler
}

func (c *mailCommand) Name() string { return "MAIL" }

func (c *mailCommand) Pattern() *regexp.Regexp { return mailPattern }

func (c *mailCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	if !sess.greeted() {
		return Reply{Code: 503, Message: "Use HELO/EHLO first"}, nil
	}

	if c.h.requiresAuth(sess) && !sess.IsAuthenticated() {
		return Reply{Code: 530, Message: "Authentication required"}, nil
	}

	args := matches[1]
	if !strings.HasPrefix(strings.ToUpper(args), "FROM:") {
		return Reply{Code: 501, Message: "Syntax: MAIL FROM:<address>"}, nil
	}

	// First token is the reverse-path; trailing ESMTP parameters
	// (SIZE, BODY) are accepted and ignored.
	path := strings.TrimSpace(args[len("FROM:"):])
	if i := strings.IndexAny(path, " \t"); i >= 0 {
		path = path[:i]
	}

	sender, ok := parseMailbox(path)
	if !ok {
		return Reply{Code: 501, Message: "Invalid sender address"}, nil
	}

	// Whitelisted senders bypass the blacklist, rate limits, and the
	// greylist on subsequent RCPT commands.
	whitelisted, err := c.h.policy.CheckWhitelist(ctx, sess.peerIP, domainOf(sender), sender)
	if err != nil {
		return Reply{Code: 451, Message: "Local error in processing"}, err
	}

	if !whitelisted {
		blocked, err := c.h.policy.CheckBlacklist(ctx, sess.peerIP, domainOf(sender), sender)
		if err != nil {
			return Reply{Code: 451, Message: "Local error in processing"}, err
		}
		if blocked {
			c.h.collector.PolicyDecision("blacklisted")
			return Reply{Code: 550, Message: "Rejected by policy: Sender blacklisted"}, nil
		}

		allowed, err := c.checkRateLimit(ctx, sess)
		if err != nil {
			return Reply{Code: 451, Message: "Local error in processing"}, err
		}
		if !allowed {
			c.h.collector.PolicyDecision("rate_limited")
			return Reply{Code: 450, Message: "Rate limit exceeded, try again later"}, nil
		}
	}

	sess.whitelisted = whitelisted

	sess.mailFrom = sender
	sess.state = StateMail
	return Reply{Code: 250, Message: fmt.Sprintf("Sender <%s> OK", sender)}, nil
}

// checkRateLimit consumes a token from the user bucket when the session
// is authenticated, otherwise from the peer IP bucket.
func (c *mailCommand) checkRateLimit(ctx context.Context, sess *Session) (bool, error) {
	if sess.authUser == "" {
		return c.h.policy.CheckIPRateLimit(ctx, sess.peerIP)
	}

	userLimit := 0
	if user, err := c.h.auth.GetUser(sess.authUser); err == nil && user != nil {
		userLimit = user.RateLimit
	} else if err != nil && !errors.Is(err, auth.ErrUserNotFound) {
		return false, err
	}
	return c.h.policy.CheckUserRateLimit(ctx, sess.authUser, userLimit)
}

// rcptCommand implements RCPT TO with blacklist and greylist checks.
type rcptCommand struct {
	h *Handler
}

func (c *rcptCommand) Name() string { return "RCPT" }

func (c *rcptCommand) Pattern() *regexp.Regexp { return rcptPattern }

func (c *rcptCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	if sess.state != StateMail && sess.state != StateRcpt {
		return Reply{Code: 503, Message: "Use MAIL FROM first"}, nil
	}

	args := matches[1]
	if !strings.HasPrefix(strings.ToUpper(args), "TO:") {
		return Reply{Code: 501, Message: "Syntax: RCPT TO:<address>"}, nil
	}

	if len(sess.rcptTo) >= c.h.limits.MaxRecipients {
		return Reply{Code: 452, Message: "Too many recipients"}, nil
	}

	path := strings.TrimSpace(args[len("TO:"):])
	if i := strings.IndexAny(path, " \t"); i >= 0 {
		path = path[:i]
	}

	recipient, ok := parseMailbox(path)
	if !ok || recipient == "" {
		return Reply{Code: 501, Message: "Invalid recipient address"}, nil
	}

	blocked, err := c.h.policy.CheckBlacklist(ctx, domainOf(recipient), recipient)
	if err != nil {
		return Reply{Code: 451, Message: "Local error in processing"}, err
	}
	if blocked {
		c.h.collector.PolicyDecision("blacklisted")
		return Reply{Code: 550, Message: "Rejected by policy: Recipient blacklisted"}, nil
	}

	if !sess.IsAuthenticated() && !sess.whitelisted {
		passed, _, err := c.h.policy.CheckGreylist(ctx, sess.mailFrom, recipient, sess.peerIP)
		if err != nil {
			return Reply{Code: 451, Message: "Local error in processing"}, err
		}
		if !passed {
			c.h.collector.PolicyDecision("greylisted")
			return Reply{Code: 450, Message: "Greylisted, try again later"}, nil
		}
	}

	sess.rcptTo = append(sess.rcptTo, recipient)
	sess.state = StateRcpt
	c.h.collector.PolicyDecision("allow")
	return Reply{Code: 250, Message: fmt.Sprintf("Recipient <%s> OK", recipient)}, nil
}

// rsetCommand implements RSET.
type rsetCommand struct{}

func (c *rsetCommand) Name() string { return "RSET" }

func (c *rsetCommand) Pattern() *regexp.Regexp { return rsetPattern }

func (c *rsetCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	sess.resetEnvelope()
	return Reply{Code: 250, Message: "Reset OK"}, nil
}

// noopCommand implements NOOP.
type noopCommand struct{}

func (c *noopCommand) Name() string { return "NOOP" }

func (c *noopCommand) Pattern() *regexp.Regexp { return noopPattern }

func (c *noopCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	return Reply{Code: 250, Message: "OK"}, nil
}

// quitCommand implements QUIT.
type quitCommand struct {
	h *Handler
}

func (c *quitCommand) Name() string { return "QUIT" }

func (c *quitCommand) Pattern() *regexp.Regexp { return quitPattern }

func (c *quitCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	sess.state = StateQuit
	return Reply{Code: 221, Message: fmt.Sprintf("%s closing connection", c.h.hostname)}, nil
}

// vrfyCommand implements VRFY, disabled against address enumeration.
type vrfyCommand struct{}

func (c *vrfyCommand) Name() string { return "VRFY" }

func (c *vrfyCommand) Pattern() *regexp.Regexp { return vrfyPattern }

func (c *vrfyCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	return Reply{Code: 252, Message: "Cannot VRFY user, but will accept message"}, nil
}

// expnCommand implements EXPN, disabled for the same reason as VRFY.
type expnCommand struct{}

func (c *expnCommand) Name() string { return "EXPN" }

func (c *expnCommand) Pattern() *regexp.Regexp { return expnPattern }

func (c *expnCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	return Reply{Code: 252, Message: "Cannot VRFY user, but will accept message"}, nil
}

// helpCommand implements HELP.
type helpCommand struct{}

func (c *helpCommand) Name() string { return "HELP" }

func (c *helpCommand) Pattern() *regexp.Regexp { return helpPattern }

func (c *helpCommand) Execute(ctx context.Context, conn *server.Connection, sess *Session, matches []string) (Reply, error) {
	return Reply{
		Code:    214,
		Lines:   []string{"Commands supported:", "HELO EHLO MAIL RCPT DATA"},
		Message: "RSET NOOP QUIT HELP",
	}, nil
}
