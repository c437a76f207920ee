// Package smtp implements the ESMTP reception protocol: the per-session
// state machine, command parsing, STARTTLS and SASL sub-states, DATA
// collection, and the hand-off into the queue.
package smtp

import (
	"regexp"
)

// SessionState tracks where a session is in the RFC 5321 command sequence.
type SessionState int

const (
	// StateInitial is before any HELO/EHLO, and again after STARTTLS.
	StateInitial SessionState = iota
	StateGreeted
	StateAuthenticated
	StateMail
	StateRcpt
	StateData
	StateQuit
)

// String returns a human-readable representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateGreeted:
		return "GREETED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateMail:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateData:
		return "DATA"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// Session is the per-connection protocol state: the current state tag,
// the greeting and auth identity, the envelope under construction, and
// the abuse counters.
type Session struct {
	state        SessionState
	isSubmission bool
	peerIP       string

	tlsActive bool
	esmtp     bool
	heloName  string
	authUser  string

	mailFrom    string
	rcptTo      []string
	whitelisted bool

	errorCount          int
	unknownCommandCount int
}

// NewSession creates a session in the initial state.
func NewSession(peerIP string, isSubmission bool) *Session {
	return &Session{
		state:        StateInitial,
		isSubmission: isSubmission,
		peerIP:       peerIP,
	}
}

// State returns the current state.
func (s *Session) State() SessionState {
	return s.state
}

// IsAuthenticated reports whether a user authenticated on this session.
func (s *Session) IsAuthenticated() bool {
	return s.authUser != ""
}

// greeted reports whether a mail transaction may start.
func (s *Session) greeted() bool {
	return s.state == StateGreeted || s.state == StateAuthenticated
}

// resetEnvelope clears the mail transaction. Greeting, TLS, and auth
// state survive.
func (s *Session) resetEnvelope() {
	s.mailFrom = ""
	s.rcptTo = nil
	s.whitelisted = false
	switch s.state {
	case StateMail, StateRcpt, StateData:
		if s.authUser != "" {
			s.state = StateAuthenticated
		} else {
			s.state = StateGreeted
		}
	}
}

// resetAll returns the session to the pre-greeting state. Used after a
// successful STARTTLS, which requires a fresh EHLO.
func (s *Session) resetAll() {
	s.state = StateInitial
	s.esmtp = false
	s.heloName = ""
	s.authUser = ""
	s.mailFrom = ""
	s.rcptTo = nil
	s.whitelisted = false
}

// Recipients returns a copy of the accepted forward-paths, in order.
func (s *Session) Recipients() []string {
	out := make([]string, len(s.rcptTo))
	copy(out, s.rcptTo)
	return out
}

// mailboxRegex is the accepted mailbox syntax for MAIL and RCPT
// arguments, with or without angle brackets.
var mailboxRegex = regexp.MustCompile(`^<?([a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+)>?$`)

// parseMailbox extracts the address from a path argument. The null
// reverse-path <> is returned as ("", true).
func parseMailbox(arg string) (string, bool) {
	if arg == "<>" {
		return "", true
	}
	m := mailboxRegex.FindStringSubmatch(arg)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// domainOf returns the domain part of an address, or "" for the null
// sender.
func domainOf(addr string) string {
	if i := lastAt(addr); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

func lastAt(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '@' {
			return i
		}
	}
	return -1
}
