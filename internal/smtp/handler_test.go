package smtp

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mailfold/mtad/internal/auth"
	"github.com/mailfold/mtad/internal/config"
	"github.com/mailfold/mtad/internal/metrics"
	"github.com/mailfold/mtad/internal/policy"
	"github.com/mailfold/mtad/internal/queue"
	"github.com/mailfold/mtad/internal/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testHandler bundles a Handler with the services behind it so tests can
// reach into the queue and policy state.
type testHandler struct {
	handler *Handler
	cfg     *config.Config
	auth    *auth.Service
	policy  *policy.Service
	queue   *queue.Service
}

func newTestHandler(t *testing.T, mutate func(cfg *config.Config), tlsConfig *tls.Config) *testHandler {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.UsersFile = ""
	if mutate != nil {
		mutate(&cfg)
	}

	logger := testLogger()
	authSvc := auth.NewService(auth.NewMemoryStore(), logger, cfg.Auth.MaxFailures, cfg.Auth.LockoutWindow())
	policySvc := policy.NewService(policy.NewMemoryStore(), logger,
		policy.Limits{
			PerIP:     cfg.Policy.RateLimitIP,
			PerUser:   cfg.Policy.RateLimitUser,
			PerDomain: cfg.Policy.RateLimitDomain,
		},
		policy.GreylistConfig{
			Enabled:  cfg.Policy.GreylistEnabled,
			MinDelay: cfg.Policy.MinDelay(),
			MaxAge:   cfg.Policy.MaxTripletAge(),
		})
	queueSvc := queue.NewService(queue.NewMemoryStore(), logger, cfg.Queue.Schedule(), cfg.Queue.QueueMaxAge())

	return &testHandler{
		handler: NewHandler(&cfg, authSvc, policySvc, queueSvc, &metrics.NoopCollector{}, tlsConfig, logger),
		cfg:     &cfg,
		auth:    authSvc,
		policy:  policySvc,
		queue:   queueSvc,
	}
}

// client drives one side of a live session.
type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	done chan struct{}
}

func startSession(t *testing.T, th *testHandler, mode config.ListenerMode) *client {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	conn := server.NewConnection(serverSide, server.ConnectionConfig{
		Mode:        mode,
		IdleTimeout: time.Minute,
		Logger:      testLogger(),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		th.handler.Handle()(context.Background(), conn)
	}()

	c := &client{t: t, conn: clientSide, r: bufio.NewReader(clientSide), done: done}
	t.Cleanup(func() {
		clientSide.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session goroutine never exited")
		}
	})
	return c
}

func (c *client) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

// reply reads one full SMTP reply and returns its lines.
func (c *client) reply() []string {
	c.t.Helper()
	var lines []string
	for {
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.t.Fatalf("reading reply: %v (got %q so far)", err, lines)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			return lines
		}
	}
}

// expect reads one reply and fails unless its final line starts with
// prefix.
func (c *client) expect(prefix string) []string {
	c.t.Helper()
	lines := c.reply()
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, prefix) {
		c.t.Fatalf("reply = %q, want prefix %q", last, prefix)
	}
	return lines
}

// cmd sends a command and checks the reply prefix.
func (c *client) cmd(line, prefix string) []string {
	c.t.Helper()
	c.send(line)
	return c.expect(prefix)
}

// startTLS upgrades the client side after a 220 STARTTLS go-ahead.
func (c *client) startTLS() {
	c.t.Helper()
	tc := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tc.Handshake(); err != nil {
		c.t.Fatalf("client TLS handshake: %v", err)
	}
	c.conn = tc
	c.r = bufio.NewReader(tc)
}

func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"mx.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

func plainResponse(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
}

var queueIDRe = regexp.MustCompile(`Queue ID: (\S+)\)`)

func queuedID(t *testing.T, lines []string) string {
	t.Helper()
	m := queueIDRe.FindStringSubmatch(lines[len(lines)-1])
	if m == nil {
		t.Fatalf("no queue id in %q", lines)
	}
	return m[1]
}

func TestSessionHappyPathRelay(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 2.0.0 localhost ESMTP Service ready")

	lines := c.cmd("EHLO client.example", "250 ")
	want := []string{
		"250-2.0.0 localhost Hello pipe",
		"250-2.0.0 SIZE 36700160",
		"250-2.0.0 8BITMIME",
		"250-2.0.0 PIPELINING",
		"250-2.0.0 ENHANCEDSTATUSCODES",
		"250-2.0.0 DSN",
		"250 2.0.0 AUTH PLAIN LOGIN",
	}
	if len(lines) != len(want) {
		t.Fatalf("EHLO reply = %q, want %d lines", lines, len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("EHLO line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	c.cmd("MAIL FROM:<alice@example.com>", "250 2.0.0 Sender <alice@example.com> OK")
	c.cmd("RCPT TO:<bob@example.net>", "250 2.0.0 Recipient <bob@example.net> OK")
	c.cmd("DATA", "354 2.0.0 End data with <CRLF>.<CRLF>")

	c.send("Subject: hi")
	c.send("")
	c.send("..leading dot line")
	c.send("plain line")
	c.send(".")
	lines = c.expect("250 2.0.0 Message accepted for delivery (Queue ID: ")

	id := queuedID(t, lines)
	msg, err := th.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	if msg.Envelope.Sender != "alice@example.com" {
		t.Errorf("sender = %q", msg.Envelope.Sender)
	}
	if len(msg.Envelope.Recipients) != 1 || msg.Envelope.Recipients[0] != "bob@example.net" {
		t.Errorf("recipients = %v", msg.Envelope.Recipients)
	}
	if msg.Envelope.SessionInfo.HeloName != "client.example" {
		t.Errorf("helo = %q", msg.Envelope.SessionInfo.HeloName)
	}

	body := string(msg.Envelope.MessageData)
	if !strings.HasPrefix(body, "Received: from client.example (pipe)\r\n\tby localhost with ESMTP\r\n\tid "+id+" for <bob@example.net>;\r\n\t") {
		t.Errorf("Received header wrong:\n%q", body)
	}
	if !strings.HasSuffix(body, "Subject: hi\r\n\r\n.leading dot line\r\nplain line\r\n") {
		t.Errorf("body not dot-unstuffed:\n%q", body)
	}

	c.cmd("QUIT", "221 2.0.0 localhost closing connection")
}

func TestHeloDisablesExtensions(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	lines := c.cmd("HELO client.example", "250 2.0.0 localhost Hello pipe")
	if len(lines) != 1 {
		t.Errorf("HELO reply = %q, want a single line", lines)
	}

	// AUTH needs the extended greeting
	c.cmd("AUTH PLAIN "+plainResponse("u", "p"), "503 5.5.1 Use EHLO first")
}

func TestCommandSequenceEnforced(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	c.cmd("MAIL FROM:<a@example.com>", "503 5.5.1 Use HELO/EHLO first")
	c.cmd("RCPT TO:<b@example.net>", "503 5.5.1 Use MAIL FROM first")
	c.cmd("DATA", "503 5.5.1 Use RCPT TO first")

	// Out-of-order commands must not have touched the envelope
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<a@example.com>", "250 ")
	c.cmd("RCPT TO:<b@example.net>", "250 ")
}

func TestRsetClearsEnvelope(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<a@example.com>", "250 ")
	c.cmd("RCPT TO:<b@example.net>", "250 ")
	c.cmd("RSET", "250 2.0.0 Reset OK")

	// Back at GREETED: RCPT needs MAIL again
	c.cmd("RCPT TO:<b@example.net>", "503 5.5.1 Use MAIL FROM first")
	c.cmd("MAIL FROM:<a@example.com>", "250 ")
}

func TestUnknownCommandLimitCloses(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	for i := 0; i < 4; i++ {
		c.cmd("FROB", "500 5.5.2 Command FROB not implemented")
	}
	c.send("FROB")
	c.expect("500 5.5.2 Command FROB not implemented")
	c.expect("421 4.3.0 Too many unknown commands")

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Error("session still open after 421")
	}
}

func TestErrorBudgetCloses(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:bogus", "501 5.5.4 Invalid sender address")
	c.cmd("MAIL FROM:bogus", "501 5.5.4 Invalid sender address")
	c.send("MAIL FROM:bogus")
	c.expect("501 5.5.4 Invalid sender address")
	c.expect("421 4.3.0 Too many errors")

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Error("session still open after 421")
	}
}

func TestSequenceErrorsDoNotConsumeErrorBudget(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	for i := 0; i < 5; i++ {
		c.cmd("DATA", "503 ")
	}
	c.cmd("EHLO client.example", "250 ")
}

func TestMailRequiresAuthOnSubmission(t *testing.T) {
	th := newTestHandler(t, func(cfg *config.Config) {
		f := false
		cfg.TLS.RequiredOnSubmission = &f
	}, nil)
	c := startSession(t, th, config.ModeSubmission)

	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<a@example.com>", "530 5.7.0 Authentication required")
}

func TestRelayDoesNotRequireAuth(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<a@example.com>", "250 ")
}

func TestSenderBlacklisted(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	ctx := context.Background()
	if _, err := th.policy.AddRule(ctx, policy.RuleBlacklist, "spammer@example.com", "test"); err != nil {
		t.Fatal(err)
	}

	c := startSession(t, th, config.ModeRelay)
	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<spammer@example.com>", "550 5.1.1 Rejected by policy: Sender blacklisted")

	// Session survives at GREETED and a clean sender goes through
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
}

func TestRecipientBlacklisted(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	ctx := context.Background()
	if _, err := th.policy.AddRule(ctx, policy.RuleBlacklist, "gone@example.net", "test"); err != nil {
		t.Fatal(err)
	}

	c := startSession(t, th, config.ModeRelay)
	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
	c.cmd("RCPT TO:<gone@example.net>", "550 5.1.1 Rejected by policy: Recipient blacklisted")
	c.cmd("RCPT TO:<bob@example.net>", "250 ")
}

func TestWhitelistBypassesPolicyChecks(t *testing.T) {
	th := newTestHandler(t, func(cfg *config.Config) {
		cfg.Policy.GreylistEnabled = true
		cfg.Policy.RateLimitIP = 1
	}, nil)
	ctx := context.Background()
	if _, err := th.policy.AddRule(ctx, policy.RuleWhitelist, "alice@example.com", "test"); err != nil {
		t.Fatal(err)
	}
	// A blacklist entry for the same sender loses to the whitelist
	if _, err := th.policy.AddRule(ctx, policy.RuleBlacklist, "alice@example.com", "test"); err != nil {
		t.Fatal(err)
	}

	c := startSession(t, th, config.ModeRelay)
	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")

	// No greylist deferral, no rate limiting, repeatedly
	for i := 0; i < 3; i++ {
		c.cmd("MAIL FROM:<alice@example.com>", "250 ")
		c.cmd("RCPT TO:<bob@example.net>", "250 ")
		c.cmd("RSET", "250 ")
	}
}

func TestGreylistDefersFirstAttempt(t *testing.T) {
	th := newTestHandler(t, func(cfg *config.Config) {
		cfg.Policy.GreylistEnabled = true
		cfg.Policy.GreylistMinDelay = "0s"
	}, nil)

	c := startSession(t, th, config.ModeRelay)
	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
	c.cmd("RCPT TO:<bob@example.net>", "450 4.2.0 Greylisted, try again later")

	// With a zero minimum delay the retry passes immediately
	c.cmd("RCPT TO:<bob@example.net>", "250 ")
}

func TestIPRateLimited(t *testing.T) {
	th := newTestHandler(t, func(cfg *config.Config) {
		cfg.Policy.RateLimitIP = 1
	}, nil)

	c := startSession(t, th, config.ModeRelay)
	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
	c.cmd("RSET", "250 ")
	c.cmd("MAIL FROM:<alice@example.com>", "450 4.2.0 Rate limit exceeded, try again later")
}

func TestTooManyRecipients(t *testing.T) {
	th := newTestHandler(t, func(cfg *config.Config) {
		cfg.Limits.MaxRecipients = 2
	}, nil)

	c := startSession(t, th, config.ModeRelay)
	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
	c.cmd("RCPT TO:<one@example.net>", "250 ")
	c.cmd("RCPT TO:<two@example.net>", "250 ")
	c.cmd("RCPT TO:<three@example.net>", "452 4.2.2 Too many recipients")
}

func TestMessageSizeLimit(t *testing.T) {
	th := newTestHandler(t, func(cfg *config.Config) {
		cfg.Limits.MaxMessageSize = 64
	}, nil)

	c := startSession(t, th, config.ModeRelay)
	c.expect("220 ")
	lines := c.cmd("EHLO client.example", "250 ")
	if lines[1] != "250-2.0.0 SIZE 64" {
		t.Errorf("SIZE line = %q", lines[1])
	}

	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
	c.cmd("RCPT TO:<bob@example.net>", "250 ")
	c.cmd("DATA", "354 ")
	for i := 0; i < 10; i++ {
		c.send("0123456789012345678901234567890123456789")
	}
	c.send(".")
	c.expect("552 5.2.2 Message size exceeds limit")

	// Transaction aborted, session continues at GREETED
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
}

func TestVrfyExpnHelp(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	c.cmd("VRFY alice", "252 2.5.3 Cannot VRFY user, but will accept message")
	c.cmd("EXPN list", "252 2.5.3 Cannot VRFY user, but will accept message")

	lines := c.cmd("HELP", "214 RSET NOOP QUIT HELP")
	if lines[0] != "214-Commands supported:" {
		t.Errorf("HELP first line = %q", lines[0])
	}
	c.cmd("NOOP", "250 2.0.0 OK")
}

func TestStartTLSResetsSession(t *testing.T) {
	th := newTestHandler(t, nil, testTLSConfig(t))
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	lines := c.cmd("EHLO client.example", "250 ")
	if !containsLine(lines, "250-2.0.0 STARTTLS") {
		t.Fatalf("STARTTLS not advertised: %q", lines)
	}

	c.cmd("MAIL FROM:<alice@example.com>", "250 ")

	c.cmd("STARTTLS", "220 2.0.0 Ready to start TLS")
	c.startTLS()

	// Session is wiped back to INITIAL over the encrypted channel
	c.cmd("MAIL FROM:<alice@example.com>", "503 5.5.1 Use HELO/EHLO first")

	lines = c.cmd("EHLO client.example", "250 ")
	if containsLine(lines, "250-2.0.0 STARTTLS") {
		t.Errorf("STARTTLS still advertised after upgrade: %q", lines)
	}

	c.cmd("STARTTLS", "503 5.5.1 Already in TLS mode")
}

func TestStartTLSRejectsParameters(t *testing.T) {
	th := newTestHandler(t, nil, testTLSConfig(t))
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("STARTTLS now", "501 5.5.4 STARTTLS does not accept parameters")
}

func TestStartTLSWithoutCertificate(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("STARTTLS", "502 5.5.1 TLS not available")
}

// TestSubmissionSession walks the full authenticated submission flow:
// STARTTLS, AUTH PLAIN, envelope, DATA.
func TestSubmissionSession(t *testing.T) {
	th := newTestHandler(t, nil, testTLSConfig(t))
	if _, err := th.auth.CreateUser("alice", "s3cret"); err != nil {
		t.Fatal(err)
	}

	c := startSession(t, th, config.ModeSubmission)
	c.expect("220 ")

	// TLS is required on submission, so AUTH is not offered yet
	lines := c.cmd("EHLO client.example", "250 ")
	if containsLine(lines, "250 2.0.0 AUTH PLAIN LOGIN") || containsLine(lines, "250-2.0.0 AUTH PLAIN LOGIN") {
		t.Fatalf("AUTH advertised before TLS: %q", lines)
	}

	c.cmd("AUTH PLAIN "+plainResponse("alice", "s3cret"), "538 Encryption required for requested authentication mechanism")

	c.cmd("STARTTLS", "220 ")
	c.startTLS()

	lines = c.cmd("EHLO client.example", "250 ")
	if !containsLine(lines, "250 2.0.0 AUTH PLAIN LOGIN") && !containsLine(lines, "250-2.0.0 AUTH PLAIN LOGIN") {
		t.Fatalf("AUTH not advertised after TLS: %q", lines)
	}

	c.cmd("AUTH PLAIN "+plainResponse("alice", "s3cret"), "235 2.7.0 Authentication successful")
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
	c.cmd("RCPT TO:<bob@example.net>", "250 ")
	c.cmd("DATA", "354 ")
	c.send("Subject: secure")
	c.send("")
	c.send("hello")
	c.send(".")
	lines = c.expect("250 2.0.0 Message accepted for delivery")

	msg, err := th.queue.Get(context.Background(), queuedID(t, lines))
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Envelope.SessionInfo.TLSActive {
		t.Error("session info lost TLS state")
	}
	if msg.Envelope.SessionInfo.Authenticated != "alice" {
		t.Errorf("authenticated user = %q", msg.Envelope.SessionInfo.Authenticated)
	}
	if !strings.Contains(string(msg.Envelope.MessageData), "with ESMTPSA\r\n") {
		t.Errorf("Received header protocol token wrong:\n%q", msg.Envelope.MessageData)
	}

	c.cmd("QUIT", "221 ")
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func TestTimeoutCloses(t *testing.T) {
	th := newTestHandler(t, nil, nil)

	serverSide, clientSide := net.Pipe()
	conn := server.NewConnection(serverSide, server.ConnectionConfig{
		Mode:        config.ModeRelay,
		IdleTimeout: 30 * time.Millisecond,
		Logger:      testLogger(),
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		th.handler.Handle()(context.Background(), conn)
	}()
	defer clientSide.Close()

	r := bufio.NewReader(clientSide)
	clientSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("greeting: %v", err)
	}

	// Say nothing and wait for the server to give up
	line, err := r.ReadString('\n')
	if err == nil && !strings.HasPrefix(line, "421 4.3.0 Timeout") {
		t.Errorf("farewell = %q", line)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("session did not close after timeout")
	}
}

// brokenQueueStore refuses every enqueue.
type brokenQueueStore struct {
	*queue.MemoryStore
}

func (s *brokenQueueStore) Enqueue(ctx context.Context, msg *queue.QueuedMessage) error {
	return fmt.Errorf("spool full")
}

func TestEnqueueFailureKeepsSession(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	th.handler.queue = queue.NewService(&brokenQueueStore{queue.NewMemoryStore()},
		testLogger(), th.cfg.Queue.Schedule(), th.cfg.Queue.QueueMaxAge())

	c := startSession(t, th, config.ModeRelay)
	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
	c.cmd("RCPT TO:<bob@example.net>", "250 ")
	c.cmd("DATA", "354 ")
	c.send("hello")
	c.send(".")
	c.expect("451 4.3.0 Failed to queue message")

	// Transaction dropped, session continues
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
}
