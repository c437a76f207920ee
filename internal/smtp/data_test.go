package smtp

import (
	"context"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/mailfold/mtad/internal/config"
)

// stuffDots applies client-side dot transparency to one line.
func stuffDots(line string) string {
	if strings.HasPrefix(line, ".") {
		return "." + line
	}
	return line
}

// bodyAfterReceived strips the synthesized four-line Received header.
func bodyAfterReceived(t interface{ Fatalf(string, ...interface{}) }, data string) string {
	rest := data
	for i := 0; i < 4; i++ {
		idx := strings.Index(rest, "\r\n")
		if idx < 0 {
			t.Fatalf("message shorter than the Received header: %q", data)
		}
		rest = rest[idx+2:]
	}
	return rest
}

// TestDataDotTransparencyRoundTrip feeds arbitrary payloads through a
// full DATA exchange with client-side dot-stuffing and checks the stored
// body matches byte for byte.
func TestDataDotTransparencyRoundTrip(t *testing.T) {
	th := newTestHandler(t, func(cfg *config.Config) {
		cfg.Policy.RateLimitIP = 0
	}, nil)

	rapid.Check(t, func(rt *rapid.T) {
		lines := rapid.SliceOfN(rapid.StringMatching(`[ -~]{0,40}`), 0, 16).Draw(rt, "lines")

		c := startSession(t, th, config.ModeRelay)
		c.expect("220 ")
		c.cmd("EHLO client.example", "250 ")
		c.cmd("MAIL FROM:<alice@example.com>", "250 ")
		c.cmd("RCPT TO:<bob@example.net>", "250 ")
		c.cmd("DATA", "354 ")

		var want strings.Builder
		for _, line := range lines {
			c.send(stuffDots(line))
			want.WriteString(line)
			want.WriteString("\r\n")
		}
		c.send(".")
		reply := c.expect("250 ")

		msg, err := th.queue.Get(context.Background(), queuedID(t, reply))
		if err != nil {
			rt.Fatalf("Get: %v", err)
		}
		got := bodyAfterReceived(rt, string(msg.Envelope.MessageData))
		if got != want.String() {
			rt.Fatalf("stored body = %q, want %q", got, want.String())
		}

		c.cmd("QUIT", "221 ")
	})
}

func TestDataRejectsParameters(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
	c.cmd("RCPT TO:<bob@example.net>", "250 ")
	c.cmd("DATA NOW", "501 5.5.4 DATA does not accept parameters")
}

func TestReceivedHeaderOmitsForWithMultipleRecipients(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<alice@example.com>", "250 ")
	c.cmd("RCPT TO:<one@example.net>", "250 ")
	c.cmd("RCPT TO:<two@example.net>", "250 ")
	c.cmd("DATA", "354 ")
	c.send("hi")
	c.send(".")
	reply := c.expect("250 ")

	msg, err := th.queue.Get(context.Background(), queuedID(t, reply))
	if err != nil {
		t.Fatal(err)
	}
	header := string(msg.Envelope.MessageData)
	if strings.Contains(header, " for <") {
		t.Errorf("for clause present with two recipients:\n%q", header)
	}
}

func TestNullSenderAccepted(t *testing.T) {
	th := newTestHandler(t, nil, nil)
	c := startSession(t, th, config.ModeRelay)

	c.expect("220 ")
	c.cmd("EHLO client.example", "250 ")
	c.cmd("MAIL FROM:<>", "250 2.0.0 Sender <> OK")
	c.cmd("RCPT TO:<bob@example.net>", "250 ")
	c.cmd("DATA", "354 ")
	c.send("bounce body")
	c.send(".")
	reply := c.expect("250 ")

	msg, err := th.queue.Get(context.Background(), queuedID(t, reply))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Envelope.Sender != "" {
		t.Errorf("null sender stored as %q", msg.Envelope.Sender)
	}
}
