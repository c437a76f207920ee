package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
)

// Result is the outcome for one recipient of a delivery attempt.
type Result struct {
	Code    int
	Message string
	Host    string
}

// hostError is a failure that applies to the whole attempt against one MX
// host: connect, greeting, EHLO, MAIL, or the final reply after DATA.
// Permanent failures stop the MX walk; temporary ones move to the next host.
type hostError struct {
	code      int
	message   string
	permanent bool
}

func (e *hostError) Error() string {
	return fmt.Sprintf("%d %s", e.code, e.message)
}

// classify turns a client error into a hostError. Server replies keep their
// code; network errors become a temporary 450.
func classify(err error) *hostError {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &hostError{
			code:      smtpErr.Code,
			message:   smtpErr.Message,
			permanent: smtpErr.Code >= 500,
		}
	}
	return &hostError{code: 450, message: err.Error()}
}

// client performs one SMTP transaction against a remote MX host.
type client struct {
	heloName       string
	port           int
	connectTimeout time.Duration
	dataTimeout    time.Duration

	// dial is swappable so tests can route MX names to local listeners
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func newClient(heloName string, port int, connectTimeout, dataTimeout time.Duration) *client {
	d := &net.Dialer{Timeout: connectTimeout}
	return &client{
		heloName:       heloName,
		port:           port,
		connectTimeout: connectTimeout,
		dataTimeout:    dataTimeout,
		dial:           d.DialContext,
	}
}

// deliver runs MAIL/RCPT/DATA against one host. Recipients refused with an
// SMTP reply at RCPT get individual Results; recipients accepted through
// the final dot share the DATA reply. A returned error means no recipient
// got a usable reply from this host.
func (c *client) deliver(ctx context.Context, host, sender string, rcpts []string, data []byte) (map[string]Result, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(c.port))
	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, &hostError{code: 450, message: err.Error()}
	}

	cl := smtp.NewClient(conn)
	cl.CommandTimeout = c.connectTimeout
	cl.SubmissionTimeout = c.dataTimeout
	defer cl.Close()

	if err := cl.Hello(c.heloName); err != nil {
		return nil, classify(err)
	}

	// Opportunistic TLS. Remote MX certificates are routinely self-signed
	// or mismatched, so verification is skipped.
	if ok, _ := cl.Extension("STARTTLS"); ok {
		cfg := &tls.Config{ServerName: host, InsecureSkipVerify: true}
		if err := cl.StartTLS(cfg); err != nil {
			return nil, classify(err)
		}
	}

	if err := cl.Mail(sender, nil); err != nil {
		return nil, classify(err)
	}

	results := make(map[string]Result)
	var accepted []string
	for _, rcpt := range rcpts {
		if err := cl.Rcpt(rcpt, nil); err != nil {
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) {
				results[rcpt] = Result{Code: smtpErr.Code, Message: smtpErr.Message, Host: host}
				continue
			}
			return nil, classify(err)
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return nil, &hostError{code: 550, message: "All recipients refused", permanent: true}
	}

	wc, err := cl.Data()
	if err != nil {
		return nil, classify(err)
	}
	if _, err := wc.Write(data); err != nil {
		return nil, classify(err)
	}
	if err := wc.Close(); err != nil {
		// The reply after the terminating dot covers every accepted
		// recipient, so a temporary failure here retries the next host.
		return nil, classify(err)
	}

	for _, rcpt := range accepted {
		results[rcpt] = Result{Code: 250, Message: "Message accepted", Host: host}
	}

	cl.Quit()
	return results, nil
}
