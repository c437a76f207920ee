// Package queue provides the durable message queue: envelopes accepted by
// the SMTP listeners, per-recipient delivery state, and retry scheduling.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the overall state of a queued message.
type Status string

const (
	StatusActive    Status = "active"
	StatusDeferred  Status = "deferred"
	StatusDelivered Status = "delivered"
	StatusBounce    Status = "bounce"
)

// RecipientStatus is the state of one recipient of a queued message.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientDeferred  RecipientStatus = "deferred"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientBounce    RecipientStatus = "bounce"
	RecipientExpired   RecipientStatus = "expired"
)

// SessionInfo captures the reception context of a message.
type SessionInfo struct {
	PeerIP        string `json:"peer_ip"`
	HeloName      string `json:"helo_name"`
	Authenticated string `json:"authenticated,omitempty"`
	TLSActive     bool   `json:"tls_active"`
}

// Envelope is a message as accepted by a session: reverse-path, ordered
// forward-paths, and the message body including headers. An empty Sender
// is the null sender used for bounces.
type Envelope struct {
	Sender      string      `json:"sender"`
	Recipients  []string    `json:"recipients"`
	MessageData []byte      `json:"-"`
	SessionInfo SessionInfo `json:"session_info"`
}

// RecipientState tracks delivery progress for a single recipient.
type RecipientState struct {
	Status        RecipientStatus `json:"status"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitzero"`
	SMTPCode      int             `json:"smtp_code,omitempty"`
	SMTPMessage   string          `json:"smtp_message,omitempty"`
	MXHost        string          `json:"mx_host,omitempty"`
	DeliveredAt   time.Time       `json:"delivered_at,omitzero"`
}

// QueuedMessage is an envelope in the queue with delivery tracking.
type QueuedMessage struct {
	QueueID   string
	Envelope  Envelope
	Status    Status
	CreatedAt time.Time
	// NextRetryAt is zero when the message is ready immediately.
	NextRetryAt     time.Time
	Attempts        int
	LastError       string
	RecipientStatus map[string]*RecipientState
}

// NewID returns a fresh queue id.
func NewID() string {
	return uuid.NewString()
}

// NewQueuedMessage wraps an envelope for the queue with every recipient
// pending.
func NewQueuedMessage(queueID string, env Envelope, now time.Time) *QueuedMessage {
	rs := make(map[string]*RecipientState, len(env.Recipients))
	for _, rcpt := range env.Recipients {
		rs[rcpt] = &RecipientState{Status: RecipientPending}
	}
	return &QueuedMessage{
		QueueID:         queueID,
		Envelope:        env,
		Status:          StatusActive,
		CreatedAt:       now,
		RecipientStatus: rs,
	}
}

// PendingRecipients returns the recipients still awaiting delivery, in
// envelope order.
func (m *QueuedMessage) PendingRecipients() []string {
	var out []string
	for _, rcpt := range m.Envelope.Recipients {
		st, ok := m.RecipientStatus[rcpt]
		if !ok {
			continue
		}
		if st.Status == RecipientPending || st.Status == RecipientDeferred {
			out = append(out, rcpt)
		}
	}
	return out
}

// AllDelivered reports whether every recipient reached delivered.
func (m *QueuedMessage) AllDelivered() bool {
	for _, st := range m.RecipientStatus {
		if st.Status != RecipientDelivered {
			return false
		}
	}
	return true
}

// IsExpired reports whether the message has been queued longer than maxAge.
func (m *QueuedMessage) IsExpired(maxAge time.Duration, now time.Time) bool {
	return now.Sub(m.CreatedAt) > maxAge
}

// Terminal reports whether the message needs no further delivery work.
func (m *QueuedMessage) Terminal() bool {
	return m.Status == StatusDelivered || m.Status == StatusBounce
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (m *QueuedMessage) Clone() *QueuedMessage {
	cp := *m
	cp.Envelope.Recipients = append([]string(nil), m.Envelope.Recipients...)
	cp.Envelope.MessageData = append([]byte(nil), m.Envelope.MessageData...)
	cp.RecipientStatus = make(map[string]*RecipientState, len(m.RecipientStatus))
	for rcpt, st := range m.RecipientStatus {
		stCp := *st
		cp.RecipientStatus[rcpt] = &stCp
	}
	return &cp
}
