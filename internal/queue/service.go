package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrInvalidEnvelope is returned by Enqueue for envelopes missing
// recipients or data.
var ErrInvalidEnvelope = errors.New("invalid envelope: missing recipients or data")

// DefaultLease is how long a fetched message stays invisible to other
// workers before the claim expires.
const DefaultLease = 10 * time.Minute

// Service implements queue operations: enqueue, ready-polling with leases,
// per-recipient status updates with retry scheduling, requeue, and cleanup.
type Service struct {
	store    Store
	logger   *slog.Logger
	schedule []time.Duration
	maxAge   time.Duration
	leaseFor time.Duration

	// mu serializes read-modify-write cycles on message state
	mu sync.Mutex

	// swappable for tests
	now       func() time.Time
	randFloat func() float64
}

// NewService creates a queue service over the given store.
func NewService(store Store, logger *slog.Logger, schedule []time.Duration, maxAge time.Duration) *Service {
	return &Service{
		store:     store,
		logger:    logger,
		schedule:  schedule,
		maxAge:    maxAge,
		leaseFor:  DefaultLease,
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// Enqueue validates the envelope and stores it under the given queue id
// with every recipient pending. The id is allocated by the caller so it
// can be stamped into the Received header before the body is stored.
func (s *Service) Enqueue(ctx context.Context, queueID string, env Envelope) (*QueuedMessage, error) {
	if len(env.Recipients) == 0 || len(env.MessageData) == 0 {
		return nil, ErrInvalidEnvelope
	}

	msg := NewQueuedMessage(queueID, env, s.now())
	if err := s.store.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueuing message: %w", err)
	}

	s.logger.Info("enqueued message",
		slog.String("queue_id", queueID),
		slog.String("sender", env.Sender),
		slog.Int("recipients", len(env.Recipients)))
	return msg, nil
}

// GetReadyForDelivery leases and returns up to limit messages due for a
// delivery attempt, oldest first.
func (s *Service) GetReadyForDelivery(ctx context.Context, limit int) ([]*QueuedMessage, error) {
	return s.store.FetchReady(ctx, limit, s.now(), s.leaseFor)
}

// Release returns a leased message to the pool after an attempt finishes.
func (s *Service) Release(ctx context.Context, queueID string) error {
	return s.store.Release(ctx, queueID)
}

// UpdateDeliveryStatus records one recipient outcome and recomputes the
// overall message state: code class maps to the recipient state, the
// retry ladder schedules the next attempt, and expiry forces a bounce.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, queueID, recipient string, smtpCode int, smtpMessage, mxHost string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.store.Get(ctx, queueID)
	if err != nil {
		return err
	}

	now := s.now()
	if st, ok := msg.RecipientStatus[recipient]; ok {
		st.Attempts++
		st.LastAttemptAt = now
		st.SMTPCode = smtpCode
		st.SMTPMessage = smtpMessage
		st.MXHost = mxHost

		switch {
		case smtpCode >= 200 && smtpCode < 300:
			st.Status = RecipientDelivered
			st.DeliveredAt = now
			s.logger.Info("recipient delivered",
				slog.String("queue_id", queueID),
				slog.String("recipient", recipient),
				slog.String("mx_host", mxHost))
		case smtpCode >= 400 && smtpCode < 500:
			st.Status = RecipientDeferred
			s.logger.Warn("recipient deferred",
				slog.String("queue_id", queueID),
				slog.String("recipient", recipient),
				slog.Int("code", smtpCode),
				slog.String("reply", smtpMessage))
		case smtpCode >= 500 && smtpCode < 600:
			st.Status = RecipientBounce
			s.logger.Warn("recipient bounced",
				slog.String("queue_id", queueID),
				slog.String("recipient", recipient),
				slog.Int("code", smtpCode),
				slog.String("reply", smtpMessage))
		}
	}

	msg.Attempts++
	msg.LastError = fmt.Sprintf("%d %s", smtpCode, smtpMessage)

	s.recomputeStatus(msg, now)

	return s.store.Update(ctx, msg)
}

// recomputeStatus derives the overall status from the recipient states,
// schedules the next retry, and applies the age and ladder limits.
func (s *Service) recomputeStatus(msg *QueuedMessage, now time.Time) {
	pending := msg.PendingRecipients()

	if len(pending) == 0 {
		msg.NextRetryAt = time.Time{}
		if msg.AllDelivered() {
			msg.Status = StatusDelivered
			s.logger.Info("message fully delivered", slog.String("queue_id", msg.QueueID))
		} else {
			msg.Status = StatusBounce
			s.logger.Warn("message bounced", slog.String("queue_id", msg.QueueID))
		}
		return
	}

	// Attempt k (0-indexed) schedules schedule[k]; Attempts was already
	// incremented for this attempt.
	idx := msg.Attempts - 1
	expired := msg.IsExpired(s.maxAge, now)
	if idx >= len(s.schedule) || expired {
		msg.Status = StatusBounce
		msg.NextRetryAt = time.Time{}
		for _, rcpt := range pending {
			msg.RecipientStatus[rcpt].Status = RecipientExpired
		}
		reason := "retries exhausted"
		if expired {
			reason = "queue age exceeded"
		}
		s.logger.Warn("message expired",
			slog.String("queue_id", msg.QueueID),
			slog.String("reason", reason))
		return
	}

	msg.Status = StatusDeferred
	msg.NextRetryAt = now.Add(s.jitter(s.schedule[idx]))
}

// jitter spreads a delay by a uniform factor in [0.8, 1.2].
func (s *Service) jitter(d time.Duration) time.Duration {
	u := (s.randFloat() - 0.5) * 0.4
	return time.Duration(float64(d) * (1 + u))
}

// Requeue resets a message for immediate delivery: failed recipients go
// back to pending and the retry clock is cleared. The attempt counter is
// kept so operators can see the full history.
func (s *Service) Requeue(ctx context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.store.Get(ctx, queueID)
	if err != nil {
		return err
	}

	msg.Status = StatusActive
	msg.NextRetryAt = time.Time{}
	for _, st := range msg.RecipientStatus {
		switch st.Status {
		case RecipientDeferred, RecipientBounce, RecipientExpired:
			st.Status = RecipientPending
		}
	}

	if err := s.store.Update(ctx, msg); err != nil {
		return err
	}
	s.logger.Info("requeued message", slog.String("queue_id", queueID))
	return nil
}

// Get returns a message by queue id.
func (s *Service) Get(ctx context.Context, queueID string) (*QueuedMessage, error) {
	return s.store.Get(ctx, queueID)
}

// Delete removes a message from the queue.
func (s *Service) Delete(ctx context.Context, queueID string) error {
	if err := s.store.Delete(ctx, queueID); err != nil {
		return err
	}
	s.logger.Info("deleted message", slog.String("queue_id", queueID))
	return nil
}

// ListByStatus returns up to limit messages with the given status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*QueuedMessage, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

// Stats returns message counts per status.
func (s *Service) Stats(ctx context.Context) (map[Status]int, error) {
	return s.store.CountByStatus(ctx)
}

// Cleanup deletes terminal messages older than maxAge.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.now()
	cleaned := 0
	for _, status := range []Status{StatusDelivered, StatusBounce} {
		msgs, err := s.store.ListByStatus(ctx, status, 1000)
		if err != nil {
			return cleaned, err
		}
		for _, msg := range msgs {
			if now.Sub(msg.CreatedAt) > maxAge {
				if err := s.store.Delete(ctx, msg.QueueID); err != nil {
					return cleaned, err
				}
				cleaned++
			}
		}
	}
	if cleaned > 0 {
		s.logger.Info("cleaned up old messages", slog.Int("count", cleaned))
	}
	return cleaned, nil
}
