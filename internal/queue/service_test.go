package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var testSchedule = []time.Duration{
	5 * time.Minute, 15 * time.Minute, time.Hour,
	4 * time.Hour, 12 * time.Hour, 24 * time.Hour, 48 * time.Hour,
}

func newTestQueue(t *testing.T) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(NewMemoryStore(), logger, testSchedule, 7*24*time.Hour)
}

func enqueueTest(t *testing.T, svc *Service, rcpts ...string) *QueuedMessage {
	t.Helper()
	if len(rcpts) == 0 {
		rcpts = []string{"r@example.com"}
	}
	env := Envelope{
		Sender:      "s@example.org",
		Recipients:  rcpts,
		MessageData: []byte("Subject: t\r\n\r\nhi\r\n"),
	}
	msg, err := svc.Enqueue(context.Background(), NewID(), env)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestEnqueueValidation(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, NewID(), Envelope{Recipients: nil, MessageData: []byte("x")})
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("no recipients: %v, want ErrInvalidEnvelope", err)
	}
	_, err = svc.Enqueue(ctx, NewID(), Envelope{Recipients: []string{"r@example.com"}})
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("no data: %v, want ErrInvalidEnvelope", err)
	}
}

func TestEnqueueInitialState(t *testing.T) {
	svc := newTestQueue(t)
	msg := enqueueTest(t, svc, "a@example.com", "b@example.net")

	got, err := svc.Get(context.Background(), msg.QueueID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusActive || got.Attempts != 0 || !got.NextRetryAt.IsZero() {
		t.Errorf("initial state = %+v", got)
	}
	// Recipients preserved in order
	if len(got.Envelope.Recipients) != 2 || got.Envelope.Recipients[0] != "a@example.com" {
		t.Errorf("recipients = %v", got.Envelope.Recipients)
	}
	for rcpt, st := range got.RecipientStatus {
		if st.Status != RecipientPending {
			t.Errorf("recipient %s = %q, want pending", rcpt, st.Status)
		}
	}
}

func TestUpdateDelivered(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()
	msg := enqueueTest(t, svc)

	err := svc.UpdateDeliveryStatus(ctx, msg.QueueID, "r@example.com", 250, "OK", "mx1.example.com")
	if err != nil {
		t.Fatal(err)
	}

	got, _ := svc.Get(ctx, msg.QueueID)
	if got.Status != StatusDelivered {
		t.Errorf("Status = %q, want delivered", got.Status)
	}
	st := got.RecipientStatus["r@example.com"]
	if st.Status != RecipientDelivered || st.SMTPCode != 250 || st.MXHost != "mx1.example.com" {
		t.Errorf("recipient state = %+v", st)
	}
	if st.DeliveredAt.IsZero() {
		t.Error("DeliveredAt not set")
	}
	if !got.NextRetryAt.IsZero() {
		t.Error("delivered message should have no retry time")
	}
}

func TestUpdateDeferredSchedulesRetry(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()

	current := time.Now()
	svc.now = func() time.Time { return current }

	msg := enqueueTest(t, svc)

	// Attempt k (0-indexed) lands in [0.8, 1.2] x schedule[k]
	for k := 0; k < len(testSchedule); k++ {
		err := svc.UpdateDeliveryStatus(ctx, msg.QueueID, "r@example.com", 451, "try later", "mx1.example.com")
		if err != nil {
			t.Fatal(err)
		}
		got, _ := svc.Get(ctx, msg.QueueID)
		if got.Status != StatusDeferred {
			t.Fatalf("attempt %d: Status = %q, want deferred", k, got.Status)
		}
		delay := got.NextRetryAt.Sub(current)
		lo := time.Duration(float64(testSchedule[k]) * 0.8)
		hi := time.Duration(float64(testSchedule[k]) * 1.2)
		if delay < lo || delay > hi {
			t.Errorf("attempt %d: delay = %v, want in [%v, %v]", k, delay, lo, hi)
		}
	}

	// One more deferral exhausts the ladder
	err := svc.UpdateDeliveryStatus(ctx, msg.QueueID, "r@example.com", 451, "try later", "mx1.example.com")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(ctx, msg.QueueID)
	if got.Status != StatusBounce {
		t.Errorf("after exhausting schedule: Status = %q, want bounce", got.Status)
	}
	if got.RecipientStatus["r@example.com"].Status != RecipientExpired {
		t.Errorf("recipient = %q, want expired", got.RecipientStatus["r@example.com"].Status)
	}
}

func TestUpdateBounce(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()
	msg := enqueueTest(t, svc)

	err := svc.UpdateDeliveryStatus(ctx, msg.QueueID, "r@example.com", 550, "no such user", "mx1.example.com")
	if err != nil {
		t.Fatal(err)
	}

	got, _ := svc.Get(ctx, msg.QueueID)
	if got.Status != StatusBounce {
		t.Errorf("Status = %q, want bounce", got.Status)
	}
	if got.RecipientStatus["r@example.com"].Status != RecipientBounce {
		t.Errorf("recipient = %q, want bounce", got.RecipientStatus["r@example.com"].Status)
	}
}

func TestMixedRecipientsOutcome(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()
	msg := enqueueTest(t, svc, "ok@example.com", "gone@example.com")

	svc.UpdateDeliveryStatus(ctx, msg.QueueID, "ok@example.com", 250, "OK", "mx1")
	svc.UpdateDeliveryStatus(ctx, msg.QueueID, "gone@example.com", 550, "no such user", "mx1")

	got, _ := svc.Get(ctx, msg.QueueID)
	// One delivered, one bounced, none pending: overall bounce
	if got.Status != StatusBounce {
		t.Errorf("Status = %q, want bounce", got.Status)
	}
	if got.RecipientStatus["ok@example.com"].Status != RecipientDelivered {
		t.Error("delivered recipient lost its state")
	}
}

func TestExpiryForcesBounce(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()

	created := time.Now()
	svc.now = func() time.Time { return created }
	msg := enqueueTest(t, svc)

	// Past MAX_QUEUE_AGE, even a 4xx outcome forces a bounce
	svc.now = func() time.Time { return created.Add(8 * 24 * time.Hour) }
	err := svc.UpdateDeliveryStatus(ctx, msg.QueueID, "r@example.com", 451, "try later", "mx1")
	if err != nil {
		t.Fatal(err)
	}

	got, _ := svc.Get(ctx, msg.QueueID)
	if got.Status != StatusBounce {
		t.Errorf("Status = %q, want bounce", got.Status)
	}
	if got.RecipientStatus["r@example.com"].Status != RecipientExpired {
		t.Errorf("recipient = %q, want expired", got.RecipientStatus["r@example.com"].Status)
	}
}

func TestRequeue(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()
	msg := enqueueTest(t, svc)

	svc.UpdateDeliveryStatus(ctx, msg.QueueID, "r@example.com", 550, "no such user", "mx1")

	if err := svc.Requeue(ctx, msg.QueueID); err != nil {
		t.Fatal(err)
	}

	got, _ := svc.Get(ctx, msg.QueueID)
	if got.Status != StatusActive || !got.NextRetryAt.IsZero() {
		t.Errorf("after requeue: %+v", got)
	}
	if got.RecipientStatus["r@example.com"].Status != RecipientPending {
		t.Errorf("recipient = %q, want pending", got.RecipientStatus["r@example.com"].Status)
	}

	// Requeued message is ready again
	ready, _ := svc.GetReadyForDelivery(ctx, 10)
	if len(ready) != 1 {
		t.Errorf("ready = %d, want 1", len(ready))
	}
}

func TestCleanup(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()

	old := time.Now().Add(-30 * 24 * time.Hour)
	svc.now = func() time.Time { return old }
	oldMsg := enqueueTest(t, svc)
	svc.UpdateDeliveryStatus(ctx, oldMsg.QueueID, "r@example.com", 250, "OK", "mx1")

	svc.now = time.Now
	freshMsg := enqueueTest(t, svc)
	svc.UpdateDeliveryStatus(ctx, freshMsg.QueueID, "r@example.com", 250, "OK", "mx1")

	cleaned, err := svc.Cleanup(ctx, 14*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if cleaned != 1 {
		t.Errorf("cleaned = %d, want 1", cleaned)
	}
	if _, err := svc.Get(ctx, oldMsg.QueueID); !errors.Is(err, ErrNotFound) {
		t.Error("old message should be gone")
	}
	if _, err := svc.Get(ctx, freshMsg.QueueID); err != nil {
		t.Error("fresh message should survive cleanup")
	}
}

func TestConcurrentUpdatesConsistent(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()

	rcpts := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}
	msg := enqueueTest(t, svc, rcpts...)

	var wg sync.WaitGroup
	for _, rcpt := range rcpts {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			if err := svc.UpdateDeliveryStatus(ctx, msg.QueueID, r, 250, "OK", "mx1"); err != nil {
				t.Error(err)
			}
		}(rcpt)
	}
	wg.Wait()

	got, _ := svc.Get(ctx, msg.QueueID)
	if got.Status != StatusDelivered {
		t.Errorf("Status = %q, want delivered", got.Status)
	}
	for _, rcpt := range rcpts {
		if got.RecipientStatus[rcpt].Status != RecipientDelivered {
			t.Errorf("recipient %s = %q", rcpt, got.RecipientStatus[rcpt].Status)
		}
	}
	if got.Attempts != len(rcpts) {
		t.Errorf("Attempts = %d, want %d", got.Attempts, len(rcpts))
	}
}

func TestWorkerMutualExclusion(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()
	enqueueTest(t, svc)

	// Two workers polling concurrently: only one gets the message
	var wg sync.WaitGroup
	results := make([][]*QueuedMessage, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			batch, err := svc.GetReadyForDelivery(ctx, 10)
			if err != nil {
				t.Error(err)
			}
			results[n] = batch
		}(i)
	}
	wg.Wait()

	total := len(results[0]) + len(results[1])
	if total != 1 {
		t.Errorf("both workers combined fetched %d messages, want 1", total)
	}
}
