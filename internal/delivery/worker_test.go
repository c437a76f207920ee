package delivery

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mailfold/mtad/internal/config"
	"github.com/mailfold/mtad/internal/metrics"
	"github.com/mailfold/mtad/internal/queue"
)

func waitForStatus(t *testing.T, q *queue.Service, queueID string, want queue.Status) *queue.QueuedMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := q.Get(context.Background(), queueID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := q.Get(context.Background(), queueID)
	t.Fatalf("message never reached %q, last state %+v", want, got)
	return nil
}

func TestPoolDeliversQueuedMessage(t *testing.T) {
	q := newDeliveryQueue(t)
	mx := newFakeMX(t, "250 2.0.0 accepted")
	r := exampleComResolver(map[string]uint16{"m1.example.com": 10})
	svc := newTestService(t, q, r, map[string]string{"m1.example.com": mx.addr()})

	pool := NewPool(svc, q, &metrics.NoopCollector{}, testLogger(), 2, 10*time.Millisecond)
	pool.Start(context.Background())
	defer pool.Stop()

	msg := enqueueDelivery(t, q, "user@example.com")
	waitForStatus(t, q, msg.QueueID, queue.StatusDelivered)
}

type panicResolver struct{}

func (panicResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	panic("resolver blew up")
}

func (panicResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	panic("resolver blew up")
}

func TestPoolRecoversFromPanic(t *testing.T) {
	q := newDeliveryQueue(t)
	cfg := config.Default()
	svc := NewService(q, &cfg, panicResolver{}, &metrics.NoopCollector{}, testLogger())

	pool := NewPool(svc, q, &metrics.NoopCollector{}, testLogger(), 1, 10*time.Millisecond)
	pool.Start(context.Background())
	defer pool.Stop()

	msg := enqueueDelivery(t, q, "user@example.com")
	got := waitForStatus(t, q, msg.QueueID, queue.StatusDeferred)

	st := got.RecipientStatus["user@example.com"]
	if st.SMTPCode != 451 || !strings.HasPrefix(st.SMTPMessage, "Worker error:") {
		t.Errorf("recipient state = %+v", st)
	}
}
