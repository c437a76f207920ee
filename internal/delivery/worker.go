package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mailfold/mtad/internal/logging"
	"github.com/mailfold/mtad/internal/metrics"
	"github.com/mailfold/mtad/internal/queue"
)

// batchSize is how many ready messages one worker claims per poll.
const batchSize = 10

// statsInterval is how often the pool samples queue depth.
const statsInterval = 30 * time.Second

// Pool runs delivery workers that poll the queue for ready messages.
// Leasing in the queue store keeps two workers off the same queue id.
type Pool struct {
	svc       *Service
	queue     *queue.Service
	collector metrics.Collector
	logger    *slog.Logger
	workers   int
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. Start must be called to begin polling.
func NewPool(svc *Service, q *queue.Service, collector metrics.Collector, logger *slog.Logger, workers int, interval time.Duration) *Pool {
	return &Pool{
		svc:       svc,
		queue:     q,
		collector: collector,
		logger:    logger,
		workers:   workers,
		interval:  interval,
	}
}

// Start launches the workers and the queue depth sampler.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.wg.Add(1)
	go p.sampleStats(ctx)
	p.logger.Info("delivery pool started", slog.Int("workers", p.workers))
}

// Stop cancels the workers and waits for in-flight attempts to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("delivery pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := logging.WithWorker(p.logger, id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.queue.GetReadyForDelivery(ctx, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("polling queue", slog.String("error", err.Error()))
			p.sleep(ctx)
			continue
		}
		if len(msgs) == 0 {
			p.sleep(ctx)
			continue
		}

		for _, msg := range msgs {
			p.process(ctx, logger, msg)
		}
	}
}

// process runs one delivery attempt. A panic or a persistence error marks
// the pending recipients deferred so the message is retried rather than
// stuck; the lease is always released.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, msg *queue.QueuedMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic",
				slog.String("queue_id", msg.QueueID),
				slog.Any("panic", r))
			p.failPending(ctx, msg, fmt.Sprintf("Worker error: %v", r))
		}
		if err := p.queue.Release(ctx, msg.QueueID); err != nil {
			logger.Error("releasing lease",
				slog.String("queue_id", msg.QueueID),
				slog.String("error", err.Error()))
		}
	}()

	if err := p.svc.DeliverMessage(ctx, msg); err != nil {
		logger.Error("delivery attempt failed",
			slog.String("queue_id", msg.QueueID),
			slog.String("error", err.Error()))
		p.failPending(ctx, msg, fmt.Sprintf("Worker error: %v", err))
	}
}

// failPending defers every still-pending recipient with a temporary error.
func (p *Pool) failPending(ctx context.Context, msg *queue.QueuedMessage, reason string) {
	current, err := p.queue.Get(ctx, msg.QueueID)
	if err != nil {
		return
	}
	for _, rcpt := range current.PendingRecipients() {
		_ = p.queue.UpdateDeliveryStatus(ctx, msg.QueueID, rcpt, 451, reason, "")
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.interval):
	}
}

func (p *Pool) sampleStats(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := p.queue.Stats(ctx)
			if err != nil {
				continue
			}
			for _, status := range []queue.Status{
				queue.StatusActive, queue.StatusDeferred,
				queue.StatusDelivered, queue.StatusBounce,
			} {
				p.collector.QueueDepth(string(status), counts[status])
			}
		}
	}
}
