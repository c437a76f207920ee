package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mailfold/mtad/internal/config"
	"github.com/mailfold/mtad/internal/logging"
	"github.com/mailfold/mtad/internal/metrics"
	"github.com/mailfold/mtad/internal/queue"
)

// Service delivers queued messages to their destination MX hosts and
// records each recipient outcome with the queue.
type Service struct {
	queue       *queue.Service
	resolver    Resolver
	client      *client
	collector   metrics.Collector
	logger      *slog.Logger
	fallbackToA bool

	maxPerDomain int64
	mu           sync.Mutex
	sems         map[string]*semaphore.Weighted
}

// NewService builds a delivery service from the runtime configuration.
func NewService(q *queue.Service, cfg *config.Config, resolver Resolver, collector metrics.Collector, logger *slog.Logger) *Service {
	return &Service{
		queue:       q,
		resolver:    resolver,
		client:      newClient(cfg.Hostname, cfg.Delivery.Port, cfg.Timeouts.ConnectTimeout(), cfg.Timeouts.DataTimeout()),
		collector:   collector,
		logger:      logger,
		fallbackToA: cfg.Delivery.FallbackToA(),

		maxPerDomain: int64(cfg.Delivery.MaxConnectionsPerDomain),
		sems:         make(map[string]*semaphore.Weighted),
	}
}

// DeliverMessage attempts delivery for every pending recipient of a
// message, one destination domain at a time, and persists the outcomes.
// It returns an error only when recording an outcome fails.
func (s *Service) DeliverMessage(ctx context.Context, msg *queue.QueuedMessage) error {
	logger := logging.WithQueueID(s.logger, msg.QueueID)
	start := time.Now()
	defer func() {
		s.collector.DeliveryAttemptDuration(time.Since(start).Seconds())
	}()

	byDomain := make(map[string][]string)
	var domains []string
	for _, rcpt := range msg.PendingRecipients() {
		domain := recipientDomain(rcpt)
		if _, ok := byDomain[domain]; !ok {
			domains = append(domains, domain)
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}

	for _, domain := range domains {
		rcpts := byDomain[domain]
		results := s.deliverToDomain(ctx, logger, msg, domain, rcpts)
		for _, rcpt := range rcpts {
			res := results[rcpt]
			err := s.queue.UpdateDeliveryStatus(ctx, msg.QueueID, rcpt, res.Code, res.Message, res.Host)
			if err != nil {
				return fmt.Errorf("recording outcome for %s: %w", rcpt, err)
			}
			s.collector.DeliveryCompleted(domain, resultClass(res.Code))
		}
	}
	return nil
}

// deliverToDomain resolves the domain's MX hosts and walks them in
// preference order: a 2xx or 5xx outcome is final, a temporary failure
// moves to the next host. Every recipient gets a Result.
func (s *Service) deliverToDomain(ctx context.Context, logger *slog.Logger, msg *queue.QueuedMessage, domain string, rcpts []string) map[string]Result {
	sem := s.domainSem(domain)
	if sem != nil {
		if !sem.TryAcquire(1) {
			logger.Warn("domain connection limit reached", slog.String("domain", domain))
			return uniformResult(rcpts, 450, "Connection limit reached for domain", "")
		}
		defer sem.Release(1)
	}

	hosts, err := resolveMXs(ctx, s.resolver, domain, s.fallbackToA)
	if err != nil {
		if errors.Is(err, errNoMX) {
			logger.Warn("no MX records", slog.String("domain", domain))
			return uniformResult(rcpts, 550, "No MX records for "+domain, "")
		}
		logger.Warn("MX resolution failed",
			slog.String("domain", domain),
			slog.String("error", err.Error()))
		return uniformResult(rcpts, 450, err.Error(), "")
	}

	lastErr := &hostError{code: 450, message: "All MX hosts failed"}
	lastHost := ""
	for _, host := range hosts {
		logger.Debug("attempting delivery",
			slog.String("domain", domain),
			slog.String("mx_host", host),
			slog.Int("recipients", len(rcpts)))

		results, err := s.client.deliver(ctx, host, msg.Envelope.Sender, rcpts, msg.Envelope.MessageData)
		if err == nil {
			logger.Info("delivery attempt finished",
				slog.String("domain", domain),
				slog.String("mx_host", host))
			return results
		}

		var he *hostError
		if !errors.As(err, &he) {
			he = &hostError{code: 450, message: err.Error()}
		}
		logger.Warn("MX host failed",
			slog.String("mx_host", host),
			slog.Int("code", he.code),
			slog.String("reply", he.message))
		lastErr, lastHost = he, host
		if he.permanent {
			break
		}
	}
	return uniformResult(rcpts, lastErr.code, lastErr.message, lastHost)
}

// domainSem returns the per-domain connection semaphore, or nil when the
// limit is disabled.
func (s *Service) domainSem(domain string) *semaphore.Weighted {
	if s.maxPerDomain <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[domain]
	if !ok {
		sem = semaphore.NewWeighted(s.maxPerDomain)
		s.sems[domain] = sem
	}
	return sem
}

func uniformResult(rcpts []string, code int, message, host string) map[string]Result {
	out := make(map[string]Result, len(rcpts))
	for _, rcpt := range rcpts {
		out[rcpt] = Result{Code: code, Message: message, Host: host}
	}
	return out
}

func recipientDomain(rcpt string) string {
	if i := strings.LastIndex(rcpt, "@"); i >= 0 {
		return strings.ToLower(rcpt[i+1:])
	}
	return rcpt
}

func resultClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "delivered"
	case code >= 500:
		return "bounced"
	default:
		return "deferred"
	}
}
