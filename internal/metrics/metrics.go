// Package metrics provides interfaces and implementations for collecting
// mail transfer agent metrics. This package defines the Collector interface
// for recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording MTA metrics.
type Collector interface {
	// Connection metrics (no domain - happens before HELO)
	ConnectionOpened()
	ConnectionClosed()
	TLSConnectionEstablished()

	// Message metrics (recipient domain first)
	MessageReceived(recipientDomain string, sizeBytes int64)
	MessageRejected(recipientDomain string, reason string)

	// Authentication metrics
	AuthAttempt(username string, success bool)

	// Command metrics (no domain - too granular)
	CommandProcessed(command string)

	// Policy metrics
	// decision should be "allow", "rate_limited", "greylisted", or "blacklisted"
	PolicyDecision(decision string)

	// Delivery metrics (recipient domain first)
	// result should be "delivered", "deferred", or "bounced"
	DeliveryCompleted(recipientDomain string, result string)
	DeliveryAttemptDuration(seconds float64)

	// Queue depth per status, sampled by the worker pool
	QueueDepth(status string, n int)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
