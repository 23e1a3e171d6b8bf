package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EmailSender simulates delivery through an email gateway. No real mail is
// sent: the sender sleeps for a configured latency and logs the message, which
// stands in for a slow external provider without needing SMTP credentials in a
// demo deployment.
type EmailSender struct {
	from    string
	latency time.Duration
	logger  *slog.Logger
}

// NewEmailSender creates an EmailSender. latency is how long each simulated
// delivery takes; zero defaults to two seconds.
func NewEmailSender(from string, latency time.Duration, logger *slog.Logger) *EmailSender {
	if latency <= 0 {
		latency = 2 * time.Second
	}
	return &EmailSender{
		from:    from,
		latency: latency,
		logger:  logger.With(slog.String("component", "email_sender")),
	}
}

// Send simulates delivering the message, honouring context cancellation while
// it waits out the gateway latency.
func (e *EmailSender) Send(ctx context.Context, title, message string) error {
	timer := time.NewTimer(e.latency)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("email: send cancelled: %w", ctx.Err())
	case <-timer.C:
	}

	e.logger.InfoContext(ctx, "email delivered",
		slog.String("from", e.from),
		slog.String("subject", title),
		slog.String("body", message),
	)
	return nil
}

// Name returns the sender identifier.
func (e *EmailSender) Name() string {
	return "email"
}
