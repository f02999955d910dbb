package delivery

import (
	"context"
	"fmt"

	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/common/logger"
	"library-workers/internal/common/metrics"
	"library-workers/internal/common/validation"
	"library-workers/internal/models"
)

// Store is satisfied by *store.Store.
type Store interface {
	Get(ctx context.Context, id int64) (*models.Notification, error)
	ClaimAttempt(ctx context.Context, id int64, attempt int) (bool, error)
	MarkSent(ctx context.Context, id int64, detail string) (bool, error)
	MarkFailed(ctx context.Context, id int64, detail string) error
	LogAttempt(ctx context.Context, id int64, status models.NotificationStatus, detail string) error
}

// Recipients looks up who a notification goes to.
type Recipients interface {
	GetUser(ctx context.Context, userID int64) (models.UserSnapshot, error)
}

// Sender delivers a rendered message to one address.
type Sender interface {
	Channel() string
	Send(ctx context.Context, to, subject, body string) error
}

type Runner struct {
	store   Store
	users   Recipients
	senders map[models.NotificationType]Sender
	cfg     Config
	logger  logger.Logger
}

func NewRunner(store Store, users Recipients, senders map[models.NotificationType]Sender, cfg Config, log logger.Logger) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	return &Runner{
		store:   store,
		users:   users,
		senders: senders,
		cfg:     cfg,
		logger:  log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// Deliver makes one attempt at sending the notification in task.
func (r *Runner) Deliver(ctx context.Context, task Task) Outcome {
	attempt := task.Attempt
	if attempt < 1 {
		attempt = 1
	}
	log := logger.WithTrace(ctx, r.logger).WithFields(map[string]interface{}{
		"notificationId": task.NotificationID,
		"attempt":        attempt,
	})

	n, err := r.store.Get(ctx, task.NotificationID)
	if apperrors.IsCode(err, apperrors.ErrCodeNotificationNotFound) {
		log.Error("notification not found", nil)
		return r.observe("unknown", Skipped{Reason: "not found"})
	}
	if err != nil {
		return r.observe("unknown", r.retryUnclaimed(log, attempt, err))
	}
	channel := string(n.Type)

	// Only PENDING rows are delivered; a stale task for a SENT or FAILED
	// notification must not send again.
	if n.Status != models.NotificationPending {
		log.Info("notification no longer pending, skipping", map[string]interface{}{"status": n.Status})
		return r.observe(channel, Skipped{Reason: "notification is " + string(n.Status)})
	}
	if attempt > r.cfg.MaxAttempts {
		return r.observe(channel, r.fail(ctx, log, n.ID,
			fmt.Sprintf("Attempt %d: not sent (max attempts exceeded)", attempt)))
	}

	claimed, err := r.store.ClaimAttempt(ctx, n.ID, attempt)
	if err != nil {
		return r.observe(channel, r.retryUnclaimed(log, attempt, err))
	}
	if !claimed {
		log.Info("attempt already taken, skipping", map[string]interface{}{"storedAttempts": n.Attempts})
		return r.observe(channel, Skipped{Reason: fmt.Sprintf("attempt %d already taken", attempt)})
	}

	sender, ok := r.senders[n.Type]
	if !ok {
		return r.observe(channel, r.fail(ctx, log, n.ID, fmt.Sprintf("No sender configured for %s", n.Type)))
	}

	to, err := r.recipient(ctx, n)
	if err != nil {
		if apperrors.IsRetryable(err) {
			return r.observe(channel, r.retryOrFail(ctx, log, n.ID, attempt, err, true))
		}
		return r.observe(channel, r.fail(ctx, log, n.ID, fmt.Sprintf("Invalid email or user: %s", describe(err))))
	}

	log.Info("sending notification", map[string]interface{}{
		"channel":       sender.Channel(),
		"subject":       n.Subject,
		"messageLength": len(n.Message),
	})
	if err := sender.Send(ctx, to, n.Subject, n.Message); err != nil {
		return r.observe(channel, r.retryOrFail(ctx, log, n.ID, attempt, err, true))
	}

	detail := fmt.Sprintf("%s sent successfully to %s via %s", channelNoun(n.Type), to, sender.Channel())
	if _, err := r.store.MarkSent(ctx, n.ID, detail); err != nil {
		// the message went out; a retry may send it twice
		log.Error("failed to record sent notification", map[string]interface{}{"error": err.Error()})
		return r.observe(channel, r.retryOrFail(ctx, log, n.ID, attempt, err, false))
	}

	log.Info("notification sent", map[string]interface{}{"recipient": to})
	return r.observe(channel, Success{Channel: sender.Channel(), Recipient: to})
}

func (r *Runner) recipient(ctx context.Context, n *models.Notification) (string, error) {
	user, err := r.users.GetUser(ctx, n.UserID)
	if err != nil {
		return "", err
	}

	switch n.Type {
	case models.NotificationSMS:
		if user.Phone == "" {
			return "", fmt.Errorf("no phone found for user %d", n.UserID)
		}
		if !validation.ValidatePhone(user.Phone) {
			return "", fmt.Errorf("invalid phone %q for user %d", user.Phone, n.UserID)
		}
		return user.Phone, nil
	default:
		if user.Email == "" {
			return "", fmt.Errorf("no email found for user %d", n.UserID)
		}
		if !validation.ValidateEmail(user.Email) {
			return "", fmt.Errorf("invalid email %q for user %d", user.Email, n.UserID)
		}
		return user.Email, nil
	}
}

// retryOrFail records a transient failure. Below the attempt limit the
// notification stays PENDING; at the limit it becomes FAILED.
func (r *Runner) retryOrFail(ctx context.Context, log logger.Logger, id int64, attempt int, cause error, record bool) Outcome {
	log.Warn("delivery attempt failed", map[string]interface{}{"error": cause.Error()})

	if attempt >= r.cfg.MaxAttempts {
		detail := fmt.Sprintf("Attempt %d: %s (max attempts exceeded)", attempt, describe(cause))
		if err := r.store.MarkFailed(ctx, id, detail); err != nil {
			log.Error("failed to mark notification failed", map[string]interface{}{"error": err.Error()})
		}
		log.Error("max attempts exceeded", map[string]interface{}{"maxAttempts": r.cfg.MaxAttempts})
		return TerminalFailure{Reason: detail}
	}

	if record {
		detail := fmt.Sprintf("Attempt %d: %s", attempt, describe(cause))
		if err := r.store.LogAttempt(ctx, id, models.NotificationFailed, detail); err != nil {
			log.Error("failed to log delivery attempt", map[string]interface{}{"error": err.Error()})
		}
	}

	delay := r.cfg.Delay(attempt - 1)
	log.Info("retrying notification", map[string]interface{}{"delay": delay.String()})
	return RetryableFailure{Attempt: attempt, Delay: delay, Err: cause}
}

// retryUnclaimed asks for the same attempt again after the first backoff. The
// attempt was never claimed, so it does not count against MaxAttempts.
func (r *Runner) retryUnclaimed(log logger.Logger, attempt int, cause error) Outcome {
	log.Warn("could not start delivery attempt", map[string]interface{}{"error": cause.Error()})
	return RetryableFailure{Attempt: attempt - 1, Delay: r.cfg.Delay(0), Err: cause}
}

func (r *Runner) fail(ctx context.Context, log logger.Logger, id int64, reason string) Outcome {
	log.Error("notification cannot be delivered", map[string]interface{}{"reason": reason})
	if err := r.store.MarkFailed(ctx, id, reason); err != nil {
		log.Error("failed to mark notification failed", map[string]interface{}{"error": err.Error()})
	}
	return TerminalFailure{Reason: reason}
}

func (r *Runner) observe(channel string, o Outcome) Outcome {
	var outcome string
	switch o.(type) {
	case Success:
		outcome = "sent"
	case RetryableFailure:
		outcome = "retry"
	case TerminalFailure:
		outcome = "failed"
	default:
		outcome = "skipped"
	}
	metrics.NotificationDeliveries.WithLabelValues(channel, outcome).Inc()
	return o
}

func describe(err error) string {
	if stdErr, ok := apperrors.AsStandard(err); ok && stdErr.Details != "" {
		return stdErr.Details
	}
	return err.Error()
}

func channelNoun(t models.NotificationType) string {
	if t == models.NotificationSMS {
		return "SMS"
	}
	return "Email"
}
