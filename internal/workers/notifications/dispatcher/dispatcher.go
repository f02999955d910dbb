// Package dispatcher turns notification events into persisted notifications
// and hands them to the delivery queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"library-workers/internal/common/bus"
	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/common/logger"
	"library-workers/internal/common/metrics"
	"library-workers/internal/models"
	"library-workers/internal/workers/notifications/delivery"
	"library-workers/internal/workers/notifications/render"
)

const (
	TaskType = "notification-dispatcher"
	Queue    = "notification_queue"

	EmailPrefix       = "notification.email."
	KeyUserRegistered = "user.registered"
)

// BindingKeys are the routing keys bound to Queue.
var BindingKeys = []string{EmailPrefix + "*", KeyUserRegistered}

// DateFields are the context values shown to readers as dates.
var DateFields = []string{"loan_date", "due_date", "return_date", "old_due_date", "new_due_date"}

// Store is satisfied by *store.Store.
type Store interface {
	ActiveTemplate(ctx context.Context, name string) (*models.NotificationTemplate, error)
	Template(ctx context.Context, id int64) (*models.NotificationTemplate, error)
	Create(ctx context.Context, n *models.Notification) error
}

type Dispatcher struct {
	store      Store
	queue      delivery.Enqueuer
	dateFormat string
	errors     *apperrors.ErrorHandler
	logger     logger.Logger
}

func New(store Store, queue delivery.Enqueuer, dateFormat string, log logger.Logger) *Dispatcher {
	if dateFormat == "" {
		dateFormat = "02/01/2006"
	}
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Dispatcher{
		store:      store,
		queue:      queue,
		dateFormat: dateFormat,
		errors:     apperrors.NewErrorHandler(l),
		logger:     l,
	}
}

// TemplateName maps a routing key to the template it renders, or "".
func TemplateName(routingKey string) string {
	if routingKey == KeyUserRegistered {
		return "user_registered"
	}
	name, ok := strings.CutPrefix(routingKey, EmailPrefix)
	if !ok || name == "" || strings.Contains(name, ".") {
		return ""
	}
	return name
}

// Handle is a bus.Handler. The delivery is acked only once the notification
// is stored.
func (d *Dispatcher) Handle(ctx context.Context, msg *bus.Delivery) {
	start := time.Now()
	log := logger.WithTrace(ctx, d.logger).WithFields(map[string]interface{}{
		"messageId":  msg.ID,
		"routingKey": msg.RoutingKey,
		"attempt":    msg.Attempt,
	})

	var payload map[string]interface{}
	if err := msg.Decode(&payload); err != nil || payload == nil {
		if err == nil {
			err = errors.New("payload is not a JSON object")
		}
		d.settle(ctx, msg, log, d.errors.HandleMessageError(TaskType, apperrors.NewMessageMalformedError(err)))
		return
	}
	log.Info("received notification event", map[string]interface{}{"eventType": payload["event_type"]})

	name := TemplateName(msg.RoutingKey)
	if name == "" {
		log.Warn("no template mapping for routing key", nil)
		d.settle(ctx, msg, log, apperrors.DecisionAck)
		return
	}

	tpl, err := d.store.ActiveTemplate(ctx, name)
	if apperrors.IsCode(err, apperrors.ErrCodeTemplateNotFound) {
		log.Error("template not found", map[string]interface{}{"template": name})
		d.settle(ctx, msg, log, apperrors.DecisionAck)
		return
	}
	if err != nil {
		d.settle(ctx, msg, log, d.errors.HandleMessageError(TaskType, err))
		return
	}

	userID, ok := int64Field(payload, "user_id")
	if !ok {
		err := apperrors.NewValidationError("user_id must be a positive integer")
		d.settle(ctx, msg, log, d.errors.HandleMessageError(TaskType, err))
		return
	}

	n, err := d.dispatch(ctx, log, tpl, userID, tpl.Type, payload)
	if err != nil {
		decision := d.errors.HandleMessageError(TaskType, err)
		if apperrors.IsCode(err, apperrors.ErrCodeTemplateRenderFailed) {
			// a broken template fails the same way on every redelivery
			decision = apperrors.DecisionReject
		}
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, errorCode(err)).Inc()
		d.settle(ctx, msg, log, decision)
		return
	}

	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	log.Info("notification created", map[string]interface{}{"notificationId": n.ID, "userId": userID, "template": name})
	d.settle(ctx, msg, log, apperrors.DecisionAck)
}

// SendFromTemplate renders template templateID for userID and queues the
// result. An empty ntype uses the template's own type.
func (d *Dispatcher) SendFromTemplate(ctx context.Context, templateID, userID int64, data map[string]interface{}, ntype models.NotificationType) (*models.Notification, error) {
	if userID < 1 {
		return nil, apperrors.NewValidationError("user_id must be >= 1")
	}
	if ntype != "" && !ntype.Valid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("type must be EMAIL or SMS, got %q", ntype))
	}

	tpl, err := d.store.Template(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, apperrors.NewTemplateInactiveError(tpl.Name)
	}
	if ntype == "" {
		ntype = tpl.Type
	}

	log := logger.WithTrace(ctx, d.logger).WithFields(map[string]interface{}{"template": tpl.Name, "userId": userID})
	return d.dispatch(ctx, log, tpl, userID, ntype, data)
}

// CreateNotification stores an already written notification and queues it.
func (d *Dispatcher) CreateNotification(ctx context.Context, userID int64, ntype models.NotificationType, subject, message string) (*models.Notification, error) {
	switch {
	case userID < 1:
		return nil, apperrors.NewValidationError("user_id must be >= 1")
	case !ntype.Valid():
		return nil, apperrors.NewValidationError(fmt.Sprintf("type must be EMAIL or SMS, got %q", ntype))
	case strings.TrimSpace(subject) == "":
		return nil, apperrors.NewValidationError("subject is required")
	case strings.TrimSpace(message) == "":
		return nil, apperrors.NewValidationError("message is required")
	}

	n := &models.Notification{UserID: userID, Type: ntype, Subject: subject, Message: message}
	if err := d.persist(ctx, logger.WithTrace(ctx, d.logger), n); err != nil {
		return nil, err
	}
	return n, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, log logger.Logger, tpl *models.NotificationTemplate, userID int64, ntype models.NotificationType, data map[string]interface{}) (*models.Notification, error) {
	view := NormalizeDates(data, d.dateFormat)

	subject, err := render.Render(tpl.SubjectTemplate, view)
	if err != nil {
		return nil, apperrors.NewTemplateRenderFailedError(fmt.Errorf("subject of %s: %w", tpl.Name, err))
	}
	message, err := render.Render(tpl.MessageTemplate, view)
	if err != nil {
		return nil, apperrors.NewTemplateRenderFailedError(fmt.Errorf("message of %s: %w", tpl.Name, err))
	}

	n := &models.Notification{UserID: userID, Type: ntype, Subject: subject, Message: message}
	if err := d.persist(ctx, log, n); err != nil {
		return nil, err
	}
	return n, nil
}

// persist stores n as PENDING and queues its first delivery. A failed
// enqueue is not an error: the pending sweep picks the notification up.
func (d *Dispatcher) persist(ctx context.Context, log logger.Logger, n *models.Notification) error {
	if err := d.store.Create(ctx, n); err != nil {
		return err
	}
	if err := delivery.Enqueue(ctx, d.queue, n.ID); err != nil {
		log.Warn("delivery not queued, left for the pending sweep", map[string]interface{}{
			"notificationId": n.ID,
			"error":          err.Error(),
		})
	}
	return nil
}

// NormalizeDates returns a copy of data with ISO date strings in DateFields
// reformatted with layout. Values that do not parse are kept as they are.
func NormalizeDates(data map[string]interface{}, layout string) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, field := range DateFields {
		s, ok := out[field].(string)
		if !ok {
			continue
		}
		if t, ok := parseISO(s); ok {
			out[field] = t.Format(layout)
		}
	}
	return out
}

var isoLayouts = []string{time.DateOnly, time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"}

func parseISO(s string) (time.Time, bool) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func int64Field(payload map[string]interface{}, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case float64:
		if v >= 1 && v == float64(int64(v)) {
			return int64(v), true
		}
	case string:
		var id int64
		if _, err := fmt.Sscan(v, &id); err == nil && id >= 1 {
			return id, true
		}
	}
	return 0, false
}

func errorCode(err error) string {
	if stdErr, ok := apperrors.AsStandard(err); ok {
		return string(stdErr.Code)
	}
	return string(apperrors.ErrCodeInternal)
}

func (d *Dispatcher) settle(ctx context.Context, msg *bus.Delivery, log logger.Logger, decision apperrors.AckDecision) {
	var err error
	switch decision {
	case apperrors.DecisionAck:
		err = msg.Ack(ctx)
	case apperrors.DecisionRequeue:
		err = msg.Nack(ctx, true)
	default:
		err = msg.Reject(ctx)
	}
	if err != nil {
		log.Error("failed to settle notification event", map[string]interface{}{
			"decision": string(decision),
			"error":    err.Error(),
		})
	}
}
