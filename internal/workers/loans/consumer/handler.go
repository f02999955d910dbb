// internal/workers/loans/consumer/handler.go
package consumer

import (
	"context"
	"fmt"
	"time"

	"library-workers/internal/common/bus"
	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/common/idempotency"
	"library-workers/internal/common/logger"
	"library-workers/internal/models"
	"library-workers/internal/workers/loans/engine"
)

const (
	TaskType = "loan-request-consumer"
	Queue    = "loan_service_queue"

	KeyCreateRequest = "loan.create_request"
	KeyReturnRequest = "loan.return_request"
	KeyRenewRequest  = "loan.renew_request"
)

// BindingKeys are the routing keys bound to Queue.
var BindingKeys = []string{KeyCreateRequest, KeyReturnRequest, KeyRenewRequest}

type LoanService interface {
	CreateLoan(ctx context.Context, req engine.CreateLoanRequest) (*engine.CreateLoanResult, error)
	ReturnLoan(ctx context.Context, loanID, actingUserID int64) (*engine.ReturnLoanResult, error)
	RenewLoan(ctx context.Context, loanID, actingUserID int64) (*engine.RenewLoanResult, error)
}

type EventPublisher interface {
	PublishCreated(ctx context.Context, res *engine.CreateLoanResult)
	PublishReturned(ctx context.Context, res *engine.ReturnLoanResult)
	PublishRenewed(ctx context.Context, res *engine.RenewLoanResult)
	PublishRequestRejected(ctx context.Context, rejected models.LoanRequestRejected)
}

// Guard is satisfied by *idempotency.Store.
type Guard interface {
	Acquire(ctx context.Context, key string) (idempotency.State, error)
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// Handler runs asynchronous loan requests through the same engine as the
// HTTP surface. A message is acked only after the engine committed or
// refused it for good.
type Handler struct {
	engine  LoanService
	events  EventPublisher
	guard   Guard
	errors  *apperrors.ErrorHandler
	timeout time.Duration
	logger  logger.Logger
}

func NewHandler(engine LoanService, events EventPublisher, guard Guard, timeout time.Duration, log logger.Logger) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		engine:  engine,
		events:  events,
		guard:   guard,
		errors:  apperrors.NewErrorHandler(l),
		timeout: timeout,
		logger:  l,
	}
}

// Handle is a bus.Handler.
func (h *Handler) Handle(ctx context.Context, d *bus.Delivery) {
	log := logger.WithTrace(ctx, h.logger).WithFields(map[string]interface{}{
		"messageId":  d.ID,
		"routingKey": d.RoutingKey,
		"attempt":    d.Attempt,
	})
	log.Info("processing loan request", nil)

	if result := requestSchema.ValidateBytes(d.Body); !result.Valid {
		var err error = apperrors.NewValidationError(result.Error())
		if len(result.Errors) > 0 && result.Errors[0].Code == "INVALID_JSON" {
			err = apperrors.NewMessageMalformedError(fmt.Errorf("%s", result.Error()))
		}
		h.settle(ctx, d, log, h.errors.HandleMessageError(TaskType, err))
		return
	}

	var req models.LoanRequest
	if err := d.Decode(&req); err != nil {
		h.settle(ctx, d, log, h.errors.HandleMessageError(TaskType, apperrors.NewMessageMalformedError(err)))
		return
	}

	// redeliveries keep the message id, so it stands in for a missing request id
	requestID := req.RequestID
	if requestID == "" {
		requestID = d.ID
	}
	key := req.EventType + ":" + requestID

	state, err := h.guard.Acquire(ctx, key)
	if err != nil {
		log.Warn("idempotency store unavailable", map[string]interface{}{"error": err.Error()})
		h.settle(ctx, d, log, apperrors.DecisionRequeue)
		return
	}
	switch state {
	case idempotency.Duplicate:
		log.Info("duplicate loan request skipped", map[string]interface{}{"requestId": requestID})
		h.settle(ctx, d, log, apperrors.DecisionAck)
		return
	case idempotency.InProgress:
		log.Info("loan request in progress elsewhere", map[string]interface{}{"requestId": requestID})
		h.settle(ctx, d, log, apperrors.DecisionRequeue)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err = h.execute(opCtx, &req, requestID)
	if err == nil {
		h.complete(ctx, key, log)
		h.settle(ctx, d, log, apperrors.DecisionAck)
		return
	}

	decision := h.errors.HandleMessageError(TaskType, err)
	switch decision {
	case apperrors.DecisionAck:
		// refused by a business rule; redelivery would be refused again
		h.complete(ctx, key, log)
		h.events.PublishRequestRejected(ctx, rejection(&req, requestID, err))
	default:
		if relErr := h.guard.Release(ctx, key); relErr != nil {
			log.Warn("failed to release idempotency key", map[string]interface{}{"key": key, "error": relErr.Error()})
		}
	}
	h.settle(ctx, d, log, decision)
}

func (h *Handler) execute(ctx context.Context, req *models.LoanRequest, requestID string) error {
	switch req.EventType {
	case models.EventLoanCreateRequest:
		res, err := h.engine.CreateLoan(ctx, engine.CreateLoanRequest{
			UserID:       req.Data.UserID,
			BookID:       req.Data.BookID,
			Notes:        req.Data.Notes,
			RequestID:    requestID,
			ActingUserID: req.Data.UserID,
		})
		if err != nil {
			return err
		}
		h.events.PublishCreated(ctx, res)

	case models.EventLoanReturnRequest:
		res, err := h.engine.ReturnLoan(ctx, req.LoanID, req.UserID)
		if err != nil {
			return err
		}
		h.events.PublishReturned(ctx, res)

	case models.EventLoanRenewRequest:
		res, err := h.engine.RenewLoan(ctx, req.LoanID, req.UserID)
		if err != nil {
			return err
		}
		h.events.PublishRenewed(ctx, res)

	default:
		return apperrors.NewValidationError("unknown event_type " + req.EventType)
	}
	return nil
}

func (h *Handler) complete(ctx context.Context, key string, log logger.Logger) {
	if err := h.guard.Complete(ctx, key); err != nil {
		log.Warn("failed to complete idempotency key", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

func (h *Handler) settle(ctx context.Context, d *bus.Delivery, log logger.Logger, decision apperrors.AckDecision) {
	var err error
	switch decision {
	case apperrors.DecisionAck:
		err = d.Ack(ctx)
	case apperrors.DecisionRequeue:
		err = d.Nack(ctx, true)
	default:
		err = d.Reject(ctx)
	}
	if err != nil {
		log.Error("failed to settle loan request", map[string]interface{}{
			"decision": string(decision),
			"error":    err.Error(),
		})
		return
	}
	log.Debug("loan request settled", map[string]interface{}{"decision": string(decision)})
}

func rejection(req *models.LoanRequest, requestID string, err error) models.LoanRequestRejected {
	r := models.LoanRequestRejected{
		RequestID:   requestID,
		RequestType: req.EventType,
		UserID:      req.UserID,
		LoanID:      req.LoanID,
		Detail:      err.Error(),
	}
	if req.Data != nil {
		r.UserID = req.Data.UserID
		r.BookID = req.Data.BookID
	}
	if stdErr, ok := apperrors.AsStandard(err); ok {
		r.ErrorCode = string(stdErr.Code)
		r.Detail = stdErr.Details
	}
	return r
}
