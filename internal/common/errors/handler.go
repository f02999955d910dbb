package errors

import (
	"context"
	"errors"
)

// AckDecision tells a bus consumer how to settle a message after an error.
type AckDecision string

const (
	// DecisionAck settles the message; the failure is final and already recorded.
	DecisionAck AckDecision = "ack"
	// DecisionRequeue hands the message back to the bus for bounded redelivery.
	DecisionRequeue AckDecision = "requeue"
	// DecisionReject dead-letters the message without redelivery.
	DecisionReject AckDecision = "reject"
)

// ErrorHandler normalizes errors and decides how callers surface them.
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Normalize ensures we always have a StandardError.
func (h *ErrorHandler) Normalize(err error) *StandardError {
	if stdErr, ok := AsStandard(err); ok {
		return stdErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("internal", err)
	}
	return NewInternalError(err)
}

// HandleRequestError logs err and returns the normalized error with its HTTP status.
func (h *ErrorHandler) HandleRequestError(op string, err error) (*StandardError, int) {
	stdErr := h.Normalize(err)
	h.log(op, stdErr)
	return stdErr, HTTPStatus(stdErr.Code)
}

// HandleMessageError logs err and decides how the message carrying it is settled.
// Malformed payloads are rejected, transient failures requeued, business outcomes acked.
func (h *ErrorHandler) HandleMessageError(op string, err error) AckDecision {
	stdErr := h.Normalize(err)
	h.log(op, stdErr)

	switch {
	case stdErr.Code == ErrCodeMessageMalformed || stdErr.Code == ErrCodeValidation:
		return DecisionReject
	case stdErr.Retryable:
		return DecisionRequeue
	case stdErr.Code == ErrCodeInternal:
		return DecisionRequeue
	default:
		return DecisionAck
	}
}

func (h *ErrorHandler) log(op string, stdErr *StandardError) {
	if h.logger == nil {
		return
	}
	h.logger.Error("operation failed", map[string]interface{}{
		"operation":     op,
		"errorCode":     string(stdErr.Code),
		"message":       stdErr.Message,
		"details":       stdErr.Details,
		"retryable":     stdErr.Retryable,
		"retries":       GetRetryCount(stdErr.Code),
		"errorCategory": GetErrorCategory(stdErr.Code),
	})
}
