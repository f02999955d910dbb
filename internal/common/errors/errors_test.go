package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	messages []map[string]interface{}
}

func (r *recordingLogger) Error(msg string, fields map[string]interface{}) {
	r.messages = append(r.messages, fields)
}

func TestStandardError_Inspection(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	wrapped := fmt.Errorf("borrow: %w", NewExternalServiceError("books", cause))

	stdErr, ok := AsStandard(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrCodeExternalService, stdErr.Code)
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeExternalService))
	assert.ErrorIs(t, wrapped, cause)

	assert.False(t, IsRetryable(NewDuplicateLoanError(1, 2)))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeUserInvalid, http.StatusBadRequest},
		{ErrCodeLoanLimitExceeded, http.StatusBadRequest},
		{ErrCodeTemplateRenderFailed, http.StatusBadRequest},
		{ErrCodeLoanNotFound, http.StatusNotFound},
		{ErrCodeDuplicateLoan, http.StatusConflict},
		{ErrCodeMaxRenewalsReached, http.StatusConflict},
		{ErrCodeExternalService, http.StatusServiceUnavailable},
		{ErrCodeTimeout, http.StatusGatewayTimeout},
		{ErrCodeQueryExecutionFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}

func TestGetErrorCategory(t *testing.T) {
	assert.Equal(t, "LOAN", GetErrorCategory(ErrCodeLoanLimitExceeded))
	assert.Equal(t, "LOAN", GetErrorCategory(ErrCodeAlreadyReturned))
	assert.Equal(t, "TEMPLATE", GetErrorCategory(ErrCodeTemplateNotFound))
	assert.Equal(t, "DATABASE", GetErrorCategory(ErrCodeQueryTimeout))
	assert.Equal(t, "COLLABORATOR", GetErrorCategory(ErrCodeExternalService))
	assert.Equal(t, "VALIDATION", GetErrorCategory(ErrCodeMessageMalformed))
}

func TestErrorHandler_HandleMessageError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want AckDecision
	}{
		{"malformed payload is rejected", NewMessageMalformedError(fmt.Errorf("bad json")), DecisionReject},
		{"invalid shape is rejected", NewValidationError("user_id must be >= 1"), DecisionReject},
		{"collaborator outage is requeued", NewExternalServiceError("books", fmt.Errorf("503")), DecisionRequeue},
		{"deadline is requeued", context.DeadlineExceeded, DecisionRequeue},
		{"unknown error is requeued", fmt.Errorf("boom"), DecisionRequeue},
		{"business rule is acked", NewLoanLimitExceededError(7, 5), DecisionAck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &recordingLogger{}
			h := NewErrorHandler(log)

			assert.Equal(t, tt.want, h.HandleMessageError("test", tt.err))
			require.Len(t, log.messages, 1)
			assert.Equal(t, "test", log.messages[0]["operation"])
		})
	}
}

func TestErrorHandler_HandleRequestError(t *testing.T) {
	h := NewErrorHandler(&recordingLogger{})

	stdErr, status := h.HandleRequestError("create_loan", NewDuplicateLoanError(1, 2))
	assert.Equal(t, ErrCodeDuplicateLoan, stdErr.Code)
	assert.Equal(t, http.StatusConflict, status)

	stdErr, status = h.HandleRequestError("create_loan", fmt.Errorf("boom"))
	assert.Equal(t, ErrCodeInternal, stdErr.Code)
	assert.Equal(t, http.StatusInternalServerError, status)
}
