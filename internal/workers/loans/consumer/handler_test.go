package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"library-workers/internal/common/bus"
	"library-workers/internal/common/bus/bustest"
	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/common/idempotency"
	"library-workers/internal/common/logger"
	"library-workers/internal/models"
	"library-workers/internal/workers/loans/engine"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeEngine struct {
	mu       sync.Mutex
	creates  []engine.CreateLoanRequest
	returns  []int64
	renews   []int64
	err      error
	failOnce bool
}

func (f *fakeEngine) fail() error {
	err := f.err
	if f.failOnce {
		f.err = nil
	}
	return err
}

func (f *fakeEngine) CreateLoan(ctx context.Context, req engine.CreateLoanRequest) (*engine.CreateLoanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &engine.CreateLoanResult{Loan: models.Loan{ID: 11, UserID: req.UserID, BookID: req.BookID}, RequestID: req.RequestID}, nil
}

func (f *fakeEngine) ReturnLoan(ctx context.Context, loanID, actingUserID int64) (*engine.ReturnLoanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns = append(f.returns, loanID)
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &engine.ReturnLoanResult{Loan: models.Loan{ID: loanID}}, nil
}

func (f *fakeEngine) RenewLoan(ctx context.Context, loanID, actingUserID int64) (*engine.RenewLoanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews = append(f.renews, loanID)
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &engine.RenewLoanResult{Loan: models.Loan{ID: loanID}}, nil
}

type fakeEvents struct {
	mu       sync.Mutex
	created  int
	returned int
	renewed  int
	rejected []models.LoanRequestRejected
}

func (f *fakeEvents) PublishCreated(ctx context.Context, res *engine.CreateLoanResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
}

func (f *fakeEvents) PublishReturned(ctx context.Context, res *engine.ReturnLoanResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returned++
}

func (f *fakeEvents) PublishRenewed(ctx context.Context, res *engine.RenewLoanResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed++
}

func (f *fakeEvents) PublishRequestRejected(ctx context.Context, r models.LoanRequestRejected) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, r)
}

func setupHandler(t *testing.T, eng *fakeEngine) (*Handler, *fakeEvents, *bustest.Recorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := idempotency.NewStore(client, "loan-request", time.Minute, 24*time.Hour)
	events := &fakeEvents{}
	return NewHandler(eng, events, store, time.Second, logger.NewTestLogger(t)), events, bustest.NewRecorder()
}

const createBody = `{"event_type": "loan_create_request", "request_id": "req-1", "data": {"user_id": 7, "book_id": 4, "notes": "async"}}`

func deliver(h *Handler, rec *bustest.Recorder, key, body string) *bus.Delivery {
	d := rec.Delivery(Queue, key, []byte(body))
	h.Handle(context.Background(), d)
	return d
}

// ==========================
// Tests
// ==========================

func TestHandler_CreateRequest_Success(t *testing.T) {
	eng := &fakeEngine{}
	h, events, rec := setupHandler(t, eng)

	d := deliver(h, rec, KeyCreateRequest, createBody)

	assert.Equal(t, bus.SettlementAck, d.Settled())
	require.Len(t, eng.creates, 1)
	assert.Equal(t, engine.CreateLoanRequest{
		UserID: 7, BookID: 4, Notes: "async", RequestID: "req-1", ActingUserID: 7,
	}, eng.creates[0])
	assert.Equal(t, 1, events.created)
}

func TestHandler_DuplicateRequestIsAckedWithoutReprocessing(t *testing.T) {
	eng := &fakeEngine{}
	h, events, rec := setupHandler(t, eng)

	first := deliver(h, rec, KeyCreateRequest, createBody)
	second := deliver(h, rec, KeyCreateRequest, createBody)

	assert.Equal(t, bus.SettlementAck, first.Settled())
	assert.Equal(t, bus.SettlementAck, second.Settled())
	assert.Len(t, eng.creates, 1)
	assert.Equal(t, 1, events.created)
}

func TestHandler_PoisonAndInvalidMessagesAreRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{ nope`},
		{"unknown event type", `{"event_type": "loan_delete_request", "loan_id": 1}`},
		{"create without data", `{"event_type": "loan_create_request"}`},
		{"non positive ids", `{"event_type": "loan_create_request", "data": {"user_id": 0, "book_id": 4}}`},
		{"notes too long", `{"event_type": "loan_create_request", "data": {"user_id": 1, "book_id": 4, "notes": "` + longNotes() + `"}}`},
		{"return without loan", `{"event_type": "loan_return_request", "user_id": 7}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			h, _, rec := setupHandler(t, eng)

			d := deliver(h, rec, KeyCreateRequest, tt.body)

			assert.Equal(t, bus.SettlementReject, d.Settled())
			assert.Contains(t, rec.DeadLetters, d.ID)
			assert.Empty(t, eng.creates)
			assert.Empty(t, eng.returns)
		})
	}
}

func longNotes() string {
	b := make([]byte, 501)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestHandler_BusinessRejectionIsAckedAndAudited(t *testing.T) {
	eng := &fakeEngine{err: apperrors.NewLoanLimitExceededError(7, 5)}
	h, events, rec := setupHandler(t, eng)

	d := deliver(h, rec, KeyCreateRequest, createBody)

	assert.Equal(t, bus.SettlementAck, d.Settled())
	require.Len(t, events.rejected, 1)
	assert.Equal(t, "LOAN_LIMIT_EXCEEDED", events.rejected[0].ErrorCode)
	assert.Equal(t, "req-1", events.rejected[0].RequestID)
	assert.Equal(t, int64(4), events.rejected[0].BookID)
	assert.Equal(t, 0, events.created)

	// a redelivery of the same request is not evaluated again
	again := deliver(h, rec, KeyCreateRequest, createBody)
	assert.Equal(t, bus.SettlementAck, again.Settled())
	assert.Len(t, eng.creates, 1)
}

func TestHandler_RetryableFailureIsRequeuedAndReleased(t *testing.T) {
	eng := &fakeEngine{
		err:      apperrors.NewExternalServiceError("books", errors.New("connection refused")),
		failOnce: true,
	}
	h, events, rec := setupHandler(t, eng)

	first := deliver(h, rec, KeyCreateRequest, createBody)
	assert.Equal(t, bus.SettlementRequeue, first.Settled())
	assert.Empty(t, events.rejected)

	// the released key lets the redelivery run the engine again
	second := deliver(h, rec, KeyCreateRequest, createBody)
	assert.Equal(t, bus.SettlementAck, second.Settled())
	assert.Len(t, eng.creates, 2)
	assert.Equal(t, "req-1", eng.creates[1].RequestID)
	assert.Equal(t, 1, events.created)
}

func TestHandler_ReturnAndRenewRequests(t *testing.T) {
	eng := &fakeEngine{}
	h, events, rec := setupHandler(t, eng)

	ret := deliver(h, rec, KeyReturnRequest, `{"event_type": "loan_return_request", "loan_id": 3, "user_id": 7}`)
	ren := deliver(h, rec, KeyRenewRequest, `{"event_type": "loan_renew_request", "loan_id": 5, "user_id": 7}`)

	assert.Equal(t, bus.SettlementAck, ret.Settled())
	assert.Equal(t, bus.SettlementAck, ren.Settled())
	assert.Equal(t, []int64{3}, eng.returns)
	assert.Equal(t, []int64{5}, eng.renews)
	assert.Equal(t, 1, events.returned)
	assert.Equal(t, 1, events.renewed)
}
