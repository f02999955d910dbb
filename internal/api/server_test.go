package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/common/logger"
	"library-workers/internal/models"
	"library-workers/internal/workers/loans/engine"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var today = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

func testLoan(id, userID int64) models.Loan {
	return models.Loan{
		ID:          id,
		UserID:      userID,
		BookID:      7,
		LoanDate:    today.AddDate(0, 0, -3),
		DueDate:     today.AddDate(0, 0, 11),
		Status:      models.LoanStatusActive,
		FineAmount:  decimal.Zero,
		MaxRenewals: 2,
	}
}

type fakeLoans struct {
	loans     map[int64]models.Loan
	createErr error
	created   []engine.CreateLoanRequest
	filters   []engine.ListFilter
	rates     []decimal.Decimal
}

func newFakeLoans(loans ...models.Loan) *fakeLoans {
	f := &fakeLoans{loans: map[int64]models.Loan{}}
	for _, l := range loans {
		f.loans[l.ID] = l
	}
	return f
}

func (f *fakeLoans) CreateLoan(ctx context.Context, req engine.CreateLoanRequest) (*engine.CreateLoanResult, error) {
	f.created = append(f.created, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	loan := testLoan(100, req.UserID)
	loan.BookID = req.BookID
	return &engine.CreateLoanResult{Loan: loan, RequestID: "req-1"}, nil
}

func (f *fakeLoans) ReturnLoan(ctx context.Context, loanID, acting int64) (*engine.ReturnLoanResult, error) {
	loan := f.loans[loanID]
	if loan.Status == models.LoanStatusReturned {
		return nil, apperrors.NewAlreadyReturnedError(loanID)
	}
	loan.Status = models.LoanStatusReturned
	rd := today
	loan.ReturnDate = &rd
	return &engine.ReturnLoanResult{Loan: loan, DaysOverdue: 2, FineAmount: decimal.NewFromInt(100)}, nil
}

func (f *fakeLoans) RenewLoan(ctx context.Context, loanID, acting int64) (*engine.RenewLoanResult, error) {
	loan := f.loans[loanID]
	old := loan.DueDate
	loan.DueDate = old.AddDate(0, 0, 14)
	loan.RenewalCount++
	return &engine.RenewLoanResult{Loan: loan, OldDueDate: old, NewDueDate: loan.DueDate}, nil
}

func (f *fakeLoans) CalculateFine(ctx context.Context, loanID int64, rate decimal.Decimal) (decimal.Decimal, error) {
	f.rates = append(f.rates, rate)
	return rate.Mul(decimal.NewFromInt(3)), nil
}

func (f *fakeLoans) PayFine(ctx context.Context, loanID, acting int64) (*models.Loan, error) {
	loan := f.loans[loanID]
	if loan.FineAmount.IsZero() {
		return nil, apperrors.NewNoFineDueError(loanID)
	}
	loan.FinePaid = true
	return &loan, nil
}

func (f *fakeLoans) GetLoan(ctx context.Context, loanID int64) (*models.Loan, error) {
	loan, ok := f.loans[loanID]
	if !ok {
		return nil, apperrors.NewLoanNotFoundError(loanID)
	}
	return &loan, nil
}

func (f *fakeLoans) ListLoans(ctx context.Context, filter engine.ListFilter) ([]models.Loan, error) {
	f.filters = append(f.filters, filter)
	var out []models.Loan
	for _, l := range f.loans {
		if filter.UserID == 0 || l.UserID == filter.UserID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLoans) History(ctx context.Context, loanID int64) ([]models.LoanHistory, error) {
	return []models.LoanHistory{{ID: 1, LoanID: loanID, Action: models.ActionCreated}}, nil
}

func (f *fakeLoans) Stats(ctx context.Context, day time.Time) (*models.LoanStats, error) {
	return &models.LoanStats{TotalLoans: int64(len(f.loans)), TotalFines: "0.00", UnpaidFines: "0.00"}, nil
}

func (f *fakeLoans) Today() time.Time { return today }

func (f *fakeLoans) Config() *engine.Config { return engine.DefaultConfig() }

type fakeEvents struct {
	created, returned, renewed int
}

func (f *fakeEvents) PublishCreated(ctx context.Context, res *engine.CreateLoanResult)  { f.created++ }
func (f *fakeEvents) PublishReturned(ctx context.Context, res *engine.ReturnLoanResult) { f.returned++ }
func (f *fakeEvents) PublishRenewed(ctx context.Context, res *engine.RenewLoanResult)   { f.renewed++ }

type fakeNotify struct {
	data map[string]interface{}
}

func (f *fakeNotify) CreateNotification(ctx context.Context, userID int64, ntype models.NotificationType, subject, message string) (*models.Notification, error) {
	return &models.Notification{ID: 1, UserID: userID, Type: ntype, Subject: subject, Message: message, Status: models.NotificationPending}, nil
}

func (f *fakeNotify) SendFromTemplate(ctx context.Context, templateID, userID int64, data map[string]interface{}, ntype models.NotificationType) (*models.Notification, error) {
	if templateID == 404 {
		return nil, apperrors.NewTemplateNotFoundError("404")
	}
	f.data = data
	return &models.Notification{ID: 2, UserID: userID, Type: models.NotificationEmail, Status: models.NotificationPending}, nil
}

type fakeQueries struct {
	days int
}

func (f *fakeQueries) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	return []models.Notification{{ID: 1, UserID: userID}}, nil
}

func (f *fakeQueries) Stats(ctx context.Context, days int) (*models.NotificationStats, error) {
	f.days = days
	return &models.NotificationStats{Days: days}, nil
}

type fakeTokens map[string]models.UserSnapshot

func (f fakeTokens) ValidateToken(ctx context.Context, token string) (models.UserSnapshot, error) {
	u, ok := f[token]
	if !ok {
		return models.UserSnapshot{}, apperrors.NewAuthenticationError("invalid token")
	}
	return u, nil
}

type harness struct {
	server  *Server
	loans   *fakeLoans
	events  *fakeEvents
	notify  *fakeNotify
	queries *fakeQueries
}

func newHarness(t *testing.T, opts Options, loans ...models.Loan) *harness {
	h := &harness{
		loans:   newFakeLoans(loans...),
		events:  &fakeEvents{},
		notify:  &fakeNotify{},
		queries: &fakeQueries{},
	}
	h.server = NewServer(h.loans, h.events, h.notify, h.queries, opts, logger.NewTestLogger(t))
	return h
}

func (h *harness) do(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// ==========================
// Loans
// ==========================

func TestCreateLoan(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(http.MethodPost, "/loans", `{"user_id": 5, "book_id": 7, "notes": "first"}`, "")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Loan created successfully", body["message"])
	loan := body["loan"].(map[string]interface{})
	assert.Equal(t, "2026-03-31", loan["due_date"])
	assert.Equal(t, "ACTIVE", loan["status"])
	assert.Equal(t, false, loan["is_overdue"])

	require.Len(t, h.loans.created, 1)
	assert.Equal(t, int64(5), h.loans.created[0].UserID)
	assert.Equal(t, "first", h.loans.created[0].Notes)
	assert.Equal(t, 1, h.events.created)
}

func TestCreateLoan_IdempotencyKeyHeader(t *testing.T) {
	h := newHarness(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/loans", strings.NewReader(`{"user_id": 5, "book_id": 7}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "client-key-1")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, h.loans.created, 1)
	assert.Equal(t, "client-key-1", h.loans.created[0].RequestID)
}

func TestCreateLoan_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		createErr  error
		wantStatus int
		wantCode   string
	}{
		{"missing book", `{"user_id": 5}`, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"book id zero", `{"user_id": 5, "book_id": 0}`, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"not json", `{"user_id":`, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"no user without auth", `{"book_id": 7}`, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"limit exceeded", `{"user_id": 5, "book_id": 7}`, apperrors.NewLoanLimitExceededError(5, 5), http.StatusBadRequest, "LOAN_LIMIT_EXCEEDED"},
		{"duplicate", `{"user_id": 5, "book_id": 7}`, apperrors.NewDuplicateLoanError(5, 7), http.StatusConflict, "DUPLICATE_LOAN"},
		{"books down", `{"user_id": 5, "book_id": 7}`, apperrors.NewExternalServiceError("books", errors.New("503")), http.StatusServiceUnavailable, "EXTERNAL_SERVICE_ERROR"},
		{"unexpected", `{"user_id": 5, "book_id": 7}`, errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.loans.createErr = tt.createErr

			rec := h.do(http.MethodPost, "/loans", tt.body, "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.wantCode, body["error_code"])
			assert.NotEmpty(t, body["detail"])
			assert.Zero(t, h.events.created)
		})
	}
}

func TestReturnAndRenew(t *testing.T) {
	h := newHarness(t, Options{}, testLoan(1, 5))

	rec := h.do(http.MethodPut, "/loans/1/renew", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "2026-03-31", body["old_due_date"])
	assert.Equal(t, "2026-04-14", body["new_due_date"])
	assert.Equal(t, 1, h.events.renewed)

	rec = h.do(http.MethodPut, "/loans/1/return", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	assert.Equal(t, "Book returned 2 days late. Fine: 100.00", body["message"])
	assert.Equal(t, "100.00", body["fine_amount"])
	assert.Equal(t, 1, h.events.returned)
}

func TestLoanNotFound(t *testing.T) {
	h := newHarness(t, Options{})

	for _, path := range []string{"/loans/9", "/loans/9/history"} {
		rec := h.do(http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "LOAN_NOT_FOUND", decodeBody(t, rec)["error_code"])
	}

	rec := h.do(http.MethodGet, "/loans/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalculateFine(t *testing.T) {
	h := newHarness(t, Options{}, testLoan(1, 5))

	rec := h.do(http.MethodPost, "/loans/1/calculate_fine", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "150.00", decodeBody(t, rec)["fine_amount"])

	rec = h.do(http.MethodPost, "/loans/1/calculate_fine", `{"rate": "10.50"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "31.50", decodeBody(t, rec)["fine_amount"])

	require.Len(t, h.loans.rates, 2)
	assert.True(t, h.loans.rates[0].Equal(decimal.NewFromInt(50)))
}

func TestPayFine_NoFineDue(t *testing.T) {
	h := newHarness(t, Options{}, testLoan(1, 5))

	rec := h.do(http.MethodPost, "/loans/1/pay_fine", "", "")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_FINE_DUE", decodeBody(t, rec)["error_code"])
}

func TestListLoans_Filters(t *testing.T) {
	h := newHarness(t, Options{}, testLoan(1, 5), testLoan(2, 6))

	rec := h.do(http.MethodGet, "/loans?user_id=5&status=ACTIVE&overdue=false", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

	require.Len(t, h.loans.filters, 1)
	f := h.loans.filters[0]
	assert.Equal(t, int64(5), f.UserID)
	assert.Equal(t, models.LoanStatusActive, f.Status)
	require.NotNil(t, f.Overdue)
	assert.False(t, *f.Overdue)

	rec = h.do(http.MethodGet, "/loans?status=LOST", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ==========================
// Notifications
// ==========================

func TestNotifications(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(http.MethodPost, "/notifications", `{"user_id": 5, "type": "SMS", "subject": "Hi", "message": "Due soon"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/notifications", `{"user_id": 5, "type": "PIGEON", "subject": "Hi", "message": "x"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/notifications/send_from_template", `{"template_id": 3, "user_id": 5, "context": {"book_title": "Dune"}}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Dune", h.notify.data["book_title"])

	rec = h.do(http.MethodPost, "/notifications/send_from_template", `{"template_id": 404, "user_id": 5}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TEMPLATE_NOT_FOUND", decodeBody(t, rec)["error_code"])

	rec = h.do(http.MethodGet, "/notifications?user_id=5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

	rec = h.do(http.MethodGet, "/notifications", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/notifications/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30, h.queries.days)
}

// ==========================
// Auth
// ==========================

func TestAuth(t *testing.T) {
	member := models.UserSnapshot{ID: 5, Role: RoleMember, IsActive: true}
	librarian := models.UserSnapshot{ID: 1, Role: RoleLibrarian, IsActive: true}
	opts := Options{
		AuthEnabled: true,
		Tokens: fakeTokens{
			"member":    member,
			"librarian": librarian,
			"inactive":  {ID: 9, Role: RoleMember},
		},
	}

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		token      string
		wantStatus int
	}{
		{"no token", http.MethodGet, "/loans", "", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/loans", "", "nope", http.StatusUnauthorized},
		{"inactive user", http.MethodGet, "/loans", "", "inactive", http.StatusUnauthorized},
		{"member lists own loans", http.MethodGet, "/loans", "", "member", http.StatusOK},
		{"member stats forbidden", http.MethodGet, "/loans/stats", "", "member", http.StatusForbidden},
		{"librarian stats", http.MethodGet, "/loans/stats", "", "librarian", http.StatusOK},
		{"member notification stats forbidden", http.MethodGet, "/notifications/stats", "", "member", http.StatusForbidden},
		{"member sees own loan", http.MethodGet, "/loans/1", "", "member", http.StatusOK},
		{"member cannot see other loan", http.MethodGet, "/loans/2", "", "member", http.StatusNotFound},
		{"member borrows for self", http.MethodPost, "/loans", `{"book_id": 7}`, "member", http.StatusCreated},
		{"member cannot borrow for others", http.MethodPost, "/loans", `{"user_id": 6, "book_id": 7}`, "member", http.StatusForbidden},
		{"librarian borrows for member", http.MethodPost, "/loans", `{"user_id": 6, "book_id": 7}`, "librarian", http.StatusCreated},
		{"health is public", http.MethodGet, "/health", "", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, opts, testLoan(1, 5), testLoan(2, 6))

			rec := h.do(tt.method, tt.path, tt.body, tt.token)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestAuth_MemberListIsScoped(t *testing.T) {
	h := newHarness(t, Options{
		AuthEnabled: true,
		Tokens:      fakeTokens{"member": {ID: 5, Role: RoleMember, IsActive: true}},
	}, testLoan(1, 5), testLoan(2, 6))

	rec := h.do(http.MethodGet, "/loans?user_id=6", "", "member")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.loans.filters, 1)
	assert.Equal(t, int64(5), h.loans.filters[0].UserID)
}

// ==========================
// Probes
// ==========================

func TestReady(t *testing.T) {
	h := newHarness(t, Options{Ready: map[string]Check{
		"postgres": func(ctx context.Context) error { return nil },
	}})
	rec := h.do(http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	h = newHarness(t, Options{Ready: map[string]Check{
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	}})
	rec = h.do(http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ready"])
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(http.MethodGet, "/books", "", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RESOURCE_NOT_FOUND", decodeBody(t, rec)["error_code"])
}
