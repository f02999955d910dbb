// internal/workers/loans/engine/engine.go
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"library-workers/internal/common/database"
	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/common/logger"
	"library-workers/internal/common/metrics"
	"library-workers/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const (
	TaskType = "loan-engine"

	loanColumns = `id, user_id, book_id, loan_date, due_date, return_date, status,
		fine_amount, fine_paid, renewal_count, max_renewals, notes, created_at, updated_at`
)

// BookService is the stock contract of the Book Availability service.
type BookService interface {
	GetBook(ctx context.Context, bookID int64) (models.BookSnapshot, error)
	Borrow(ctx context.Context, bookID int64, idempotencyKey string) error
	Return(ctx context.Context, bookID int64, idempotencyKey string) error
}

// UserService is the part of the Identity service the engine needs.
type UserService interface {
	GetUser(ctx context.Context, userID int64) (models.UserSnapshot, error)
}

// Engine owns loans and their history. Every mutation runs in one
// transaction that holds a lock on the loan (or, for creation, on the user)
// and commits only after the stock call succeeded.
type Engine struct {
	db     *database.PostgresClient
	books  BookService
	users  UserService
	cfg    *Config
	logger logger.Logger
}

func NewEngine(cfg *Config, db *database.PostgresClient, books BookService, users UserService, log logger.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		db:     db,
		books:  books,
		users:  users,
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"worker": TaskType}),
	}
}

func (e *Engine) Config() *Config {
	return e.cfg
}

// Today is the engine's current calendar day.
func (e *Engine) Today() time.Time {
	return models.Today(e.cfg.Now())
}

// IsOverdue reports whether loan is past due today.
func (e *Engine) IsOverdue(loan *models.Loan) bool {
	return loan.IsOverdue(e.Today())
}

// CreateLoan validates the request against both collaborators and the
// user's open loans, then persists the loan. The stock decrement is the last
// step before commit; when it fails nothing is persisted.
func (e *Engine) CreateLoan(ctx context.Context, req CreateLoanRequest) (result *CreateLoanResult, err error) {
	defer e.observe("create", &err)

	if req.UserID < 1 || req.BookID < 1 {
		return nil, apperrors.NewValidationError("user_id and book_id must be >= 1")
	}
	if len(req.Notes) > e.cfg.MaxNotesLength {
		return nil, apperrors.NewValidationError(fmt.Sprintf("notes longer than %d characters", e.cfg.MaxNotesLength))
	}

	user, err := e.users.GetUser(ctx, req.UserID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound) {
			return nil, apperrors.NewUserInvalidError(req.UserID, "user not found")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, apperrors.NewUserInvalidError(req.UserID, "user is not active")
	}

	book, err := e.books.GetBook(ctx, req.BookID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound) {
			return nil, apperrors.NewBookUnavailableError(req.BookID, "book not found")
		}
		return nil, err
	}
	if !book.Available() {
		return nil, apperrors.NewBookUnavailableError(req.BookID, "no copies available")
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	now := e.cfg.Now().UTC()
	today := models.Today(now)
	dueDate := today.AddDate(0, 0, e.cfg.LoanPeriodDays)

	var loan models.Loan
	err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		// serializes concurrent creates of the same user so the limit and
		// duplicate checks below see each other's rows
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, req.UserID); err != nil {
			return apperrors.NewQueryExecutionFailedError("lock user", err)
		}

		var open int
		if err := tx.GetContext(ctx, &open, `
			SELECT COUNT(*) FROM loans
			WHERE user_id = $1 AND status = ANY($2)`,
			req.UserID, pq.Array(models.OpenLoanStatuses)); err != nil {
			return apperrors.NewQueryExecutionFailedError("count open loans", err)
		}
		if open >= e.cfg.MaxActiveLoans {
			return apperrors.NewLoanLimitExceededError(req.UserID, e.cfg.MaxActiveLoans)
		}

		var duplicate bool
		if err := tx.GetContext(ctx, &duplicate, `
			SELECT EXISTS(
				SELECT 1 FROM loans
				WHERE user_id = $1 AND book_id = $2 AND status = ANY($3)
			)`,
			req.UserID, req.BookID, pq.Array(models.OpenLoanStatuses)); err != nil {
			return apperrors.NewQueryExecutionFailedError("duplicate check", err)
		}
		if duplicate {
			return apperrors.NewDuplicateLoanError(req.UserID, req.BookID)
		}

		if err := tx.GetContext(ctx, &loan, `
			INSERT INTO loans (
				user_id, book_id, loan_date, due_date, status,
				fine_amount, fine_paid, renewal_count, max_renewals, notes, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, 0, false, 0, $6, $7, $8, $8)
			RETURNING `+loanColumns,
			req.UserID, req.BookID, today, dueDate, models.LoanStatusActive,
			e.cfg.MaxRenewals, req.Notes, now); err != nil {
			return apperrors.NewQueryExecutionFailedError("insert loan", err)
		}

		details := fmt.Sprintf("Loan created for book %d, due %s", req.BookID, dueDate.Format(models.DateLayout))
		if err := appendHistory(ctx, tx, loan.ID, models.ActionCreated, req.ActingUserID, details, now); err != nil {
			return err
		}

		return e.books.Borrow(ctx, req.BookID, CreateIdempotencyKey(requestID))
	})
	if err != nil {
		return nil, err
	}

	book.AvailableCopies--
	e.logger.Info("loan created", map[string]interface{}{
		"loanId":    loan.ID,
		"userId":    loan.UserID,
		"bookId":    loan.BookID,
		"dueDate":   loan.DueDate.Format(models.DateLayout),
		"requestId": requestID,
	})

	return &CreateLoanResult{Loan: loan, Book: book, User: user, RequestID: requestID}, nil
}

// ReturnLoan closes the loan, fixing its fine from the days overdue today.
// The stock increment gates the commit.
func (e *Engine) ReturnLoan(ctx context.Context, loanID, actingUserID int64) (result *ReturnLoanResult, err error) {
	defer e.observe("return", &err)

	now := e.cfg.Now().UTC()
	today := models.Today(now)

	result = &ReturnLoanResult{}
	err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		loan, err := lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if loan.Status == models.LoanStatusReturned {
			return apperrors.NewAlreadyReturnedError(loanID)
		}

		days := loan.DaysOverdue(today)
		fine := e.cfg.FineRate.Mul(decimal.NewFromInt(int64(days)))

		if err := tx.GetContext(ctx, &result.Loan, `
			UPDATE loans
			SET status = $2, return_date = $3, fine_amount = $4, updated_at = $5
			WHERE id = $1
			RETURNING `+loanColumns,
			loanID, models.LoanStatusReturned, today, fine, now); err != nil {
			return apperrors.NewQueryExecutionFailedError("update loan", err)
		}

		details := "Returned on time"
		if days > 0 {
			details = fmt.Sprintf("Returned %d days overdue, fine %s", days, fine.StringFixed(2))
		}
		if err := appendHistory(ctx, tx, loanID, models.ActionReturned, actingUserID, details, now); err != nil {
			return err
		}

		result.DaysOverdue = days
		result.FineAmount = fine
		return e.books.Return(ctx, loan.BookID, ReturnIdempotencyKey(loanID))
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("loan returned", map[string]interface{}{
		"loanId":      loanID,
		"daysOverdue": result.DaysOverdue,
		"fineAmount":  result.FineAmount.StringFixed(2),
	})
	return result, nil
}

// RenewLoan extends the due date by one renewal period.
func (e *Engine) RenewLoan(ctx context.Context, loanID, actingUserID int64) (result *RenewLoanResult, err error) {
	defer e.observe("renew", &err)

	now := e.cfg.Now().UTC()
	today := models.Today(now)

	result = &RenewLoanResult{}
	err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		loan, err := lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}

		switch {
		case loan.Status != models.LoanStatusActive && loan.Status != models.LoanStatusRenewed:
			return apperrors.NewInvalidStatusError(loanID, string(loan.Status))
		case loan.IsOverdue(today):
			return apperrors.NewLoanOverdueError(loanID, loan.DaysOverdue(today))
		case loan.RenewalCount >= loan.MaxRenewals:
			return apperrors.NewMaxRenewalsReachedError(loanID, loan.MaxRenewals)
		}

		result.OldDueDate = loan.DueDate
		result.NewDueDate = models.Today(loan.DueDate).AddDate(0, 0, e.cfg.RenewalPeriodDays)

		if err := tx.GetContext(ctx, &result.Loan, `
			UPDATE loans
			SET due_date = $2, renewal_count = renewal_count + 1, status = $3, updated_at = $4
			WHERE id = $1
			RETURNING `+loanColumns,
			loanID, result.NewDueDate, models.LoanStatusRenewed, now); err != nil {
			return apperrors.NewQueryExecutionFailedError("update loan", err)
		}

		details := fmt.Sprintf("Renewal #%d: due date moved from %s to %s",
			result.Loan.RenewalCount,
			result.OldDueDate.Format(models.DateLayout),
			result.NewDueDate.Format(models.DateLayout))
		return appendHistory(ctx, tx, loanID, models.ActionRenewed, actingUserID, details, now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("loan renewed", map[string]interface{}{
		"loanId":       loanID,
		"renewalCount": result.Loan.RenewalCount,
		"newDueDate":   result.NewDueDate.Format(models.DateLayout),
	})
	return result, nil
}

// CalculateFine recomputes and stores the fine of a loan at rate per overdue
// day. Calling it again without a change in overdue days writes nothing.
func (e *Engine) CalculateFine(ctx context.Context, loanID int64, rate decimal.Decimal) (fine decimal.Decimal, err error) {
	defer e.observe("calculate_fine", &err)

	if rate.IsNegative() {
		return decimal.Zero, apperrors.NewValidationError("rate must not be negative")
	}

	now := e.cfg.Now().UTC()
	today := models.Today(now)

	err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		loan, err := lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}

		days := loan.DaysOverdue(today)
		fine = loan.Fine(today, rate)
		if fine.Equal(loan.FineAmount) {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE loans SET fine_amount = $2, updated_at = $3 WHERE id = $1`,
			loanID, fine, now); err != nil {
			return apperrors.NewQueryExecutionFailedError("update fine", err)
		}

		details := fmt.Sprintf("Fine calculated: %d days overdue at %s, amount %s",
			days, rate.StringFixed(2), fine.StringFixed(2))
		return appendHistory(ctx, tx, loanID, models.ActionFineCalculated, 0, details, now)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return fine, nil
}

// PayFine settles the outstanding fine of a loan.
func (e *Engine) PayFine(ctx context.Context, loanID, actingUserID int64) (loan *models.Loan, err error) {
	defer e.observe("pay_fine", &err)

	now := e.cfg.Now().UTC()
	loan = &models.Loan{}

	err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if current.FinePaid {
			return apperrors.NewFineAlreadyPaidError(loanID)
		}
		if !current.FineAmount.IsPositive() {
			return apperrors.NewNoFineDueError(loanID)
		}
		// the fine keeps growing until the book is back
		if current.Status != models.LoanStatusReturned {
			return apperrors.NewInvalidStatusError(loanID, string(current.Status))
		}

		if err := tx.GetContext(ctx, loan, `
			UPDATE loans SET fine_paid = true, updated_at = $2
			WHERE id = $1
			RETURNING `+loanColumns,
			loanID, now); err != nil {
			return apperrors.NewQueryExecutionFailedError("update loan", err)
		}

		details := fmt.Sprintf("Fine of %s paid", current.FineAmount.StringFixed(2))
		return appendHistory(ctx, tx, loanID, models.ActionFinePaid, actingUserID, details, now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("fine paid", map[string]interface{}{"loanId": loanID, "amount": loan.FineAmount.StringFixed(2)})
	return loan, nil
}

// MarkOverdue flags up to limit open loans that are past due on today and
// fixes their fine. Loans locked by a concurrent operation are left for the
// next run.
func (e *Engine) MarkOverdue(ctx context.Context, today time.Time, limit int) (marked []models.Loan, err error) {
	defer e.observe("mark_overdue", &err)

	if limit <= 0 {
		limit = 100
	}
	now := e.cfg.Now().UTC()
	today = models.Today(today)

	err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var due []models.Loan
		if err := tx.SelectContext(ctx, &due, `
			SELECT `+loanColumns+` FROM loans
			WHERE status = ANY($1) AND due_date < $2
			ORDER BY due_date, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			pq.Array([]string{string(models.LoanStatusActive), string(models.LoanStatusRenewed)}),
			today, limit); err != nil {
			return apperrors.NewQueryExecutionFailedError("select overdue loans", err)
		}

		for _, loan := range due {
			days := loan.DaysOverdue(today)
			fine := loan.Fine(today, e.cfg.FineRate)

			var updated models.Loan
			if err := tx.GetContext(ctx, &updated, `
				UPDATE loans SET status = $2, fine_amount = $3, updated_at = $4
				WHERE id = $1
				RETURNING `+loanColumns,
				loan.ID, models.LoanStatusOverdue, fine, now); err != nil {
				return apperrors.NewQueryExecutionFailedError("mark overdue", err)
			}

			details := fmt.Sprintf("Marked overdue: %d days, fine %s", days, fine.StringFixed(2))
			if err := appendHistory(ctx, tx, loan.ID, models.ActionOverdue, 0, details, now); err != nil {
				return err
			}
			marked = append(marked, updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(marked) > 0 {
		e.logger.Info("loans marked overdue", map[string]interface{}{"count": len(marked)})
	}
	return marked, nil
}

func lockLoan(ctx context.Context, tx *sqlx.Tx, loanID int64) (*models.Loan, error) {
	var loan models.Loan
	err := tx.GetContext(ctx, &loan, `SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, loanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewLoanNotFoundError(loanID)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("lock loan", err)
	}
	return &loan, nil
}

func appendHistory(ctx context.Context, tx *sqlx.Tx, loanID int64, action models.HistoryAction, performedBy int64, details string, at time.Time) error {
	var by *int64
	if performedBy > 0 {
		by = &performedBy
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO loan_history (loan_id, action, performed_by, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		loanID, action, by, details, at)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("append history", err)
	}
	return nil
}

func (e *Engine) observe(op string, err *error) {
	outcome := "success"
	if *err != nil {
		outcome = "error"
		if stdErr, ok := apperrors.AsStandard(*err); ok {
			outcome = string(stdErr.Code)
		}
	}
	metrics.LoanOperations.WithLabelValues(op, outcome).Inc()
}
