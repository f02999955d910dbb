// internal/workers/loans/engine/queries.go
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/models"
)

func (e *Engine) GetLoan(ctx context.Context, loanID int64) (*models.Loan, error) {
	var loan models.Loan
	err := e.db.DB.GetContext(ctx, &loan, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, loanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewLoanNotFoundError(loanID)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get loan", err)
	}
	return &loan, nil
}

// ListLoans returns loans newest first. Overdue is evaluated against today,
// not the stored status, so loans nobody has touched since their due date
// still count.
func (e *Engine) ListLoans(ctx context.Context, filter ListFilter) ([]models.Loan, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID > 0 {
		where = append(where, "user_id = "+arg(filter.UserID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if filter.Overdue != nil {
		cond := "(status <> 'RETURNED' AND due_date < " + arg(e.Today()) + ")"
		if !*filter.Overdue {
			cond = "NOT " + cond
		}
		where = append(where, cond)
	}

	query := `SELECT ` + loanColumns + ` FROM loans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit) + " OFFSET " + arg(filter.Offset)

	loans := []models.Loan{}
	if err := e.db.DB.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list loans", err)
	}
	return loans, nil
}

// History returns the audit trail of a loan, oldest first.
func (e *Engine) History(ctx context.Context, loanID int64) ([]models.LoanHistory, error) {
	history := []models.LoanHistory{}
	err := e.db.DB.SelectContext(ctx, &history, `
		SELECT id, loan_id, action, performed_by, details, created_at
		FROM loan_history
		WHERE loan_id = $1
		ORDER BY created_at, id`, loanID)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("loan history", err)
	}
	return history, nil
}

func (e *Engine) Stats(ctx context.Context, today time.Time) (*models.LoanStats, error) {
	var stats models.LoanStats
	err := e.db.DB.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total_loans,
			COUNT(*) FILTER (WHERE status = 'ACTIVE') AS total_active,
			COUNT(*) FILTER (WHERE status = 'RENEWED') AS total_renewed,
			COUNT(*) FILTER (WHERE status <> 'RETURNED' AND (status = 'OVERDUE' OR due_date < $1)) AS total_overdue,
			COUNT(*) FILTER (WHERE status = 'RETURNED') AS total_returned,
			COALESCE(SUM(fine_amount), 0)::numeric(12,2)::text AS total_fines,
			COALESCE(SUM(fine_amount) FILTER (WHERE NOT fine_paid), 0)::numeric(12,2)::text AS unpaid_fines
		FROM loans`, models.Today(today))
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("loan stats", err)
	}
	return &stats, nil
}
