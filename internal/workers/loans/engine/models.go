// internal/workers/loans/engine/models.go
package engine

import (
	"fmt"
	"time"

	"library-workers/internal/models"

	"github.com/shopspring/decimal"
)

type CreateLoanRequest struct {
	UserID int64
	BookID int64
	Notes  string
	// RequestID deduplicates the stock decrement when the same request is
	// redelivered. A fresh one is generated when empty.
	RequestID    string
	ActingUserID int64
}

type CreateLoanResult struct {
	Loan      models.Loan
	Book      models.BookSnapshot
	User      models.UserSnapshot
	RequestID string
}

type ReturnLoanResult struct {
	Loan        models.Loan
	DaysOverdue int
	FineAmount  decimal.Decimal
}

// OnTime reports whether the loan came back by its due date.
func (r *ReturnLoanResult) OnTime() bool {
	return r.DaysOverdue == 0
}

type RenewLoanResult struct {
	Loan       models.Loan
	OldDueDate time.Time
	NewDueDate time.Time
}

// ListFilter narrows ListLoans. Zero values match everything.
type ListFilter struct {
	UserID  int64
	Status  models.LoanStatus
	Overdue *bool
	Limit   int
	Offset  int
}

// CreateIdempotencyKey is sent with the stock decrement of a loan request.
func CreateIdempotencyKey(requestID string) string {
	return "loan-create:" + requestID
}

// ReturnIdempotencyKey is sent with the stock increment of a loan return.
// A loan is returned at most once so its id is enough.
func ReturnIdempotencyKey(loanID int64) string {
	return fmt.Sprintf("loan-return:%d", loanID)
}
