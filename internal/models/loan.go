// internal/models/loan.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusActive   LoanStatus = "ACTIVE"
	LoanStatusRenewed  LoanStatus = "RENEWED"
	LoanStatusOverdue  LoanStatus = "OVERDUE"
	LoanStatusReturned LoanStatus = "RETURNED"
)

// OpenLoanStatuses are the statuses that count against a user's loan limit.
var OpenLoanStatuses = []string{
	string(LoanStatusActive),
	string(LoanStatusRenewed),
	string(LoanStatusOverdue),
}

func (s LoanStatus) Valid() bool {
	switch s {
	case LoanStatusActive, LoanStatusRenewed, LoanStatusOverdue, LoanStatusReturned:
		return true
	}
	return false
}

type HistoryAction string

const (
	ActionCreated        HistoryAction = "CREATED"
	ActionRenewed        HistoryAction = "RENEWED"
	ActionReturned       HistoryAction = "RETURNED"
	ActionOverdue        HistoryAction = "OVERDUE"
	ActionFineCalculated HistoryAction = "FINE_CALCULATED"
	ActionFinePaid       HistoryAction = "FINE_PAID"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

type Loan struct {
	ID           int64           `db:"id"`
	UserID       int64           `db:"user_id"`
	BookID       int64           `db:"book_id"`
	LoanDate     time.Time       `db:"loan_date"`
	DueDate      time.Time       `db:"due_date"`
	ReturnDate   *time.Time      `db:"return_date"`
	Status       LoanStatus      `db:"status"`
	FineAmount   decimal.Decimal `db:"fine_amount"`
	FinePaid     bool            `db:"fine_paid"`
	RenewalCount int             `db:"renewal_count"`
	MaxRenewals  int             `db:"max_renewals"`
	Notes        string          `db:"notes"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// Today truncates t to its UTC calendar day.
func Today(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Today(b).Sub(Today(a)).Hours() / 24)
}

// IsOverdue reports whether the loan is still out past its due date.
func (l *Loan) IsOverdue(today time.Time) bool {
	return l.Status != LoanStatusReturned && Today(today).After(Today(l.DueDate))
}

// DaysOverdue counts days past due at the return date for returned loans and
// at today otherwise. Never negative.
func (l *Loan) DaysOverdue(today time.Time) int {
	ref := today
	if l.Status == LoanStatusReturned && l.ReturnDate != nil {
		ref = *l.ReturnDate
	}
	if days := DaysBetween(l.DueDate, ref); days > 0 {
		return days
	}
	return 0
}

// DaysUntilDue is negative once the loan is overdue.
func (l *Loan) DaysUntilDue(today time.Time) int {
	if l.Status == LoanStatusReturned {
		return 0
	}
	return DaysBetween(today, l.DueDate)
}

// CanRenew reports whether RenewLoan would succeed on this loan.
func (l *Loan) CanRenew(today time.Time) bool {
	return (l.Status == LoanStatusActive || l.Status == LoanStatusRenewed) &&
		l.RenewalCount < l.MaxRenewals &&
		!l.IsOverdue(today)
}

// Fine is the fine owed at rate per overdue day.
func (l *Loan) Fine(today time.Time, rate decimal.Decimal) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(int64(l.DaysOverdue(today))))
}

type LoanHistory struct {
	ID          int64         `db:"id" json:"id"`
	LoanID      int64         `db:"loan_id" json:"loan_id"`
	Action      HistoryAction `db:"action" json:"action"`
	PerformedBy *int64        `db:"performed_by" json:"performed_by"`
	Details     string        `db:"details" json:"details"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}

// LoanView is the API representation of a loan with its computed fields.
type LoanView struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	BookID       int64      `json:"book_id"`
	LoanDate     string     `json:"loan_date"`
	DueDate      string     `json:"due_date"`
	ReturnDate   *string    `json:"return_date"`
	Status       LoanStatus `json:"status"`
	FineAmount   string     `json:"fine_amount"`
	FinePaid     bool       `json:"fine_paid"`
	RenewalCount int        `json:"renewal_count"`
	MaxRenewals  int        `json:"max_renewals"`
	Notes        string     `json:"notes"`
	IsOverdue    bool       `json:"is_overdue"`
	DaysOverdue  int        `json:"days_overdue"`
	DaysUntilDue int        `json:"days_until_due"`
	CanRenew     bool       `json:"can_renew"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (l *Loan) View(today time.Time) LoanView {
	v := LoanView{
		ID:           l.ID,
		UserID:       l.UserID,
		BookID:       l.BookID,
		LoanDate:     l.LoanDate.Format(DateLayout),
		DueDate:      l.DueDate.Format(DateLayout),
		Status:       l.Status,
		FineAmount:   l.FineAmount.StringFixed(2),
		FinePaid:     l.FinePaid,
		RenewalCount: l.RenewalCount,
		MaxRenewals:  l.MaxRenewals,
		Notes:        l.Notes,
		IsOverdue:    l.IsOverdue(today),
		DaysOverdue:  l.DaysOverdue(today),
		DaysUntilDue: l.DaysUntilDue(today),
		CanRenew:     l.CanRenew(today),
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
	if l.ReturnDate != nil {
		rd := l.ReturnDate.Format(DateLayout)
		v.ReturnDate = &rd
	}
	return v
}

// LoanStats aggregates loan counters for librarians.
type LoanStats struct {
	TotalLoans    int64  `db:"total_loans" json:"total_loans"`
	TotalActive   int64  `db:"total_active" json:"total_active"`
	TotalRenewed  int64  `db:"total_renewed" json:"total_renewed"`
	TotalOverdue  int64  `db:"total_overdue" json:"total_overdue"`
	TotalReturned int64  `db:"total_returned" json:"total_returned"`
	TotalFines    string `db:"total_fines" json:"total_fines"`
	UnpaidFines   string `db:"unpaid_fines" json:"unpaid_fines"`
}
