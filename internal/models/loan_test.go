package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestLoan_OverdueArithmetic(t *testing.T) {
	loan := &Loan{
		Status:      LoanStatusActive,
		LoanDate:    day("2026-03-01"),
		DueDate:     day("2026-03-15"),
		MaxRenewals: 2,
	}

	assert.False(t, loan.IsOverdue(day("2026-03-15")), "due date itself is not overdue")
	assert.True(t, loan.IsOverdue(day("2026-03-16")))
	assert.Equal(t, 0, loan.DaysOverdue(day("2026-03-10")))
	assert.Equal(t, 7, loan.DaysOverdue(day("2026-03-22").Add(23*time.Hour)))
	assert.Equal(t, 5, loan.DaysUntilDue(day("2026-03-10")))
	assert.True(t, loan.CanRenew(day("2026-03-10")))
	assert.False(t, loan.CanRenew(day("2026-03-16")))

	assert.True(t, decimal.NewFromInt(350).Equal(loan.Fine(day("2026-03-22"), decimal.NewFromInt(50))))
}

func TestLoan_ReturnedUsesReturnDate(t *testing.T) {
	returned := day("2026-03-20")
	loan := &Loan{
		Status:     LoanStatusReturned,
		DueDate:    day("2026-03-15"),
		ReturnDate: &returned,
	}

	assert.False(t, loan.IsOverdue(day("2026-04-30")))
	assert.Equal(t, 5, loan.DaysOverdue(day("2026-04-30")))
	assert.False(t, loan.CanRenew(day("2026-03-01")))

	view := loan.View(day("2026-04-30"))
	require.NotNil(t, view.ReturnDate)
	assert.Equal(t, "2026-03-20", *view.ReturnDate)
	assert.Equal(t, "0.00", view.FineAmount)
}

func TestLoan_RenewalLimit(t *testing.T) {
	loan := &Loan{Status: LoanStatusRenewed, DueDate: day("2026-05-01"), RenewalCount: 2, MaxRenewals: 2}
	assert.False(t, loan.CanRenew(day("2026-04-01")))
}

func TestParseSnapshots(t *testing.T) {
	u, err := ParseUserSnapshot([]byte(`{"id": 3, "email": " reader@library.test ", "first_name": "Ada", "last_name": "L"}`))
	require.NoError(t, err)
	assert.False(t, u.IsActive, "is_active defaults to false")
	assert.Equal(t, "MEMBER", u.Role)
	assert.Equal(t, 5, u.MaxLoans)
	assert.Equal(t, "reader@library.test", u.Email)
	assert.Equal(t, "Ada L", u.FullName())

	_, err = ParseUserSnapshot([]byte(`{"email": "x@y.z"}`))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	b, err := ParseBookSnapshot([]byte(`{"id": 9, "title": "Dune"}`))
	require.NoError(t, err)
	assert.False(t, b.Available(), "missing available_copies means unavailable")

	_, err = ParseBookSnapshot([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}
