package api

import (
	"fmt"
	"net/http"
	"strconv"

	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/models"
	"library-workers/internal/workers/loans/engine"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type createLoanBody struct {
	UserID    int64  `json:"user_id"`
	BookID    int64  `json:"book_id"`
	Notes     string `json:"notes"`
	RequestID string `json:"request_id"`
}

func (s *Server) createLoan(c echo.Context) error {
	var body createLoanBody
	if err := bind(c, createLoanSchema, &body); err != nil {
		return err
	}

	if body.RequestID == "" {
		body.RequestID = c.Request().Header.Get("Idempotency-Key")
	}

	// Members borrow for themselves; staff may borrow on behalf of a user.
	acting := actingUserID(c)
	if body.UserID == 0 {
		body.UserID = acting
	}
	if body.UserID == 0 {
		return apperrors.NewValidationError("user_id is required")
	}
	if !s.isStaff(c) && body.UserID != acting {
		return apperrors.NewForbiddenError("members can only borrow for themselves")
	}

	res, err := s.loans.CreateLoan(c.Request().Context(), engine.CreateLoanRequest{
		UserID:       body.UserID,
		BookID:       body.BookID,
		Notes:        body.Notes,
		RequestID:    body.RequestID,
		ActingUserID: acting,
	})
	if err != nil {
		return err
	}
	s.events.PublishCreated(c.Request().Context(), res)

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message":    "Loan created successfully",
		"loan":       res.Loan.View(s.loans.Today()),
		"request_id": res.RequestID,
	})
}

func (s *Server) listLoans(c echo.Context) error {
	filter := engine.ListFilter{}

	var err error
	if filter.UserID, err = queryInt64(c, "user_id"); err != nil {
		return err
	}
	if status := c.QueryParam("status"); status != "" {
		filter.Status = models.LoanStatus(status)
		if !filter.Status.Valid() {
			return apperrors.NewValidationError(fmt.Sprintf("unknown status %q", status))
		}
	}
	if raw := c.QueryParam("overdue"); raw != "" {
		overdue, err := strconv.ParseBool(raw)
		if err != nil {
			return apperrors.NewValidationError("overdue must be true or false")
		}
		filter.Overdue = &overdue
	}
	limit, err := queryInt64(c, "limit")
	if err != nil {
		return err
	}
	offset, err := queryInt64(c, "offset")
	if err != nil {
		return err
	}
	filter.Limit, filter.Offset = int(limit), int(offset)

	if !s.isStaff(c) {
		filter.UserID = actingUserID(c)
	}

	loans, err := s.loans.ListLoans(c.Request().Context(), filter)
	if err != nil {
		return err
	}

	today := s.loans.Today()
	views := make([]models.LoanView, 0, len(loans))
	for i := range loans {
		views = append(views, loans[i].View(today))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":   len(views),
		"results": views,
	})
}

func (s *Server) loanStats(c echo.Context) error {
	stats, err := s.loans.Stats(c.Request().Context(), s.loans.Today())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) getLoan(c echo.Context) error {
	loan, err := s.ownedLoan(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"loan": loan.View(s.loans.Today()),
	})
}

func (s *Server) loanHistory(c echo.Context) error {
	loan, err := s.ownedLoan(c)
	if err != nil {
		return err
	}
	history, err := s.loans.History(c.Request().Context(), loan.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"loan_id": loan.ID,
		"count":   len(history),
		"results": history,
	})
}

func (s *Server) returnLoan(c echo.Context) error {
	loan, err := s.ownedLoan(c)
	if err != nil {
		return err
	}

	res, err := s.loans.ReturnLoan(c.Request().Context(), loan.ID, actingUserID(c))
	if err != nil {
		return err
	}
	s.events.PublishReturned(c.Request().Context(), res)

	msg := "Book returned successfully"
	if !res.OnTime() {
		msg = fmt.Sprintf("Book returned %d days late. Fine: %s", res.DaysOverdue, res.FineAmount.StringFixed(2))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":      msg,
		"loan":         res.Loan.View(s.loans.Today()),
		"days_overdue": res.DaysOverdue,
		"fine_amount":  res.FineAmount.StringFixed(2),
	})
}

func (s *Server) renewLoan(c echo.Context) error {
	loan, err := s.ownedLoan(c)
	if err != nil {
		return err
	}

	res, err := s.loans.RenewLoan(c.Request().Context(), loan.ID, actingUserID(c))
	if err != nil {
		return err
	}
	s.events.PublishRenewed(c.Request().Context(), res)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":      "Loan renewed successfully",
		"loan":         res.Loan.View(s.loans.Today()),
		"old_due_date": res.OldDueDate.Format(models.DateLayout),
		"new_due_date": res.NewDueDate.Format(models.DateLayout),
	})
}

type calculateFineBody struct {
	Rate *decimal.Decimal `json:"rate"`
}

func (s *Server) calculateFine(c echo.Context) error {
	owned, err := s.ownedLoan(c)
	if err != nil {
		return err
	}
	var body calculateFineBody
	if err := bind(c, calculateFineSchema, &body); err != nil {
		return err
	}
	rate := s.loans.Config().FineRate
	if body.Rate != nil {
		rate = *body.Rate
	}

	fine, err := s.loans.CalculateFine(c.Request().Context(), owned.ID, rate)
	if err != nil {
		return err
	}
	loan, err := s.loans.GetLoan(c.Request().Context(), owned.ID)
	if err != nil {
		return err
	}
	today := s.loans.Today()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":      "Fine calculated",
		"loan":         loan.View(today),
		"days_overdue": loan.DaysOverdue(today),
		"fine_amount":  fine.StringFixed(2),
	})
}

func (s *Server) payFine(c echo.Context) error {
	loan, err := s.ownedLoan(c)
	if err != nil {
		return err
	}
	paid, err := s.loans.PayFine(c.Request().Context(), loan.ID, actingUserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("Fine of %s paid successfully", paid.FineAmount.StringFixed(2)),
		"loan":    paid.View(s.loans.Today()),
	})
}

// ownedLoan loads the loan named in the path. Members only see their own
// loans; anything else reads as not found.
func (s *Server) ownedLoan(c echo.Context) (*models.Loan, error) {
	loanID, err := pathID(c)
	if err != nil {
		return nil, err
	}
	loan, err := s.loans.GetLoan(c.Request().Context(), loanID)
	if err != nil {
		return nil, err
	}
	if !s.isStaff(c) && loan.UserID != actingUserID(c) {
		return nil, apperrors.NewLoanNotFoundError(loanID)
	}
	return loan, nil
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, apperrors.NewValidationError(fmt.Sprintf("invalid id %q", c.Param("id")))
	}
	return id, nil
}

func queryInt64(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, apperrors.NewValidationError(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return v, nil
}
