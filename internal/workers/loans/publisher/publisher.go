// Package publisher turns committed loan engine outcomes into bus events.
// Every event goes to its audit key and to a notification key; a failed
// publish is logged and counted but never undoes the committed loan.
package publisher

import (
	"context"
	"fmt"
	"time"

	"library-workers/internal/common/logger"
	"library-workers/internal/common/metrics"
	"library-workers/internal/models"
	"library-workers/internal/workers/loans/engine"
)

const (
	KeyLoanCreated         = "loan.created"
	KeyLoanReturned        = "loan.returned"
	KeyLoanRenewed         = "loan.renewed"
	KeyLoanOverdue         = "loan.overdue"
	KeyLoanRequestRejected = "loan.request_rejected"

	NotificationPrefix = "notification.email."

	TemplateLoanCreated        = "loan_created"
	TemplateLoanReturnedOnTime = "loan_returned_ontime"
	TemplateLoanReturnedLate   = "loan_returned_late"
	TemplateLoanRenewed        = "loan_renewed"
	TemplateLoanOverdue        = "loan_overdue"
)

// Bus is satisfied by *bus.Connection.
type Bus interface {
	Publish(ctx context.Context, routingKey string, body interface{}) (int, error)
}

// BookLookup and UserLookup fetch the snapshots denormalized into events
// for operations that did not already fetch them.
type BookLookup interface {
	GetBook(ctx context.Context, bookID int64) (models.BookSnapshot, error)
}

type UserLookup interface {
	GetUser(ctx context.Context, userID int64) (models.UserSnapshot, error)
}

type Publisher struct {
	bus    Bus
	books  BookLookup
	users  UserLookup
	logger logger.Logger
	now    func() time.Time
}

func NewPublisher(bus Bus, books BookLookup, users UserLookup, log logger.Logger) *Publisher {
	return &Publisher{
		bus:    bus,
		books:  books,
		users:  users,
		logger: log.WithFields(map[string]interface{}{"worker": "loan-publisher"}),
		now:    time.Now,
	}
}

func (p *Publisher) PublishCreated(ctx context.Context, res *engine.CreateLoanResult) {
	event := baseEvent(models.EventLoanCreated, &res.Loan, res.Book, res.User)
	event.Timestamp = timestamp(res.Loan.CreatedAt)

	p.publish(ctx, event, KeyLoanCreated, NotificationPrefix+TemplateLoanCreated)
}

// PublishReturned routes the notification to the on-time or late template.
func (p *Publisher) PublishReturned(ctx context.Context, res *engine.ReturnLoanResult) {
	book, user := p.lookup(ctx, &res.Loan)

	event := baseEvent(models.EventLoanReturned, &res.Loan, book, user)
	if res.Loan.ReturnDate != nil {
		event.ReturnDate = res.Loan.ReturnDate.Format(models.DateLayout)
	}
	fine := res.FineAmount.InexactFloat64()
	days := res.DaysOverdue
	onTime := res.OnTime()
	event.FineAmount = &fine
	event.DaysOverdue = &days
	event.OnTime = &onTime
	event.Timestamp = timestamp(res.Loan.UpdatedAt)

	template := TemplateLoanReturnedOnTime
	if !onTime {
		template = TemplateLoanReturnedLate
	}
	p.publish(ctx, event, KeyLoanReturned, NotificationPrefix+template)
}

func (p *Publisher) PublishRenewed(ctx context.Context, res *engine.RenewLoanResult) {
	book, user := p.lookup(ctx, &res.Loan)

	event := baseEvent(models.EventLoanRenewed, &res.Loan, book, user)
	count := res.Loan.RenewalCount
	maxRenewals := res.Loan.MaxRenewals
	event.OldDueDate = res.OldDueDate.Format(models.DateLayout)
	event.NewDueDate = res.NewDueDate.Format(models.DateLayout)
	event.RenewalCount = &count
	event.MaxRenewals = &maxRenewals
	event.RenewalMessage = RenewalMessage(count, maxRenewals)
	event.Timestamp = timestamp(res.Loan.UpdatedAt)

	p.publish(ctx, event, KeyLoanRenewed, NotificationPrefix+TemplateLoanRenewed)
}

// PublishOverdue announces a loan found past due on today.
func (p *Publisher) PublishOverdue(ctx context.Context, loan *models.Loan, today time.Time) {
	book, user := p.lookup(ctx, loan)

	event := baseEvent(models.EventLoanOverdue, loan, book, user)
	days := loan.DaysOverdue(today)
	fine := loan.FineAmount.InexactFloat64()
	event.DaysOverdue = &days
	event.FineAmount = &fine
	event.Timestamp = timestamp(loan.UpdatedAt)

	p.publish(ctx, event, KeyLoanOverdue, NotificationPrefix+TemplateLoanOverdue)
}

// PublishRequestRejected leaves an audit trace of an asynchronous request
// refused by a business rule. There is no notification for it.
func (p *Publisher) PublishRequestRejected(ctx context.Context, rejected models.LoanRequestRejected) {
	rejected.EventType = models.EventLoanRequestRejected
	if rejected.Timestamp == "" {
		rejected.Timestamp = timestamp(p.now())
	}
	p.publish(ctx, rejected, KeyLoanRequestRejected)
}

// RenewalMessage tells the borrower how many renewals are left.
func RenewalMessage(count, maxRenewals int) string {
	left := maxRenewals - count
	switch {
	case left <= 0:
		return fmt.Sprintf("You have reached the maximum number of renewals (%d).", maxRenewals)
	case left == 1:
		return "You can renew this loan 1 more time."
	default:
		return fmt.Sprintf("You can renew this loan %d more times.", left)
	}
}

func (p *Publisher) publish(ctx context.Context, event interface{}, keys ...string) {
	for _, key := range keys {
		routed, err := p.bus.Publish(ctx, key, event)
		if err != nil {
			metrics.LoanEventsPublishFailed.WithLabelValues(key).Inc()
			p.logger.Error("failed to publish loan event", map[string]interface{}{
				"routingKey": key,
				"error":      err.Error(),
			})
			continue
		}
		p.logger.Debug("loan event published", map[string]interface{}{
			"routingKey": key,
			"queues":     routed,
		})
	}
}

// lookup fetches the snapshots best effort; an event with only ids still
// reaches the audit trail.
func (p *Publisher) lookup(ctx context.Context, loan *models.Loan) (models.BookSnapshot, models.UserSnapshot) {
	book := models.BookSnapshot{ID: loan.BookID}
	user := models.UserSnapshot{ID: loan.UserID}

	if p.books != nil {
		if b, err := p.books.GetBook(ctx, loan.BookID); err != nil {
			p.logger.Warn("book lookup for event failed", map[string]interface{}{"bookId": loan.BookID, "error": err.Error()})
		} else {
			book = b
		}
	}
	if p.users != nil {
		if u, err := p.users.GetUser(ctx, loan.UserID); err != nil {
			p.logger.Warn("user lookup for event failed", map[string]interface{}{"userId": loan.UserID, "error": err.Error()})
		} else {
			user = u
		}
	}
	return book, user
}

func baseEvent(eventType string, loan *models.Loan, book models.BookSnapshot, user models.UserSnapshot) *models.LoanEvent {
	return &models.LoanEvent{
		EventType:    eventType,
		LoanID:       loan.ID,
		UserID:       loan.UserID,
		UserEmail:    user.Email,
		UserName:     user.FullName(),
		BookID:       loan.BookID,
		BookTitle:    book.Title,
		BookAuthor:   book.Author,
		BookISBN:     book.ISBN,
		BookCategory: book.Category,
		LoanDate:     loan.LoanDate.Format(models.DateLayout),
		DueDate:      loan.DueDate.Format(models.DateLayout),
	}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}
