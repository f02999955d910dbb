// internal/models/events.go
package models

// Event types carried in the event_type field.
const (
	EventLoanCreated         = "loan_created"
	EventLoanReturned        = "loan_returned"
	EventLoanRenewed         = "loan_renewed"
	EventLoanOverdue         = "loan_overdue"
	EventLoanRequestRejected = "loan_request_rejected"

	EventLoanCreateRequest = "loan_create_request"
	EventLoanReturnRequest = "loan_return_request"
	EventLoanRenewRequest  = "loan_renew_request"
)

// LoanEvent is the envelope published for every loan lifecycle transition.
// Pointer fields are set only for the events that carry them.
type LoanEvent struct {
	EventType    string `json:"event_type"`
	LoanID       int64  `json:"loan_id"`
	UserID       int64  `json:"user_id"`
	UserEmail    string `json:"user_email"`
	UserName     string `json:"user_name,omitempty"`
	BookID       int64  `json:"book_id"`
	BookTitle    string `json:"book_title"`
	BookAuthor   string `json:"book_author,omitempty"`
	BookISBN     string `json:"book_isbn,omitempty"`
	BookCategory string `json:"book_category,omitempty"`
	LoanDate     string `json:"loan_date,omitempty"`
	DueDate      string `json:"due_date,omitempty"`

	ReturnDate  string   `json:"return_date,omitempty"`
	FineAmount  *float64 `json:"fine_amount,omitempty"`
	DaysOverdue *int     `json:"days_overdue,omitempty"`
	OnTime      *bool    `json:"on_time,omitempty"`

	OldDueDate     string `json:"old_due_date,omitempty"`
	NewDueDate     string `json:"new_due_date,omitempty"`
	RenewalCount   *int   `json:"renewal_count,omitempty"`
	MaxRenewals    *int   `json:"max_renewals,omitempty"`
	RenewalMessage string `json:"renewal_message,omitempty"`

	Timestamp string `json:"timestamp"`
}

// LoanRequest is an asynchronous request to the loan engine.
type LoanRequest struct {
	EventType string             `json:"event_type"`
	RequestID string             `json:"request_id,omitempty"`
	Data      *LoanCreateRequest `json:"data,omitempty"`
	LoanID    int64              `json:"loan_id,omitempty"`
	UserID    int64              `json:"user_id,omitempty"`
}

type LoanCreateRequest struct {
	UserID int64  `json:"user_id"`
	BookID int64  `json:"book_id"`
	Notes  string `json:"notes,omitempty"`
}

// LoanRequestRejected records an asynchronous request refused by a business rule.
type LoanRequestRejected struct {
	EventType   string `json:"event_type"`
	RequestID   string `json:"request_id,omitempty"`
	RequestType string `json:"request_type"`
	UserID      int64  `json:"user_id,omitempty"`
	BookID      int64  `json:"book_id,omitempty"`
	LoanID      int64  `json:"loan_id,omitempty"`
	ErrorCode   string `json:"error_code"`
	Detail      string `json:"detail"`
	Timestamp   string `json:"timestamp"`
}
