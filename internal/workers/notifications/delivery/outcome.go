package delivery

import (
	"fmt"
	"time"
)

// Outcome is the result of one delivery attempt. It is one of Success,
// RetryableFailure, TerminalFailure or Skipped.
type Outcome interface {
	outcome()
	String() string
}

type Success struct {
	Channel   string
	Recipient string
}

// RetryableFailure asks the caller to try again after Delay with attempt
// Attempt+1. Attempt is the last attempt that was actually made.
type RetryableFailure struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// TerminalFailure means the notification is FAILED and will not be retried
// by the runner.
type TerminalFailure struct {
	Reason string
}

// Skipped means nothing was sent, e.g. the notification was already SENT.
type Skipped struct {
	Reason string
}

func (Success) outcome()          {}
func (RetryableFailure) outcome() {}
func (TerminalFailure) outcome()  {}
func (Skipped) outcome()          {}

func (o Success) String() string { return "sent via " + o.Channel }
func (o RetryableFailure) String() string {
	return fmt.Sprintf("attempt %d failed, retry in %s: %v", o.Attempt, o.Delay, o.Err)
}
func (o TerminalFailure) String() string { return "failed: " + o.Reason }
func (o Skipped) String() string         { return "skipped: " + o.Reason }
