// internal/workers/loans/engine/config.go
package engine

import (
	"time"

	"library-workers/internal/common/config"

	"github.com/shopspring/decimal"
)

type Config struct {
	LoanPeriodDays    int
	RenewalPeriodDays int
	MaxRenewals       int
	MaxActiveLoans    int
	FineRate          decimal.Decimal // per overdue day
	MaxNotesLength    int

	// Now is the engine clock; dates are taken from its UTC calendar day.
	Now func() time.Time
}

func LoadConfig(cfg config.LoansConfig) *Config {
	c := DefaultConfig()
	if cfg.LoanPeriodDays > 0 {
		c.LoanPeriodDays = cfg.LoanPeriodDays
	}
	if cfg.RenewalPeriodDays > 0 {
		c.RenewalPeriodDays = cfg.RenewalPeriodDays
	}
	if cfg.MaxRenewals > 0 {
		c.MaxRenewals = cfg.MaxRenewals
	}
	if cfg.MaxActiveLoans > 0 {
		c.MaxActiveLoans = cfg.MaxActiveLoans
	}
	if cfg.FinePerDay > 0 {
		c.FineRate = decimal.NewFromFloat(cfg.FinePerDay).Round(2)
	}
	return c
}

func DefaultConfig() *Config {
	return &Config{
		LoanPeriodDays:    14,
		RenewalPeriodDays: 14,
		MaxRenewals:       2,
		MaxActiveLoans:    5,
		FineRate:          decimal.NewFromInt(50),
		MaxNotesLength:    500,
		Now:               time.Now,
	}
}
