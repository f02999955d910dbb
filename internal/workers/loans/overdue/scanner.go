// internal/workers/loans/overdue/scanner.go
package overdue

import (
	"context"
	"time"

	"library-workers/internal/common/logger"
	"library-workers/internal/common/metrics"
	"library-workers/internal/models"
)

const TaskType = "overdue-scanner"

type Marker interface {
	MarkOverdue(ctx context.Context, today time.Time, limit int) ([]models.Loan, error)
}

type Announcer interface {
	PublishOverdue(ctx context.Context, loan *models.Loan, today time.Time)
}

// Scanner marks past-due loans OVERDUE and announces each one.
type Scanner struct {
	marker    Marker
	announcer Announcer
	batchSize int
	now       func() time.Time
	logger    logger.Logger
}

func NewScanner(marker Marker, announcer Announcer, batchSize int, log logger.Logger) *Scanner {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scanner{
		marker:    marker,
		announcer: announcer,
		batchSize: batchSize,
		now:       time.Now,
		logger:    log.WithFields(map[string]interface{}{"worker": TaskType}),
	}
}

func (s *Scanner) Name() string {
	return TaskType
}

// Run drains all loans past due today, one batch per transaction.
func (s *Scanner) Run(ctx context.Context) (int, error) {
	today := models.Today(s.now())
	total := 0

	for {
		loans, err := s.marker.MarkOverdue(ctx, today, s.batchSize)
		if err != nil {
			return total, err
		}
		for i := range loans {
			s.announcer.PublishOverdue(ctx, &loans[i], today)
		}
		total += len(loans)
		metrics.MaintenanceRuns.WithLabelValues(TaskType).Add(float64(len(loans)))

		if len(loans) < s.batchSize || ctx.Err() != nil {
			break
		}
	}

	if total > 0 {
		s.logger.Info("overdue scan finished", map[string]interface{}{"marked": total})
	}
	return total, nil
}
