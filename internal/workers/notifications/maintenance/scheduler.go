package maintenance

import (
	"context"
	"sync"
	"time"

	"library-workers/internal/common/logger"
)

type entry struct {
	job      Job
	interval time.Duration
}

// Scheduler runs each registered job on its own ticker. A job never overlaps
// with itself.
type Scheduler struct {
	mu      sync.Mutex
	entries []entry
	timeout time.Duration
	logger  logger.Logger
}

func NewScheduler(timeout time.Duration, log logger.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		timeout: timeout,
		logger:  log.WithFields(map[string]interface{}{"component": "scheduler"}),
	}
}

// Every registers job to run once per interval. Jobs with a non-positive
// interval are ignored.
func (s *Scheduler) Every(interval time.Duration, job Job) {
	if interval <= 0 {
		s.logger.Warn("job disabled", map[string]interface{}{"job": job.Name()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	log := s.logger.WithFields(map[string]interface{}{"job": e.job.Name(), "interval": e.interval.String()})
	log.Info("job scheduled", nil)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, e.job)
		}
	}
}

// RunOnce runs job with the scheduler's timeout and logs the result.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (int, error) {
	log := s.logger.WithFields(map[string]interface{}{"job": job.Name()})

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := job.Run(runCtx)
	if err != nil {
		log.Error("job failed", map[string]interface{}{"error": err.Error(), "items": n})
		return n, err
	}
	log.Debug("job finished", map[string]interface{}{"items": n, "duration": time.Since(start).String()})
	return n, nil
}
