package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/quotakit/pkg/logger"
)

// DefaultResetSchedule runs the monthly counter reset daily at 00:05 UTC.
// Tenants' periods start on different days, so a daily sweep catches each one
// on the day its period ends.
const DefaultResetSchedule = "5 0 * * *"

// ResetJob runs Ledger.ResetMonthlyCounters on a cron schedule.
type ResetJob struct {
	ledger  *Ledger
	spec    string
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

type ResetJobOption func(*ResetJob)

// WithSchedule sets a standard 5-field cron expression, evaluated in UTC.
func WithSchedule(spec string) ResetJobOption {
	return func(j *ResetJob) {
		if spec != "" {
			j.spec = spec
		}
	}
}

// WithRunTimeout bounds a single reset run.
func WithRunTimeout(d time.Duration) ResetJobOption {
	return func(j *ResetJob) {
		if d > 0 {
			j.timeout = d
		}
	}
}

func WithJobClock(now func() time.Time) ResetJobOption {
	return func(j *ResetJob) {
		if now != nil {
			j.now = now
		}
	}
}

func WithJobLogger(l *slog.Logger) ResetJobOption {
	return func(j *ResetJob) {
		if l != nil {
			j.logger = l
		}
	}
}

func NewResetJob(ledger *Ledger, opts ...ResetJobOption) *ResetJob {
	j := &ResetJob{
		ledger:  ledger,
		spec:    DefaultResetSchedule,
		timeout: 5 * time.Minute,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With(logger.Component("usage_reset_job"))
	return j
}

// Start schedules the job. It returns ErrInvalidResetSpec for a bad schedule.
func (j *ResetJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return ErrResetJobRunning
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	id, err := c.AddFunc(j.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		_, _ = j.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidResetSpec, j.spec, err)
	}

	c.Start()
	j.cron = c
	j.entryID = id
	j.logger.Info("usage reset job scheduled",
		slog.String("schedule", j.spec),
		slog.Time("next_run", c.Entry(id).Schedule.Next(j.now().UTC())))
	return nil
}

// Stop unschedules the job and waits for a running reset to finish or ctx to end.
func (j *ResetJob) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one reset immediately.
func (j *ResetJob) RunOnce(ctx context.Context) (int64, error) {
	now := j.now().UTC()
	n, err := j.ledger.ResetMonthlyCounters(ctx, now)
	if err != nil {
		j.logger.ErrorContext(ctx, "monthly usage reset failed", logger.Error(err))
		return 0, err
	}
	j.logger.InfoContext(ctx, "monthly usage counters reset",
		slog.Int64("tenants", n),
		slog.Time("period_start", now))
	return n, nil
}
