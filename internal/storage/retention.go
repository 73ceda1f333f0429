package storage

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const cleanupTimeout = time.Minute

// Pruner deletes history older than a cutoff
type Pruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// Retention prunes the run history on a cron schedule
type Retention struct {
	logger    *zap.Logger
	history   Pruner
	retention time.Duration
	clock     clock.Clock
	cron      *cron.Cron
}

// NewRetention schedules pruning of everything older than retention.
// Schedule is a standard cron expression or a descriptor such as @daily.
func NewRetention(history Pruner, schedule string, retention time.Duration, clk clock.Clock, logger *zap.Logger) (*Retention, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if clk == nil {
		clk = clock.NewClock()
	}

	logger = logger.Named("retention")
	r := &Retention{
		logger:    logger,
		history:   history,
		retention: retention,
		clock:     clk,
		cron:      cron.New(cron.WithChain(cron.Recover(&cronLogger{logger: logger}))),
	}

	if _, err := r.cron.AddFunc(schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error("Failed to prune history", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start starts the schedule
func (r *Retention) Start() {
	r.cron.Start()
	r.logger.Info("History retention started", zap.Duration("retention", r.retention))
}

// Stop stops the schedule and waits for a running prune
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// RunOnce prunes the history now
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	return r.history.DeleteBefore(ctx, r.clock.Now().Add(-r.retention))
}
