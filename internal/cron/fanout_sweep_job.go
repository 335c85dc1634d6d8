package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/farmmarket-backend/internal/fanout"
	"github.com/angelmondragon/farmmarket-backend/pkg/config"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
)

type pendingSweeper interface {
	SweepPending(ctx context.Context, olderThan time.Duration, limit int) (fanout.SweepResult, error)
}

type FanoutSweepJobParams struct {
	Logger  *logger.Logger
	Sweeper pendingSweeper
	Config  config.FanoutConfig
}

// NewFanoutSweepJob reconciles orders whose views were never written, for
// example when the process died between commit and fan-out.
func NewFanoutSweepJob(params FanoutSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("fanout sweeper required")
	}
	grace := params.Config.SweepGrace
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &fanoutSweepJob{
		logg:    params.Logger,
		sweeper: params.Sweeper,
		grace:   grace,
		batch:   params.Config.SweepBatchSize,
	}, nil
}

type fanoutSweepJob struct {
	logg    *logger.Logger
	sweeper pendingSweeper
	grace   time.Duration
	batch   int
}

func (j *fanoutSweepJob) Name() string { return "fanout-sweep" }

func (j *fanoutSweepJob) Run(ctx context.Context) error {
	result, err := j.sweeper.SweepPending(ctx, j.grace, j.batch)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned":    result.Scanned,
		"reconciled": result.Reconciled,
		"failed":     result.Failed,
	})
	if err != nil {
		return fmt.Errorf("fanout sweep: %w", err)
	}
	if result.Scanned > 0 {
		j.logg.Info(logCtx, "fanout sweep reconciled pending orders")
	}
	return nil
}
