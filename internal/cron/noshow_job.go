package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/platesaver/platesaver-backend/pkg/clock"
	"github.com/platesaver/platesaver-backend/pkg/db/models"
	"github.com/platesaver/platesaver-backend/pkg/enums"
	pkgerrors "github.com/platesaver/platesaver-backend/pkg/errors"
	"github.com/platesaver/platesaver-backend/pkg/logger"
	"github.com/platesaver/platesaver-backend/pkg/metrics"
)

const defaultNoShowThreshold = 120 * time.Minute

type timedOutReader interface {
	FindTimedOutBefore(ctx context.Context, cutoff time.Time) ([]models.PickupOrder, error)
}

type orderAdvancer interface {
	Advance(ctx context.Context, orderID uuid.UUID, next enums.OrderStatus) (*models.PickupOrder, error)
}

// NoShowJobParams configure the no-show sweep job.
type NoShowJobParams struct {
	Logger    *logger.Logger
	Reader    timedOutReader
	Lifecycle orderAdvancer
	Clock     clock.Clock
	Metrics   *metrics.CapacityMetrics
	Threshold time.Duration
}

// NewNoShowJob builds the job that expires orders nobody picked up.
func NewNoShowJob(params NoShowJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reader == nil {
		return nil, fmt.Errorf("timed-out order reader required")
	}
	if params.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle service required")
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	threshold := params.Threshold
	if threshold <= 0 {
		threshold = defaultNoShowThreshold
	}
	return &noShowJob{
		logg:      params.Logger,
		reader:    params.Reader,
		lifecycle: params.Lifecycle,
		clk:       clk,
		metrics:   params.Metrics,
		threshold: threshold,
	}, nil
}

type noShowJob struct {
	logg      *logger.Logger
	reader    timedOutReader
	lifecycle orderAdvancer
	clk       clock.Clock
	metrics   *metrics.CapacityMetrics
	threshold time.Duration
}

func (j *noShowJob) Name() string { return "order-no-show" }

// Run advances every active order older than the threshold into no_show.
// A single order's failure never aborts the rest of the sweep; orders that
// reached a terminal state between the scan and the advance are skipped
// without noise.
func (j *noShowJob) Run(ctx context.Context) error {
	cutoff := j.clk.Now().Add(-j.threshold)
	stale, err := j.reader.FindTimedOutBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("query timed-out orders: %w", err)
	}

	var errs []error
	swept := 0
	for _, order := range stale {
		if _, err := j.lifecycle.Advance(ctx, order.ID, enums.OrderStatusNoShow); err != nil {
			if pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
				continue
			}
			logCtx := j.logg.WithOrderID(ctx, order.ID.String())
			j.logg.Error(logCtx, "failed to expire order", err)
			errs = append(errs, fmt.Errorf("advance %s: %w", order.ID, err))
			continue
		}
		swept++
	}

	if swept > 0 {
		if j.metrics != nil {
			j.metrics.AddSwept(swept)
		}
		logCtx := j.logg.WithField(ctx, "count", swept)
		j.logg.Info(logCtx, "expired no-show orders")
	}
	return multierr.Combine(errs...)
}
