// Package refresh implements the bulk refresh cycle: every tracked location is
// fetched and all rows are committed in one transaction, or none are.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
	"github.com/kjstillabower/weather-refresh-service/internal/observability"
	"github.com/kjstillabower/weather-refresh-service/internal/store"
)

// Error kinds. Every cycle failure wraps exactly one of them.
var (
	ErrEnumerationFailed = errors.New("enumerate tracked locations failed")
	ErrBeginFailed       = errors.New("begin transaction failed")
	ErrFetchFailed       = errors.New("fetch failed")
	ErrUpsertFailed      = errors.New("upsert failed")
	ErrCommitFailed      = errors.New("commit failed")
)

// Error describes why a cycle was abandoned.
type Error struct {
	Kind     error
	Job      string
	Location *models.TrackedLocation // nil for cycle-level failures
	Err      error
}

func (e *Error) Error() string {
	if e.Location != nil {
		return fmt.Sprintf("%s refresh: %v for location %d: %v", e.Job, e.Kind, e.Location.LocationID, e.Err)
	}
	return fmt.Sprintf("%s refresh: %v: %v", e.Job, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Store is what a cycle needs from the durable store.
type Store interface {
	TrackedLocations(ctx context.Context) ([]models.TrackedLocation, error)
	BeginTx(ctx context.Context) (store.Tx, error)
}

// Job is the per-record-type half of a cycle.
type Job[R any] interface {
	Name() string
	Fetch(ctx context.Context, loc models.TrackedLocation) ([]R, error)
	Put(ctx context.Context, tx store.Tx, rec R) error
}

// Result summarizes a committed cycle.
type Result struct {
	Locations int
	Rows      int
}

// Refresher runs cycles of one Job.
type Refresher[R any] struct {
	store  Store
	job    Job[R]
	logger *zap.Logger
}

func New[R any](st Store, job Job[R], logger *zap.Logger) *Refresher[R] {
	return &Refresher[R]{
		store:  st,
		job:    job,
		logger: observability.Component(logger, "refresher").With(zap.String("job", job.Name())),
	}
}

// Name returns the job name.
func (r *Refresher[R]) Name() string {
	return r.job.Name()
}

// Run executes one cycle. Locations are processed in id order; the first
// failure abandons the cycle and nothing from it is persisted. All fetches
// complete before the transaction opens, so it covers only the upsert phase.
func (r *Refresher[R]) Run(ctx context.Context) error {
	start := time.Now()
	res, err := r.run(ctx)
	observability.RecordRefreshCycle(r.job.Name(), res.Rows, time.Since(start).Seconds(), err)
	if err != nil {
		r.logFailure(err)
		return err
	}
	observability.RefreshLastSuccessTimestamp.WithLabelValues(r.job.Name()).SetToCurrentTime()
	r.logger.Info("refresh cycle committed",
		zap.Int("locations", res.Locations),
		zap.Int("rows", res.Rows),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (r *Refresher[R]) run(ctx context.Context) (Result, error) {
	tracked, err := r.store.TrackedLocations(ctx)
	if err != nil {
		return Result{}, r.fail(ErrEnumerationFailed, nil, err)
	}
	if len(tracked) == 0 {
		return Result{}, nil
	}

	// Provider calls happen before the transaction opens; it spans only the upserts.
	batches := make([][]R, len(tracked))
	for i := range tracked {
		recs, err := r.job.Fetch(ctx, tracked[i])
		if err != nil {
			return Result{}, r.fail(ErrFetchFailed, &tracked[i], err)
		}
		batches[i] = recs
	}

	// Commit and rollback must not be cut short by shutdown.
	txCtx := context.WithoutCancel(ctx)
	tx, err := r.store.BeginTx(txCtx)
	if err != nil {
		return Result{}, r.fail(ErrBeginFailed, nil, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil {
			r.logger.Error("rollback failed", zap.Error(err))
		}
	}()

	var res Result
	for i, recs := range batches {
		for _, rec := range recs {
			if err := r.job.Put(txCtx, tx, rec); err != nil {
				return Result{}, r.fail(ErrUpsertFailed, &tracked[i], err)
			}
		}
		res.Locations++
		res.Rows += len(recs)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, r.fail(ErrCommitFailed, nil, err)
	}
	committed = true
	return res, nil
}

func (r *Refresher[R]) fail(kind error, loc *models.TrackedLocation, err error) *Error {
	return &Error{Kind: kind, Job: r.job.Name(), Location: loc, Err: err}
}

func (r *Refresher[R]) logFailure(err error) {
	fields := []zap.Field{zap.Error(err)}
	var re *Error
	if errors.As(err, &re) {
		fields = append(fields, zap.String("kind", re.Kind.Error()))
		if re.Location != nil {
			fields = append(fields,
				zap.Int64("location_id", re.Location.LocationID),
				zap.Float64("latitude", re.Location.Latitude),
				zap.Float64("longitude", re.Location.Longitude))
		}
	}
	r.logger.Error("refresh cycle failed, transaction rolled back", fields...)
}
