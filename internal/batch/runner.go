// Package batch upgrades every model object under a storage prefix. Objects
// are processed in parallel, each outcome is written to the ledger, and the
// run is summarized by per-version statistics.
package batch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/modelup/modelup/internal/config"
	"github.com/modelup/modelup/internal/container"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/ledger"
	"github.com/modelup/modelup/internal/observability"
	"github.com/modelup/modelup/internal/pipeline"
	"github.com/modelup/modelup/internal/storage"
)

// Outcome is the result of upgrading one object.
type Outcome struct {
	Key       string
	OutputKey string
	Status    ledger.Status
	Result    *pipeline.Result
	Err       error
}

// Report is the result of a batch run.
type Report struct {
	RunID    string
	Target   int
	Outcomes []Outcome
	Summary  observability.Summary
	Duration time.Duration
}

// Err aggregates the failures of the run, or returns nil when every object
// was upgraded or skipped.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			result = multierror.Append(result, &ObjectError{Key: o.Key, Err: o.Err})
		}
	}
	return result.ErrorOrNil()
}

// ObjectError ties a failure to the object that caused it.
type ObjectError struct {
	Key string
	Err error
}

func (e *ObjectError) Error() string { return e.Key + ": " + e.Err.Error() }

func (e *ObjectError) Unwrap() error { return e.Err }

// Runner upgrades objects from one storage backend.
type Runner struct {
	store       storage.ObjectStorage
	pipe        *pipeline.Pipeline
	ledger      *ledger.Ledger
	logger      *zap.Logger
	cfg         config.BatchConfig
	target      int
	compression config.Compression
}

// Option configures a Runner.
type Option func(*Runner)

// WithLedger records every outcome in l and enables skipping inputs that
// were already upgraded.
func WithLedger(l *ledger.Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTarget sets the target version; pipeline.LatestVersion is the default.
func WithTarget(version int) Option {
	return func(r *Runner) { r.target = version }
}

// WithCompression sets the container written around outputs. An empty
// compression keeps the container the input was stored in.
func WithCompression(c config.Compression) Option {
	return func(r *Runner) { r.compression = c }
}

// NewRunner creates a batch runner.
func NewRunner(store storage.ObjectStorage, pipe *pipeline.Pipeline, cfg config.BatchConfig, opts ...Option) *Runner {
	r := &Runner{
		store:  store,
		pipe:   pipe,
		logger: zap.NewNop(),
		cfg:    cfg,
		target: pipeline.LatestVersion,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.Concurrency <= 0 {
		r.cfg.Concurrency = 1
	}
	return r
}

// Run upgrades every object under prefix. Objects already under the output
// prefix are not inputs. The returned error is non-nil only when the run
// itself could not proceed or fail-fast stopped it; per-object failures are
// in the report.
func (r *Runner) Run(ctx context.Context, prefix string) (*Report, error) {
	start := time.Now()
	target := r.target
	if target == pipeline.LatestVersion {
		target = r.pipe.Catalog().Latest().Version
	}

	keys, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys = r.inputs(keys)

	report := &Report{Target: target}
	if r.ledger != nil {
		if report.RunID, err = r.ledger.StartRun(ctx, prefix, target); err != nil {
			return nil, err
		}
	}

	r.logger.Info("batch started",
		zap.String("run_id", report.RunID),
		zap.String("prefix", prefix),
		zap.Int("objects", len(keys)),
		zap.Int("target", target),
		zap.Int("concurrency", r.cfg.Concurrency))

	stats := observability.NewUpgradeStats()
	outcomes := make([]*Outcome, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, key := range keys {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			o := r.upgradeObject(gctx, report.RunID, key, target, stats)
			outcomes[i] = o
			if o.Err != nil && r.cfg.FailFast {
				return &ObjectError{Key: key, Err: o.Err}
			}
			if o.Err != nil && isRunFailure(o.Err) {
				return o.Err
			}
			return nil
		})
	}
	runErr := g.Wait()

	for _, o := range outcomes {
		if o != nil {
			report.Outcomes = append(report.Outcomes, *o)
		}
	}
	report.Summary = stats.Summary()
	report.Duration = time.Since(start)
	stats.Log(r.logger, "batch complete")

	if r.ledger != nil {
		// The run row is closed even when the batch was cut short.
		finishErr := r.ledger.FinishRun(context.WithoutCancel(ctx), report.RunID,
			report.Summary.Succeeded, report.Summary.Failed, report.Summary.Skipped)
		if finishErr != nil && runErr == nil {
			runErr = finishErr
		}
	}
	if runErr == nil {
		runErr = ctx.Err()
	}
	return report, runErr
}

// inputs drops keys that are outputs of an earlier run.
func (r *Runner) inputs(keys []string) []string {
	if r.cfg.OutputPrefix == "" {
		return keys
	}
	out := keys[:0]
	for _, k := range keys {
		if !strings.HasPrefix(k, r.cfg.OutputPrefix) {
			out = append(out, k)
		}
	}
	return out
}

// isRunFailure reports whether err stops the whole run rather than one
// object.
func isRunFailure(err error) bool {
	return errors.Is(err, errLedger)
}

var errLedger = errors.New("ledger write failed")

func (r *Runner) upgradeObject(ctx context.Context, runID, key string, target int, stats *observability.UpgradeStats) *Outcome {
	o := &Outcome{Key: key, OutputKey: r.cfg.OutputPrefix + key}
	rec := &ledger.Record{
		RunID:         runID,
		ObjectPath:    key,
		SourceVersion: -1,
		TargetVersion: target,
	}

	err := r.process(ctx, o, rec, target)
	switch {
	case err != nil:
		o.Status = ledger.StatusFailed
		o.OutputKey = ""
		rec.OutputPath = ""
		rec.ErrorCode = uperrors.GetCode(err)
		rec.ErrorMessage = err.Error()
		stats.RecordFailure(rec.SourceVersion, err)
		r.logger.Warn("object upgrade failed",
			zap.String("key", key),
			zap.String("code", rec.ErrorCode),
			zap.Error(err))
	case o.Status == ledger.StatusSkipped:
		stats.RecordSkip()
		r.logger.Debug("object already upgraded", zap.String("key", key))
	default:
		o.Status = ledger.StatusSucceeded
		stats.RecordSuccess(o.Result.SourceVersion, string(o.Result.Detection),
			rec.InputBytes, len(o.Result.Data), o.Result.Duration)
		r.logger.Debug("object upgraded",
			zap.String("key", key),
			zap.String("output", o.OutputKey),
			zap.Int("from", o.Result.SourceVersion),
			zap.Strings("steps", o.Result.Steps))
	}
	o.Err = err
	rec.Status = o.Status

	if r.ledger != nil && runID != "" {
		if lerr := r.ledger.Record(context.WithoutCancel(ctx), rec); lerr != nil {
			o.Err = errors.Join(errLedger, lerr)
		}
	}
	return o
}

func (r *Runner) process(ctx context.Context, o *Outcome, rec *ledger.Record, target int) error {
	data, err := r.store.Get(ctx, o.Key)
	if err != nil {
		return err
	}
	raw, stored, err := container.Unwrap(data)
	if err != nil {
		return err
	}
	rec.InputFingerprint = ledger.Fingerprint(raw)
	rec.InputBytes = len(raw)

	if r.cfg.SkipUpgraded && r.ledger != nil {
		prev, found, err := r.ledger.FindSucceeded(ctx, rec.InputFingerprint, target)
		if err != nil {
			return err
		}
		if found {
			o.Status = ledger.StatusSkipped
			o.OutputKey = prev.OutputPath
			rec.OutputPath = prev.OutputPath
			rec.SourceVersion = prev.SourceVersion
			return nil
		}
	}

	res, err := r.pipe.Upgrade(pipeline.Detect(raw), target)
	if err != nil {
		return err
	}
	o.Result = res
	rec.SourceVersion = res.SourceVersion
	rec.Detection = string(res.Detection)

	compression := r.compression
	if compression == "" {
		compression = stored
	}
	out, err := container.Wrap(res.Data, compression)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, o.OutputKey, out); err != nil {
		return err
	}
	rec.OutputPath = o.OutputKey
	rec.OutputFingerprint = ledger.Fingerprint(res.Data)
	rec.OutputBytes = len(res.Data)
	return nil
}
