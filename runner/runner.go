// Package runner owns the epoch loop. It drives a BatchProcessor over the
// workflow's data loaders and calls the registered hooks around every run,
// epoch and iteration; everything else (lr schedule, optimizer step,
// checkpoints, logging, evaluation) lives in hooks.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/logging"
	"github.com/yizhe-ang/MMSceneGraph/losses"
	"github.com/yizhe-ang/MMSceneGraph/nn"
	"github.com/yizhe-ang/MMSceneGraph/optimizer"
)

// Mode is the phase the runner is in
type Mode string

const (
	ModeTrain Mode = "train"
	ModeVal   Mode = "val"
)

// TimestampLayout formats run timestamps; log files are named after them
const TimestampLayout = "20060102_150405"

// Outputs is what a BatchProcessor returns for one batch
type Outputs struct {
	Loss       *losses.Total
	LogVars    *losses.LogVars
	NumSamples int
}

// BatchProcessor runs the model on one batch. train is false during val
// phases, where no gradient may be produced.
type BatchProcessor func(ctx context.Context, model nn.Model, batch nn.Batch, train bool) (*Outputs, error)

// Runner drives training
type Runner struct {
	model          nn.Model
	batchProcessor BatchProcessor
	optimizer      optimizer.Optimizer
	workDir        string
	logger         *slog.Logger
	meta           map[string]string
	coll           dist.Collective
	runID          string
	timestamp      string

	hooks []registered

	// LogBuffer collects log vars between log lines
	LogBuffer *LogBuffer

	mode       Mode
	epoch      int
	iter       int
	innerIter  int
	maxEpochs  int
	maxIters   int
	outputs    *Outputs
	dataLoader *data.Loader
}

// Option tweaks a Runner at construction
type Option func(*Runner)

// WithCollective sets the process group; rank and world size come from it
func WithCollective(c dist.Collective) Option {
	return func(r *Runner) { r.coll = c }
}

// WithTimestamp fixes the run timestamp so that log files written elsewhere
// share the name of the runner's json log
func WithTimestamp(ts string) Option {
	return func(r *Runner) {
		if ts != "" {
			r.timestamp = ts
		}
	}
}

// New creates a runner. meta is stored in every checkpoint; its "config"
// entry becomes the checkpoint's config text.
func New(model nn.Model, bp BatchProcessor, opt optimizer.Optimizer, workDir string, logger *slog.Logger, meta map[string]string, opts ...Option) (*Runner, error) {
	if model == nil {
		return nil, errors.New("runner needs a model")
	}
	if bp == nil {
		return nil, errors.New("runner needs a batch processor")
	}
	r := &Runner{
		model:          model,
		batchProcessor: bp,
		optimizer:      opt,
		workDir:        workDir,
		logger:         logging.With(logger, logging.Runner),
		meta:           meta,
		coll:           dist.Local(),
		runID:          uuid.NewString(),
		timestamp:      time.Now().Format(TimestampLayout),
		LogBuffer:      NewLogBuffer(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Runner) Model() nn.Model                { return r.model }
func (r *Runner) Optimizer() optimizer.Optimizer { return r.optimizer }
func (r *Runner) WorkDir() string                { return r.workDir }
func (r *Runner) Logger() *slog.Logger           { return r.logger }
func (r *Runner) Meta() map[string]string        { return r.meta }
func (r *Runner) Collective() dist.Collective    { return r.coll }
func (r *Runner) Rank() int                      { return r.coll.Rank() }
func (r *Runner) WorldSize() int                 { return r.coll.WorldSize() }
func (r *Runner) RunID() string                  { return r.runID }
func (r *Runner) Timestamp() string              { return r.timestamp }
func (r *Runner) Mode() Mode                     { return r.mode }
func (r *Runner) Epoch() int                     { return r.epoch }
func (r *Runner) Iter() int                      { return r.iter }
func (r *Runner) InnerIter() int                 { return r.innerIter }
func (r *Runner) MaxEpochs() int                 { return r.maxEpochs }
func (r *Runner) MaxIters() int                  { return r.maxIters }
func (r *Runner) Outputs() *Outputs              { return r.outputs }
func (r *Runner) DataLoader() *data.Loader       { return r.dataLoader }

// ModelName is the type name of the innermost model
func (r *Runner) ModelName() string {
	return fmt.Sprintf("%T", nn.Unwrap(r.model))
}

// CurrentLR lists the learning rate of every optimizer group
func (r *Runner) CurrentLR() []float64 {
	if r.optimizer == nil {
		return nil
	}
	groups := r.optimizer.ParamGroups()
	out := make([]float64, len(groups))
	for i, g := range groups {
		out[i] = g.LR
	}
	return out
}

// Run executes the workflow until maxEpochs train epochs have completed.
// loaders[i] feeds workflow[i]. The stages are cycled; a train stage that
// would exceed the budget ends the run without running the rest of the cycle.
func (r *Runner) Run(ctx context.Context, loaders []*data.Loader, workflow []config.WorkflowStage, maxEpochs int) error {
	if len(loaders) != len(workflow) {
		return errors.Errorf("got %d data loaders for %d workflow stages", len(loaders), len(workflow))
	}
	if maxEpochs <= 0 {
		return errors.Errorf("max epochs must be positive, got %d", maxEpochs)
	}
	hasTrain := false
	for i, stage := range workflow {
		switch Mode(stage.Mode) {
		case ModeTrain:
			hasTrain = true
			r.maxIters = maxEpochs * loaders[i].Len()
		case ModeVal:
		default:
			return errors.Errorf("unknown workflow mode %q", stage.Mode)
		}
		if stage.Epochs <= 0 {
			return errors.Errorf("workflow stage %d needs a positive epoch count", i)
		}
	}
	if !hasTrain {
		return errors.New("workflow has no train stage")
	}
	r.maxEpochs = maxEpochs

	r.logger.Info("start running", "work_dir", r.workDir, "workflow", workflowString(workflow), "max_epochs", maxEpochs)
	if err := r.callHook("before_run", func(h Hook) error { return h.BeforeRun(ctx, r) }); err != nil {
		return err
	}

cycle:
	for r.epoch < maxEpochs {
		for i, stage := range workflow {
			for n := 0; n < stage.Epochs; n++ {
				// later stages of the cycle are skipped once the budget is spent
				if Mode(stage.Mode) == ModeTrain && r.epoch >= maxEpochs {
					break cycle
				}
				var err error
				if Mode(stage.Mode) == ModeTrain {
					err = r.train(ctx, loaders[i])
				} else {
					err = r.val(ctx, loaders[i])
				}
				if err != nil {
					return err
				}
			}
		}
	}

	return r.callHook("after_run", func(h Hook) error { return h.AfterRun(ctx, r) })
}

func (r *Runner) train(ctx context.Context, loader *data.Loader) error {
	r.model.SetTrain(true)
	r.mode = ModeTrain
	r.dataLoader = loader
	r.maxIters = r.maxEpochs * loader.Len()

	if err := r.callHook("before_train_epoch", func(h Hook) error { return h.BeforeEpoch(ctx, r) }); err != nil {
		return err
	}
	err := r.each(ctx, loader, func(batch nn.Batch) error {
		if err := r.callHook("before_train_iter", func(h Hook) error { return h.BeforeIter(ctx, r) }); err != nil {
			return err
		}
		out, err := r.batchProcessor(ctx, r.model, batch, true)
		if err != nil {
			return errors.Wrapf(err, "batch processor failed at epoch %d iter %d", r.epoch+1, r.innerIter+1)
		}
		if out == nil {
			return errors.New("batch processor returned no outputs")
		}
		r.LogBuffer.Update(out.LogVars, out.NumSamples)
		r.outputs = out
		if err := r.callHook("after_train_iter", func(h Hook) error { return h.AfterIter(ctx, r) }); err != nil {
			return err
		}
		r.iter++
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.callHook("after_train_epoch", func(h Hook) error { return h.AfterEpoch(ctx, r) }); err != nil {
		return err
	}
	r.epoch++
	return nil
}

func (r *Runner) val(ctx context.Context, loader *data.Loader) error {
	r.model.SetTrain(false)
	r.mode = ModeVal
	r.dataLoader = loader

	if err := r.callHook("before_val_epoch", func(h Hook) error { return h.BeforeEpoch(ctx, r) }); err != nil {
		return err
	}
	err := r.each(ctx, loader, func(batch nn.Batch) error {
		if err := r.callHook("before_val_iter", func(h Hook) error { return h.BeforeIter(ctx, r) }); err != nil {
			return err
		}
		out, err := r.batchProcessor(ctx, r.model, batch, false)
		if err != nil {
			return errors.Wrapf(err, "batch processor failed in val at iter %d", r.innerIter+1)
		}
		if out == nil {
			return errors.New("batch processor returned no outputs")
		}
		r.LogBuffer.Update(out.LogVars, out.NumSamples)
		r.outputs = out
		return r.callHook("after_val_iter", func(h Hook) error { return h.AfterIter(ctx, r) })
	})
	if err != nil {
		return err
	}
	return r.callHook("after_val_epoch", func(h Hook) error { return h.AfterEpoch(ctx, r) })
}

// each feeds every batch of loader to fn, tracking the inner iteration
func (r *Runner) each(ctx context.Context, loader *data.Loader, fn func(nn.Batch) error) error {
	it := loader.Iter(ctx)
	defer it.Close()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to load batch")
		}
		r.innerIter = i
		if err := fn(batch); err != nil {
			return err
		}
	}
}

func workflowString(workflow []config.WorkflowStage) string {
	s := ""
	for i, stage := range workflow {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s:%d", stage.Mode, stage.Epochs)
	}
	return s
}
