// Package apis wires a model, its datasets and an experiment config into a
// runner and trains it. TrainDetector and TrainCaptioner differ only in the
// batch processor, the hook order and the extra hooks a captioner needs.
package apis

import (
	"context"
	"log/slog"
	"os"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/hooks"
	"github.com/yizhe-ang/MMSceneGraph/logging"
	"github.com/yizhe-ang/MMSceneGraph/losses"
	"github.com/yizhe-ang/MMSceneGraph/nn"
	"github.com/yizhe-ang/MMSceneGraph/optimizer"
	"github.com/yizhe-ang/MMSceneGraph/parallel"
	"github.com/yizhe-ang/MMSceneGraph/runner"
	"github.com/yizhe-ang/MMSceneGraph/seed"
)

// ExitCode is passed to the exit function when a loss goes non-finite
const ExitCode = 1

// ErrNonFiniteLoss is returned by the detector batch processor when the exit
// function it was given returns instead of terminating
var ErrNonFiniteLoss = errors.New("non-finite loss")

// DatasetBuilder creates the dataset of a config section. split is "val" or
// "test"; evaluation datasets are always built in test mode.
type DatasetBuilder func(cfg config.DatasetConfig, split string) (data.Dataset, error)

// Options are the driver inputs that do not come from the experiment file
type Options struct {
	Distributed  bool
	Validate     bool
	ValidateTest bool
	Timestamp    string
	Meta         map[string]string

	// Collective is this rank's process group; dist.Local() when nil
	Collective dist.Collective
	// Device is the device a distributed replica is placed on
	Device int
	// BuildDataset creates the val/test datasets when evaluation is on
	BuildDataset DatasetBuilder
	// Seeds drive non-distributed shuffling when set
	Seeds  *seed.Sources
	Logger *slog.Logger
	// Exit terminates the process on a non-finite loss; os.Exit when nil
	Exit func(code int)
}

func (o *Options) collective() dist.Collective {
	if o.Collective == nil {
		return dist.Local()
	}
	return o.Collective
}

func (o *Options) exit() func(int) {
	if o.Exit == nil {
		return os.Exit
	}
	return o.Exit
}

// BatchProcessor runs a detector on one batch. A non-finite total loss is
// fatal: the batch's source files are logged and exit is called.
func BatchProcessor(coll dist.Collective, logger *slog.Logger, exit func(int)) runner.BatchProcessor {
	logger = logging.OrDiscard(logger)
	return func(ctx context.Context, model nn.Model, batch nn.Batch, _ bool) (*runner.Outputs, error) {
		total, logVars, err := forward(ctx, model, batch, coll)
		if err != nil {
			return nil, err
		}
		if !total.IsFinite() {
			logger.Error("loss is not finite", "loss", total.Value, "files", data.Filenames(batch))
			exit(ExitCode)
			return nil, errors.Wrapf(ErrNonFiniteLoss, "loss %v", total.Value)
		}
		return &runner.Outputs{Loss: total, LogVars: logVars, NumSamples: data.NumSamples(batch, "img")}, nil
	}
}

// CaptionBatchProcessor runs a captioner on one batch. Samples are counted
// on img_meta and the loss is not checked.
func CaptionBatchProcessor(coll dist.Collective) runner.BatchProcessor {
	return func(ctx context.Context, model nn.Model, batch nn.Batch, _ bool) (*runner.Outputs, error) {
		total, logVars, err := forward(ctx, model, batch, coll)
		if err != nil {
			return nil, err
		}
		return &runner.Outputs{Loss: total, LogVars: logVars, NumSamples: data.NumSamples(batch, data.MetaKey)}, nil
	}
}

func forward(ctx context.Context, model nn.Model, batch nn.Batch, coll dist.Collective) (*losses.Total, *losses.LogVars, error) {
	raw, err := model.Forward(ctx, batch)
	if err != nil {
		return nil, nil, errors.Wrap(err, "forward failed")
	}
	return losses.Parse(ctx, raw, coll)
}

type variant struct {
	caption bool
}

// TrainDetector trains model on datasets, one per workflow stage
func TrainDetector(ctx context.Context, model nn.Model, datasets []data.Dataset, cfg *config.Experiment, opts Options) error {
	return train(ctx, model, datasets, cfg, opts, variant{})
}

// TrainCaptioner trains a captioning model. The optimizer hook runs before
// the lr hook, a sampling schedule hook drives the teacher-forcing ratio and
// ValidateTest adds an evaluation on the test split.
func TrainCaptioner(ctx context.Context, model nn.Model, datasets []data.Dataset, cfg *config.Experiment, opts Options) error {
	return train(ctx, model, datasets, cfg, opts, variant{caption: true})
}

func train(ctx context.Context, model nn.Model, datasets []data.Dataset, cfg *config.Experiment, opts Options, v variant) error {
	if cfg == nil {
		return errors.New("experiment config is required")
	}
	coll := opts.collective()
	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, _, err = logging.GetRootLogger(cfg.LogLevel, "", coll.Rank()); err != nil {
			return err
		}
	}

	loaders, err := buildLoaders(datasets, cfg, opts, coll)
	if err != nil {
		return err
	}

	// frozen modules must be switched off before the model is wrapped
	opt, err := optimizer.Build(model, cfg.Optimizer)
	if err != nil {
		return err
	}
	wrapped, err := wrap(ctx, model, cfg, opts, coll)
	if err != nil {
		return err
	}

	bp := BatchProcessor(coll, logger, opts.exit())
	if v.caption {
		bp = CaptionBatchProcessor(coll)
	}
	r, err := runner.New(wrapped, bp, opt, cfg.WorkDir, logger, opts.Meta,
		runner.WithCollective(coll), runner.WithTimestamp(opts.Timestamp))
	if err != nil {
		return err
	}

	optHook, err := hooks.BuildOptimizerHook(cfg.OptimizerConfig, cfg.Fp16)
	if err != nil {
		return err
	}
	lrHook, err := hooks.BuildLrUpdaterHook(cfg.LRConfig, opt)
	if err != nil {
		return err
	}
	lrFirst := cfg.LROrderFirst()
	if v.caption {
		lrFirst = false
	}
	if err := hooks.RegisterTrainingHooks(r, lrHook, optHook, cfg.CheckpointConfig, &cfg.LogConfig, lrFirst); err != nil {
		return err
	}
	if opts.Distributed {
		r.RegisterHook(hooks.DistSamplerSeedHook{}, runner.PriorityNormal)
	}
	if v.caption {
		if cfg.SamplingSchedule == nil {
			return errors.New("captioner needs a sampling_schedule_config")
		}
		r.RegisterHook(hooks.NewSamplingScheduleHook(*cfg.SamplingSchedule), runner.PriorityNormal)
	}

	if opts.Validate {
		if err := registerEval(r, cfg, cfg.Data.Val, "val", opts, v); err != nil {
			return err
		}
	}
	if v.caption && opts.ValidateTest {
		if err := registerEval(r, cfg, cfg.Data.Test, "test", opts, v); err != nil {
			return err
		}
	}

	if err := restore(r, cfg); err != nil {
		return err
	}
	return r.Run(ctx, loaders, cfg.Workflow, cfg.TotalEpochs)
}

func buildLoaders(datasets []data.Dataset, cfg *config.Experiment, opts Options, coll dist.Collective) ([]*data.Loader, error) {
	if len(datasets) != len(cfg.Workflow) {
		return nil, errors.Errorf("got %d datasets for %d workflow stages", len(datasets), len(cfg.Workflow))
	}
	loaders := make([]*data.Loader, len(datasets))
	for i, ds := range datasets {
		lo := data.LoaderOptions{
			Dist:      opts.Distributed,
			Shuffle:   true,
			Seed:      cfg.SeedValue(),
			Rank:      coll.Rank(),
			WorldSize: coll.WorldSize(),
		}
		if opts.Seeds != nil {
			lo.Rand = opts.Seeds.General()
		}
		l, err := data.BuildDataloader(ds, cfg.Data.ImgsPerGPU, cfg.Data.WorkersPerGPU, len(cfg.GPUIDs), lo)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build data loader %d", i)
		}
		loaders[i] = l
	}
	return loaders, nil
}

func wrap(ctx context.Context, model nn.Model, cfg *config.Experiment, opts Options, coll dist.Collective) (nn.Model, error) {
	if opts.Distributed {
		ddp, err := parallel.NewDistributedDataParallel(ctx, model, coll, opts.Device, parallel.DDPConfig{
			BroadcastBuffers:     false,
			FindUnusedParameters: cfg.FindUnusedParameters,
		})
		if err != nil {
			return nil, err
		}
		return ddp, nil
	}
	dp, err := parallel.NewDataParallel(model, cfg.GPUIDs)
	if err != nil {
		return nil, err
	}
	return dp, nil
}

func registerEval(r *runner.Runner, cfg *config.Experiment, dsCfg *config.DatasetConfig, split string, opts Options, v variant) error {
	if dsCfg == nil {
		return errors.Errorf("evaluation needs a data.%s section", split)
	}
	if opts.BuildDataset == nil {
		return errors.New("evaluation needs a dataset builder")
	}
	ds, err := opts.BuildDataset(*dsCfg, split)
	if err != nil {
		return errors.Wrapf(err, "failed to build %s dataset", split)
	}
	var evalCfg config.EvaluationConfig
	if cfg.Evaluation != nil {
		evalCfg = *cfg.Evaluation
	}
	h, err := hooks.NewEvalHook(ds, evalCfg, hooks.EvalOptions{
		Dist:    opts.Distributed,
		Caption: v.caption,
		Split:   split,
		Workers: cfg.Data.WorkersPerGPU,
	})
	if err != nil {
		return err
	}
	r.RegisterHook(h, runner.PriorityNormal)
	return nil
}

// restore resumes from resume_from, or else loads load_from and then every
// load_seqs entry through the same rename table
func restore(r *runner.Runner, cfg *config.Experiment) error {
	if cfg.ResumeFrom != "" {
		ro := runner.DefaultResumeOptions()
		if cfg.ResumeConfig != nil && cfg.ResumeConfig.ResumeOptimizer != nil {
			ro.ResumeOptimizer = *cfg.ResumeConfig.ResumeOptimizer
		}
		return r.Resume(cfg.ResumeFrom, ro)
	}
	if cfg.LoadFrom == "" {
		return nil
	}
	align := cfg.AlignDict()
	if _, err := r.LoadCheckpoint(cfg.LoadFrom, align); err != nil {
		return err
	}
	for _, seq := range cfg.LoadSeqs {
		if _, err := r.LoadCheckpoint(seq, align); err != nil {
			return err
		}
	}
	return nil
}
