package hooks

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/optimizer"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// NoamLrUpdaterHook is the transformer schedule
//
//	lr = factor * model_size^-0.5 * min(step^-0.5, step * warmup^-1.5)
//
// It counts optimizer steps itself and is bound to one optimizer. The rate
// is updated after every training iteration.
type NoamLrUpdaterHook struct {
	runner.BaseHook

	ModelSize int
	Factor    float64
	Warmup    int

	opt  optimizer.Optimizer
	step int
}

// NewNoamLrUpdaterHook binds the schedule to opt
func NewNoamLrUpdaterHook(opt optimizer.Optimizer, cfg config.LRConfig) (*NoamLrUpdaterHook, error) {
	if opt == nil {
		return nil, errors.New("noam schedule needs an optimizer")
	}
	if cfg.ModelSize <= 0 {
		return nil, errors.New("noam schedule needs a positive model_size")
	}
	if cfg.WarmupIters <= 0 {
		return nil, errors.New("noam schedule needs positive warmup_iters")
	}
	factor := cfg.Factor
	if factor == 0 {
		factor = 1
	}
	return &NoamLrUpdaterHook{ModelSize: cfg.ModelSize, Factor: factor, Warmup: cfg.WarmupIters, opt: opt}, nil
}

func (h *NoamLrUpdaterHook) Name() string { return "NoamLrUpdaterHook" }

// Rate is the learning rate at step (1-based)
func (h *NoamLrUpdaterHook) Rate(step int) float64 {
	s := float64(step)
	return h.Factor * math.Pow(float64(h.ModelSize), -0.5) *
		math.Min(math.Pow(s, -0.5), s*math.Pow(float64(h.Warmup), -1.5))
}

// Step is the number of updates the schedule has seen
func (h *NoamLrUpdaterHook) Step() int { return h.step }

// BeforeRun picks the count up from a resumed runner
func (h *NoamLrUpdaterHook) BeforeRun(_ context.Context, r *runner.Runner) error {
	h.step = r.Iter()
	if h.step > 0 {
		h.opt.UpdateLearningRate(h.Rate(h.step))
	}
	return nil
}

func (h *NoamLrUpdaterHook) AfterIter(_ context.Context, r *runner.Runner) error {
	if r.Mode() != runner.ModeTrain {
		return nil
	}
	h.step++
	h.opt.UpdateLearningRate(h.Rate(h.step))
	return nil
}

// BuildLrUpdaterHook turns lr_config into a hook. The noam policy becomes a
// stateful schedule bound to opt; every other policy is declarative.
func BuildLrUpdaterHook(cfg config.LRConfig, opt optimizer.Optimizer) (runner.Hook, error) {
	if cfg.Policy == "noam" {
		return NewNoamLrUpdaterHook(opt, cfg)
	}
	return NewLrUpdaterHook(cfg)
}
