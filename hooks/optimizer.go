package hooks

import (
	"context"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/nn"
	"github.com/yizhe-ang/MMSceneGraph/optimizer"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// gradientSyncer is implemented by wrappers that average gradients across
// workers after backward
type gradientSyncer interface {
	SyncGradients(ctx context.Context) error
}

// OptimizerHook performs the update after each training iteration: zero
// gradients, back-propagate the total loss, sync across workers, clip and
// step.
type OptimizerHook struct {
	runner.BaseHook

	// GradClip bounds the gradient norm when set
	GradClip *config.GradClipConfig
}

func (h *OptimizerHook) Name() string { return "OptimizerHook" }

func (h *OptimizerHook) AfterIter(ctx context.Context, r *runner.Runner) error {
	if r.Mode() != runner.ModeTrain {
		return nil
	}
	loss, opt, err := stepInputs(r)
	if err != nil {
		return err
	}
	opt.ZeroGrad()
	if err := loss.Backward(1); err != nil {
		return err
	}
	if err := syncGradients(ctx, r); err != nil {
		return err
	}
	clipGrads(r, opt, h.GradClip)
	return opt.Step()
}

func stepInputs(r *runner.Runner) (lossBackward, optimizer.Optimizer, error) {
	opt := r.Optimizer()
	if opt == nil {
		return nil, nil, errors.New("optimizer hook needs an optimizer")
	}
	out := r.Outputs()
	if out == nil || out.Loss == nil {
		return nil, nil, errors.New("batch processor produced no loss to optimize")
	}
	return out.Loss, opt, nil
}

type lossBackward interface {
	Backward(scale float64) error
}

func syncGradients(ctx context.Context, r *runner.Runner) error {
	if s, ok := r.Model().(gradientSyncer); ok {
		return errors.Wrap(s.SyncGradients(ctx), "gradient sync failed")
	}
	return nil
}

func gradParams(opt optimizer.Optimizer) []*nn.Parameter {
	var out []*nn.Parameter
	for _, g := range opt.ParamGroups() {
		for _, p := range g.Params {
			if p.RequiresGrad && p.Grad != nil {
				out = append(out, p)
			}
		}
	}
	return out
}

func clipGrads(r *runner.Runner, opt optimizer.Optimizer, clip *config.GradClipConfig) {
	if clip == nil || clip.MaxNorm <= 0 {
		return
	}
	params := gradParams(opt)
	if len(params) == 0 {
		return
	}
	normType := clip.NormType
	if normType == 0 {
		normType = 2
	}
	norm := optimizer.ClipGradNorm(params, clip.MaxNorm, normType)
	r.LogBuffer.Record("grad_norm", norm, 1)
}

// Loss scale defaults for dynamic scaling
const (
	DefaultInitLossScale = 1 << 32
	DefaultScaleFactor   = 2.0
	DefaultScaleWindow   = 1000
)

// LossScaler holds the loss scale of mixed precision training. A static
// scaler never changes; a dynamic one halves on overflow and doubles after
// ScaleWindow clean steps.
type LossScaler struct {
	Scale       float64
	Dynamic     bool
	Factor      float64
	ScaleWindow int

	lastOverflow int
	iter         int
}

// NewLossScaler parses a loss_scale value: a positive number or "dynamic"
func NewLossScaler(lossScale string) (*LossScaler, error) {
	if lossScale == "dynamic" {
		return &LossScaler{
			Scale:        DefaultInitLossScale,
			Dynamic:      true,
			Factor:       DefaultScaleFactor,
			ScaleWindow:  DefaultScaleWindow,
			lastOverflow: -1,
		}, nil
	}
	if lossScale == "" {
		return &LossScaler{Scale: 512}, nil
	}
	v, err := strconv.ParseFloat(lossScale, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) {
		return nil, errors.Errorf("loss_scale must be a positive number or \"dynamic\", got %q", lossScale)
	}
	return &LossScaler{Scale: v}, nil
}

// HasOverflow reports whether any gradient is not finite
func (s *LossScaler) HasOverflow(params []*nn.Parameter) bool {
	for _, p := range params {
		for _, g := range p.Grad {
			if !nn.IsFinite(g) {
				return true
			}
		}
	}
	return false
}

// Update adjusts the scale after a step
func (s *LossScaler) Update(overflow bool) {
	if !s.Dynamic {
		return
	}
	if overflow {
		s.Scale = math.Max(s.Scale/s.Factor, 1)
		s.lastOverflow = s.iter
	} else if (s.iter-s.lastOverflow)%s.ScaleWindow == 0 {
		s.Scale *= s.Factor
	}
	s.iter++
}

// Fp16OptimizerHook is OptimizerHook with loss scaling. The loss is scaled
// before backward and the gradients unscaled before clipping; a step whose
// gradients overflowed is skipped.
type Fp16OptimizerHook struct {
	runner.BaseHook

	GradClip *config.GradClipConfig
	Scaler   *LossScaler
}

// NewFp16OptimizerHook builds the hook from the fp16 section
func NewFp16OptimizerHook(clip *config.GradClipConfig, fp16 config.Fp16Config) (*Fp16OptimizerHook, error) {
	scaler, err := NewLossScaler(fp16.LossScale)
	if err != nil {
		return nil, err
	}
	return &Fp16OptimizerHook{GradClip: clip, Scaler: scaler}, nil
}

func (h *Fp16OptimizerHook) Name() string { return "Fp16OptimizerHook" }

func (h *Fp16OptimizerHook) AfterIter(ctx context.Context, r *runner.Runner) error {
	if r.Mode() != runner.ModeTrain {
		return nil
	}
	loss, opt, err := stepInputs(r)
	if err != nil {
		return err
	}
	opt.ZeroGrad()
	scale := h.Scaler.Scale
	if err := loss.Backward(scale); err != nil {
		return err
	}
	if err := syncGradients(ctx, r); err != nil {
		return err
	}

	params := gradParams(opt)
	overflow := h.Scaler.HasOverflow(params)
	if !overflow {
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] /= scale
			}
		}
		clipGrads(r, opt, h.GradClip)
		if err := opt.Step(); err != nil {
			return err
		}
	} else {
		r.Logger().Warn("gradient overflow, skipping step", "loss_scale", scale)
	}
	h.Scaler.Update(overflow)
	r.LogBuffer.Record("loss_scale", h.Scaler.Scale, 1)
	return nil
}

// BuildOptimizerHook returns the fp16 variant when fp16 is configured
func BuildOptimizerHook(cfg config.OptimizerHookConfig, fp16 *config.Fp16Config) (runner.Hook, error) {
	if fp16 != nil {
		return NewFp16OptimizerHook(cfg.GradClip, *fp16)
	}
	return &OptimizerHook{GradClip: cfg.GradClip}, nil
}
