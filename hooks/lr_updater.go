// Package hooks holds the runner hooks that make up a training run:
// learning rate schedules, the optimizer step, checkpointing, logging,
// evaluation and the sampler/sampling-schedule updates.
package hooks

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// GetLR is a pure function of the training progress.
type LRScheduler interface {
	// GetLR returns the learning rate at progress (epoch or iter) out of
	// maxProgress for a group that started at baseLR
	GetLR(progress, maxProgress int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// FixedLRScheduler keeps the base rate
type FixedLRScheduler struct{}

func (s *FixedLRScheduler) GetLR(_, _ int, baseLR float64) float64 { return baseLR }
func (s *FixedLRScheduler) GetName() string                        { return "fixed" }

// StepLRScheduler multiplies by Gamma every StepSize, or at each milestone
// when Milestones is set
type StepLRScheduler struct {
	StepSize   int
	Milestones []int
	Gamma      float64
}

func (s *StepLRScheduler) GetLR(progress, _ int, baseLR float64) float64 {
	if len(s.Milestones) == 0 {
		return baseLR * math.Pow(s.Gamma, float64(progress/s.StepSize))
	}
	exp := len(s.Milestones)
	for i, m := range s.Milestones {
		if progress < m {
			exp = i
			break
		}
	}
	return baseLR * math.Pow(s.Gamma, float64(exp))
}

func (s *StepLRScheduler) GetName() string { return "step" }

// ExpLRScheduler decays by Gamma every unit of progress
type ExpLRScheduler struct {
	Gamma float64
}

func (s *ExpLRScheduler) GetLR(progress, _ int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(progress))
}

func (s *ExpLRScheduler) GetName() string { return "exp" }

// PolyLRScheduler decays polynomially to MinLR at the end of training
type PolyLRScheduler struct {
	Power float64
	MinLR float64
}

func (s *PolyLRScheduler) GetLR(progress, maxProgress int, baseLR float64) float64 {
	coeff := math.Pow(1-float64(progress)/float64(maxProgress), s.Power)
	return (baseLR-s.MinLR)*coeff + s.MinLR
}

func (s *PolyLRScheduler) GetName() string { return "poly" }

// InvLRScheduler is baseLR * (1 + Gamma*progress)^-Power
type InvLRScheduler struct {
	Gamma float64
	Power float64
}

func (s *InvLRScheduler) GetLR(progress, _ int, baseLR float64) float64 {
	return baseLR * math.Pow(1+s.Gamma*float64(progress), -s.Power)
}

func (s *InvLRScheduler) GetName() string { return "inv" }

// CosineLRScheduler anneals from baseLR to TargetLR over the whole run
type CosineLRScheduler struct {
	TargetLR float64
}

func (s *CosineLRScheduler) GetLR(progress, maxProgress int, baseLR float64) float64 {
	return s.TargetLR + 0.5*(baseLR-s.TargetLR)*(1+math.Cos(math.Pi*float64(progress)/float64(maxProgress)))
}

func (s *CosineLRScheduler) GetName() string { return "cosine" }

// Warmup shapes the learning rate during the first iterations
type Warmup string

const (
	WarmupNone     Warmup = ""
	WarmupConstant Warmup = "constant"
	WarmupLinear   Warmup = "linear"
	WarmupExp      Warmup = "exp"
)

// LrUpdaterHook sets every group's learning rate from a scheduler. With
// ByEpoch the regular rate changes at epoch starts; otherwise every iter.
// Warmup always counts iterations.
type LrUpdaterHook struct {
	runner.BaseHook

	Scheduler   LRScheduler
	ByEpoch     bool
	Warmup      Warmup
	WarmupIters int
	WarmupRatio float64

	baseLR    []float64
	regularLR []float64
}

// NewLrUpdaterHook builds the hook for a non-noam lr_config
func NewLrUpdaterHook(cfg config.LRConfig) (*LrUpdaterHook, error) {
	sched, err := newScheduler(cfg)
	if err != nil {
		return nil, err
	}
	h := &LrUpdaterHook{
		Scheduler:   sched,
		ByEpoch:     cfg.ByEpoch == nil || *cfg.ByEpoch,
		Warmup:      Warmup(cfg.Warmup),
		WarmupIters: cfg.WarmupIters,
		WarmupRatio: cfg.WarmupRatio,
	}
	switch h.Warmup {
	case WarmupNone:
	case WarmupConstant, WarmupLinear, WarmupExp:
		if h.WarmupIters <= 0 {
			return nil, errors.New("warmup_iters must be positive when warmup is set")
		}
		if h.WarmupRatio == 0 {
			h.WarmupRatio = 0.1
		}
		if h.WarmupRatio <= 0 || h.WarmupRatio > 1 {
			return nil, errors.Errorf("warmup_ratio must be in (0, 1], got %g", h.WarmupRatio)
		}
	default:
		return nil, errors.Errorf("%q is not a supported warmup type", cfg.Warmup)
	}
	return h, nil
}

func newScheduler(cfg config.LRConfig) (LRScheduler, error) {
	switch cfg.Policy {
	case "fixed":
		return &FixedLRScheduler{}, nil
	case "step":
		s := &StepLRScheduler{Gamma: cfg.Gamma}
		if s.Gamma == 0 {
			s.Gamma = 0.1
		}
		switch v := cfg.Step.(type) {
		case int:
			s.StepSize = v
		case int64:
			s.StepSize = int(v)
		case float64:
			s.StepSize = int(v)
		case []int:
			s.Milestones = v
		case []any:
			for _, el := range v {
				n, ok := toInt(el)
				if !ok {
					return nil, errors.Errorf("step milestone %v is not an integer", el)
				}
				s.Milestones = append(s.Milestones, n)
			}
		default:
			return nil, errors.Errorf("step policy needs an int or a list for step, got %T", cfg.Step)
		}
		if len(s.Milestones) == 0 && s.StepSize <= 0 {
			return nil, errors.New("step policy needs a positive step")
		}
		return s, nil
	case "exp":
		if cfg.Gamma <= 0 {
			return nil, errors.New("exp policy needs gamma")
		}
		return &ExpLRScheduler{Gamma: cfg.Gamma}, nil
	case "poly":
		s := &PolyLRScheduler{Power: cfg.Power, MinLR: cfg.MinLR}
		if s.Power == 0 {
			s.Power = 1
		}
		return s, nil
	case "inv":
		if cfg.Gamma <= 0 {
			return nil, errors.New("inv policy needs gamma")
		}
		s := &InvLRScheduler{Gamma: cfg.Gamma, Power: cfg.Power}
		if s.Power == 0 {
			s.Power = 1
		}
		return s, nil
	case "cosine", "CosineAnealing", "CosineAnnealing":
		return &CosineLRScheduler{TargetLR: cfg.TargetLR}, nil
	}
	return nil, errors.Errorf("%q is not a supported lr policy", cfg.Policy)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == math.Trunc(n)
	}
	return 0, false
}

func (h *LrUpdaterHook) Name() string { return "LrUpdaterHook(" + h.Scheduler.GetName() + ")" }

// BeforeRun captures each group's initial learning rate
func (h *LrUpdaterHook) BeforeRun(_ context.Context, r *runner.Runner) error {
	groups := r.Optimizer().ParamGroups()
	h.baseLR = make([]float64, len(groups))
	for i, g := range groups {
		if g.InitialLR == 0 {
			g.InitialLR = g.LR
		}
		h.baseLR[i] = g.InitialLR
	}
	return nil
}

func (h *LrUpdaterHook) BeforeEpoch(_ context.Context, r *runner.Runner) error {
	if r.Mode() != runner.ModeTrain || !h.ByEpoch {
		return nil
	}
	h.regularLR = h.regular(r)
	h.set(r, h.regularLR)
	return nil
}

func (h *LrUpdaterHook) BeforeIter(_ context.Context, r *runner.Runner) error {
	if r.Mode() != runner.ModeTrain {
		return nil
	}
	cur := r.Iter()
	if !h.ByEpoch {
		h.regularLR = h.regular(r)
		if h.Warmup == WarmupNone || cur >= h.WarmupIters {
			h.set(r, h.regularLR)
		} else {
			h.set(r, h.warmupLR(cur))
		}
		return nil
	}
	switch {
	case h.Warmup == WarmupNone || cur > h.WarmupIters:
	case cur == h.WarmupIters:
		h.set(r, h.regularLR)
	default:
		h.set(r, h.warmupLR(cur))
	}
	return nil
}

func (h *LrUpdaterHook) regular(r *runner.Runner) []float64 {
	progress, total := r.Iter(), r.MaxIters()
	if h.ByEpoch {
		progress, total = r.Epoch(), r.MaxEpochs()
	}
	out := make([]float64, len(h.baseLR))
	for i, base := range h.baseLR {
		out[i] = h.Scheduler.GetLR(progress, total, base)
	}
	return out
}

func (h *LrUpdaterHook) warmupLR(cur int) []float64 {
	out := make([]float64, len(h.regularLR))
	frac := float64(cur) / float64(h.WarmupIters)
	for i, lr := range h.regularLR {
		switch h.Warmup {
		case WarmupConstant:
			out[i] = lr * h.WarmupRatio
		case WarmupLinear:
			k := (1 - frac) * (1 - h.WarmupRatio)
			out[i] = lr * (1 - k)
		case WarmupExp:
			out[i] = lr * math.Pow(h.WarmupRatio, 1-frac)
		}
	}
	return out
}

func (h *LrUpdaterHook) set(r *runner.Runner, lrs []float64) {
	for i, g := range r.Optimizer().ParamGroups() {
		if i < len(lrs) {
			g.LR = lrs[i]
		}
	}
}
