package hooks

import (
	"context"
	"math"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/nn"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// SamplingScheduleHook raises the scheduled-sampling probability of a
// captioner as training advances. Past Start the probability grows by
// IncreaseProb every IncreaseEvery epochs, capped at MaxProb.
type SamplingScheduleHook struct {
	runner.BaseHook
	config.SamplingScheduleConfig

	prob float64
}

func NewSamplingScheduleHook(cfg config.SamplingScheduleConfig) *SamplingScheduleHook {
	if cfg.IncreaseEvery <= 0 {
		cfg.IncreaseEvery = 1
	}
	return &SamplingScheduleHook{SamplingScheduleConfig: cfg}
}

func (h *SamplingScheduleHook) Name() string { return "SamplingScheduleHook" }

// Prob is the probability last applied
func (h *SamplingScheduleHook) Prob() float64 { return h.prob }

// ProbAt returns the probability for epoch
func (h *SamplingScheduleHook) ProbAt(epoch int) (float64, bool) {
	if h.Start < 0 || epoch <= h.Start {
		return 0, false
	}
	steps := (epoch - h.Start) / h.IncreaseEvery
	return math.Min(h.IncreaseProb*float64(steps), h.MaxProb), true
}

func (h *SamplingScheduleHook) BeforeEpoch(_ context.Context, r *runner.Runner) error {
	if r.Mode() != runner.ModeTrain {
		return nil
	}
	p, ok := h.ProbAt(r.Epoch())
	if !ok {
		return nil
	}
	h.prob = p
	if s, ok := nn.Unwrap(r.Model()).(nn.SamplingProbSetter); ok {
		s.SetSamplingProb(p)
	} else {
		r.Logger().Warn("model does not support scheduled sampling", "model", r.ModelName())
	}
	return nil
}
