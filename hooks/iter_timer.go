package hooks

import (
	"context"
	"time"

	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// IterTimerHook records data_time (waiting for the batch) and time (the
// whole iteration) into the log buffer
type IterTimerHook struct {
	runner.BaseHook

	last time.Time
}

func (h *IterTimerHook) Name() string { return "IterTimerHook" }

func (h *IterTimerHook) BeforeEpoch(context.Context, *runner.Runner) error {
	h.last = time.Now()
	return nil
}

func (h *IterTimerHook) BeforeIter(_ context.Context, r *runner.Runner) error {
	r.LogBuffer.Record("data_time", time.Since(h.last).Seconds(), 1)
	return nil
}

func (h *IterTimerHook) AfterIter(_ context.Context, r *runner.Runner) error {
	r.LogBuffer.Record("time", time.Since(h.last).Seconds(), 1)
	h.last = time.Now()
	return nil
}

// DistSamplerSeedHook tells an epoch-aware sampler which epoch is starting,
// so that every rank shuffles the same way and differently each epoch
type DistSamplerSeedHook struct {
	runner.BaseHook
}

func (DistSamplerSeedHook) Name() string { return "DistSamplerSeedHook" }

func (DistSamplerSeedHook) BeforeEpoch(_ context.Context, r *runner.Runner) error {
	if l := r.DataLoader(); l != nil {
		if s, ok := l.Sampler().(data.EpochSetter); ok {
			s.SetEpoch(r.Epoch())
		}
	}
	return nil
}
