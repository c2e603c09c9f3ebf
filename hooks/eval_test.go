package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// trainFlagProbe records the model's train flag during iterations
type trainFlagProbe struct {
	runner.BaseHook
	m     *lineModel
	flags []bool
}

func (p *trainFlagProbe) BeforeIter(context.Context, *runner.Runner) error {
	p.flags = append(p.flags, p.m.train)
	return nil
}

func TestEvalHookScoresEveryInterval(t *testing.T) {
	m := newLineModel()
	m.w.Data[0] = 2
	r := newRunner(t, m, 0.1, "")
	ds := &scoredDataset{pointDataset: pointDataset{n: 3}}
	h, err := NewEvalHook(ds, config.EvaluationConfig{Interval: 2, Metric: []string{"sum"}}, EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, "EvalHook(val)", h.Name())
	probe := &trainFlagProbe{m: m}
	r.RegisterHook(h, runner.PriorityNormal)
	r.RegisterHook(probe, runner.PriorityNormal)

	train(t, r, loaderOf(t, pointDataset{n: 1}, 1), 3)

	require.Len(t, ds.seen, 3)
	assert.Equal(t, []any{2.0, 4.0, 6.0}, ds.seen)
	v, ok := r.LogBuffer.Output("sum")
	require.True(t, ok)
	assert.Equal(t, 12.0, v)
	assert.True(t, r.LogBuffer.Ready())
	// evaluation leaves the model in training mode
	assert.Equal(t, []bool{true, true, true}, probe.flags)
	assert.True(t, m.train)
}

func TestCaptionEvalPrefixesSplit(t *testing.T) {
	m := newLineModel()
	r := newRunner(t, m, 0.1, "")
	ds := &scoredDataset{pointDataset: pointDataset{n: 2}}
	h, err := NewEvalHook(ds, config.EvaluationConfig{}, EvalOptions{Caption: true, Split: "test"})
	require.NoError(t, err)
	r.RegisterHook(h, runner.PriorityNormal)

	train(t, r, loaderOf(t, pointDataset{n: 1}, 1), 1)

	_, ok := r.LogBuffer.Output("test_count")
	assert.True(t, ok)
	_, ok = r.LogBuffer.Output("count")
	assert.False(t, ok)
}

func TestNewEvalHookNeedsEvaluator(t *testing.T) {
	_, err := NewEvalHook(pointDataset{n: 1}, config.EvaluationConfig{}, EvalOptions{})
	assert.Error(t, err)
	_, err = NewEvalHook(nil, config.EvaluationConfig{}, EvalOptions{})
	assert.Error(t, err)
	_, err = NewEvalHook(&scoredDataset{}, config.EvaluationConfig{Interval: -2}, EvalOptions{})
	assert.Error(t, err)
}

func TestDistEvalGathersOnRankZero(t *testing.T) {
	const world = 2
	dir := t.TempDir()
	colls := dist.NewGroup(world)
	sets := make([]*scoredDataset, world)
	runners := make([]*runner.Runner, world)

	for rank := 0; rank < world; rank++ {
		m := newLineModel()
		m.w.Data[0] = 1
		r := newRunner(t, m, 0.1, dir, runner.WithCollective(colls[rank]))
		sets[rank] = &scoredDataset{pointDataset: pointDataset{n: 5}}
		h, err := NewEvalHook(sets[rank], config.EvaluationConfig{}, EvalOptions{Dist: true})
		require.NoError(t, err)
		assert.Equal(t, "DistEvalHook(val)", h.Name())
		r.RegisterHook(h, runner.PriorityNormal)
		runners[rank] = r
	}

	var g errgroup.Group
	for rank := 0; rank < world; rank++ {
		r := runners[rank]
		l := loaderOf(t, pointDataset{n: 2}, 1)
		g.Go(func() error {
			return r.Run(context.Background(), []*data.Loader{l}, []config.WorkflowStage{{Mode: "train", Epochs: 1}}, 2)
		})
	}
	require.NoError(t, g.Wait())

	// rank 0 sees every sample in dataset order
	assert.Equal(t, []any{1.0, 2.0, 3.0, 4.0, 5.0}, sets[0].seen)
	assert.Nil(t, sets[1].seen)
	v, ok := runners[0].LogBuffer.Output("sum")
	require.True(t, ok)
	assert.Equal(t, 15.0, v)
	assert.False(t, runners[1].LogBuffer.Ready())

	_, err := os.Stat(filepath.Join(dir, ".eval_hook"))
	assert.True(t, os.IsNotExist(err))
}

func TestStrideSampler(t *testing.T) {
	tests := []struct {
		s    strideSampler
		want []int
	}{
		{strideSampler{n: 5, start: 0, step: 2}, []int{0, 2, 4}},
		{strideSampler{n: 5, start: 1, step: 2}, []int{1, 3}},
		{strideSampler{n: 2, start: 3, step: 4}, nil},
		{strideSampler{n: 4, start: 0, step: 1}, []int{0, 1, 2, 3}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.Indices())
		assert.Equal(t, len(tt.want), tt.s.Len())
	}
}

func TestRegisterTrainingHooksOrder(t *testing.T) {
	names := func(lrFirst bool) []string {
		r := newRunner(t, newLineModel(), 0.1, "")
		lr, err := NewLrUpdaterHook(config.LRConfig{Policy: "fixed"})
		require.NoError(t, err)
		require.NoError(t, RegisterTrainingHooks(r, lr, &OptimizerHook{}, config.CheckpointConfig{Interval: 1},
			&config.LogConfig{Interval: 10, Hooks: []config.Component{{Type: "TextLoggerHook"}, {Type: "TensorboardLoggerHook"}}}, lrFirst))
		// hooks registered later at normal priority still run before loggers
		r.RegisterHook(DistSamplerSeedHook{}, runner.PriorityNormal)

		var out []string
		for _, h := range r.Hooks() {
			out = append(out, runner.HookName(h))
		}
		return out
	}

	assert.Equal(t, []string{
		"LrUpdaterHook(fixed)", "OptimizerHook", "CheckpointHook", "IterTimerHook", "DistSamplerSeedHook",
		"TextLoggerHook", "TensorboardLoggerHook",
	}, names(true))
	assert.Equal(t, []string{
		"OptimizerHook", "LrUpdaterHook(fixed)", "CheckpointHook", "IterTimerHook", "DistSamplerSeedHook",
		"TextLoggerHook", "TensorboardLoggerHook",
	}, names(false))
}

func TestRegisterTrainingHooksRejectsBadConfig(t *testing.T) {
	r := newRunner(t, newLineModel(), 0.1, "")
	assert.Error(t, RegisterTrainingHooks(r, nil, &OptimizerHook{}, config.CheckpointConfig{Format: "zip"}, nil, true))
	assert.Error(t, RegisterTrainingHooks(r, nil, &OptimizerHook{}, config.CheckpointConfig{},
		&config.LogConfig{Hooks: []config.Component{{Type: "PaviLoggerHook"}}}, true))
}
