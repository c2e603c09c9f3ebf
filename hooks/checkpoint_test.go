package hooks

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yizhe-ang/MMSceneGraph/checkpoints"
	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestCheckpointHookKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	r := newRunner(t, newLineModel(), 0.1, dir)
	h, err := NewCheckpointHook(config.CheckpointConfig{Interval: 1, MaxKeepCkpts: 1})
	require.NoError(t, err)
	r.RegisterHook(h, runner.PriorityNormal)
	r.RegisterHook(&OptimizerHook{}, runner.PriorityNormal)

	train(t, r, loaderOf(t, pointDataset{n: 2}, 1), 3)

	assert.Equal(t, []string{"epoch_3.pth", "latest.pth"}, dirNames(t, dir))
	ckpt, err := checkpoints.Load(filepath.Join(dir, "latest.pth"))
	require.NoError(t, err)
	assert.Equal(t, 3, ckpt.Metadata.Epoch)
	assert.Equal(t, 6, ckpt.Metadata.Iter)
	assert.NotNil(t, ckpt.OptimizerState)
}

func TestCheckpointHookIntervalAndFormat(t *testing.T) {
	out := filepath.Join(t.TempDir(), "ckpts")
	saveOpt := false
	r := newRunner(t, newLineModel(), 0.1, "")
	h, err := NewCheckpointHook(config.CheckpointConfig{Interval: 2, OutDir: out, Format: "json", SaveOptimizer: &saveOpt})
	require.NoError(t, err)
	r.RegisterHook(h, runner.PriorityNormal)

	train(t, r, loaderOf(t, pointDataset{n: 1}, 1), 3)

	assert.Equal(t, []string{"epoch_2.json", "latest.pth"}, dirNames(t, out))
	target, err := os.Readlink(filepath.Join(out, "latest.pth"))
	require.NoError(t, err)
	assert.Equal(t, "epoch_2.json", target)

	ckpt, err := checkpoints.Load(filepath.Join(out, "epoch_2.json"))
	require.NoError(t, err)
	assert.Nil(t, ckpt.OptimizerState)
}

func TestCheckpointHookOnlyOnMaster(t *testing.T) {
	dir := t.TempDir()
	r := newRunner(t, newLineModel(), 0.1, dir, runner.WithCollective(dist.NewGroup(2)[1]))
	h, err := NewCheckpointHook(config.CheckpointConfig{Interval: 1})
	require.NoError(t, err)
	r.RegisterHook(h, runner.PriorityNormal)

	train(t, r, loaderOf(t, pointDataset{n: 1}, 1), 1)
	assert.Empty(t, dirNames(t, dir))
}

func TestNewCheckpointHookValidates(t *testing.T) {
	_, err := NewCheckpointHook(config.CheckpointConfig{Interval: -1})
	assert.Error(t, err)
	_, err = NewCheckpointHook(config.CheckpointConfig{Format: "hdf5"})
	assert.Error(t, err)

	h, err := NewCheckpointHook(config.CheckpointConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.Interval)
	assert.True(t, h.SaveOptimizer)
	assert.Equal(t, runner.DefaultCheckpointTemplate, h.Template)
}

// epochSampler records the epochs it was told about
type epochSampler struct {
	n      int
	epochs []int
}

func (s *epochSampler) Len() int { return s.n }
func (s *epochSampler) Indices() []int {
	return data.NewSequentialSampler(s.n).Indices()
}
func (s *epochSampler) SetEpoch(epoch int) { s.epochs = append(s.epochs, epoch) }

func TestDistSamplerSeedHook(t *testing.T) {
	s := &epochSampler{n: 2}
	l, err := data.NewLoader(pointDataset{n: 2}, s, data.LoaderConfig{BatchSize: 1})
	require.NoError(t, err)
	r := newRunner(t, newLineModel(), 0.1, "")
	r.RegisterHook(DistSamplerSeedHook{}, runner.PriorityNormal)

	train(t, r, l, 3)
	assert.Equal(t, []int{0, 1, 2}, s.epochs)
}

func TestSamplingScheduleProb(t *testing.T) {
	h := NewSamplingScheduleHook(config.SamplingScheduleConfig{Start: 0, IncreaseEvery: 2, IncreaseProb: 0.05, MaxProb: 0.25})

	tests := []struct {
		epoch int
		prob  float64
		ok    bool
	}{
		{0, 0, false},
		{1, 0, true},
		{2, 0.05, true},
		{5, 0.1, true},
		{20, 0.25, true},
	}
	for _, tt := range tests {
		p, ok := h.ProbAt(tt.epoch)
		assert.Equal(t, tt.ok, ok, "epoch %d", tt.epoch)
		assert.InDelta(t, tt.prob, p, 1e-12, "epoch %d", tt.epoch)
	}

	off := NewSamplingScheduleHook(config.SamplingScheduleConfig{Start: -1, IncreaseProb: 0.05, MaxProb: 0.25})
	_, ok := off.ProbAt(10)
	assert.False(t, ok)
}

func TestSamplingScheduleReachesWrappedModel(t *testing.T) {
	m := newLineModel()
	r := newRunner(t, m, 0.1, "")
	h := NewSamplingScheduleHook(config.SamplingScheduleConfig{Start: 0, IncreaseEvery: 1, IncreaseProb: 0.1, MaxProb: 0.15})
	r.RegisterHook(h, runner.PriorityNormal)

	var seen []float64
	r.RegisterHook(&funcHook{beforeEpoch: func(r *runner.Runner) { seen = append(seen, m.sampling) }}, runner.PriorityLow)

	train(t, r, loaderOf(t, pointDataset{n: 1}, 1), 3)
	assert.InDeltaSlice(t, []float64{0, 0.1, 0.15}, seen, 1e-12)
	assert.Equal(t, 0.15, h.Prob())
}

type funcHook struct {
	runner.BaseHook
	beforeEpoch func(*runner.Runner)
}

func (h *funcHook) BeforeEpoch(_ context.Context, r *runner.Runner) error {
	h.beforeEpoch(r)
	return nil
}
