package hooks

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/logging"
	"github.com/yizhe-ang/MMSceneGraph/nn"
	"github.com/yizhe-ang/MMSceneGraph/optimizer"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// syncingModel counts gradient syncs the way a distributed wrapper would
// receive them
type syncingModel struct {
	*lineModel
	syncs    int
	gradSeen []float64
}

func (m *syncingModel) SyncGradients(context.Context) error {
	m.syncs++
	m.gradSeen = append(m.gradSeen, m.w.Grad...)
	return nil
}

func TestOptimizerHookSteps(t *testing.T) {
	m := &syncingModel{lineModel: newLineModel()}
	r := newRunner(t, m, 0.1, "")
	r.RegisterHook(&OptimizerHook{}, runner.PriorityNormal)

	train(t, r, loaderOf(t, pointDataset{n: 1}, 1), 1)

	// loss (w-1)^2 at w=0 has gradient -2
	assert.InDelta(t, 0.2, m.w.Data[0], 1e-12)
	assert.Equal(t, uint64(1), r.Optimizer().GetStepCount())
	assert.Equal(t, 1, m.syncs)
	assert.Equal(t, []float64{-2}, m.gradSeen)
	assert.Empty(t, r.LogBuffer.History("grad_norm"))
}

func TestOptimizerHookClipsGradients(t *testing.T) {
	m := newLineModel()
	r := newRunner(t, m, 0.1, "")
	r.RegisterHook(&OptimizerHook{GradClip: &config.GradClipConfig{MaxNorm: 1}}, runner.PriorityNormal)

	train(t, r, loaderOf(t, pointDataset{n: 1}, 1), 1)

	assert.InDelta(t, 0.1, m.w.Data[0], 1e-6)
	assert.Equal(t, []float64{2}, r.LogBuffer.History("grad_norm"))
}

func TestOptimizerHookAccumulatesNothingAcrossIters(t *testing.T) {
	m := newLineModel()
	r := newRunner(t, m, 0.1, "")
	r.RegisterHook(&OptimizerHook{}, runner.PriorityNormal)

	// two iterations at x=1: w goes 0 -> 0.2 -> 0.36
	ds := pointDataset{n: 1}
	train(t, r, loaderOf(t, ds, 1), 2)
	assert.InDelta(t, 0.36, m.w.Data[0], 1e-12)
}

func TestOptimizerHookNeedsLoss(t *testing.T) {
	m := newLineModel()
	opt, err := optimizer.Build(m, config.OptimizerConfig{Type: "SGD", LR: 0.1})
	require.NoError(t, err)
	r, err := runner.New(m, func(context.Context, nn.Model, nn.Batch, bool) (*runner.Outputs, error) {
		return &runner.Outputs{NumSamples: 1}, nil
	}, opt, t.TempDir(), logging.Discard(), nil)
	require.NoError(t, err)
	r.RegisterHook(&OptimizerHook{}, runner.PriorityNormal)

	err = r.Run(context.Background(), []*data.Loader{loaderOf(t, pointDataset{n: 1}, 1)}, []config.WorkflowStage{{Mode: "train", Epochs: 1}}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no loss")
}

func TestFp16StaticLossScale(t *testing.T) {
	m := newLineModel()
	r := newRunner(t, m, 0.1, "")
	hook, err := BuildOptimizerHook(config.OptimizerHookConfig{}, &config.Fp16Config{LossScale: "512"})
	require.NoError(t, err)
	fp16 := hook.(*Fp16OptimizerHook)
	r.RegisterHook(fp16, runner.PriorityNormal)

	train(t, r, loaderOf(t, pointDataset{n: 1}, 1), 1)

	assert.InDelta(t, 0.2, m.w.Data[0], 1e-12)
	assert.Equal(t, 512.0, fp16.Scaler.Scale)
	assert.Equal(t, []float64{512}, r.LogBuffer.History("loss_scale"))
}

func TestFp16DynamicOverflowSkipsStep(t *testing.T) {
	m := newLineModel()
	m.inf = true
	r := newRunner(t, m, 0.1, "")
	hook, err := BuildOptimizerHook(config.OptimizerHookConfig{}, &config.Fp16Config{LossScale: "dynamic"})
	require.NoError(t, err)
	fp16 := hook.(*Fp16OptimizerHook)
	r.RegisterHook(fp16, runner.PriorityNormal)

	train(t, r, loaderOf(t, pointDataset{n: 1}, 1), 1)

	assert.Equal(t, 0.0, m.w.Data[0])
	assert.Equal(t, uint64(0), r.Optimizer().GetStepCount())
	assert.Equal(t, math.Pow(2, 31), fp16.Scaler.Scale)
}

func TestLossScalerGrowsAfterCleanWindow(t *testing.T) {
	s, err := NewLossScaler("dynamic")
	require.NoError(t, err)
	s.ScaleWindow = 2
	start := s.Scale

	s.Update(false)
	assert.Equal(t, start, s.Scale)
	s.Update(false)
	assert.Equal(t, 2*start, s.Scale)
	s.Update(true)
	assert.Equal(t, start, s.Scale)

	static, err := NewLossScaler("128")
	require.NoError(t, err)
	static.Update(true)
	assert.Equal(t, 128.0, static.Scale)

	for _, bad := range []string{"abc", "-1", "0"} {
		_, err := NewLossScaler(bad)
		assert.Error(t, err, bad)
	}
}

func TestBuildOptimizerHookPlain(t *testing.T) {
	clip := &config.GradClipConfig{MaxNorm: 35, NormType: 2}
	h, err := BuildOptimizerHook(config.OptimizerHookConfig{GradClip: clip}, nil)
	require.NoError(t, err)
	require.IsType(t, &OptimizerHook{}, h)
	assert.Equal(t, clip, h.(*OptimizerHook).GradClip)
}
