package apis

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/yizhe-ang/MMSceneGraph/checkpoints"
	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/logging"
	"github.com/yizhe-ang/MMSceneGraph/nn"
	"github.com/yizhe-ang/MMSceneGraph/toy"
)

const baseExperiment = `
data:
  imgs_per_gpu: 2
  workers_per_gpu: 0
  train: {type: SyntheticDataset, size: 8, dim: 2, seed: 3}
  val: {type: SyntheticDataset, size: 4, dim: 2, seed: 3}
  test: {type: SyntheticDataset, size: 3, dim: 2, seed: 3}
model:
  type: FasterRCNN
optimizer_config:
  grad_clip: {max_norm: 10, norm_type: 2}
lr_config: {policy: step, step: [2]}
checkpoint_config: {interval: 1}
log_config:
  interval: 2
  hooks:
    - type: TextLoggerHook
evaluation: {interval: 1, metric: [mse]}
workflow:
  - {mode: train, epochs: 1}
work_dir: %q
total_epochs: %d
`

const timestamp = "20260101_000000"

func experiment(t *testing.T, workDir string, epochs int, extra string) *config.Experiment {
	t.Helper()
	text := fmt.Sprintf(baseExperiment, workDir, epochs)
	if !strings.Contains(extra, "optimizer:") {
		text += "optimizer: {type: SGD, lr: 0.05, momentum: 0.9}\n"
	}
	cfg, err := config.FromBytes([]byte(text + extra))
	require.NoError(t, err)
	return cfg
}

// countingModel counts forward passes, one per batch processor call
type countingModel struct {
	*toy.LinearDetector
	calls int
}

func (m *countingModel) Forward(ctx context.Context, b nn.Batch) (nn.LossMap, error) {
	m.calls++
	return m.LinearDetector.Forward(ctx, b)
}

func newModel(t *testing.T, rank int) *countingModel {
	t.Helper()
	m, err := toy.NewLinearDetector(2, rand.New(rand.NewPCG(uint64(rank), 1)))
	require.NoError(t, err)
	return &countingModel{LinearDetector: m}
}

func trainSet(t *testing.T, cfg *config.Experiment) []data.Dataset {
	t.Helper()
	ds, err := toy.BuildDataset(cfg.Data.Train, "train")
	require.NoError(t, err)
	return []data.Dataset{ds}
}

// batchesPerEpoch is the loader length the driver sees for ds
func batchesPerEpoch(t *testing.T, ds data.Dataset, opts data.LoaderOptions) int {
	t.Helper()
	opts.Shuffle = true
	l, err := data.BuildDataloader(ds, 2, 0, 1, opts)
	require.NoError(t, err)
	return l.Len()
}

func options() Options {
	return Options{
		Timestamp:    timestamp,
		Logger:       logging.Discard(),
		BuildDataset: toy.BuildDataset,
		Exit:         func(int) { panic("unexpected exit") },
	}
}

func TestTrainDetectorOneEpoch(t *testing.T) {
	dir := t.TempDir()
	cfg := experiment(t, dir, 1, "")
	m := newModel(t, 0)
	_, before, _ := m.Weights()
	sets := trainSet(t, cfg)
	batches := batchesPerEpoch(t, sets[0], data.LoaderOptions{})
	require.GreaterOrEqual(t, batches, 4)

	require.NoError(t, TrainDetector(context.Background(), m, sets, cfg, options()))

	// one call per batch of the single epoch
	assert.Equal(t, batches, m.calls)
	_, after, _ := m.Weights()
	assert.NotEqual(t, before, after)
	assert.True(t, m.Training())

	for _, name := range []string{"epoch_1.pth", "latest.pth", timestamp + ".log.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	ckpt, err := checkpoints.Load(filepath.Join(dir, "latest.pth"))
	require.NoError(t, err)
	assert.Equal(t, 1, ckpt.Metadata.Epoch)
	assert.Equal(t, batches, ckpt.Metadata.Iter)
}

func TestTrainDetectorValidates(t *testing.T) {
	dir := t.TempDir()
	cfg := experiment(t, dir, 2, "")
	opts := options()
	opts.Validate = true

	require.NoError(t, TrainDetector(context.Background(), newModel(t, 0), trainSet(t, cfg), cfg, opts))

	log, err := os.ReadFile(filepath.Join(dir, timestamp+".log.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(log), `"mse"`))
}

func TestResumeTakesPrecedenceOverLoad(t *testing.T) {
	first := t.TempDir()
	cfg := experiment(t, first, 1, "")
	require.NoError(t, TrainDetector(context.Background(), newModel(t, 0), trainSet(t, cfg), cfg, options()))

	second := t.TempDir()
	cfg = experiment(t, second, 2, fmt.Sprintf("resume_from: %q\nload_from: %q\n",
		filepath.Join(first, "epoch_1.pth"), filepath.Join(second, "missing.pth")))
	m := newModel(t, 0)
	sets := trainSet(t, cfg)
	require.NoError(t, TrainDetector(context.Background(), m, sets, cfg, options()))

	// only the second epoch runs
	assert.Equal(t, batchesPerEpoch(t, sets[0], data.LoaderOptions{}), m.calls)
	_, err := os.Stat(filepath.Join(second, "epoch_2.pth"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(second, "epoch_1.pth"))
	assert.True(t, os.IsNotExist(err))
}

func saveScale(t *testing.T, path string, v float64) {
	t.Helper()
	require.NoError(t, checkpoints.Save(path, &checkpoints.Checkpoint{
		Weights: checkpoints.StateDict{{Name: "encoder.scale", Shape: []int{2}, Data: []float64{v, v}, Type: checkpoints.TypeParameter}},
	}))
}

func TestLoadAppliesSeqsThroughAlignDict(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.json")
	second := filepath.Join(dir, "second.json")
	saveScale(t, first, 2)
	saveScale(t, second, 3)

	cfg := experiment(t, dir, 1, fmt.Sprintf(`
optimizer: {type: SGD, lr: 0.05, freeze_modules: [backbone]}
load_from: %q
load_seqs: [%q]
load_mapping:
  align_dict: {backbone: encoder}
`, first, second))
	m := newModel(t, 0)
	require.NoError(t, TrainDetector(context.Background(), m, trainSet(t, cfg), cfg, options()))

	// the frozen backbone keeps the last loaded value
	scale, _, _ := m.Weights()
	assert.Equal(t, []float64{3, 3}, scale)
}

func TestLoadFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	cfg := experiment(t, dir, 1, fmt.Sprintf("load_from: %q\n", filepath.Join(dir, "missing.pth")))
	m := newModel(t, 0)
	err := TrainDetector(context.Background(), m, trainSet(t, cfg), cfg, options())
	require.Error(t, err)
	assert.Zero(t, m.calls)
}

func TestNonFiniteLossExits(t *testing.T) {
	dir := t.TempDir()
	cfg := experiment(t, dir, 1, "")
	m := newModel(t, 0)
	m.NaNAfter = 1

	var codes []int
	opts := options()
	opts.Exit = func(code int) { codes = append(codes, code) }

	err := TrainDetector(context.Background(), m, trainSet(t, cfg), cfg, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonFiniteLoss)
	assert.Equal(t, []int{ExitCode}, codes)
	assert.Equal(t, 2, m.calls)
}

// nanModel reports a NaN loss for every batch
type nanModel struct{}

func (nanModel) Forward(context.Context, nn.Batch) (nn.LossMap, error) {
	var out nn.LossMap
	out.Add("loss_cls", nn.Scalar(math.NaN()))
	return out, nil
}
func (nanModel) NamedParameters() []*nn.Parameter { return nil }
func (nanModel) SetTrain(bool)                    {}

func TestBatchProcessorLogsFilenames(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	exited := 0
	bp := BatchProcessor(dist.Local(), logger, func(code int) { exited = code })

	batch := nn.Batch{
		"img":        []any{[]float64{1}, []float64{2}},
		data.MetaKey: []any{data.Meta{"filename": "a.jpg"}, data.Meta{"filename": "b.jpg"}},
	}
	_, err := bp(context.Background(), nanModel{}, batch, true)
	require.Error(t, err)
	assert.Equal(t, ExitCode, exited)
	assert.Contains(t, buf.String(), "a.jpg")
	assert.Contains(t, buf.String(), "b.jpg")

	// captioners count samples on img_meta and never exit
	out, err := CaptionBatchProcessor(dist.Local())(context.Background(), nanModel{}, batch, true)
	require.NoError(t, err)
	assert.Equal(t, 2, out.NumSamples)
	assert.True(t, math.IsNaN(out.Loss.Value))
}

const captionSchedule = `
sampling_schedule_config:
  scheduled_sampling_start: 0
  scheduled_sampling_increase_every: 1
  scheduled_sampling_increase_prob: 0.1
  scheduled_sampling_max_prob: 0.5
`

func TestTrainCaptioner(t *testing.T) {
	dir := t.TempDir()
	cfg := experiment(t, dir, 2, captionSchedule)
	m := newModel(t, 0)
	opts := options()
	opts.Validate = true
	opts.ValidateTest = true
	sets := trainSet(t, cfg)

	require.NoError(t, TrainCaptioner(context.Background(), m, sets, cfg, opts))

	assert.Equal(t, 2*batchesPerEpoch(t, sets[0], data.LoaderOptions{}), m.calls)
	assert.InDelta(t, 0.1, m.SamplingProb(), 1e-12)
	log, err := os.ReadFile(filepath.Join(dir, timestamp+".log.json"))
	require.NoError(t, err)
	assert.Contains(t, string(log), `"val_mse"`)
	assert.Contains(t, string(log), `"test_mse"`)
}

func TestTrainCaptionerNeedsSchedule(t *testing.T) {
	dir := t.TempDir()
	cfg := experiment(t, dir, 1, "")
	err := TrainCaptioner(context.Background(), newModel(t, 0), trainSet(t, cfg), cfg, options())
	assert.Error(t, err)
}

func TestTrainRejectsBadInputs(t *testing.T) {
	dir := t.TempDir()
	cfg := experiment(t, dir, 1, "")
	ctx := context.Background()

	assert.Error(t, TrainDetector(ctx, newModel(t, 0), nil, cfg, options()))
	assert.Error(t, TrainDetector(ctx, newModel(t, 0), trainSet(t, cfg), nil, options()))

	opts := options()
	opts.Validate = true
	opts.BuildDataset = nil
	assert.Error(t, TrainDetector(ctx, newModel(t, 0), trainSet(t, cfg), cfg, opts))

	bad := experiment(t, dir, 1, "")
	bad.LRConfig.Policy = "triangle"
	assert.Error(t, TrainDetector(ctx, newModel(t, 0), trainSet(t, bad), bad, options()))

	// loaded as written, rejected where the value is first used
	noEpochs := experiment(t, dir, 0, "")
	assert.ErrorContains(t, TrainDetector(ctx, newModel(t, 0), trainSet(t, noEpochs), noEpochs, options()), "max epochs")

	negWorkers := experiment(t, dir, 1, "")
	negWorkers.Data.WorkersPerGPU = -1
	assert.ErrorContains(t, TrainDetector(ctx, newModel(t, 0), trainSet(t, negWorkers), negWorkers, options()), "worker count")
}

func TestTrainDetectorDistributed(t *testing.T) {
	const world = 2
	dir := t.TempDir()
	colls, closeAll, err := InitDist(LaunchConfig{Launcher: LauncherLocal, WorldSize: world})
	require.NoError(t, err)
	defer closeAll()

	models := make([]*countingModel, world)
	var g errgroup.Group
	for rank := 0; rank < world; rank++ {
		cfg := experiment(t, dir, 2, "")
		models[rank] = newModel(t, rank)
		m := models[rank]
		opts := options()
		opts.Distributed = true
		opts.Validate = true
		opts.Collective = colls[rank]
		ds := trainSet(t, cfg)
		g.Go(func() error {
			return TrainDetector(context.Background(), m, ds, cfg, opts)
		})
	}
	require.NoError(t, g.Wait())

	ds, err := toy.BuildDataset(experiment(t, dir, 1, "").Data.Train, "train")
	require.NoError(t, err)
	perRank := batchesPerEpoch(t, ds, data.LoaderOptions{Dist: true, WorldSize: world})
	for _, m := range models {
		assert.Equal(t, 2*perRank, m.calls)
	}
	s0, w0, b0 := models[0].Weights()
	s1, w1, b1 := models[1].Weights()
	assert.Equal(t, s0, s1)
	assert.Equal(t, w0, w1)
	assert.Equal(t, b0, b1)

	_, err = os.Stat(filepath.Join(dir, "epoch_2.pth"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ".eval_hook"))
	assert.True(t, os.IsNotExist(err))
}

func TestInitDist(t *testing.T) {
	colls, closeFn, err := InitDist(LaunchConfig{})
	require.NoError(t, err)
	require.Len(t, colls, 1)
	assert.Equal(t, 1, colls[0].WorldSize())
	assert.NoError(t, closeFn())

	colls, _, err = InitDist(LaunchConfig{Launcher: LauncherLocal, WorldSize: 3})
	require.NoError(t, err)
	require.Len(t, colls, 3)
	assert.Equal(t, 2, colls[2].Rank())

	tests := []LaunchConfig{
		{Launcher: LauncherLocal},
		{Launcher: "slurm"},
		{Launcher: LauncherNATS, WorldSize: 1, Params: config.DistParams{Backend: "nccl", JobID: "j"}},
		{Launcher: LauncherNATS, WorldSize: 1},
	}
	for _, lc := range tests {
		_, _, err := InitDist(lc)
		assert.Error(t, err, lc.Launcher)
	}
}
