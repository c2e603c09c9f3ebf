// Package toy provides a synthetic regression dataset and a linear model that
// plug into the training core the same way real detectors do. The CLI uses
// them for smoke runs and the driver tests train them end to end.
package toy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/data/pipeline"
)

// Defaults for a dataset config that leaves a key out
const (
	DefaultSize  = 64
	DefaultDim   = 4
	DefaultNoise = 0.01
)

// Config describes one synthetic split
type Config struct {
	Size  int
	Dim   int
	Seed  uint64
	Noise float64
	Split string
}

// Dataset holds samples x in [-1, 1]^Dim with targets y = w.x + b + noise.
// The true w and b depend on Seed only, so every split of one seed shares
// them.
type Dataset struct {
	cfg     Config
	inputs  [][]float64
	targets []float64
	weights []float64
	bias    float64
}

// NewDataset generates the split described by cfg
func NewDataset(cfg Config) (*Dataset, error) {
	if cfg.Size <= 0 {
		return nil, errors.Errorf("dataset size must be positive, got %d", cfg.Size)
	}
	if cfg.Dim <= 0 {
		return nil, errors.Errorf("feature dim must be positive, got %d", cfg.Dim)
	}
	if cfg.Noise < 0 {
		return nil, errors.Errorf("noise must not be negative, got %g", cfg.Noise)
	}
	if cfg.Split == "" {
		cfg.Split = "train"
	}

	truth := rand.New(rand.NewPCG(cfg.Seed, 0))
	d := &Dataset{cfg: cfg, weights: make([]float64, cfg.Dim)}
	for i := range d.weights {
		d.weights[i] = truth.Float64()*2 - 1
	}
	d.bias = truth.Float64()*2 - 1

	rng := rand.New(rand.NewPCG(cfg.Seed, splitStream(cfg.Split)))
	d.inputs = make([][]float64, cfg.Size)
	d.targets = make([]float64, cfg.Size)
	for n := range d.inputs {
		x := make([]float64, cfg.Dim)
		y := d.bias
		for i := range x {
			x[i] = rng.Float64()*2 - 1
			y += d.weights[i] * x[i]
		}
		d.inputs[n] = x
		d.targets[n] = y + cfg.Noise*rng.NormFloat64()
	}
	return d, nil
}

func splitStream(split string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(split); i++ {
		h ^= uint64(split[i])
		h *= 1099511628211
	}
	return h
}

func (d *Dataset) Len() int { return len(d.inputs) }

// Split returns the split name used in file names
func (d *Dataset) Split() string { return d.cfg.Split }

// Truth returns the generating weights and bias
func (d *Dataset) Truth() ([]float64, float64) {
	return append([]float64(nil), d.weights...), d.bias
}

// Target returns the regression target of sample idx
func (d *Dataset) Target(idx int) float64 { return d.targets[idx] }

// Filename is the synthetic source file of sample idx
func (d *Dataset) Filename(idx int) string {
	return fmt.Sprintf("%s_%06d.jpg", d.cfg.Split, idx)
}

// Record returns the raw sample before any pipeline step
func (d *Dataset) Record(_ context.Context, idx int) (data.Sample, error) {
	if idx < 0 || idx >= d.Len() {
		return nil, errors.Errorf("index %d out of range [0, %d)", idx, d.Len())
	}
	return data.Sample{
		"img":      append([]float64(nil), d.inputs[idx]...),
		"gt_value": d.targets[idx],
		"filename": d.Filename(idx),
		data.MetaKey: data.Meta{
			"filename":  d.Filename(idx),
			"ori_shape": []int{d.cfg.Dim},
			"idx":       idx,
		},
	}, nil
}

func (d *Dataset) Get(ctx context.Context, idx int) (data.Sample, error) {
	return d.Record(ctx, idx)
}

// Flags groups samples by the sign of their first feature
func (d *Dataset) Flags() []uint8 {
	flags := make([]uint8, d.Len())
	for i, x := range d.inputs {
		if x[0] > 0 {
			flags[i] = 1
		}
	}
	return flags
}

// Evaluate scores one float64 prediction per sample. Supported metrics are
// mse, mae, rmse and r2; mse is used when none is named.
func (d *Dataset) Evaluate(_ context.Context, results []any, metrics []string, _ map[string]any) (map[string]float64, error) {
	if len(results) != d.Len() {
		return nil, errors.Errorf("got %d results for %d samples", len(results), d.Len())
	}
	if len(metrics) == 0 {
		metrics = []string{"mse"}
	}

	var sumAbs, sumSq, sumTot, mean float64
	for _, y := range d.targets {
		mean += y
	}
	mean /= float64(d.Len())
	for i, r := range results {
		pred, ok := r.(float64)
		if !ok {
			return nil, errors.Errorf("result %d is %T, not a float64", i, r)
		}
		diff := pred - d.targets[i]
		sumAbs += math.Abs(diff)
		sumSq += diff * diff
		sumTot += (d.targets[i] - mean) * (d.targets[i] - mean)
	}
	n := float64(d.Len())

	out := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		switch m {
		case "mse":
			out[m] = sumSq / n
		case "mae":
			out[m] = sumAbs / n
		case "rmse":
			out[m] = math.Sqrt(sumSq / n)
		case "r2":
			out[m] = 0
			if sumTot > 0 {
				out[m] = 1 - sumSq/sumTot
			}
		default:
			return nil, errors.Errorf("unsupported metric %q", m)
		}
	}
	return out, nil
}

// DecodeResult restores a prediction written as JSON
func (d *Dataset) DecodeResult(raw json.RawMessage) (any, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(err, "failed to decode prediction")
	}
	return v, nil
}

// pipelined runs a configured pipeline over the dataset's records while
// keeping its evaluator
type pipelined struct {
	*pipeline.Dataset
	src *Dataset
}

func (p *pipelined) Evaluate(ctx context.Context, results []any, metrics []string, opts map[string]any) (map[string]float64, error) {
	return p.src.Evaluate(ctx, results, metrics, opts)
}

func (p *pipelined) DecodeResult(raw json.RawMessage) (any, error) {
	return p.src.DecodeResult(raw)
}

// Type is the dataset type name accepted by BuildDataset
const Type = "SyntheticDataset"

// BuildDataset creates a split from its config section. Params size, dim,
// seed and noise override the defaults; a pipeline, when present, is built
// from the default registry.
func BuildDataset(cfg config.DatasetConfig, split string) (data.Dataset, error) {
	if cfg.Type != Type {
		return nil, errors.Errorf("unknown dataset type %q", cfg.Type)
	}
	c := Config{Size: DefaultSize, Dim: DefaultDim, Noise: DefaultNoise, Split: split}
	var err error
	if c.Size, err = intParam(cfg.Params, "size", c.Size); err != nil {
		return nil, err
	}
	if c.Dim, err = intParam(cfg.Params, "dim", c.Dim); err != nil {
		return nil, err
	}
	seed, err := intParam(cfg.Params, "seed", 0)
	if err != nil {
		return nil, err
	}
	if seed < 0 {
		return nil, errors.Errorf("seed must not be negative, got %d", seed)
	}
	c.Seed = uint64(seed)
	if v, ok := cfg.Params["noise"]; ok {
		if c.Noise, err = toFloat(v); err != nil {
			return nil, errors.Wrap(err, "noise")
		}
	}

	ds, err := NewDataset(c)
	if err != nil {
		return nil, err
	}
	if len(cfg.Pipeline) == 0 {
		return ds, nil
	}
	compose, err := pipeline.New(cfg.Pipeline, pipeline.DefaultRegistry())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s pipeline", split)
	}
	return &pipelined{Dataset: pipeline.Wrap(ds, compose), src: ds}, nil
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, errors.Wrap(err, key)
	}
	if f != math.Trunc(f) {
		return 0, errors.Errorf("%s must be an integer, got %g", key, f)
	}
	return int(f), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	}
	return 0, errors.Errorf("expected a number, got %T", v)
}
