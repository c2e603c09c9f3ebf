package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/logging"
	"github.com/yizhe-ang/MMSceneGraph/nn"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// EvalOptions selects the evaluation variant
type EvalOptions struct {
	// Dist shards prediction over every rank and gathers on rank 0
	Dist bool

	// Caption prefixes metric names with Split
	Caption bool

	// Split names the evaluated split, "val" by default
	Split string

	// Workers loads samples in the background
	Workers int
}

// EvalHook scores the model on a held-out dataset every Interval training
// epochs and puts the metrics into the log buffer. Samples are predicted one
// at a time. In the distributed variant rank r predicts samples r, r+n, ...
// and rank 0 gathers the results through a temporary directory in the work
// dir before evaluating.
type EvalHook struct {
	runner.BaseHook

	Dataset  data.Dataset
	Interval int
	Metric   []string
	Options  map[string]any
	EvalOptions

	evaluator data.Evaluator
	loader    *data.Loader
}

// NewEvalHook builds an evaluation hook over ds
func NewEvalHook(ds data.Dataset, cfg config.EvaluationConfig, opts EvalOptions) (*EvalHook, error) {
	if ds == nil {
		return nil, errors.New("evaluation needs a dataset")
	}
	ev, ok := ds.(data.Evaluator)
	if !ok {
		return nil, errors.Errorf("dataset %T cannot evaluate predictions", ds)
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = 1
	}
	if interval < 0 {
		return nil, errors.Errorf("evaluation interval must be positive, got %d", cfg.Interval)
	}
	if opts.Split == "" {
		opts.Split = "val"
	}
	return &EvalHook{
		Dataset:     ds,
		Interval:    interval,
		Metric:      cfg.Metric,
		Options:     cfg.Options,
		EvalOptions: opts,
		evaluator:   ev,
	}, nil
}

func (h *EvalHook) Name() string {
	if h.Dist {
		return "DistEvalHook(" + h.Split + ")"
	}
	return "EvalHook(" + h.Split + ")"
}

// strideSampler yields start, start+step, ... below n
type strideSampler struct {
	n, start, step int
}

func (s strideSampler) Indices() []int {
	var out []int
	for i := s.start; i < s.n; i += s.step {
		out = append(out, i)
	}
	return out
}

func (s strideSampler) Len() int {
	if s.start >= s.n {
		return 0
	}
	return (s.n-s.start-1)/s.step + 1
}

func (h *EvalHook) BeforeRun(_ context.Context, r *runner.Runner) error {
	sampler := strideSampler{n: h.Dataset.Len(), start: 0, step: 1}
	if h.Dist {
		sampler = strideSampler{n: h.Dataset.Len(), start: r.Rank(), step: r.WorldSize()}
	}
	l, err := data.NewLoader(h.Dataset, sampler, data.LoaderConfig{BatchSize: 1, Workers: h.Workers, Rank: r.Rank()})
	if err != nil {
		return err
	}
	h.loader = l
	return nil
}

func (h *EvalHook) AfterEpoch(ctx context.Context, r *runner.Runner) error {
	if r.Mode() != runner.ModeTrain || (r.Epoch()+1)%h.Interval != 0 {
		return nil
	}
	logger := logging.With(r.Logger(), logging.Eval, "split", h.Split)

	results, err := h.predict(ctx, r)
	if err != nil {
		return err
	}
	if h.Dist {
		results, err = h.gather(ctx, r, results)
		if err != nil {
			return err
		}
	}
	if r.Rank() != 0 {
		return nil
	}

	metrics, err := h.evaluator.Evaluate(ctx, results, h.Metric, h.Options)
	if err != nil {
		return errors.Wrapf(err, "failed to evaluate %s split", h.Split)
	}
	for _, k := range slices.Sorted(maps.Keys(metrics)) {
		name := k
		if h.Caption {
			name = h.Split + "_" + k
		}
		r.LogBuffer.SetOutput(name, metrics[k])
	}
	r.LogBuffer.MarkReady()
	logger.Info("evaluation done", "samples", len(results))
	return nil
}

func (h *EvalHook) predict(ctx context.Context, r *runner.Runner) ([]any, error) {
	model := r.Model()
	pred, ok := model.(nn.Predictor)
	if !ok {
		pred, ok = nn.Unwrap(model).(nn.Predictor)
	}
	if !ok {
		return nil, errors.Errorf("model %s cannot predict", r.ModelName())
	}

	model.SetTrain(false)
	defer model.SetTrain(true)

	results := make([]any, 0, h.loader.Len())
	it := h.loader.Iter(ctx)
	defer it.Close()
	for {
		batch, err := it.Next()
		if err != nil {
			if err == io.EOF {
				return results, nil
			}
			return nil, errors.Wrap(err, "failed to load evaluation sample")
		}
		out, err := pred.Predict(ctx, batch)
		if err != nil {
			return nil, errors.Wrap(err, "prediction failed")
		}
		results = append(results, out)
	}
}

type resultPart struct {
	Index  int             `json:"idx"`
	Result json.RawMessage `json:"result"`
}

// gather writes this rank's results to the shared directory and, on rank 0,
// reassembles them in dataset order
func (h *EvalHook) gather(ctx context.Context, r *runner.Runner, local []any) ([]any, error) {
	dir := filepath.Join(r.WorkDir(), ".eval_hook")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create evaluation scratch dir")
	}

	indices := h.loader.Sampler().Indices()
	parts := make([]resultPart, len(local))
	for i, res := range local {
		raw, err := json.Marshal(res)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode prediction")
		}
		parts[i] = resultPart{Index: indices[i], Result: raw}
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(partPath(dir, r.Rank()), b, 0o644); err != nil {
		return nil, errors.Wrap(err, "failed to write result part")
	}
	if err := r.Collective().Barrier(ctx); err != nil {
		return nil, errors.Wrap(err, "evaluation barrier failed")
	}

	var results []any
	if r.Rank() == 0 {
		results, err = h.collect(dir, r.WorldSize())
		if rmErr := os.RemoveAll(dir); rmErr != nil && err == nil {
			err = errors.Wrap(rmErr, "failed to remove evaluation scratch dir")
		}
	}
	// nobody starts the next round before rank 0 is done with the directory
	if bErr := r.Collective().Barrier(ctx); bErr != nil && err == nil {
		err = errors.Wrap(bErr, "evaluation barrier failed")
	}
	return results, err
}

func (h *EvalHook) collect(dir string, worldSize int) ([]any, error) {
	decoder, _ := h.Dataset.(data.ResultDecoder)
	results := make([]any, h.Dataset.Len())
	for rank := 0; rank < worldSize; rank++ {
		b, err := os.ReadFile(partPath(dir, rank))
		if err != nil {
			return nil, errors.Wrapf(err, "missing results of rank %d", rank)
		}
		var parts []resultPart
		if err := json.Unmarshal(b, &parts); err != nil {
			return nil, errors.Wrapf(err, "corrupt results of rank %d", rank)
		}
		for _, p := range parts {
			if p.Index < 0 || p.Index >= len(results) {
				continue
			}
			var v any
			if decoder != nil {
				v, err = decoder.DecodeResult(p.Result)
			} else {
				err = json.Unmarshal(p.Result, &v)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "failed to decode result %d", p.Index)
			}
			results[p.Index] = v
		}
	}
	return results, nil
}

func partPath(dir string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("part_%d.json", rank))
}
