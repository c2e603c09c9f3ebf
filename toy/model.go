package toy

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// Parameter and buffer names of LinearDetector
const (
	ScaleName  = "backbone.scale"
	WeightName = "bbox_head.fc.weight"
	BiasName   = "bbox_head.fc.bias"
	MeanName   = "bbox_head.target_mean"
)

// targetMomentum is the running mean update rate of the target buffer
const targetMomentum = 0.1

// LinearDetector predicts y = sum_i w_i s_i x_i + b. The per-feature scale s
// plays the backbone, w and b the head, so freezing and prefix loading have
// something to act on.
type LinearDetector struct {
	scale  *nn.Parameter
	weight *nn.Parameter
	bias   *nn.Parameter
	mean   *nn.Buffer

	train    bool
	sampling float64
	calls    int

	// NaNAfter makes every forward pass after the first NaNAfter ones report
	// a NaN loss. Zero disables it.
	NaNAfter int
}

// NewLinearDetector creates a model for dim features with small random head
// weights drawn from rng and a unit backbone scale
func NewLinearDetector(dim int, rng *rand.Rand) (*LinearDetector, error) {
	if dim <= 0 {
		return nil, errors.Errorf("feature dim must be positive, got %d", dim)
	}
	m := &LinearDetector{
		scale:  nn.NewParameter(ScaleName, dim),
		weight: nn.NewParameter(WeightName, dim),
		bias:   nn.NewParameter(BiasName, 1),
		mean:   &nn.Buffer{Name: MeanName, Shape: []int{1}, Data: make([]float64, 1)},
		train:  true,
	}
	for i := range m.scale.Data {
		m.scale.Data[i] = 1
		if rng != nil {
			m.weight.Data[i] = 0.01 * rng.NormFloat64()
		}
	}
	return m, nil
}

// BuildModel creates the linear stand-in for any detector or captioner
// config. Model params are not read; dim must match the dataset.
func BuildModel(cfg config.ModelConfig, dim int, rng *rand.Rand) (*LinearDetector, error) {
	if cfg.Kind == config.KindUnknown {
		return nil, errors.Errorf("model type %q was not resolved", cfg.Type)
	}
	return NewLinearDetector(dim, rng)
}

func (m *LinearDetector) NamedParameters() []*nn.Parameter {
	return []*nn.Parameter{m.scale, m.weight, m.bias}
}

func (m *LinearDetector) NamedBuffers() []*nn.Buffer {
	return []*nn.Buffer{m.mean}
}

func (m *LinearDetector) SetTrain(train bool) { m.train = train }

// Training reports whether the model is in training mode
func (m *LinearDetector) Training() bool { return m.train }

func (m *LinearDetector) SetSamplingProb(p float64) { m.sampling = p }

// SamplingProb returns the last scheduled sampling probability
func (m *LinearDetector) SamplingProb() float64 { return m.sampling }

// Weights returns copies of the scale, head weights and bias
func (m *LinearDetector) Weights() (scale, weight []float64, bias float64) {
	return append([]float64(nil), m.scale.Data...), append([]float64(nil), m.weight.Data...), m.bias.Data[0]
}

func (m *LinearDetector) predict(x []float64) (float64, error) {
	if len(x) != len(m.weight.Data) {
		return 0, errors.Errorf("sample has %d features, model expects %d", len(x), len(m.weight.Data))
	}
	y := m.bias.Data[0]
	for i, xi := range x {
		y += m.weight.Data[i] * m.scale.Data[i] * xi
	}
	return y, nil
}

// Forward returns loss_reg (mean squared error) and the non-loss mae entry
func (m *LinearDetector) Forward(_ context.Context, b nn.Batch) (nn.LossMap, error) {
	xs, err := features(b)
	if err != nil {
		return nil, err
	}
	ys, ok := b["gt_value"].([]any)
	if !ok || len(ys) != len(xs) {
		return nil, errors.New("batch has no gt_value for every sample")
	}
	m.calls++

	dim := len(m.weight.Data)
	n := float64(len(xs))
	gw := make([]float64, dim)
	gs := make([]float64, dim)
	var gb, loss, mae, targets float64
	for k, x := range xs {
		y, ok := ys[k].(float64)
		if !ok {
			return nil, errors.Errorf("gt_value %d is %T, not a float64", k, ys[k])
		}
		pred, err := m.predict(x)
		if err != nil {
			return nil, err
		}
		d := pred - y
		loss += d * d / n
		mae += math.Abs(d) / n
		targets += y / n
		for i := range x {
			gw[i] += 2 * d * m.scale.Data[i] * x[i] / n
			gs[i] += 2 * d * m.weight.Data[i] * x[i] / n
		}
		gb += 2 * d / n
	}
	if m.train {
		m.mean.Data[0] = (1-targetMomentum)*m.mean.Data[0] + targetMomentum*targets
	}
	if m.NaNAfter > 0 && m.calls > m.NaNAfter {
		loss = math.NaN()
	}

	var out nn.LossMap
	out.Add("loss_reg", nn.GradFunc{Value: loss, Grad: func(scale float64) error {
		accumulate(m.weight, gw, scale)
		accumulate(m.scale, gs, scale)
		accumulate(m.bias, []float64{gb}, scale)
		return nil
	}})
	out.Add("mae", nn.Scalar(mae))
	return out, nil
}

// Predict returns the prediction of the batch's first sample
func (m *LinearDetector) Predict(_ context.Context, b nn.Batch) (any, error) {
	xs, err := features(b)
	if err != nil {
		return nil, err
	}
	if len(xs) == 0 {
		return nil, errors.New("empty batch")
	}
	return m.predict(xs[0])
}

func accumulate(p *nn.Parameter, g []float64, scale float64) {
	if !p.RequiresGrad {
		return
	}
	scaled := make([]float64, len(g))
	for i, v := range g {
		scaled[i] = scale * v
	}
	p.AccumulateGrad(scaled)
}

func features(b nn.Batch) ([][]float64, error) {
	imgs, ok := b["img"].([]any)
	if !ok {
		return nil, errors.New("batch has no img field")
	}
	xs := make([][]float64, len(imgs))
	for k, v := range imgs {
		x, ok := v.([]float64)
		if !ok {
			return nil, errors.Errorf("img %d is %T, not []float64", k, v)
		}
		xs[k] = x
	}
	return xs, nil
}
