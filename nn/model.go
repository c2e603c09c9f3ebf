package nn

import (
	"context"
	"strings"
)

// Batch is one collated mini-batch keyed by field name (img, img_meta,
// gt_bboxes, ...). Values are whatever the dataset pipeline produced.
type Batch map[string]any

// LossEntry is one named loss returned by a model. Value holds either a
// Tensor or a []Tensor.
type LossEntry struct {
	Name  string
	Value any
}

// LossMap keeps the model's loss outputs in the order the model produced them
type LossMap []LossEntry

// Add appends a named loss
func (m *LossMap) Add(name string, value any) {
	*m = append(*m, LossEntry{Name: name, Value: value})
}

// Parameter is a named trainable tensor. Data and Grad are flat.
type Parameter struct {
	Name         string
	Shape        []int
	Data         []float64
	Grad         []float64
	RequiresGrad bool
}

// NewParameter allocates a zeroed trainable parameter
func NewParameter(name string, shape ...int) *Parameter {
	return &Parameter{
		Name:         name,
		Shape:        shape,
		Data:         make([]float64, numel(shape)),
		RequiresGrad: true,
	}
}

// Numel returns the number of elements
func (p *Parameter) Numel() int {
	return len(p.Data)
}

// AccumulateGrad adds g into the gradient, allocating it on first use
func (p *Parameter) AccumulateGrad(g []float64) {
	if p.Grad == nil {
		p.Grad = make([]float64, len(p.Data))
	}
	for i := range g {
		p.Grad[i] += g[i]
	}
}

// ZeroGrad drops the gradient; a nil gradient means "not touched this step"
func (p *Parameter) ZeroGrad() {
	p.Grad = nil
}

// HasPrefix reports whether the parameter belongs to the module path prefix.
// "backbone" matches "backbone.conv1.weight" but not "backbones.x".
func (p *Parameter) HasPrefix(prefix string) bool {
	return ModuleHasPrefix(p.Name, prefix)
}

// ModuleHasPrefix reports whether a dotted name lives under a module prefix
func ModuleHasPrefix(name, prefix string) bool {
	if prefix == "" {
		return true
	}
	return name == prefix || strings.HasPrefix(name, prefix+".")
}

// Buffer is named, non-trainable model state such as running statistics
type Buffer struct {
	Name  string
	Shape []int
	Data  []float64
}

// Model is the opaque callable the core trains. Forward receives the whole
// batch and returns the named losses.
type Model interface {
	Forward(ctx context.Context, batch Batch) (LossMap, error)
	NamedParameters() []*Parameter
	SetTrain(train bool)
}

// Predictor is implemented by models that can run inference for evaluation
type Predictor interface {
	Predict(ctx context.Context, batch Batch) (any, error)
}

// BufferHolder is implemented by models with non-trainable state
type BufferHolder interface {
	NamedBuffers() []*Buffer
}

// SamplingProbSetter is implemented by sequence models trained with
// scheduled sampling
type SamplingProbSetter interface {
	SetSamplingProb(p float64)
}

// DevicePlacer is implemented by models that can be moved to a device
type DevicePlacer interface {
	To(device int) error
}

// Unwrapper is implemented by wrappers around another model
type Unwrapper interface {
	Module() Model
}

// Unwrap strips every wrapper layer and returns the innermost model
func Unwrap(m Model) Model {
	for {
		w, ok := m.(Unwrapper)
		if !ok {
			return m
		}
		m = w.Module()
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
