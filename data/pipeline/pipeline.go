// Package pipeline builds per-sample transform chains from the pipeline
// step lists of a dataset config.
package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
)

// Transform maps one sample to the next stage. A nil sample with a nil
// error drops the sample.
type Transform interface {
	Apply(ctx context.Context, s data.Sample) (data.Sample, error)
}

// TransformFunc adapts a function to Transform
type TransformFunc func(ctx context.Context, s data.Sample) (data.Sample, error)

func (f TransformFunc) Apply(ctx context.Context, s data.Sample) (data.Sample, error) {
	return f(ctx, s)
}

// Factory builds a transform from the step's parameters
type Factory func(params map[string]any, reg Registry) (Transform, error)

// Registry maps step types to factories
type Registry map[string]Factory

// DefaultRegistry holds the dataset-agnostic steps
func DefaultRegistry() Registry {
	return Registry{
		"Collect": newCollect,
	}
}

// Merge returns a registry with the entries of both, other winning
func (r Registry) Merge(other Registry) Registry {
	out := make(Registry, len(r)+len(other))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Build creates the transform of one step
func (r Registry) Build(step config.Component) (Transform, error) {
	f, ok := r[step.Type]
	if !ok {
		return nil, errors.Errorf("unknown pipeline step %q", step.Type)
	}
	t, err := f(step.Params, r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build pipeline step %s", step.Type)
	}
	return t, nil
}

// Compose applies its transforms in order
type Compose struct {
	transforms []Transform
}

// New builds the chain for steps
func New(steps []config.Component, reg Registry) (*Compose, error) {
	c := &Compose{}
	for _, step := range steps {
		t, err := reg.Build(step)
		if err != nil {
			return nil, err
		}
		c.transforms = append(c.transforms, t)
	}
	return c, nil
}

// Len returns the number of steps
func (c *Compose) Len() int {
	return len(c.transforms)
}

func (c *Compose) Apply(ctx context.Context, s data.Sample) (data.Sample, error) {
	var err error
	for _, t := range c.transforms {
		if s, err = t.Apply(ctx, s); err != nil {
			return nil, err
		}
		if s == nil {
			return nil, nil
		}
	}
	return s, nil
}

// Source produces raw records before any transform runs
type Source interface {
	Len() int
	Record(ctx context.Context, idx int) (data.Sample, error)
}

// Dataset runs a pipeline over the records of a source. Dropped samples are
// replaced by a random other index, the way training sets skip unusable
// images.
type Dataset struct {
	src      Source
	pipeline *Compose
	retries  int
}

// Wrap creates a Dataset
func Wrap(src Source, c *Compose) *Dataset {
	return &Dataset{src: src, pipeline: c, retries: 10}
}

func (d *Dataset) Len() int { return d.src.Len() }

func (d *Dataset) Get(ctx context.Context, idx int) (data.Sample, error) {
	for attempt := 0; attempt <= d.retries; attempt++ {
		rec, err := d.src.Record(ctx, idx)
		if err != nil {
			return nil, err
		}
		s, err := d.pipeline.Apply(ctx, rec)
		if err != nil {
			return nil, errors.Wrapf(err, "pipeline failed on sample %d", idx)
		}
		if s != nil {
			return s, nil
		}
		idx = data.RandFrom(ctx).IntN(d.src.Len())
	}
	return nil, errors.Errorf("pipeline dropped %d samples in a row", d.retries+1)
}

// Flags forwards the source's aspect ratio groups
func (d *Dataset) Flags() []uint8 {
	if f, ok := d.src.(data.GroupFlagger); ok {
		return f.Flags()
	}
	return make([]uint8, d.src.Len())
}
