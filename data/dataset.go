// Package data turns datasets into batched, prefetched streams for the
// training loop. Datasets themselves (file formats, annotations) live behind
// the Dataset interface.
package data

import (
	"context"
	"encoding/json"
	"math/rand/v2"

	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// Sample is one pipeline output keyed by field name
type Sample map[string]any

// Dataset is an indexable collection of samples
type Dataset interface {
	Len() int
	Get(ctx context.Context, idx int) (Sample, error)
}

// GroupFlagger is implemented by datasets that split their samples into
// aspect ratio groups. Batches are drawn from a single group.
type GroupFlagger interface {
	Flags() []uint8
}

// Evaluator is implemented by datasets that can score model predictions.
// results[i] is the prediction for sample i.
type Evaluator interface {
	Evaluate(ctx context.Context, results []any, metrics []string, opts map[string]any) (map[string]float64, error)
}

// ResultDecoder is implemented by datasets whose predictions cross process
// boundaries as JSON. DecodeResult restores one prediction.
type ResultDecoder interface {
	DecodeResult(raw json.RawMessage) (any, error)
}

// MetaKey is the batch field holding per-sample metadata
const MetaKey = "img_meta"

// Meta is the metadata record carried by every sample
type Meta map[string]any

// Filename returns the source file name recorded in the metadata
func (m Meta) Filename() string {
	name, _ := m["filename"].(string)
	return name
}

// Filenames lists the source file of every sample in a collated batch
func Filenames(b nn.Batch) []string {
	metas, _ := b[MetaKey].([]any)
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		switch v := m.(type) {
		case Meta:
			names = append(names, v.Filename())
		case map[string]any:
			names = append(names, Meta(v).Filename())
		}
	}
	return names
}

// NumSamples returns how many samples a collated batch holds, counted on key
func NumSamples(b nn.Batch, key string) int {
	if v, ok := b[key].([]any); ok {
		return len(v)
	}
	return 0
}

type randKey struct{}

// WithRand attaches the worker's random source to ctx
func WithRand(ctx context.Context, r *rand.Rand) context.Context {
	return context.WithValue(ctx, randKey{}, r)
}

// RandFrom returns the worker's random source, or a fresh unseeded one when
// ctx carries none
func RandFrom(ctx context.Context) *rand.Rand {
	if r, ok := ctx.Value(randKey{}).(*rand.Rand); ok && r != nil {
		return r
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

func flagsOf(ds Dataset) []uint8 {
	if f, ok := ds.(GroupFlagger); ok {
		return f.Flags()
	}
	return make([]uint8, ds.Len())
}
