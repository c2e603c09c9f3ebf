package checkpoints

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// wrapperPrefix is prepended to every key by data-parallel wrappers
const wrapperPrefix = "module."

// StateDict is an ordered list of named tensors
type StateDict []WeightTensor

// Get returns the entry named name
func (sd StateDict) Get(name string) (WeightTensor, bool) {
	for _, w := range sd {
		if w.Name == name {
			return w, true
		}
	}
	return WeightTensor{}, false
}

// Names lists the keys in order
func (sd StateDict) Names() []string {
	out := make([]string, len(sd))
	for i, w := range sd {
		out[i] = w.Name
	}
	return out
}

// NumElements is the total number of stored values
func (sd StateDict) NumElements() int {
	n := 0
	for _, w := range sd {
		n += len(w.Data)
	}
	return n
}

// StateDictFromModel copies every parameter and buffer of the innermost
// model, so names never carry a wrapper prefix
func StateDictFromModel(m nn.Model) StateDict {
	inner := nn.Unwrap(m)
	var sd StateDict
	for _, p := range inner.NamedParameters() {
		sd = append(sd, WeightTensor{
			Name:  p.Name,
			Shape: slices.Clone(p.Shape),
			Data:  slices.Clone(p.Data),
			Type:  TypeParameter,
		})
	}
	if bh, ok := inner.(nn.BufferHolder); ok {
		for _, b := range bh.NamedBuffers() {
			sd = append(sd, WeightTensor{
				Name:  b.Name,
				Shape: slices.Clone(b.Shape),
				Data:  slices.Clone(b.Data),
				Type:  TypeBuffer,
			})
		}
	}
	return sd
}

// LoadReport lists the keys that did not line up during a load
type LoadReport struct {
	Missing       []string
	Unexpected    []string
	ShapeMismatch []string
}

// Clean reports whether every key matched
func (r *LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 && len(r.ShapeMismatch) == 0
}

func (r *LoadReport) String() string {
	var parts []string
	if len(r.Unexpected) > 0 {
		parts = append(parts, "unexpected key in source state_dict: "+strings.Join(r.Unexpected, ", "))
	}
	if len(r.Missing) > 0 {
		parts = append(parts, "missing keys in source state_dict: "+strings.Join(r.Missing, ", "))
	}
	if len(r.ShapeMismatch) > 0 {
		parts = append(parts, "size mismatch for: "+strings.Join(r.ShapeMismatch, ", "))
	}
	return strings.Join(parts, "\n")
}

type target struct {
	shape []int
	data  []float64
}

// LoadStateDict copies matching entries of sd into the model. A leading
// "module." is stripped from stored keys. Entries whose shape differs are
// left untouched. With strict set any mismatch is an error; otherwise it is
// logged as a warning.
func LoadStateDict(m nn.Model, sd StateDict, strict bool, logger *slog.Logger) (*LoadReport, error) {
	inner := nn.Unwrap(m)
	targets := map[string]target{}
	var order []string
	for _, p := range inner.NamedParameters() {
		targets[p.Name] = target{shape: p.Shape, data: p.Data}
		order = append(order, p.Name)
	}
	if bh, ok := inner.(nn.BufferHolder); ok {
		for _, b := range bh.NamedBuffers() {
			targets[b.Name] = target{shape: b.Shape, data: b.Data}
			order = append(order, b.Name)
		}
	}

	report := &LoadReport{}
	seen := map[string]bool{}
	for _, w := range sd {
		name := strings.TrimPrefix(w.Name, wrapperPrefix)
		t, ok := targets[name]
		if !ok {
			report.Unexpected = append(report.Unexpected, name)
			continue
		}
		seen[name] = true
		if !slices.Equal(t.shape, w.Shape) || len(t.data) != len(w.Data) {
			report.ShapeMismatch = append(report.ShapeMismatch,
				fmt.Sprintf("%s (model %v, checkpoint %v)", name, t.shape, w.Shape))
			continue
		}
		copy(t.data, w.Data)
	}
	for _, name := range order {
		if !seen[name] {
			report.Missing = append(report.Missing, name)
		}
	}

	if report.Clean() {
		return report, nil
	}
	if strict {
		return report, errors.Errorf("error(s) in loading state_dict:\n%s", report)
	}
	if logger != nil {
		logger.Warn("state_dict mismatch",
			"missing", len(report.Missing),
			"unexpected", len(report.Unexpected),
			"size_mismatch", len(report.ShapeMismatch),
			"detail", report.String())
	}
	return report, nil
}

// ApplyAlignDict copies stored weights to new names. For each (dst, src)
// pair every key under the src prefix is duplicated under dst; the original
// keys stay. Existing dst keys are overwritten. Pairs are applied in sorted
// dst order.
func ApplyAlignDict(sd StateDict, align map[string]string) StateDict {
	if len(align) == 0 {
		return sd
	}
	out := slices.Clone(sd)
	index := map[string]int{}
	for i, w := range out {
		index[w.Name] = i
	}

	dsts := make([]string, 0, len(align))
	for dst := range align {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)

	for _, dst := range dsts {
		src := align[dst]
		for _, w := range sd {
			if !nn.ModuleHasPrefix(w.Name, src) {
				continue
			}
			copied := WeightTensor{
				Name:  dst + strings.TrimPrefix(w.Name, src),
				Shape: slices.Clone(w.Shape),
				Data:  slices.Clone(w.Data),
				Type:  w.Type,
			}
			if i, ok := index[copied.Name]; ok {
				out[i] = copied
				continue
			}
			index[copied.Name] = len(out)
			out = append(out, copied)
		}
	}
	return out
}

// LoadCheckpoint reads path, applies align and loads the weights into m
// non-strictly. The checkpoint is returned for callers that need its meta or
// optimizer state.
func LoadCheckpoint(m nn.Model, path string, align map[string]string, logger *slog.Logger) (*Checkpoint, error) {
	ckpt, err := Load(path)
	if err != nil {
		return nil, err
	}
	sd := ApplyAlignDict(ckpt.Weights, align)
	if _, err := LoadStateDict(m, sd, false, logger); err != nil {
		return nil, err
	}
	return ckpt, nil
}

// Summary describes a checkpoint without its tensor data
type Summary struct {
	Format       CheckpointFormat
	Tensors      int
	Elements     int
	Buffers      int
	HasOptimizer bool
	Metadata     CheckpointMetadata
	Names        []string
}

// Inspect summarizes the checkpoint at path
func Inspect(path string) (*Summary, error) {
	ckpt, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		Format:       FormatForPath(path),
		Tensors:      len(ckpt.Weights),
		Elements:     ckpt.Weights.NumElements(),
		HasOptimizer: ckpt.OptimizerState != nil,
		Metadata:     ckpt.Metadata,
		Names:        ckpt.Weights.Names(),
	}
	for _, w := range ckpt.Weights {
		if w.Type == TypeBuffer {
			s.Buffers++
		}
	}
	return s, nil
}

// Write prints the summary in a human readable form
func (s *Summary) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "format: %s\nframework: %s %s\ncreated: %s\nepoch: %d\niter: %d\ntensors: %d (%d buffers)\nelements: %d\noptimizer state: %t\n",
		s.Format, s.Metadata.Framework, s.Metadata.Version, s.Metadata.CreatedAt.Format("2006-01-02 15:04:05"),
		s.Metadata.Epoch, s.Metadata.Iter, s.Tensors, s.Buffers, s.Elements, s.HasOptimizer)
	if err != nil {
		return err
	}
	for _, name := range s.Names {
		if _, err := fmt.Fprintf(w, "  %s\n", name); err != nil {
			return err
		}
	}
	return nil
}
