package optimizer

import (
	"fmt"
	"slices"

	"github.com/yizhe-ang/MMSceneGraph/checkpoints"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// Common helper functions for optimizer state management

// buffers holds one kind of per-parameter state keyed by parameter name
type buffers map[string][]float64

// get returns the buffer for p, allocating a zeroed one on first use
func (b buffers) get(p *nn.Parameter) []float64 {
	buf, ok := b[p.Name]
	if !ok {
		buf = make([]float64, len(p.Data))
		b[p.Name] = buf
	}
	return buf
}

// extractBufferState copies every buffer of params into state tensors, in
// parameter order
func extractBufferState(params []*nn.Parameter, b buffers, stateType string) []checkpoints.OptimizerTensor {
	var out []checkpoints.OptimizerTensor
	for _, p := range params {
		buf, ok := b[p.Name]
		if !ok {
			continue
		}
		out = append(out, checkpoints.OptimizerTensor{
			Name:      p.Name,
			Shape:     slices.Clone(p.Shape),
			Data:      slices.Clone(buf),
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferState rebuilds b from the state tensors of stateType. Entries
// for parameters the optimizer does not manage are ignored.
func restoreBufferState(params []*nn.Parameter, state []checkpoints.OptimizerTensor, stateType string) (buffers, error) {
	sizes := make(map[string]int, len(params))
	for _, p := range params {
		sizes[p.Name] = len(p.Data)
	}
	out := buffers{}
	for _, t := range state {
		if t.StateType != stateType {
			continue
		}
		n, ok := sizes[t.Name]
		if !ok {
			continue
		}
		if len(t.Data) != n {
			return nil, fmt.Errorf("data size mismatch for %s %s: expected %d elements, got %d",
				stateType, t.Name, n, len(t.Data))
		}
		out[t.Name] = slices.Clone(t.Data)
	}
	return out, nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok {
		return uint64(val)
	}
	return defaultValue
}

func boolParam(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
