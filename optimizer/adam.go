package optimizer

import (
	"fmt"
	"math"

	"github.com/yizhe-ang/MMSceneGraph/checkpoints"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamOptimizerState is Adam with bias correction. Weight decay is added
// to the gradient (L2), not decoupled.
type AdamOptimizerState struct {
	base
	config   AdamConfig
	expAvg   buffers
	expAvgSq buffers
	steps    buffers // per-parameter step, stored as a one-element buffer
}

// NewAdamOptimizer creates an Adam optimizer over groups
func NewAdamOptimizer(config AdamConfig, groups []*ParamGroup) (*AdamOptimizerState, error) {
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("invalid betas (%g, %g)", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("invalid epsilon %g", config.Epsilon)
	}
	if err := checkGroups(groups, config.LearningRate); err != nil {
		return nil, err
	}
	return &AdamOptimizerState{
		base:     base{groups: groups},
		config:   config,
		expAvg:   buffers{},
		expAvgSq: buffers{},
		steps:    buffers{},
	}, nil
}

func (a *AdamOptimizerState) Type() string { return "Adam" }

// Step performs one bias-corrected Adam update
func (a *AdamOptimizerState) Step() error {
	c := a.config
	a.each(func(g *ParamGroup, p *nn.Parameter) {
		m := a.expAvg.get(p)
		v := a.expAvgSq.get(p)
		step, ok := a.steps[p.Name]
		if !ok {
			step = []float64{0}
			a.steps[p.Name] = step
		}
		step[0]++

		bc1 := 1 - math.Pow(c.Beta1, step[0])
		bc2 := 1 - math.Pow(c.Beta2, step[0])
		stepSize := g.LR / bc1
		for i := range p.Data {
			grad := p.Grad[i]
			if c.WeightDecay != 0 {
				grad += c.WeightDecay * p.Data[i]
			}
			m[i] = c.Beta1*m[i] + (1-c.Beta1)*grad
			v[i] = c.Beta2*v[i] + (1-c.Beta2)*grad*grad
			denom := math.Sqrt(v[i])/math.Sqrt(bc2) + c.Epsilon
			p.Data[i] -= stepSize * m[i] / denom
		}
	})
	a.stepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (a *AdamOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := a.newState(a.Type())
	state.Parameters["beta1"] = a.config.Beta1
	state.Parameters["beta2"] = a.config.Beta2
	state.Parameters["epsilon"] = a.config.Epsilon
	state.Parameters["weight_decay"] = a.config.WeightDecay
	params := a.params()
	state.StateData = append(state.StateData, extractBufferState(params, a.expAvg, "exp_avg")...)
	state.StateData = append(state.StateData, extractBufferState(params, a.expAvgSq, "exp_avg_sq")...)
	for _, p := range params {
		if s, ok := a.steps[p.Name]; ok {
			state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
				Name: p.Name, Shape: []int{1}, Data: []float64{s[0]}, StateType: "step",
			})
		}
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := a.loadBase(a.Type(), state); err != nil {
		return err
	}
	params := a.params()
	expAvg, err := restoreBufferState(params, state.StateData, "exp_avg")
	if err != nil {
		return err
	}
	expAvgSq, err := restoreBufferState(params, state.StateData, "exp_avg_sq")
	if err != nil {
		return err
	}
	steps := buffers{}
	for _, t := range state.StateData {
		if t.StateType == "step" && len(t.Data) == 1 {
			steps[t.Name] = []float64{t.Data[0]}
		}
	}
	a.config.Beta1 = extractFloatParam(state.Parameters, "beta1", a.config.Beta1)
	a.config.Beta2 = extractFloatParam(state.Parameters, "beta2", a.config.Beta2)
	a.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.expAvg, a.expAvgSq, a.steps = expAvg, expAvgSq, steps
	return nil
}
