package optimizer

import (
	"math"

	"github.com/yizhe-ang/MMSceneGraph/checkpoints"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64
	LRDecay      float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		LRDecay:      0.0,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

// AdaGradOptimizerState scales each coordinate by its accumulated squared
// gradient
type AdaGradOptimizerState struct {
	base
	config AdaGradConfig
	sum    buffers
}

// NewAdaGradOptimizer creates an AdaGrad optimizer over groups
func NewAdaGradOptimizer(config AdaGradConfig, groups []*ParamGroup) (*AdaGradOptimizerState, error) {
	if err := checkGroups(groups, config.LearningRate); err != nil {
		return nil, err
	}
	return &AdaGradOptimizerState{
		base:   base{groups: groups},
		config: config,
		sum:    buffers{},
	}, nil
}

func (a *AdaGradOptimizerState) Type() string { return "Adagrad" }

func (a *AdaGradOptimizerState) Step() error {
	c := a.config
	// decay uses the number of completed steps
	decay := 1 + float64(a.stepCount)*c.LRDecay
	a.each(func(g *ParamGroup, p *nn.Parameter) {
		sum := a.sum.get(p)
		clr := g.LR / decay
		for i := range p.Data {
			grad := p.Grad[i]
			if c.WeightDecay != 0 {
				grad += c.WeightDecay * p.Data[i]
			}
			sum[i] += grad * grad
			p.Data[i] -= clr * grad / (math.Sqrt(sum[i]) + c.Epsilon)
		}
	})
	a.stepCount++
	return nil
}

func (a *AdaGradOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := a.newState(a.Type())
	state.Parameters["lr_decay"] = a.config.LRDecay
	state.Parameters["epsilon"] = a.config.Epsilon
	state.Parameters["weight_decay"] = a.config.WeightDecay
	state.StateData = extractBufferState(a.params(), a.sum, "sum")
	return state, nil
}

func (a *AdaGradOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := a.loadBase(a.Type(), state); err != nil {
		return err
	}
	sum, err := restoreBufferState(a.params(), state.StateData, "sum")
	if err != nil {
		return err
	}
	a.config.LRDecay = extractFloatParam(state.Parameters, "lr_decay", a.config.LRDecay)
	a.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.sum = sum
	return nil
}
