package optimizer

import (
	"fmt"
	"math"

	"github.com/yizhe-ang/MMSceneGraph/checkpoints"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64 // smoothing constant of the squared-gradient average
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// RMSPropOptimizerState divides the gradient by a running RMS of its history
type RMSPropOptimizerState struct {
	base
	config    RMSPropConfig
	squareAvg buffers
	gradAvg   buffers
	momentum  buffers
}

// NewRMSPropOptimizer creates an RMSProp optimizer over groups
func NewRMSPropOptimizer(config RMSPropConfig, groups []*ParamGroup) (*RMSPropOptimizerState, error) {
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("invalid alpha %g", config.Alpha)
	}
	if err := checkGroups(groups, config.LearningRate); err != nil {
		return nil, err
	}
	return &RMSPropOptimizerState{
		base:      base{groups: groups},
		config:    config,
		squareAvg: buffers{},
		gradAvg:   buffers{},
		momentum:  buffers{},
	}, nil
}

func (r *RMSPropOptimizerState) Type() string { return "RMSprop" }

func (r *RMSPropOptimizerState) Step() error {
	c := r.config
	r.each(func(g *ParamGroup, p *nn.Parameter) {
		sq := r.squareAvg.get(p)
		var ga, buf []float64
		if c.Centered {
			ga = r.gradAvg.get(p)
		}
		if c.Momentum > 0 {
			buf = r.momentum.get(p)
		}
		for i := range p.Data {
			grad := p.Grad[i]
			if c.WeightDecay != 0 {
				grad += c.WeightDecay * p.Data[i]
			}
			sq[i] = c.Alpha*sq[i] + (1-c.Alpha)*grad*grad
			var avg float64
			if c.Centered {
				ga[i] = c.Alpha*ga[i] + (1-c.Alpha)*grad
				avg = math.Sqrt(sq[i]-ga[i]*ga[i]) + c.Epsilon
			} else {
				avg = math.Sqrt(sq[i]) + c.Epsilon
			}
			if c.Momentum > 0 {
				buf[i] = c.Momentum*buf[i] + grad/avg
				p.Data[i] -= g.LR * buf[i]
			} else {
				p.Data[i] -= g.LR * grad / avg
			}
		}
	})
	r.stepCount++
	return nil
}

func (r *RMSPropOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := r.newState(r.Type())
	state.Parameters["alpha"] = r.config.Alpha
	state.Parameters["epsilon"] = r.config.Epsilon
	state.Parameters["weight_decay"] = r.config.WeightDecay
	state.Parameters["momentum"] = r.config.Momentum
	state.Parameters["centered"] = boolParam(r.config.Centered)
	params := r.params()
	state.StateData = append(state.StateData, extractBufferState(params, r.squareAvg, "square_avg")...)
	state.StateData = append(state.StateData, extractBufferState(params, r.gradAvg, "grad_avg")...)
	state.StateData = append(state.StateData, extractBufferState(params, r.momentum, "momentum_buffer")...)
	return state, nil
}

func (r *RMSPropOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := r.loadBase(r.Type(), state); err != nil {
		return err
	}
	params := r.params()
	squareAvg, err := restoreBufferState(params, state.StateData, "square_avg")
	if err != nil {
		return err
	}
	gradAvg, err := restoreBufferState(params, state.StateData, "grad_avg")
	if err != nil {
		return err
	}
	momentum, err := restoreBufferState(params, state.StateData, "momentum_buffer")
	if err != nil {
		return err
	}
	r.config.Alpha = extractFloatParam(state.Parameters, "alpha", r.config.Alpha)
	r.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", r.config.Epsilon)
	r.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", r.config.WeightDecay)
	r.config.Momentum = extractFloatParam(state.Parameters, "momentum", r.config.Momentum)
	r.config.Centered = extractBoolParam(state.Parameters, "centered", r.config.Centered)
	r.squareAvg, r.gradAvg, r.momentum = squareAvg, gradAvg, momentum
	return nil
}
