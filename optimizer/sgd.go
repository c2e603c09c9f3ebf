package optimizer

import (
	"fmt"

	"github.com/yizhe-ang/MMSceneGraph/checkpoints"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		Dampening:    0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGDOptimizerState is stochastic gradient descent with optional momentum
type SGDOptimizerState struct {
	base
	config   SGDConfig
	momentum buffers
}

// NewSGDOptimizer creates an SGD optimizer over groups. Groups with a zero
// learning rate inherit config.LearningRate.
func NewSGDOptimizer(config SGDConfig, groups []*ParamGroup) (*SGDOptimizerState, error) {
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}
	if err := checkGroups(groups, config.LearningRate); err != nil {
		return nil, err
	}
	return &SGDOptimizerState{
		base:     base{groups: groups},
		config:   config,
		momentum: buffers{},
	}, nil
}

func (s *SGDOptimizerState) Type() string { return "SGD" }

// Step applies p -= lr * d where d is the (momentum-smoothed) gradient
func (s *SGDOptimizerState) Step() error {
	c := s.config
	s.each(func(g *ParamGroup, p *nn.Parameter) {
		d := make([]float64, len(p.Grad))
		copy(d, p.Grad)
		if c.WeightDecay != 0 {
			for i := range d {
				d[i] += c.WeightDecay * p.Data[i]
			}
		}
		if c.Momentum != 0 {
			buf, seen := s.momentum[p.Name]
			if !seen {
				buf = make([]float64, len(d))
				copy(buf, d)
				s.momentum[p.Name] = buf
			} else {
				for i := range buf {
					buf[i] = c.Momentum*buf[i] + (1-c.Dampening)*d[i]
				}
			}
			if c.Nesterov {
				for i := range d {
					d[i] += c.Momentum * buf[i]
				}
			} else {
				copy(d, buf)
			}
		}
		for i := range p.Data {
			p.Data[i] -= g.LR * d[i]
		}
	})
	s.stepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (s *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := s.newState(s.Type())
	state.Parameters["momentum"] = s.config.Momentum
	state.Parameters["dampening"] = s.config.Dampening
	state.Parameters["weight_decay"] = s.config.WeightDecay
	state.Parameters["nesterov"] = boolParam(s.config.Nesterov)
	state.StateData = extractBufferState(s.params(), s.momentum, "momentum_buffer")
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (s *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := s.loadBase(s.Type(), state); err != nil {
		return err
	}
	momentum, err := restoreBufferState(s.params(), state.StateData, "momentum_buffer")
	if err != nil {
		return err
	}
	s.config.Momentum = extractFloatParam(state.Parameters, "momentum", s.config.Momentum)
	s.config.Dampening = extractFloatParam(state.Parameters, "dampening", s.config.Dampening)
	s.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", s.config.WeightDecay)
	s.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", s.config.Nesterov)
	s.momentum = momentum
	return nil
}

// checkGroups validates groups and fills in missing learning rates
func checkGroups(groups []*ParamGroup, lr float64) error {
	if len(groups) == 0 {
		return fmt.Errorf("optimizer got an empty parameter list")
	}
	seen := map[string]bool{}
	for i, g := range groups {
		if g.LR == 0 {
			g.LR = lr
		}
		if g.InitialLR == 0 {
			g.InitialLR = g.LR
		}
		if g.LR < 0 {
			return fmt.Errorf("invalid learning rate %g in group %d", g.LR, i)
		}
		for _, p := range g.Params {
			if seen[p.Name] {
				return fmt.Errorf("parameter %s appears in more than one group", p.Name)
			}
			seen[p.Name] = true
		}
	}
	return nil
}
