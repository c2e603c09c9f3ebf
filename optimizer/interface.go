package optimizer

import (
	"fmt"

	"github.com/yizhe-ang/MMSceneGraph/checkpoints"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality
type Optimizer interface {
	// Step performs a single optimization step over every parameter that
	// received a gradient since the last ZeroGrad
	Step() error

	// ZeroGrad clears the gradients of all managed parameters
	ZeroGrad()

	// ParamGroups exposes the parameter groups so schedulers can rewrite
	// their learning rates
	ParamGroups() []*ParamGroup

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate sets the learning rate of every group
	UpdateLearningRate(lr float64)

	// Type names the update rule ("SGD", "Adam", ...)
	Type() string
}

// ParamGroup is a set of parameters sharing one learning rate. InitialLR is
// the rate the group was built with; schedulers derive every later value
// from it.
type ParamGroup struct {
	Params    []*nn.Parameter
	LR        float64
	InitialLR float64
}

// NewParamGroup creates a group whose current and initial rate are lr
func NewParamGroup(params []*nn.Parameter, lr float64) *ParamGroup {
	return &ParamGroup{Params: params, LR: lr, InitialLR: lr}
}

// base carries what every optimizer shares
type base struct {
	groups    []*ParamGroup
	stepCount uint64
}

func (b *base) ParamGroups() []*ParamGroup {
	return b.groups
}

func (b *base) ZeroGrad() {
	for _, g := range b.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

func (b *base) GetStepCount() uint64 {
	return b.stepCount
}

func (b *base) UpdateLearningRate(lr float64) {
	for _, g := range b.groups {
		g.LR = lr
	}
}

// each calls fn for every parameter that has a gradient this step
func (b *base) each(fn func(g *ParamGroup, p *nn.Parameter)) {
	for _, g := range b.groups {
		for _, p := range g.Params {
			if p.Grad == nil || !p.RequiresGrad {
				continue
			}
			fn(g, p)
		}
	}
}

// params lists every managed parameter in group order
func (b *base) params() []*nn.Parameter {
	var out []*nn.Parameter
	for _, g := range b.groups {
		out = append(out, g.Params...)
	}
	return out
}

// newState starts a state record with the fields every optimizer stores
func (b *base) newState(optimizerType string) *checkpoints.OptimizerState {
	params := map[string]float64{
		"step_count": float64(b.stepCount),
		"num_groups": float64(len(b.groups)),
	}
	for i, g := range b.groups {
		params[groupKey(i, "lr")] = g.LR
		params[groupKey(i, "initial_lr")] = g.InitialLR
	}
	return &checkpoints.OptimizerState{Type: optimizerType, Parameters: params}
}

// loadBase restores the step count and group learning rates
func (b *base) loadBase(optimizerType string, state *checkpoints.OptimizerState) error {
	if err := validateStateType(optimizerType, state); err != nil {
		return err
	}
	if n := int(extractFloatParam(state.Parameters, "num_groups", float64(len(b.groups)))); n != len(b.groups) {
		return fmt.Errorf("param group count mismatch: optimizer has %d, state has %d", len(b.groups), n)
	}
	b.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	for i, g := range b.groups {
		g.LR = extractFloatParam(state.Parameters, groupKey(i, "lr"), g.LR)
		g.InitialLR = extractFloatParam(state.Parameters, groupKey(i, "initial_lr"), g.InitialLR)
	}
	return nil
}

func groupKey(i int, field string) string {
	return fmt.Sprintf("group_%d.%s", i, field)
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
