package optimizer

import (
	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// Build creates the optimizer described by cfg over the trainable
// parameters of m. Parameters under any of cfg.FreezeModules are switched
// off (RequiresGrad=false) and left out of the groups, as are parameters
// that were already frozen.
func Build(m nn.Model, cfg config.OptimizerConfig) (Optimizer, error) {
	kind := cfg.Kind
	if kind == config.OptimizerUnknown {
		var err error
		if kind, err = config.ParseOptimizerKind(cfg.Type); err != nil {
			return nil, err
		}
	}
	if cfg.LR <= 0 {
		return nil, errors.Errorf("optimizer lr must be positive, got %g", cfg.LR)
	}

	params := TrainableParameters(m, cfg.FreezeModules)
	if len(params) == 0 {
		return nil, errors.New("model has no trainable parameters")
	}
	groups := []*ParamGroup{NewParamGroup(params, cfg.LR)}

	var (
		opt Optimizer
		err error
	)
	switch kind {
	case config.OptimizerSGD:
		opt, err = NewSGDOptimizer(SGDConfig{
			LearningRate: cfg.LR,
			Momentum:     cfg.Momentum,
			Dampening:    cfg.Dampening,
			WeightDecay:  cfg.WeightDecay,
			Nesterov:     cfg.Nesterov,
		}, groups)
	case config.OptimizerAdam:
		c := DefaultAdamConfig()
		c.LearningRate = cfg.LR
		c.WeightDecay = cfg.WeightDecay
		if len(cfg.Betas) == 2 {
			c.Beta1, c.Beta2 = cfg.Betas[0], cfg.Betas[1]
		} else if len(cfg.Betas) != 0 {
			return nil, errors.Errorf("adam betas need two values, got %d", len(cfg.Betas))
		}
		if cfg.Eps > 0 {
			c.Epsilon = cfg.Eps
		}
		opt, err = NewAdamOptimizer(c, groups)
	case config.OptimizerRMSprop:
		c := DefaultRMSPropConfig()
		c.LearningRate = cfg.LR
		c.WeightDecay = cfg.WeightDecay
		c.Momentum = cfg.Momentum
		c.Centered = cfg.Centered
		if cfg.Alpha > 0 {
			c.Alpha = cfg.Alpha
		}
		if cfg.Eps > 0 {
			c.Epsilon = cfg.Eps
		}
		opt, err = NewRMSPropOptimizer(c, groups)
	case config.OptimizerAdagrad:
		c := DefaultAdaGradConfig()
		c.LearningRate = cfg.LR
		c.WeightDecay = cfg.WeightDecay
		c.LRDecay = cfg.LRDecay
		if cfg.Eps > 0 {
			c.Epsilon = cfg.Eps
		}
		opt, err = NewAdaGradOptimizer(c, groups)
	default:
		return nil, errors.Errorf("unsupported optimizer %s", kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s optimizer", kind)
	}
	return opt, nil
}

// TrainableParameters freezes every parameter under one of the frozen
// module prefixes and returns the ones that still require gradients
func TrainableParameters(m nn.Model, frozen []string) []*nn.Parameter {
	var out []*nn.Parameter
	for _, p := range nn.Unwrap(m).NamedParameters() {
		for _, prefix := range frozen {
			if p.HasPrefix(prefix) {
				p.RequiresGrad = false
				p.ZeroGrad()
				break
			}
		}
		if p.RequiresGrad {
			out = append(out, p)
		}
	}
	return out
}
