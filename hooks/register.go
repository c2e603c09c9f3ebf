package hooks

import (
	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// RegisterTrainingHooks installs the standard hooks in their fixed order:
// the lr hook and the optimizer hook (swapped when lrFirst is false), the
// checkpoint hook, the iteration timer and finally the loggers. Loggers run
// at the lowest priority so that they see what evaluation hooks produced.
func RegisterTrainingHooks(r *runner.Runner, lrHook, optHook runner.Hook, ckpt config.CheckpointConfig, logCfg *config.LogConfig, lrFirst bool) error {
	first, second := lrHook, optHook
	if !lrFirst {
		first, second = optHook, lrHook
	}
	for _, h := range []runner.Hook{first, second} {
		if h != nil {
			r.RegisterHook(h, runner.PriorityNormal)
		}
	}

	ckptHook, err := NewCheckpointHook(ckpt)
	if err != nil {
		return err
	}
	r.RegisterHook(ckptHook, runner.PriorityNormal)
	r.RegisterHook(&IterTimerHook{}, runner.PriorityNormal)

	if logCfg == nil {
		return nil
	}
	loggers, err := BuildLoggerHooks(*logCfg)
	if err != nil {
		return err
	}
	for _, h := range loggers {
		r.RegisterHook(h, runner.PriorityVeryLow)
	}
	return nil
}
