package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// CheckpointHook saves the model every Interval training epochs. Only rank
// 0 writes.
type CheckpointHook struct {
	runner.BaseHook

	Interval      int
	SaveOptimizer bool
	OutDir        string
	MaxKeepCkpts  int

	// Template is the file name pattern, formatted with the epoch number
	Template string
}

// NewCheckpointHook builds the hook from checkpoint_config
func NewCheckpointHook(cfg config.CheckpointConfig) (*CheckpointHook, error) {
	h := &CheckpointHook{
		Interval:      cfg.Interval,
		SaveOptimizer: cfg.SaveOptimizer == nil || *cfg.SaveOptimizer,
		OutDir:        cfg.OutDir,
		MaxKeepCkpts:  cfg.MaxKeepCkpts,
		Template:      runner.DefaultCheckpointTemplate,
	}
	if h.Interval == 0 {
		h.Interval = 1
	}
	if h.Interval < 0 {
		return nil, errors.Errorf("checkpoint interval must be positive, got %d", cfg.Interval)
	}
	switch cfg.Format {
	case "", "pth", "binary":
	case "json":
		h.Template = "epoch_%d.json"
	default:
		return nil, errors.Errorf("%q is not a supported checkpoint format", cfg.Format)
	}
	return h, nil
}

func (h *CheckpointHook) Name() string { return "CheckpointHook" }

func (h *CheckpointHook) AfterEpoch(_ context.Context, r *runner.Runner) error {
	if r.Mode() != runner.ModeTrain || (r.Epoch()+1)%h.Interval != 0 || r.Rank() != 0 {
		return nil
	}
	out := h.OutDir
	if out == "" {
		out = r.WorkDir()
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}
	path, err := r.SaveCheckpoint(out, h.Template, h.SaveOptimizer, nil, true)
	if err != nil {
		return err
	}
	r.Logger().Info("saved checkpoint", "path", path)

	if h.MaxKeepCkpts > 0 {
		h.prune(r, out, r.Epoch()+1)
	}
	return nil
}

// prune removes the checkpoints older than the newest MaxKeepCkpts. It
// walks backwards and stops at the first gap.
func (h *CheckpointHook) prune(r *runner.Runner, dir string, current int) {
	for e := current - h.MaxKeepCkpts; e > 0; e-- {
		path := filepath.Join(dir, fmt.Sprintf(h.Template, e))
		if _, err := os.Stat(path); err != nil {
			return
		}
		if err := os.Remove(path); err != nil {
			r.Logger().Warn("failed to remove old checkpoint", "path", path, "error", err)
			return
		}
	}
}
