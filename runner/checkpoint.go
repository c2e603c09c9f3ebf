package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/checkpoints"
	"github.com/yizhe-ang/MMSceneGraph/logging"
)

// DefaultCheckpointTemplate names checkpoints after the epoch they complete
const DefaultCheckpointTemplate = "epoch_%d.pth"

// LatestLink is the symlink kept next to the newest checkpoint
const LatestLink = "latest.pth"

// SaveCheckpoint writes the model (and optionally the optimizer) to
// outDir/fmt.Sprintf(tmpl, epoch+1). The stored epoch is the number of
// completed epochs, so resuming continues with the next one. extra is
// merged over the runner's meta.
func (r *Runner) SaveCheckpoint(outDir, tmpl string, saveOptimizer bool, extra map[string]string, symlink bool) (string, error) {
	if tmpl == "" {
		tmpl = DefaultCheckpointTemplate
	}
	name := fmt.Sprintf(tmpl, r.epoch+1)
	path := filepath.Join(outDir, name)

	meta := checkpoints.CheckpointMetadata{
		Epoch: r.epoch + 1,
		Iter:  r.iter,
		RunID: r.runID,
		Extra: map[string]string{},
	}
	for _, m := range []map[string]string{r.meta, extra} {
		for k, v := range m {
			if k == "config" {
				meta.Config = v
				continue
			}
			meta.Extra[k] = v
		}
	}
	if len(meta.Extra) == 0 {
		meta.Extra = nil
	}

	ckpt := &checkpoints.Checkpoint{
		Weights:  checkpoints.StateDictFromModel(r.model),
		Metadata: meta,
	}
	if saveOptimizer && r.optimizer != nil {
		state, err := r.optimizer.GetState()
		if err != nil {
			return "", errors.Wrap(err, "failed to extract optimizer state")
		}
		ckpt.OptimizerState = state
	}
	if err := checkpoints.Save(path, ckpt); err != nil {
		return "", err
	}

	if symlink {
		link := filepath.Join(outDir, LatestLink)
		if _, err := os.Lstat(link); err == nil {
			if err := os.Remove(link); err != nil {
				return "", errors.Wrap(err, "failed to remove old latest link")
			}
		}
		if err := os.Symlink(name, link); err != nil {
			return "", errors.Wrap(err, "failed to link latest checkpoint")
		}
	}
	return path, nil
}

// ResumeOptions tunes Resume
type ResumeOptions struct {
	// ResumeOptimizer restores the optimizer state when the checkpoint has one
	ResumeOptimizer bool
}

// DefaultResumeOptions restores everything
func DefaultResumeOptions() ResumeOptions {
	return ResumeOptions{ResumeOptimizer: true}
}

// Resume restores weights, epoch, iter and (optionally) the optimizer from
// the checkpoint at path
func (r *Runner) Resume(path string, opts ResumeOptions) error {
	ckpt, err := checkpoints.LoadCheckpoint(r.model, path, nil, logging.With(r.logger, logging.Checkpoint))
	if err != nil {
		return errors.Wrapf(err, "failed to resume from %s", path)
	}
	r.epoch = ckpt.Metadata.Epoch
	r.iter = ckpt.Metadata.Iter
	if opts.ResumeOptimizer && ckpt.OptimizerState != nil && r.optimizer != nil {
		if err := r.optimizer.LoadState(ckpt.OptimizerState); err != nil {
			return errors.Wrap(err, "failed to restore optimizer state")
		}
	}
	r.logger.Info("resumed", "path", path, "epoch", r.epoch, "iter", r.iter)
	return nil
}

// LoadCheckpoint copies weights from path into the model, renaming stored
// prefixes through align first. Training state is untouched.
func (r *Runner) LoadCheckpoint(path string, align map[string]string) (*checkpoints.Checkpoint, error) {
	r.logger.Info("load checkpoint", "path", path)
	ckpt, err := checkpoints.LoadCheckpoint(r.model, path, align, logging.With(r.logger, logging.Checkpoint))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load checkpoint %s", path)
	}
	return ckpt, nil
}
