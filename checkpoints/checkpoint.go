package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Framework and Version are stamped into every checkpoint this package writes
const (
	Framework = "mmscenegraph-go"
	Version   = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from the file extension. Anything that is
// not .json is treated as binary (.pth, .ckpt, ...).
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatBinary
}

// Checkpoint is a model state dict plus optional optimizer state and
// training metadata
type Checkpoint struct {
	Weights StateDict `json:"weights"`

	// Optimizer state (if saved)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one named entry of a state dict
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Type  string    `json:"type"` // "parameter" or "buffer"
}

// Entry types of WeightTensor
const (
	TypeParameter = "parameter"
	TypeBuffer    = "buffer"
)

// OptimizerState captures optimizer-specific state (momentum, moments, ...)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor is one per-parameter optimizer buffer
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum_buffer", "exp_avg", ...
}

// CheckpointMetadata records where in training the checkpoint was taken.
// Epoch is the number of completed epochs.
type CheckpointMetadata struct {
	Version   string            `json:"version"`
	Framework string            `json:"framework"`
	CreatedAt time.Time         `json:"created_at"`
	Epoch     int               `json:"epoch"`
	Iter      int               `json:"iter"`
	Config    string            `json:"config,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in one format
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes checkpoint to path. The file is replaced atomically.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = Version
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	switch cs.format {
	case FormatJSON:
		var err error
		data, err = json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
	case FormatBinary:
		data = marshalCheckpoint(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create checkpoint directory")
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return &checkpoint, nil
	case FormatBinary:
		checkpoint, err := unmarshalCheckpoint(data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return checkpoint, nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// Save writes checkpoint in the format implied by path
func Save(path string, checkpoint *Checkpoint) error {
	return NewCheckpointSaver(FormatForPath(path)).SaveCheckpoint(checkpoint, path)
}

// Load reads a checkpoint in the format implied by path. Symlinks such as
// latest.pth are followed.
func Load(path string) (*Checkpoint, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s not found", path)
	}
	return NewCheckpointSaver(FormatForPath(resolved)).LoadCheckpoint(resolved)
}

// Convert rewrites src in the format implied by dst
func Convert(src, dst string) error {
	ckpt, err := Load(src)
	if err != nil {
		return err
	}
	return Save(dst, ckpt)
}

// Remap copies every stored key under the prefixes of align into their new
// names and writes the result to dst
func Remap(src, dst string, align map[string]string) error {
	ckpt, err := Load(src)
	if err != nil {
		return err
	}
	ckpt.Weights = ApplyAlignDict(ckpt.Weights, align)
	return Save(dst, ckpt)
}
