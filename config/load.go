package config

import (
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// EnvPrefix marks environment variables that override file values.
// SGG_OPTIMIZER__LR=0.01 sets optimizer.lr.
const EnvPrefix = "SGG_"

// keys in align_dict are dotted module paths, so nesting uses "/"
const delim = "/"

// Defaults applied to keys an experiment leaves out
const (
	DefaultLogInterval = 50
	DefaultImgsPerGPU  = 2
	DefaultLogLevel    = "INFO"
)

// FromFile loads an experiment from a YAML file
func FromFile(path string) (*Experiment, error) {
	exp, err := Load(file.Provider(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config %s", path)
	}
	return exp, nil
}

// FromBytes loads an experiment from YAML text
func FromBytes(b []byte) (*Experiment, error) {
	return Load(rawbytes.Provider(b))
}

type bytesProvider interface {
	ReadBytes() ([]byte, error)
}

// Load reads YAML from provider, overlays SGG_ environment variables,
// decodes the tree, applies defaults and resolves every tagged variant.
func Load(provider bytesProvider) (*Experiment, error) {
	text, err := provider.ReadBytes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}

	k := koanf.New(delim)
	if err := k.Load(rawbytes.Provider(text), yaml.Parser()); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	err = k.Load(env.Provider(EnvPrefix, delim, func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", delim)
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load environment overrides")
	}

	var exp Experiment
	if err := k.Unmarshal("", &exp); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	exp.Text = string(text)

	if err := exp.normalize(); err != nil {
		return nil, err
	}
	return &exp, nil
}

func (e *Experiment) normalize() error {
	if err := e.Model.resolve(); err != nil {
		return err
	}

	kind, err := ParseOptimizerKind(e.Optimizer.Type)
	if err != nil {
		return err
	}
	e.Optimizer.Kind = kind

	// epoch counts, workflow modes and worker counts are checked where they
	// are used (runner.Run, data.NewLoader)
	if e.Data.ImgsPerGPU <= 0 {
		e.Data.ImgsPerGPU = DefaultImgsPerGPU
	}
	if len(e.Workflow) == 0 {
		e.Workflow = []WorkflowStage{{Mode: "train", Epochs: 1}}
	}

	if len(e.GPUIDs) == 0 {
		e.GPUIDs = []int{0}
	}
	if e.LogLevel == "" {
		e.LogLevel = DefaultLogLevel
	}
	if e.LogConfig.Interval <= 0 {
		e.LogConfig.Interval = DefaultLogInterval
	}
	if e.CheckpointConfig.Interval == 0 {
		e.CheckpointConfig.Interval = 1
	}
	return nil
}

// Dump writes the experiment back out as YAML
func Dump(exp *Experiment, w io.Writer) error {
	k := koanf.New(delim)
	if err := k.Load(structs.Provider(exp, "koanf"), nil); err != nil {
		return errors.Wrap(err, "failed to load experiment")
	}
	out, err := k.Marshal(yaml.Parser())
	if err != nil {
		return errors.Wrap(err, "failed to marshal experiment")
	}
	_, err = w.Write(out)
	return err
}

// DumpFile writes the experiment to path
func DumpFile(exp *Experiment, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := Dump(exp, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
