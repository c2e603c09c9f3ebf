package hooks

import (
	"context"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// LogSink writes one averaged record of the runner's log buffer
type LogSink interface {
	Name() string
	Log(ctx context.Context, r *runner.Runner) error
}

// sinkOpener is implemented by sinks that need the run (work dir, rank)
// before their first record
type sinkOpener interface {
	Open(ctx context.Context, r *runner.Runner) error
}

// sinkCloser is implemented by sinks that hold files or connections
type sinkCloser interface {
	Close() error
}

// LoggerHook averages the log buffer every Interval training iterations and
// at the end of every val epoch, and hands the result to its sink. The last
// logger hook of a runner clears the averaged output once it has been
// written.
type LoggerHook struct {
	runner.BaseHook

	Sink       LogSink
	Interval   int
	IgnoreLast bool
	ResetFlag  bool
}

// NewLoggerHook wraps sink with the default interval of 10
func NewLoggerHook(sink LogSink, interval int) *LoggerHook {
	if interval <= 0 {
		interval = 10
	}
	return &LoggerHook{Sink: sink, Interval: interval, IgnoreLast: true}
}

func (h *LoggerHook) Name() string { return h.Sink.Name() }

func (h *LoggerHook) BeforeRun(ctx context.Context, r *runner.Runner) error {
	all := r.Hooks()
	for i := len(all) - 1; i >= 0; i-- {
		if lh, ok := all[i].(*LoggerHook); ok {
			if lh == h {
				h.ResetFlag = true
			}
			break
		}
	}
	if o, ok := h.Sink.(sinkOpener); ok {
		return o.Open(ctx, r)
	}
	return nil
}

func (h *LoggerHook) AfterRun(context.Context, *runner.Runner) error {
	if c, ok := h.Sink.(sinkCloser); ok {
		return c.Close()
	}
	return nil
}

// BeforeEpoch drops the previous epoch's history
func (h *LoggerHook) BeforeEpoch(_ context.Context, r *runner.Runner) error {
	r.LogBuffer.Clear()
	return nil
}

func (h *LoggerHook) AfterIter(ctx context.Context, r *runner.Runner) error {
	if r.Mode() != runner.ModeTrain {
		return nil
	}
	last := r.DataLoader() != nil && r.InnerIter()+1 == r.DataLoader().Len()
	switch {
	case (r.InnerIter()+1)%h.Interval == 0:
		r.LogBuffer.Average(h.Interval)
	case last && !h.IgnoreLast:
		r.LogBuffer.Average(h.Interval)
	}
	return h.flush(ctx, r)
}

func (h *LoggerHook) AfterEpoch(ctx context.Context, r *runner.Runner) error {
	if r.Mode() == runner.ModeVal {
		r.LogBuffer.Average(0)
	}
	return h.flush(ctx, r)
}

func (h *LoggerHook) flush(ctx context.Context, r *runner.Runner) error {
	if !r.LogBuffer.Ready() {
		return nil
	}
	if err := h.Sink.Log(ctx, r); err != nil {
		return err
	}
	if h.ResetFlag {
		r.LogBuffer.ClearOutput()
	}
	return nil
}

// BuildLoggerHooks builds one hook per log_config.hooks entry
func BuildLoggerHooks(cfg config.LogConfig) ([]*LoggerHook, error) {
	var out []*LoggerHook
	for _, c := range cfg.Hooks {
		interval := cfg.Interval
		if v, ok := c.Get("interval"); ok {
			if n, ok := toInt(v); ok {
				interval = n
			}
		}
		var sink LogSink
		switch c.Type {
		case "TextLoggerHook":
			sink = &TextSink{}
		case "TensorboardLoggerHook":
			s := &TensorboardSink{}
			if v, ok := c.Get("log_dir"); ok {
				s.LogDir, _ = v.(string)
			}
			sink = s
		case "DashboardLoggerHook":
			s, err := newDashboardSink(&c)
			if err != nil {
				return nil, err
			}
			sink = s
		default:
			return nil, errors.Errorf("%q is not a supported logger hook", c.Type)
		}
		h := NewLoggerHook(sink, interval)
		if v, ok := c.Get("ignore_last"); ok {
			if b, ok := v.(bool); ok {
				h.IgnoreLast = b
			}
		}
		out = append(out, h)
	}
	return out, nil
}
