package apis

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/dist/natsdist"
)

// Launchers accepted by InitDist
const (
	LauncherNone  = "none"
	LauncherLocal = "local"
	LauncherNATS  = "nats"
)

// LaunchConfig says how this process joins a job
type LaunchConfig struct {
	Launcher  string
	Rank      int
	WorldSize int
	Params    config.DistParams
	Timeout   time.Duration
	Logger    *slog.Logger
}

// InitDist returns one collective per rank hosted by this process and a
// function releasing them. "none" hosts a single non-distributed rank,
// "local" hosts WorldSize ranks in process and "nats" joins a multi-process
// job as Rank.
func InitDist(lc LaunchConfig) ([]dist.Collective, func() error, error) {
	noop := func() error { return nil }

	switch lc.Launcher {
	case "", LauncherNone:
		return []dist.Collective{dist.Local()}, noop, nil

	case LauncherLocal:
		if lc.WorldSize <= 0 {
			return nil, nil, errors.Errorf("local launcher needs a positive world size, got %d", lc.WorldSize)
		}
		return dist.NewGroup(lc.WorldSize), noop, nil

	case LauncherNATS:
		if lc.Params.Backend != "" && lc.Params.Backend != LauncherNATS {
			return nil, nil, errors.Errorf("nats launcher cannot use backend %q", lc.Params.Backend)
		}
		url := lc.Params.URL
		if url == "" {
			url = nats.DefaultURL
		}
		c, err := natsdist.Connect(natsdist.Config{
			URL:       url,
			JobID:     lc.Params.JobID,
			Rank:      lc.Rank,
			WorldSize: lc.WorldSize,
			Timeout:   lc.Timeout,
			Logger:    lc.Logger,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to join job")
		}
		return []dist.Collective{c}, c.Close, nil
	}
	return nil, nil, errors.Errorf("unknown launcher %q", lc.Launcher)
}
