package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yizhe-ang/MMSceneGraph/apis"
	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/logging"
	"github.com/yizhe-ang/MMSceneGraph/runner"
	"github.com/yizhe-ang/MMSceneGraph/seed"
	"github.com/yizhe-ang/MMSceneGraph/toy"
)

type trainFlags struct {
	config        string
	workDir       string
	resumeFrom    string
	validate      bool
	validateTest  bool
	launcher      string
	rank          int
	worldSize     int
	seed          uint64
	deterministic bool
	captioner     bool
	timeout       time.Duration
}

func TrainCommand() *cobra.Command {
	f := &trainFlags{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model from an experiment file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadExperiment(f, cmd.Flags().Changed("seed"))
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.config, "config", "", "experiment file")
	fl.StringVar(&f.workDir, "work-dir", "", "directory for logs and checkpoints")
	fl.StringVar(&f.resumeFrom, "resume-from", "", "checkpoint to resume from")
	fl.BoolVar(&f.validate, "validate", false, "evaluate on the val split during training")
	fl.BoolVar(&f.validateTest, "validate-test", false, "also evaluate on the test split (captioners only)")
	fl.StringVar(&f.launcher, "launcher", apis.LauncherNone, "job launcher: none, local or nats")
	fl.IntVar(&f.rank, "rank", envInt("RANK", 0), "rank of this process")
	fl.IntVar(&f.worldSize, "world-size", envInt("WORLD_SIZE", 1), "number of ranks in the job")
	fl.Uint64Var(&f.seed, "seed", 0, "random seed")
	fl.BoolVar(&f.deterministic, "deterministic", false, "use deterministic kernels")
	fl.BoolVar(&f.captioner, "captioner", false, "train with the captioning driver")
	fl.DurationVar(&f.timeout, "timeout", 0, "time allowed for ranks to join a nats job")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

// loadExperiment reads the config and applies command line overrides
func loadExperiment(f *trainFlags, seedSet bool) (*config.Experiment, error) {
	cfg, err := config.FromFile(f.config)
	if err != nil {
		return nil, err
	}
	switch {
	case f.workDir != "":
		cfg.WorkDir = f.workDir
	case cfg.WorkDir == "":
		cfg.WorkDir = filepath.Join("work_dirs", configName(f.config))
	}
	if f.resumeFrom != "" {
		cfg.ResumeFrom = f.resumeFrom
	}
	if seedSet {
		s := f.seed
		cfg.Seed = &s
	}
	cfg.Deterministic = cfg.Deterministic || f.deterministic
	return cfg, nil
}

func configName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func runTrain(ctx context.Context, cfg *config.Experiment, f *trainFlags) error {
	launchLogger, _, err := logging.GetRootLogger(cfg.LogLevel, "", f.rank)
	if err != nil {
		return err
	}
	colls, release, err := apis.InitDist(apis.LaunchConfig{
		Launcher:  f.launcher,
		Rank:      f.rank,
		WorldSize: f.worldSize,
		Params:    cfg.DistParams,
		Timeout:   f.timeout,
		Logger:    launchLogger,
	})
	if err != nil {
		return err
	}
	defer release()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create work dir")
	}
	timestamp := time.Now().Format(runner.TimestampLayout)
	distributed := f.launcher != "" && f.launcher != apis.LauncherNone

	if len(colls) == 1 {
		return trainRank(ctx, cfg, f, colls[0], distributed, timestamp)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, coll := range colls {
		g.Go(func() error {
			return trainRank(gctx, cfg, f, coll, distributed, timestamp)
		})
	}
	return g.Wait()
}

func trainRank(ctx context.Context, cfg *config.Experiment, f *trainFlags, coll dist.Collective, distributed bool, timestamp string) error {
	rank := coll.Rank()
	logger, closer, err := logging.GetRootLogger(cfg.LogLevel, filepath.Join(cfg.WorkDir, timestamp+".log"), rank)
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.Info("distributed training", "enabled", distributed, "rank", rank, "world_size", coll.WorldSize())
	if rank == 0 {
		if err := config.DumpFile(cfg, filepath.Join(cfg.WorkDir, filepath.Base(f.config))); err != nil {
			return err
		}
	}

	seeds := seed.NewSources(len(cfg.GPUIDs))
	if cfg.Seed != nil {
		logger.Info("set random seed", "seed", *cfg.Seed, "deterministic", cfg.Deterministic)
		seed.SetRandomSeed(seeds, *cfg.Seed, cfg.Deterministic)
	}

	datasets, err := buildDatasets(cfg)
	if err != nil {
		return err
	}
	dim, err := featureDim(ctx, datasets[0])
	if err != nil {
		return err
	}
	model, err := toy.BuildModel(cfg.Model, dim, seeds.Framework())
	if err != nil {
		return err
	}

	opts := apis.Options{
		Distributed:  distributed,
		Validate:     f.validate,
		ValidateTest: f.validateTest,
		Timestamp:    timestamp,
		Meta: map[string]string{
			"config":   cfg.Text,
			"seed":     fmt.Sprint(cfg.SeedValue()),
			"exp_name": configName(f.config),
		},
		Collective:   coll,
		Device:       rank,
		BuildDataset: toy.BuildDataset,
		Seeds:        seeds,
		Logger:       logger,
	}
	if f.captioner {
		return apis.TrainCaptioner(ctx, model, datasets, cfg, opts)
	}
	return apis.TrainDetector(ctx, model, datasets, cfg, opts)
}

// buildDatasets builds the train split and, for a two stage workflow, the val
// split run through the train pipeline
func buildDatasets(cfg *config.Experiment) ([]data.Dataset, error) {
	train, err := toy.BuildDataset(cfg.Data.Train, "train")
	if err != nil {
		return nil, errors.Wrap(err, "failed to build train dataset")
	}
	datasets := []data.Dataset{train}
	if len(cfg.Workflow) == 2 {
		if cfg.Data.Val == nil {
			return nil, errors.New("a val workflow stage needs a data.val section")
		}
		valCfg := *cfg.Data.Val
		valCfg.Pipeline = cfg.Data.Train.Pipeline
		val, err := toy.BuildDataset(valCfg, "val")
		if err != nil {
			return nil, errors.Wrap(err, "failed to build val dataset")
		}
		datasets = append(datasets, val)
	}
	return datasets, nil
}

func featureDim(ctx context.Context, ds data.Dataset) (int, error) {
	if ds.Len() == 0 {
		return 0, errors.New("train dataset is empty")
	}
	s, err := ds.Get(ctx, 0)
	if err != nil {
		return 0, err
	}
	x, ok := s["img"].([]float64)
	if !ok {
		return 0, errors.Errorf("img has type %T, want []float64", s["img"])
	}
	return len(x), nil
}
