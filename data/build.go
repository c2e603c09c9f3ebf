package data

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// LoaderOptions selects the sampling strategy of BuildDataloader
type LoaderOptions struct {
	Dist      bool
	Shuffle   bool
	Seed      uint64
	Rank      int
	WorldSize int
	Prefetch  int

	// Rand drives non-distributed shuffling; seeded from Seed when nil
	Rand *rand.Rand
}

// BuildDataloader wraps ds in a loader. Distributed loaders draw
// imgsPerGPU samples per batch from this rank's shard; otherwise one batch
// feeds every GPU and holds numGPUs*imgsPerGPU samples.
func BuildDataloader(ds Dataset, imgsPerGPU, workersPerGPU, numGPUs int, opts LoaderOptions) (*Loader, error) {
	if imgsPerGPU <= 0 {
		return nil, errors.Errorf("imgs_per_gpu must be positive, got %d", imgsPerGPU)
	}

	var sampler Sampler
	var batchSize, workers int

	if opts.Dist {
		if opts.WorldSize <= 0 || opts.Rank < 0 || opts.Rank >= opts.WorldSize {
			return nil, errors.Errorf("invalid rank %d for world size %d", opts.Rank, opts.WorldSize)
		}
		if opts.Shuffle {
			sampler = NewDistributedGroupSampler(flagsOf(ds), imgsPerGPU, opts.WorldSize, opts.Rank, opts.Seed)
		} else {
			sampler = NewDistributedSampler(ds.Len(), opts.WorldSize, opts.Rank, false, opts.Seed)
		}
		batchSize = imgsPerGPU
		workers = workersPerGPU
	} else {
		if numGPUs <= 0 {
			numGPUs = 1
		}
		if opts.Shuffle {
			rng := opts.Rand
			if rng == nil {
				rng = rand.New(rand.NewPCG(opts.Seed, 0))
			}
			sampler = NewGroupSampler(flagsOf(ds), imgsPerGPU, rng)
		} else {
			sampler = NewSequentialSampler(ds.Len())
		}
		batchSize = numGPUs * imgsPerGPU
		workers = numGPUs * workersPerGPU
	}

	return NewLoader(ds, sampler, LoaderConfig{
		BatchSize: batchSize,
		Workers:   workers,
		Prefetch:  opts.Prefetch,
		Seed:      opts.Seed,
		Rank:      opts.Rank,
	})
}
