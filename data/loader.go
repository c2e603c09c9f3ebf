package data

import (
	"context"
	"io"
	"math/rand/v2"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/yizhe-ang/MMSceneGraph/nn"
	"github.com/yizhe-ang/MMSceneGraph/seed"
)

// DefaultPrefetch is how many batches may be loaded ahead of the consumer
const DefaultPrefetch = 2

// CollateFunc merges samples into one batch
type CollateFunc func(samples []Sample) nn.Batch

// Collate gathers every field into a per-key slice, in sample order
func Collate(samples []Sample) nn.Batch {
	b := nn.Batch{}
	for _, s := range samples {
		for k, v := range s {
			list, _ := b[k].([]any)
			b[k] = append(list, v)
		}
	}
	return b
}

// LoaderConfig holds the loader's knobs
type LoaderConfig struct {
	BatchSize int
	Workers   int
	Prefetch  int
	Seed      uint64
	Rank      int
	Collate   CollateFunc
}

// Loader batches a dataset in sampler order. With workers > 0 samples are
// loaded in background goroutines; batches are still delivered in order.
type Loader struct {
	ds      Dataset
	sampler Sampler
	cfg     LoaderConfig
}

// NewLoader creates a loader over ds
func NewLoader(ds Dataset, sampler Sampler, cfg LoaderConfig) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers < 0 {
		return nil, errors.Errorf("worker count must not be negative, got %d", cfg.Workers)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.Prefetch < cfg.Workers {
		cfg.Prefetch = cfg.Workers
	}
	if cfg.Collate == nil {
		cfg.Collate = Collate
	}
	if sampler == nil {
		sampler = NewSequentialSampler(ds.Len())
	}
	return &Loader{ds: ds, sampler: sampler, cfg: cfg}, nil
}

// Len is the number of batches per epoch
func (l *Loader) Len() int {
	return ceilDiv(l.sampler.Len(), l.cfg.BatchSize)
}

func (l *Loader) Dataset() Dataset { return l.ds }

func (l *Loader) Sampler() Sampler { return l.sampler }

func (l *Loader) BatchSize() int { return l.cfg.BatchSize }

// Iterator streams the batches of one epoch
type Iterator struct {
	l       *Loader
	batches [][]int
	next    int

	// inline mode
	rng *rand.Rand

	// worker mode
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
	slots  []chan result
	tokens chan struct{}
}

type result struct {
	batch nn.Batch
	err   error
}

// Iter starts an epoch. The sampler is consulted once, here.
func (l *Loader) Iter(ctx context.Context) *Iterator {
	indices := l.sampler.Indices()
	it := &Iterator{l: l}
	for start := 0; start < len(indices); start += l.cfg.BatchSize {
		end := min(start+l.cfg.BatchSize, len(indices))
		it.batches = append(it.batches, indices[start:end])
	}

	if l.cfg.Workers == 0 {
		it.ctx = ctx
		it.rng = rand.New(rand.NewPCG(seed.WorkerSeed(l.cfg.Seed, l.cfg.Rank, 1, 0), 0))
		return it
	}

	it.ctx, it.cancel = context.WithCancel(ctx)
	it.g, it.ctx = errgroup.WithContext(it.ctx)
	it.slots = make([]chan result, len(it.batches))
	for i := range it.slots {
		it.slots[i] = make(chan result, 1)
	}
	it.tokens = make(chan struct{}, l.cfg.Prefetch)

	jobs := make(chan int)
	it.g.Go(func() error {
		defer close(jobs)
		for j := range it.batches {
			// tokens are taken in batch order so the next batch the
			// consumer waits for always holds one
			select {
			case it.tokens <- struct{}{}:
			case <-it.ctx.Done():
				return nil
			}
			select {
			case jobs <- j:
			case <-it.ctx.Done():
				return nil
			}
		}
		return nil
	})
	for w := 0; w < l.cfg.Workers; w++ {
		rng := rand.New(rand.NewPCG(seed.WorkerSeed(l.cfg.Seed, l.cfg.Rank, l.cfg.Workers, w), 0))
		wctx := WithRand(it.ctx, rng)
		it.g.Go(func() error {
			for j := range jobs {
				b, err := l.load(wctx, it.batches[j])
				it.slots[j] <- result{batch: b, err: err}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return it
}

func (l *Loader) load(ctx context.Context, idx []int) (nn.Batch, error) {
	samples := make([]Sample, 0, len(idx))
	for _, i := range idx {
		s, err := l.ds.Get(ctx, i)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", i)
		}
		samples = append(samples, s)
	}
	return l.cfg.Collate(samples), nil
}

// Next returns the next batch, or io.EOF after the last one
func (it *Iterator) Next() (nn.Batch, error) {
	if it.next >= len(it.batches) {
		return nil, io.EOF
	}
	j := it.next
	it.next++

	if it.slots == nil {
		if err := it.ctx.Err(); err != nil {
			return nil, err
		}
		return it.l.load(WithRand(it.ctx, it.rng), it.batches[j])
	}

	select {
	case r := <-it.slots[j]:
		<-it.tokens
		return r.batch, r.err
	case <-it.ctx.Done():
		if err := it.g.Wait(); err != nil {
			return nil, err
		}
		return nil, it.ctx.Err()
	}
}

// Close stops the background workers
func (it *Iterator) Close() error {
	if it.cancel == nil {
		return nil
	}
	it.cancel()
	err := it.g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
