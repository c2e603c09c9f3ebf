package data

import (
	"math/rand/v2"
	"sync"
)

// Sampler yields the dataset indices of one epoch
type Sampler interface {
	Indices() []int
	Len() int
}

// EpochSetter is implemented by samplers whose order depends on the epoch
type EpochSetter interface {
	SetEpoch(epoch int)
}

// SequentialSampler walks the dataset in order
type SequentialSampler struct {
	n int
}

func NewSequentialSampler(n int) *SequentialSampler {
	return &SequentialSampler{n: n}
}

func (s *SequentialSampler) Len() int { return s.n }

func (s *SequentialSampler) Indices() []int {
	out := make([]int, s.n)
	for i := range out {
		out[i] = i
	}
	return out
}

func groupIndices(flags []uint8) [][]int {
	var groups [][]int
	for idx, f := range flags {
		for int(f) >= len(groups) {
			groups = append(groups, nil)
		}
		groups[f] = append(groups[f], idx)
	}
	return groups
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// GroupSampler shuffles within each aspect ratio group, pads every group to
// a multiple of the per-GPU batch and shuffles the resulting batches. Every
// batch holds samples of a single group.
type GroupSampler struct {
	mu      sync.Mutex
	groups  [][]int
	perGPU  int
	rng     *rand.Rand
	numSamp int
}

func NewGroupSampler(flags []uint8, samplesPerGPU int, rng *rand.Rand) *GroupSampler {
	s := &GroupSampler{groups: groupIndices(flags), perGPU: samplesPerGPU, rng: rng}
	for _, g := range s.groups {
		s.numSamp += ceilDiv(len(g), samplesPerGPU) * samplesPerGPU
	}
	return s
}

func (s *GroupSampler) Len() int { return s.numSamp }

func (s *GroupSampler) Indices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []int
	for _, g := range s.groups {
		if len(g) == 0 {
			continue
		}
		idx := append([]int(nil), g...)
		s.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		extra := ceilDiv(len(idx), s.perGPU)*s.perGPU - len(idx)
		for i := 0; i < extra; i++ {
			idx = append(idx, idx[s.rng.IntN(len(g))])
		}
		all = append(all, idx...)
	}
	return permuteChunks(all, s.perGPU, s.rng)
}

func permuteChunks(all []int, size int, rng *rand.Rand) []int {
	out := make([]int, 0, len(all))
	for _, c := range rng.Perm(len(all) / size) {
		out = append(out, all[c*size:(c+1)*size]...)
	}
	return out
}

// DistributedGroupSampler is the multi-worker GroupSampler. Every rank
// derives the same permutation from seed+epoch and keeps its own shard.
type DistributedGroupSampler struct {
	mu       sync.Mutex
	groups   [][]int
	perGPU   int
	replicas int
	rank     int
	seed     uint64
	epoch    int
	numSamp  int
}

func NewDistributedGroupSampler(flags []uint8, samplesPerGPU, replicas, rank int, seed uint64) *DistributedGroupSampler {
	s := &DistributedGroupSampler{
		groups:   groupIndices(flags),
		perGPU:   samplesPerGPU,
		replicas: replicas,
		rank:     rank,
		seed:     seed,
	}
	for _, g := range s.groups {
		s.numSamp += ceilDiv(len(g), samplesPerGPU*replicas) * samplesPerGPU
	}
	return s
}

// Len is the number of samples of this rank
func (s *DistributedGroupSampler) Len() int { return s.numSamp }

func (s *DistributedGroupSampler) SetEpoch(epoch int) {
	s.mu.Lock()
	s.epoch = epoch
	s.mu.Unlock()
}

func (s *DistributedGroupSampler) Indices() []int {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	rng := rand.New(rand.NewPCG(s.seed+uint64(epoch), 0))
	var all []int
	for _, g := range s.groups {
		if len(g) == 0 {
			continue
		}
		idx := make([]int, len(g))
		for i, p := range rng.Perm(len(g)) {
			idx[i] = g[p]
		}
		extra := ceilDiv(len(g), s.perGPU*s.replicas)*s.perGPU*s.replicas - len(idx)
		base := append([]int(nil), idx...)
		for i := 0; i < extra; i++ {
			idx = append(idx, base[i%len(base)])
		}
		all = append(all, idx...)
	}

	all = permuteChunks(all, s.perGPU, rng)
	offset := s.numSamp * s.rank
	return all[offset : offset+s.numSamp]
}

// DistributedSampler shards the dataset across ranks, padding the tail by
// wrapping around so every rank gets the same count
type DistributedSampler struct {
	mu       sync.Mutex
	n        int
	replicas int
	rank     int
	shuffle  bool
	seed     uint64
	epoch    int
}

func NewDistributedSampler(n, replicas, rank int, shuffle bool, seed uint64) *DistributedSampler {
	return &DistributedSampler{n: n, replicas: replicas, rank: rank, shuffle: shuffle, seed: seed}
}

func (s *DistributedSampler) Len() int { return ceilDiv(s.n, s.replicas) }

func (s *DistributedSampler) SetEpoch(epoch int) {
	s.mu.Lock()
	s.epoch = epoch
	s.mu.Unlock()
}

func (s *DistributedSampler) Indices() []int {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	all := make([]int, s.n)
	for i := range all {
		all[i] = i
	}
	if s.shuffle {
		all = rand.New(rand.NewPCG(s.seed+uint64(epoch), 0)).Perm(s.n)
	}
	total := s.Len() * s.replicas
	for i := 0; len(all) < total; i++ {
		all = append(all, all[i])
	}

	out := make([]int, 0, s.Len())
	for i := s.rank; i < total; i += s.replicas {
		out = append(out, all[i])
	}
	return out
}
