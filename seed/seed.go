// Package seed owns every random source used by data shuffling and parameter
// initialization so that one call can make a run reproducible.
package seed

import (
	"math/rand/v2"
	"sync"
)

// KernelPolicy mirrors the backend switches that trade determinism for speed
type KernelPolicy struct {
	// Deterministic forces deterministic kernel implementations
	Deterministic bool
	// Benchmark lets the backend autotune and pick the fastest kernel
	Benchmark bool
}

// Sources groups the random sources of one training process
type Sources struct {
	mu sync.Mutex

	seed    uint64
	general *rand.Rand
	numeric *rand.Rand
	model   *rand.Rand
	devices []*rand.Rand
	policy  KernelPolicy
}

// Stream ids keep the sources independent while sharing one seed value
const (
	streamGeneral uint64 = iota + 1
	streamNumeric
	streamFramework
	streamDevice
)

// NewSources creates sources for numDevices devices, seeded from seed 0 with
// benchmark kernel selection on
func NewSources(numDevices int) *Sources {
	if numDevices < 0 {
		numDevices = 0
	}
	s := &Sources{devices: make([]*rand.Rand, numDevices)}
	s.reseed(0)
	s.policy = KernelPolicy{Benchmark: true}
	return s
}

// SetRandomSeed seeds every source with the same value. With deterministic
// set, benchmark kernel selection is turned off as well.
func SetRandomSeed(s *Sources, seed uint64, deterministic bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reseed(seed)
	if deterministic {
		s.policy = KernelPolicy{Deterministic: true, Benchmark: false}
	}
}

func (s *Sources) reseed(seed uint64) {
	s.seed = seed
	s.general = rand.New(rand.NewPCG(seed, streamGeneral))
	s.numeric = rand.New(rand.NewPCG(seed, streamNumeric))
	s.model = rand.New(rand.NewPCG(seed, streamFramework))
	// every device gets the same seed, matching a seed-all call
	for i := range s.devices {
		s.devices[i] = rand.New(rand.NewPCG(seed, streamDevice))
	}
}

// Seed returns the last seed applied
func (s *Sources) Seed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seed
}

// Policy returns the current kernel selection policy
func (s *Sources) Policy() KernelPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// General is the process-wide general purpose source
func (s *Sources) General() *rand.Rand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.general
}

// Numeric is the source used for array sampling (shuffles, group sampling)
func (s *Sources) Numeric() *rand.Rand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numeric
}

// Framework is the source used for parameter initialization and dropout
func (s *Sources) Framework() *rand.Rand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Device returns the source of device i, or nil if there is no such device
func (s *Sources) Device(i int) *rand.Rand {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.devices) {
		return nil
	}
	return s.devices[i]
}

// NumDevices returns the number of per-device sources
func (s *Sources) NumDevices() int {
	return len(s.devices)
}

// WorkerSeed derives the seed of one data loader worker so that workers of
// different ranks never share a stream
func WorkerSeed(seed uint64, rank, numWorkers, workerID int) uint64 {
	return seed + uint64(rank*numWorkers+workerID)
}
