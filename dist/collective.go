// Package dist is the boundary to the parallel-execution collaborator. The
// training core only ever averages, broadcasts and waits; how the bytes move
// between workers is up to the Collective implementation.
package dist

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Collective is the set of collective operations the trainer participates in.
// Every rank must issue the same operations in the same order.
type Collective interface {
	Rank() int
	WorldSize() int

	// AllReduceMean replaces values in place with the element-wise mean
	// across all ranks
	AllReduceMean(ctx context.Context, values []float64) error

	// Broadcast replaces values in place with root's values
	Broadcast(ctx context.Context, root int, values []float64) error

	// Barrier blocks until every rank reaches it
	Barrier(ctx context.Context) error
}

// IsMaster reports whether c is rank 0 (or nil)
func IsMaster(c Collective) bool {
	return c == nil || c.Rank() == 0
}

type local struct{}

// Local returns the single-process collective: world size 1, every operation
// is a no-op
func Local() Collective {
	return local{}
}

func (local) Rank() int      { return 0 }
func (local) WorldSize() int { return 1 }

func (local) AllReduceMean(context.Context, []float64) error { return nil }

func (local) Broadcast(_ context.Context, root int, _ []float64) error {
	if root != 0 {
		return errors.Errorf("broadcast root %d out of range for world size 1", root)
	}
	return nil
}

func (local) Barrier(context.Context) error { return nil }

// group is the shared rendezvous for in-process ranks. A rank that gives up
// on a collective breaks the group: every waiting and later call fails.
type group struct {
	size int

	mu     sync.Mutex
	cur    *round
	err    error
	broken chan struct{}
}

// round is one collective call in flight; done is closed once every rank
// has contributed
type round struct {
	op      string
	arrived int
	sum     []float64
	root    []float64
	result  []float64
	done    chan struct{}
}

// member is one rank's handle on a group
type member struct {
	g    *group
	rank int
}

// NewGroup returns n in-process collectives, one per rank. Ranks are meant to
// run on separate goroutines.
func NewGroup(n int) []Collective {
	if n <= 0 {
		n = 1
	}
	g := &group{size: n, broken: make(chan struct{})}
	members := make([]Collective, n)
	for i := range members {
		members[i] = &member{g: g, rank: i}
	}
	return members
}

func (m *member) Rank() int      { return m.rank }
func (m *member) WorldSize() int { return m.g.size }

func (m *member) AllReduceMean(ctx context.Context, values []float64) error {
	out, err := m.g.rendezvous(ctx, "allreduce", m.rank, -1, values)
	if err != nil {
		return err
	}
	copy(values, out)
	return nil
}

func (m *member) Broadcast(ctx context.Context, root int, values []float64) error {
	if root < 0 || root >= m.g.size {
		return errors.Errorf("broadcast root %d out of range for world size %d", root, m.g.size)
	}
	out, err := m.g.rendezvous(ctx, "broadcast", m.rank, root, values)
	if err != nil {
		return err
	}
	copy(values, out)
	return nil
}

func (m *member) Barrier(ctx context.Context) error {
	_, err := m.g.rendezvous(ctx, "barrier", m.rank, -1, nil)
	return err
}

// rendezvous collects one contribution per rank for the current round and
// hands every rank the combined result
func (g *group) rendezvous(ctx context.Context, op string, rank, root int, values []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		g.fail(err)
		return nil, err
	}

	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return nil, errors.Wrapf(err, "collective group is broken, rank %d", rank)
	}
	if g.cur == nil {
		g.cur = &round{op: op, sum: make([]float64, len(values)), done: make(chan struct{})}
	} else if g.cur.op != op || len(g.cur.sum) != len(values) {
		err := errors.Errorf("collective mismatch on rank %d: %s[%d] while group is in %s[%d]",
			rank, op, len(values), g.cur.op, len(g.cur.sum))
		g.failLocked(err)
		g.mu.Unlock()
		return nil, err
	}

	rd := g.cur
	for i, v := range values {
		rd.sum[i] += v
	}
	if rank == root {
		rd.root = append([]float64(nil), values...)
	}
	rd.arrived++
	if rd.arrived == g.size {
		switch op {
		case "allreduce":
			for i := range rd.sum {
				rd.sum[i] /= float64(g.size)
			}
			rd.result = rd.sum
		case "broadcast":
			rd.result = rd.root
		}
		g.cur = nil
		close(rd.done)
		g.mu.Unlock()
		return rd.result, nil
	}
	g.mu.Unlock()

	select {
	case <-rd.done:
		return rd.result, nil
	case <-ctx.Done():
	case <-g.broken:
	}
	// the round may have completed just before the wait was abandoned
	select {
	case <-rd.done:
		return rd.result, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		g.fail(err)
		return nil, err
	}
	g.mu.Lock()
	err := g.err
	g.mu.Unlock()
	return nil, errors.Wrapf(err, "collective group is broken, rank %d", rank)
}

func (g *group) fail(err error) {
	g.mu.Lock()
	g.failLocked(err)
	g.mu.Unlock()
}

// failLocked records the first error and wakes every waiter. The partial
// round is dropped.
func (g *group) failLocked(err error) {
	if g.err != nil {
		return
	}
	g.err = err
	g.cur = nil
	close(g.broken)
}
