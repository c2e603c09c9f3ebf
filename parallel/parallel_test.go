package parallel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

type replica struct {
	params  []*nn.Parameter
	buffers []*nn.Buffer
	device  int
	train   bool
}

func newReplica(seed float64) *replica {
	w := nn.NewParameter("head.weight", 2)
	w.Data[0], w.Data[1] = seed, seed+1
	b := nn.NewParameter("head.bias", 1)
	b.Data[0] = seed * 10
	return &replica{
		params:  []*nn.Parameter{w, b},
		buffers: []*nn.Buffer{{Name: "bn.running_mean", Shape: []int{1}, Data: []float64{seed}}},
		device:  -1,
	}
}

func (r *replica) Forward(context.Context, nn.Batch) (nn.LossMap, error) {
	var m nn.LossMap
	m.Add("loss_cls", nn.Scalar(r.buffers[0].Data[0]))
	return m, nil
}

func (r *replica) NamedParameters() []*nn.Parameter { return r.params }
func (r *replica) NamedBuffers() []*nn.Buffer       { return r.buffers }
func (r *replica) SetTrain(train bool)              { r.train = train }
func (r *replica) To(device int) error              { r.device = device; return nil }

func TestDataParallelPlacesOnFirstDevice(t *testing.T) {
	m := newReplica(0)
	dp, err := NewDataParallel(m, []int{2, 3})
	require.NoError(t, err)

	assert.Equal(t, 2, m.device)
	assert.Same(t, nn.Model(m), dp.Module())
	assert.Same(t, nn.Model(m), nn.Unwrap(dp))
	dp.SetTrain(true)
	assert.True(t, m.train)

	_, err = dp.Predict(context.Background(), nil)
	assert.Error(t, err, "replica has no Predict")

	dp, err = NewDataParallel(newReplica(0), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, dp.DeviceIDs())
}

// runRanks builds one DDP replica per rank and runs fn on each concurrently
func runRanks(t *testing.T, n int, cfg DDPConfig, fn func(rank int, m *replica, d *DistributedDataParallel) error) []*replica {
	t.Helper()
	colls := dist.NewGroup(n)
	models := make([]*replica, n)
	var g errgroup.Group
	for rank := 0; rank < n; rank++ {
		models[rank] = newReplica(float64(rank + 1))
		g.Go(func() error {
			d, err := NewDistributedDataParallel(context.Background(), models[rank], colls[rank], rank, cfg)
			if err != nil {
				return err
			}
			return fn(rank, models[rank], d)
		})
	}
	require.NoError(t, g.Wait())
	return models
}

func TestDDPStartsFromRankZero(t *testing.T) {
	models := runRanks(t, 3, DDPConfig{}, func(int, *replica, *DistributedDataParallel) error { return nil })
	for rank, m := range models {
		assert.Equal(t, []float64{1, 2}, m.params[0].Data, "rank %d", rank)
		assert.Equal(t, []float64{10}, m.params[1].Data, "rank %d", rank)
		assert.Equal(t, []float64{1}, m.buffers[0].Data, "rank %d", rank)
		assert.Equal(t, rank, m.device)
	}
}

func TestDDPAveragesGradients(t *testing.T) {
	models := runRanks(t, 2, DDPConfig{}, func(rank int, m *replica, d *DistributedDataParallel) error {
		m.params[0].AccumulateGrad([]float64{float64(rank), 2 * float64(rank)})
		m.params[1].AccumulateGrad([]float64{4})
		return d.SyncGradients(context.Background())
	})
	for _, m := range models {
		assert.Equal(t, []float64{0.5, 1}, m.params[0].Grad)
		assert.Equal(t, []float64{4}, m.params[1].Grad)
	}
}

func TestDDPMissingGradient(t *testing.T) {
	m := newReplica(0)
	d, err := NewDistributedDataParallel(context.Background(), m, dist.Local(), 0, DDPConfig{})
	require.NoError(t, err)
	m.params[0].AccumulateGrad([]float64{1, 1})

	err = d.SyncGradients(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "head.bias")

	m.params[1].RequiresGrad = false
	assert.NoError(t, d.SyncGradients(context.Background()), "frozen parameters are skipped")
}

func TestDDPFindUnusedParameters(t *testing.T) {
	models := runRanks(t, 2, DDPConfig{FindUnusedParameters: true}, func(rank int, m *replica, d *DistributedDataParallel) error {
		// only rank 1 touches the weight, nobody touches the bias
		if rank == 1 {
			m.params[0].AccumulateGrad([]float64{2, 4})
		}
		return d.SyncGradients(context.Background())
	})
	for _, m := range models {
		assert.Equal(t, []float64{1, 2}, m.params[0].Grad)
		assert.Nil(t, m.params[1].Grad)
	}
}

func TestDDPBroadcastsBuffersBeforeForward(t *testing.T) {
	losses := make([]float64, 2)
	runRanks(t, 2, DDPConfig{BroadcastBuffers: true}, func(rank int, m *replica, d *DistributedDataParallel) error {
		m.buffers[0].Data[0] = float64(100 + rank)
		out, err := d.Forward(context.Background(), nn.Batch{})
		if err != nil {
			return err
		}
		losses[rank] = out[0].Value.(nn.Tensor).Mean()
		return nil
	})
	assert.Equal(t, []float64{100, 100}, losses)
}
