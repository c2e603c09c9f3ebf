package losses

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

func TestParseScalarEntries(t *testing.T) {
	raw := nn.LossMap{
		{Name: "loss_rpn_cls", Value: nn.Scalar(0.5)},
		{Name: "acc", Value: nn.Scalar(92.0)},
		{Name: "loss_rel", Value: nn.Vector{1, 2, 3}},
	}

	total, logVars, err := Parse(context.Background(), raw, dist.Local())
	require.NoError(t, err)

	assert.InDelta(t, 2.5, total.Value, 1e-12)
	got, ok := logVars.Get(TotalKey)
	require.True(t, ok)
	assert.InDelta(t, 2.5, got, 1e-12)

	acc, _ := logVars.Get("acc")
	assert.Equal(t, 92.0, acc)

	names := make([]string, 0, logVars.Len())
	for _, v := range logVars.Entries() {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"loss_rpn_cls", "acc", "loss_rel", "loss"}, names)
}

func TestParseListEntryIsSumOfMeans(t *testing.T) {
	a, b, c := nn.Vector{1, 3}, nn.Vector{2}, nn.Vector{4, 4, 4, 4}
	raw := nn.LossMap{{Name: "loss_bbox", Value: []nn.Tensor{a, b, c}}}

	_, logVars, err := Parse(context.Background(), raw, nil)
	require.NoError(t, err)

	got, _ := logVars.Get("loss_bbox")
	assert.InDelta(t, 2.0+2.0+4.0, got, 1e-12)
}

func TestParseRejectsUnknownValue(t *testing.T) {
	raw := nn.LossMap{{Name: "loss_cls", Value: "0.3"}}

	_, _, err := Parse(context.Background(), raw, nil)
	var typeErr *TypeError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, "loss_cls", typeErr.Name)
}

func TestParseDoesNotMutateInput(t *testing.T) {
	v := nn.Vector{1, 2}
	raw := nn.LossMap{{Name: "loss", Value: v}}

	_, _, err := Parse(context.Background(), raw, nil)
	require.NoError(t, err)
	assert.Len(t, raw, 1)
	assert.Equal(t, nn.Vector{1, 2}, raw[0].Value)
}

func TestTotalBackwardReachesDifferentiableTerms(t *testing.T) {
	var scales []float64
	grad := nn.GradFunc{Value: 1, Grad: func(s float64) error {
		scales = append(scales, s)
		return nil
	}}
	raw := nn.LossMap{
		{Name: "loss_a", Value: grad},
		{Name: "loss_b", Value: []nn.Tensor{grad, nn.Scalar(3)}},
		{Name: "metric", Value: grad},
	}

	total, _, err := Parse(context.Background(), raw, nil)
	require.NoError(t, err)
	require.NoError(t, total.Backward(0.5))
	assert.Equal(t, []float64{0.5, 0.5}, scales)
}

func TestTotalIsFinite(t *testing.T) {
	raw := nn.LossMap{{Name: "loss", Value: nn.Scalar(math.NaN())}}
	total, _, err := Parse(context.Background(), raw, nil)
	require.NoError(t, err)
	assert.False(t, total.IsFinite())
}

func TestParseAcrossIdenticalWorkersMatchesSingleWorker(t *testing.T) {
	raw := func() nn.LossMap {
		return nn.LossMap{
			{Name: "loss_obj", Value: nn.Vector{0.25, 0.75}},
			{Name: "loss_rel", Value: []nn.Tensor{nn.Scalar(1), nn.Scalar(2)}},
			{Name: "rel_acc", Value: nn.Scalar(0.4)},
		}
	}

	_, single, err := Parse(context.Background(), raw(), dist.Local())
	require.NoError(t, err)

	ranks := dist.NewGroup(2)
	synced := make([]*LogVars, len(ranks))
	totals := make([]*Total, len(ranks))
	var g errgroup.Group
	for i, c := range ranks {
		i, c := i, c
		g.Go(func() error {
			total, lv, err := Parse(context.Background(), raw(), c)
			synced[i], totals[i] = lv, total
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := range ranks {
		assert.Equal(t, single.Map(), synced[i].Map())
		reported, _ := synced[i].Get(TotalKey)
		assert.InDelta(t, reported, totals[i].Value, 1e-12)
	}
}
