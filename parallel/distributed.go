package parallel

import (
	"context"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// DDPConfig tunes the distributed wrapper
type DDPConfig struct {
	// BroadcastBuffers copies rank 0's buffers to every rank before each
	// forward pass
	BroadcastBuffers bool

	// FindUnusedParameters tolerates parameters that got no gradient in an
	// iteration. Without it a missing gradient is an error.
	FindUnusedParameters bool
}

// DistributedDataParallel wraps one replica of a model trained by several
// processes. Gradients are averaged across ranks once per iteration by
// SyncGradients, before the optimizer step.
type DistributedDataParallel struct {
	module nn.Model
	coll   dist.Collective
	device int
	cfg    DDPConfig
}

// NewDistributedDataParallel places m on device and makes every rank start
// from rank 0's parameters and buffers
func NewDistributedDataParallel(ctx context.Context, m nn.Model, coll dist.Collective, device int, cfg DDPConfig) (*DistributedDataParallel, error) {
	if m == nil {
		return nil, errors.New("distributed data parallel needs a model")
	}
	if coll == nil {
		coll = dist.Local()
	}
	if err := place(m, device); err != nil {
		return nil, err
	}
	d := &DistributedDataParallel{module: m, coll: coll, device: device, cfg: cfg}

	flat := flatten(paramData(m))
	if err := coll.Broadcast(ctx, 0, flat); err != nil {
		return nil, errors.Wrap(err, "failed to broadcast initial parameters")
	}
	scatter(flat, paramData(m))
	if err := d.broadcastBuffers(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Device is the device this replica lives on
func (d *DistributedDataParallel) Device() int {
	return d.device
}

// Collective is the process group gradients are averaged over
func (d *DistributedDataParallel) Collective() dist.Collective {
	return d.coll
}

func (d *DistributedDataParallel) Forward(ctx context.Context, batch nn.Batch) (nn.LossMap, error) {
	if d.cfg.BroadcastBuffers {
		if err := d.broadcastBuffers(ctx); err != nil {
			return nil, err
		}
	}
	return d.module.Forward(ctx, batch)
}

func (d *DistributedDataParallel) NamedParameters() []*nn.Parameter {
	return d.module.NamedParameters()
}

func (d *DistributedDataParallel) SetTrain(train bool) {
	d.module.SetTrain(train)
}

func (d *DistributedDataParallel) Module() nn.Model {
	return d.module
}

// Predict runs inference on the local replica only
func (d *DistributedDataParallel) Predict(ctx context.Context, batch nn.Batch) (any, error) {
	return predict(ctx, d.module, batch)
}

// SyncGradients replaces every trainable gradient with its mean across
// ranks. All gradients travel in one collective call. With
// FindUnusedParameters a rank that did not touch a parameter contributes
// zeros, and a parameter no rank touched keeps a nil gradient.
func (d *DistributedDataParallel) SyncGradients(ctx context.Context) error {
	var params []*nn.Parameter
	for _, p := range d.module.NamedParameters() {
		if !p.RequiresGrad {
			continue
		}
		if p.Grad == nil && !d.cfg.FindUnusedParameters {
			return errors.Errorf("parameter %s did not receive a gradient; set find_unused_parameters to allow this", p.Name)
		}
		params = append(params, p)
	}

	grads := make([][]float64, len(params))
	for i, p := range params {
		if p.Grad == nil {
			grads[i] = make([]float64, len(p.Data))
		} else {
			grads[i] = p.Grad
		}
	}
	flat := flatten(grads)

	var used []float64
	if d.cfg.FindUnusedParameters {
		used = make([]float64, len(params))
		for i, p := range params {
			if p.Grad != nil {
				used[i] = 1
			}
		}
		flat = append(flat, used...)
	}

	if err := d.coll.AllReduceMean(ctx, flat); err != nil {
		return errors.Wrap(err, "failed to all-reduce gradients")
	}

	if used != nil {
		used = flat[len(flat)-len(params):]
	}
	offset := 0
	for i, p := range params {
		n := len(p.Data)
		if used != nil && used[i] == 0 {
			p.Grad = nil
		} else {
			if p.Grad == nil {
				p.Grad = make([]float64, n)
			}
			copy(p.Grad, flat[offset:offset+n])
		}
		offset += n
	}
	return nil
}

func (d *DistributedDataParallel) broadcastBuffers(ctx context.Context) error {
	if d.coll.WorldSize() == 1 {
		return nil
	}
	bufs := bufferData(d.module)
	if len(bufs) == 0 {
		return nil
	}
	flat := flatten(bufs)
	if err := d.coll.Broadcast(ctx, 0, flat); err != nil {
		return errors.Wrap(err, "failed to broadcast buffers")
	}
	scatter(flat, bufs)
	return nil
}

func paramData(m nn.Model) [][]float64 {
	params := m.NamedParameters()
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = p.Data
	}
	return out
}

func bufferData(m nn.Model) [][]float64 {
	bh, ok := nn.Unwrap(m).(nn.BufferHolder)
	if !ok {
		return nil
	}
	var out [][]float64
	for _, b := range bh.NamedBuffers() {
		out = append(out, b.Data)
	}
	return out
}

func flatten(parts [][]float64) []float64 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float64, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func scatter(flat []float64, parts [][]float64) {
	offset := 0
	for _, p := range parts {
		copy(p, flat[offset:offset+len(p)])
		offset += len(p)
	}
}
