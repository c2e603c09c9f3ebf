// Package parallel wraps a model for single-process multi-device or
// multi-process training. Wrappers are transparent: they implement nn.Model
// and hand back the wrapped model through Module().
package parallel

import (
	"context"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// DataParallel wraps a model trained by one process over a set of devices.
// The model is placed on the first device.
type DataParallel struct {
	module    nn.Model
	deviceIDs []int
}

// NewDataParallel places m on deviceIDs[0]. No ids means device 0.
func NewDataParallel(m nn.Model, deviceIDs []int) (*DataParallel, error) {
	if m == nil {
		return nil, errors.New("data parallel needs a model")
	}
	if len(deviceIDs) == 0 {
		deviceIDs = []int{0}
	}
	if err := place(m, deviceIDs[0]); err != nil {
		return nil, err
	}
	return &DataParallel{module: m, deviceIDs: deviceIDs}, nil
}

// DeviceIDs lists the devices the wrapper was built for
func (d *DataParallel) DeviceIDs() []int {
	return d.deviceIDs
}

func (d *DataParallel) Forward(ctx context.Context, batch nn.Batch) (nn.LossMap, error) {
	return d.module.Forward(ctx, batch)
}

func (d *DataParallel) NamedParameters() []*nn.Parameter {
	return d.module.NamedParameters()
}

func (d *DataParallel) SetTrain(train bool) {
	d.module.SetTrain(train)
}

func (d *DataParallel) Module() nn.Model {
	return d.module
}

// Predict runs inference through the wrapped model
func (d *DataParallel) Predict(ctx context.Context, batch nn.Batch) (any, error) {
	return predict(ctx, d.module, batch)
}

func place(m nn.Model, device int) error {
	if p, ok := m.(nn.DevicePlacer); ok {
		if err := p.To(device); err != nil {
			return errors.Wrapf(err, "failed to move model to device %d", device)
		}
	}
	return nil
}

func predict(ctx context.Context, m nn.Model, batch nn.Batch) (any, error) {
	p, ok := m.(nn.Predictor)
	if !ok {
		return nil, errors.Errorf("model %T cannot run inference", m)
	}
	return p.Predict(ctx, batch)
}
