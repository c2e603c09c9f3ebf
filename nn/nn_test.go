package nn

import (
	"context"
	"math"
	"testing"
)

func TestModuleHasPrefix(t *testing.T) {
	tests := []struct {
		name, prefix string
		want         bool
	}{
		{"backbone.conv1.weight", "backbone", true},
		{"backbone", "backbone", true},
		{"backbones.conv1.weight", "backbone", false},
		{"neck.lateral.0.weight", "neck.lateral", true},
		{"neck.lateral_convs.weight", "neck.lateral", false},
		{"anything", "", true},
	}
	for _, tt := range tests {
		if got := ModuleHasPrefix(tt.name, tt.prefix); got != tt.want {
			t.Errorf("ModuleHasPrefix(%q, %q): expected %v, got %v", tt.name, tt.prefix, tt.want, got)
		}
	}
}

func TestParameterGradients(t *testing.T) {
	p := NewParameter("head.fc.weight", 2, 3)
	if p.Numel() != 6 {
		t.Fatalf("expected 6 elements, got %d", p.Numel())
	}
	if !p.RequiresGrad {
		t.Error("new parameters should require gradients")
	}
	if p.Grad != nil {
		t.Error("gradient should start untouched")
	}

	p.AccumulateGrad([]float64{1, 2, 3, 4, 5, 6})
	p.AccumulateGrad([]float64{1, 1, 1, 1, 1, 1})
	if p.Grad[0] != 2 || p.Grad[5] != 7 {
		t.Errorf("unexpected accumulated gradient %v", p.Grad)
	}

	p.ZeroGrad()
	if p.Grad != nil {
		t.Errorf("expected nil gradient after ZeroGrad, got %v", p.Grad)
	}
	if !p.HasPrefix("head.fc") || p.HasPrefix("head.f") {
		t.Error("HasPrefix should match whole module names only")
	}
}

func TestTensorMeans(t *testing.T) {
	if got := Scalar(2.5).Mean(); got != 2.5 {
		t.Errorf("Scalar mean: expected 2.5, got %v", got)
	}
	if got := (Vector{1, 2, 3, 6}).Mean(); got != 3 {
		t.Errorf("Vector mean: expected 3, got %v", got)
	}
	if got := (Vector{}).Mean(); !math.IsNaN(got) {
		t.Errorf("empty Vector mean: expected NaN, got %v", got)
	}

	var scaled float64
	g := GradFunc{Value: 4, Grad: func(scale float64) error {
		scaled = scale
		return nil
	}}
	if err := g.Backward(0.5); err != nil {
		t.Fatal(err)
	}
	if g.Mean() != 4 || scaled != 0.5 {
		t.Errorf("GradFunc: expected mean 4 and scale 0.5, got %v and %v", g.Mean(), scaled)
	}
	if err := (GradFunc{Value: 1}).Backward(1); err != nil {
		t.Errorf("GradFunc without closure should be a no-op, got %v", err)
	}
}

func TestIsFinite(t *testing.T) {
	for _, x := range []float64{0, -3, 1e300} {
		if !IsFinite(x) {
			t.Errorf("%v should be finite", x)
		}
	}
	for _, x := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if IsFinite(x) {
			t.Errorf("%v should not be finite", x)
		}
	}
}

func TestLossMapKeepsOrder(t *testing.T) {
	var m LossMap
	m.Add("loss_cls", Scalar(1))
	m.Add("acc", Scalar(0.5))
	m.Add("loss_bbox", []Tensor{Scalar(1), Scalar(2)})
	want := []string{"loss_cls", "acc", "loss_bbox"}
	for i, e := range m {
		if e.Name != want[i] {
			t.Errorf("entry %d: expected %s, got %s", i, want[i], e.Name)
		}
	}
}

type stubModel struct{}

func (stubModel) Forward(context.Context, Batch) (LossMap, error) { return nil, nil }
func (stubModel) NamedParameters() []*Parameter                   { return nil }
func (stubModel) SetTrain(bool)                                   {}

type wrapper struct {
	stubModel
	inner Model
}

func (w wrapper) Module() Model { return w.inner }

func TestUnwrap(t *testing.T) {
	inner := stubModel{}
	m := wrapper{inner: wrapper{inner: inner}}
	if _, ok := Unwrap(m).(stubModel); !ok {
		t.Errorf("expected the innermost model, got %T", Unwrap(m))
	}
	if _, ok := Unwrap(inner).(stubModel); !ok {
		t.Error("Unwrap of an unwrapped model should return it")
	}
}
