// Package losses reduces a model's named loss outputs into the scalar that is
// back-propagated and the record that is logged.
package losses

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/dist"
	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// TotalKey is the log var holding the aggregate loss
const TotalKey = "loss"

// TypeError is returned when a loss entry is neither a tensor nor a list of
// tensors
type TypeError struct {
	Name  string
	Value any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s is not a tensor or list of tensors (got %T)", e.Name, e.Value)
}

// LogVar is one reduced scalar
type LogVar struct {
	Name  string
	Value float64
}

// LogVars is an ordered name -> scalar record
type LogVars struct {
	vars []LogVar
}

// Len returns the number of entries
func (lv *LogVars) Len() int {
	return len(lv.vars)
}

// Entries returns the entries in insertion order
func (lv *LogVars) Entries() []LogVar {
	out := make([]LogVar, len(lv.vars))
	copy(out, lv.vars)
	return out
}

// Get returns the value recorded under name
func (lv *LogVars) Get(name string) (float64, bool) {
	for _, v := range lv.vars {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

// Map returns the record as a plain map
func (lv *LogVars) Map() map[string]float64 {
	m := make(map[string]float64, len(lv.vars))
	for _, v := range lv.vars {
		m[v.Name] = v.Value
	}
	return m
}

// Set records value under name, replacing an earlier value
func (lv *LogVars) Set(name string, value float64) {
	for i := range lv.vars {
		if lv.vars[i].Name == name {
			lv.vars[i].Value = value
			return
		}
	}
	lv.vars = append(lv.vars, LogVar{Name: name, Value: value})
}

// Total is the aggregate training loss and the terms it was summed from
type Total struct {
	Value float64
	terms []term
}

type term struct {
	tensor nn.Tensor
}

// IsFinite reports whether the aggregate is a usable number
func (t *Total) IsFinite() bool {
	return nn.IsFinite(t.Value)
}

// Backward propagates scale * d(total) into every differentiable term.
// Non-differentiable terms (constants, metrics) are skipped.
func (t *Total) Backward(scale float64) error {
	for _, tm := range t.terms {
		d, ok := tm.tensor.(nn.Differentiable)
		if !ok {
			continue
		}
		if err := d.Backward(scale); err != nil {
			return errors.Wrap(err, "backward failed")
		}
	}
	return nil
}

// Parse reduces the model's losses. Tensor entries are reduced to their mean,
// list entries to the sum of their element means. The total is the sum of
// entries whose name contains "loss" and is recorded last under TotalKey.
// With a multi-worker collective every recorded value is averaged across
// workers before it is returned. The input is not modified.
func Parse(ctx context.Context, raw nn.LossMap, coll dist.Collective) (*Total, *LogVars, error) {
	logVars := &LogVars{}
	total := &Total{}

	for _, entry := range raw {
		var value float64
		var tensors []nn.Tensor

		switch v := entry.Value.(type) {
		case nn.Tensor:
			value = v.Mean()
			tensors = []nn.Tensor{v}
		case []nn.Tensor:
			for _, el := range v {
				value += el.Mean()
			}
			tensors = v
		default:
			return nil, nil, &TypeError{Name: entry.Name, Value: entry.Value}
		}

		logVars.Set(entry.Name, value)
		if strings.Contains(entry.Name, TotalKey) {
			total.Value += value
			for _, tn := range tensors {
				total.terms = append(total.terms, term{tensor: tn})
			}
		}
	}
	logVars.Set(TotalKey, total.Value)

	if coll != nil && coll.WorldSize() > 1 {
		vals := make([]float64, len(logVars.vars))
		for i, v := range logVars.vars {
			vals[i] = v.Value
		}
		if err := coll.AllReduceMean(ctx, vals); err != nil {
			return nil, nil, errors.Wrap(err, "failed to reduce log vars")
		}
		for i := range logVars.vars {
			logVars.vars[i].Value = vals[i]
		}
	}

	return total, logVars, nil
}
