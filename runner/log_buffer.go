package runner

import (
	"github.com/yizhe-ang/MMSceneGraph/losses"
)

// LogBuffer accumulates per-iteration values between two log lines. Keys keep
// the order in which they were first seen.
type LogBuffer struct {
	keys    []string
	values  map[string][]float64
	counts  map[string][]int
	outKeys []string
	output  map[string]float64
	ready   bool
}

// NewLogBuffer creates an empty buffer
func NewLogBuffer() *LogBuffer {
	b := &LogBuffer{}
	b.Clear()
	return b
}

// Clear drops the history and the output
func (b *LogBuffer) Clear() {
	b.keys = nil
	b.values = map[string][]float64{}
	b.counts = map[string][]int{}
	b.ClearOutput()
}

// ClearOutput drops the averaged output but keeps the history
func (b *LogBuffer) ClearOutput() {
	b.outKeys = nil
	b.output = map[string]float64{}
	b.ready = false
}

// Update records one value per key, weighted by count
func (b *LogBuffer) Update(vars *losses.LogVars, count int) {
	if vars == nil {
		return
	}
	for _, v := range vars.Entries() {
		b.Record(v.Name, v.Value, count)
	}
}

// Record adds a single weighted value
func (b *LogBuffer) Record(key string, value float64, count int) {
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = append(b.values[key], value)
	b.counts[key] = append(b.counts[key], count)
}

// Average sets the output to the count-weighted mean of the last n values of
// every key. n <= 0 averages the whole history.
func (b *LogBuffer) Average(n int) {
	for _, key := range b.keys {
		vals := b.values[key]
		counts := b.counts[key]
		start := 0
		if n > 0 && len(vals) > n {
			start = len(vals) - n
		}
		var sum float64
		var total int
		for i := start; i < len(vals); i++ {
			sum += vals[i] * float64(counts[i])
			total += counts[i]
		}
		if total == 0 {
			continue
		}
		b.SetOutput(key, sum/float64(total))
	}
	b.ready = true
}

// SetOutput puts a value straight into the output, e.g. an evaluation
// metric or a timing
func (b *LogBuffer) SetOutput(key string, value float64) {
	if _, ok := b.output[key]; !ok {
		b.outKeys = append(b.outKeys, key)
	}
	b.output[key] = value
}

// Output returns the averaged value of key
func (b *LogBuffer) Output(key string) (float64, bool) {
	v, ok := b.output[key]
	return v, ok
}

// OutputKeys lists the output keys in insertion order
func (b *LogBuffer) OutputKeys() []string {
	return b.outKeys
}

// History returns every value recorded for key since the last Clear
func (b *LogBuffer) History(key string) []float64 {
	return b.values[key]
}

// Ready reports whether Average ran since the last ClearOutput
func (b *LogBuffer) Ready() bool {
	return b.ready
}

// MarkReady flags the output as ready without averaging
func (b *LogBuffer) MarkReady() {
	b.ready = true
}
