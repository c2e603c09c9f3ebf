package hooks

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// TensorboardSink writes scalars to a TensorFlow event file under
// <work_dir>/tf_logs (or LogDir). Only rank 0 writes.
type TensorboardSink struct {
	LogDir string

	w *EventWriter
}

func (s *TensorboardSink) Name() string { return "TensorboardLoggerHook" }

func (s *TensorboardSink) Open(_ context.Context, r *runner.Runner) error {
	if r.Rank() != 0 {
		return nil
	}
	dir := s.LogDir
	if dir == "" {
		dir = filepath.Join(r.WorkDir(), "tf_logs")
	}
	w, err := NewEventWriter(dir)
	if err != nil {
		return err
	}
	s.w = w
	return nil
}

// Path is the event file being written, or empty
func (s *TensorboardSink) Path() string {
	if s.w == nil {
		return ""
	}
	return s.w.Path()
}

func (s *TensorboardSink) Log(_ context.Context, r *runner.Runner) error {
	if s.w == nil {
		return nil
	}
	var tags []string
	var values []float64
	for _, k := range r.LogBuffer.OutputKeys() {
		if k == "time" || k == "data_time" {
			continue
		}
		v, _ := r.LogBuffer.Output(k)
		tags = append(tags, fmt.Sprintf("%s/%s", k, r.Mode()))
		values = append(values, v)
	}
	if lrs := r.CurrentLR(); len(lrs) > 0 {
		tags = append(tags, "learning_rate")
		values = append(values, lrs[0])
	}
	return s.w.WriteScalars(int64(r.Iter()), tags, values)
}

func (s *TensorboardSink) Close() error {
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	return err
}

// tf.Event and tf.Summary field numbers
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5

	summaryValue protowire.Number = 1

	valueTag         protowire.Number = 1
	valueSimpleValue protowire.Number = 2
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC is the checksum TFRecord framing uses
func maskedCRC(b []byte) uint32 {
	c := crc32.Checksum(b, castagnoli)
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// EventWriter appends tf.Event records to one events.out.tfevents file
type EventWriter struct {
	path string
	f    *os.File
}

// NewEventWriter creates dir and a fresh event file in it, starting with
// the file version record
func NewEventWriter(dir string) (*EventWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create event dir")
	}
	host, _ := os.Hostname()
	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%d.%s", now.Unix(), host))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create event file")
	}
	w := &EventWriter{path: path, f: f}

	var ev []byte
	ev = protowire.AppendTag(ev, eventWallTime, protowire.Fixed64Type)
	ev = protowire.AppendFixed64(ev, math.Float64bits(wallTime(now)))
	ev = protowire.AppendTag(ev, eventFileVersion, protowire.BytesType)
	ev = protowire.AppendString(ev, "brain.Event:2")
	if err := w.writeRecord(ev); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *EventWriter) Path() string { return w.path }

// WriteScalars writes one event holding a simple value per tag
func (w *EventWriter) WriteScalars(step int64, tags []string, values []float64) error {
	if len(tags) != len(values) {
		return errors.Errorf("got %d tags for %d values", len(tags), len(values))
	}
	var summary []byte
	for i, tag := range tags {
		var v []byte
		v = protowire.AppendTag(v, valueTag, protowire.BytesType)
		v = protowire.AppendString(v, tag)
		v = protowire.AppendTag(v, valueSimpleValue, protowire.Fixed32Type)
		v = protowire.AppendFixed32(v, math.Float32bits(float32(values[i])))
		summary = protowire.AppendTag(summary, summaryValue, protowire.BytesType)
		summary = protowire.AppendBytes(summary, v)
	}

	var ev []byte
	ev = protowire.AppendTag(ev, eventWallTime, protowire.Fixed64Type)
	ev = protowire.AppendFixed64(ev, math.Float64bits(wallTime(time.Now())))
	ev = protowire.AppendTag(ev, eventStep, protowire.VarintType)
	ev = protowire.AppendVarint(ev, uint64(step))
	ev = protowire.AppendTag(ev, eventSummary, protowire.BytesType)
	ev = protowire.AppendBytes(ev, summary)
	return w.writeRecord(ev)
}

// writeRecord frames data as length, crc(length), data, crc(data)
func (w *EventWriter) writeRecord(data []byte) error {
	buf := make([]byte, 0, 8+4+len(data)+4)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(data)))
	buf = binary.LittleEndian.AppendUint32(buf, maskedCRC(buf[:8]))
	buf = append(buf, data...)
	buf = binary.LittleEndian.AppendUint32(buf, maskedCRC(data))
	if _, err := w.f.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write event")
	}
	return nil
}

func (w *EventWriter) Close() error {
	return w.f.Close()
}

func wallTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
