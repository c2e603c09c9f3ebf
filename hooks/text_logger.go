package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// TextSink writes each record as a log line and appends it as one JSON
// object per line to <work_dir>/<timestamp>.log.json. Only rank 0 writes
// the JSON file.
type TextSink struct {
	jsonPath  string
	file      *os.File
	startIter int
	logged    int
	timeTotal float64
}

func (s *TextSink) Name() string { return "TextLoggerHook" }

// JSONPath is the file the records are appended to; empty off rank 0
func (s *TextSink) JSONPath() string { return s.jsonPath }

func (s *TextSink) Open(_ context.Context, r *runner.Runner) error {
	s.startIter = r.Iter()
	s.logged = r.Iter()
	if r.Rank() != 0 {
		return nil
	}
	if err := os.MkdirAll(r.WorkDir(), 0o755); err != nil {
		return errors.Wrap(err, "failed to create work dir")
	}
	s.jsonPath = filepath.Join(r.WorkDir(), r.Timestamp()+".log.json")
	f, err := os.OpenFile(s.jsonPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open json log")
	}
	s.file = f
	return nil
}

func (s *TextSink) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *TextSink) Log(_ context.Context, r *runner.Runner) error {
	rec := s.record(r)
	s.text(r, rec)
	if s.file == nil {
		return nil
	}
	line, err := rec.MarshalJSON()
	if err != nil {
		return err
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "failed to append json log")
	}
	return nil
}

func (s *TextSink) record(r *runner.Runner) orderedRecord {
	rec := orderedRecord{{"mode", string(r.Mode())}}
	if r.Mode() == runner.ModeTrain {
		rec = append(rec, field{"epoch", r.Epoch() + 1})
	} else {
		rec = append(rec, field{"epoch", r.Epoch()})
	}
	rec = append(rec, field{"iter", r.InnerIter() + 1})
	if lrs := r.CurrentLR(); len(lrs) > 0 {
		rec = append(rec, field{"lr", lrs[0]})
	}
	for _, k := range r.LogBuffer.OutputKeys() {
		v, _ := r.LogBuffer.Output(k)
		rec = append(rec, field{k, v})
	}
	return rec
}

func (s *TextSink) text(r *runner.Runner, rec orderedRecord) {
	var msg string
	var eta []any
	if r.Mode() == runner.ModeTrain {
		total := 0
		if l := r.DataLoader(); l != nil {
			total = l.Len()
		}
		msg = fmt.Sprintf("Epoch [%d][%d/%d]", r.Epoch()+1, r.InnerIter()+1, total)
		if v, ok := r.LogBuffer.Output("time"); ok {
			done := r.Iter() + 1
			s.timeTotal += v * float64(done-s.logged)
			s.logged = done
			left := s.timeTotal / float64(done-s.startIter) * float64(r.MaxIters()-done)
			eta = append(eta, slog.String("eta", time.Duration(left*float64(time.Second)).Round(time.Second).String()))
		}
	} else {
		msg = fmt.Sprintf("Epoch(%s) [%d][%d]", r.Mode(), r.Epoch(), r.InnerIter()+1)
	}
	attrs := make([]any, 0, len(rec))
	for i, f := range rec[3:] {
		attrs = append(attrs, slog.Any(f.key, f.value))
		if i == 0 {
			attrs = append(attrs, eta...)
		}
	}
	r.Logger().Info(msg, attrs...)
}

type field struct {
	key   string
	value any
}

// orderedRecord marshals to a JSON object that keeps insertion order
type orderedRecord []field

func (o orderedRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		val := f.value
		if x, ok := val.(float64); ok && (math.IsNaN(x) || math.IsInf(x, 0)) {
			val = strconv.FormatFloat(x, 'g', -1, 64)
		}
		v, err := json.Marshal(val)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s", f.key)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
