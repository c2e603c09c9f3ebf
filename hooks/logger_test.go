package hooks

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/data"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

func readJSONLog(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestTextLoggerWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	r := newRunner(t, newLineModel(), 0.1, dir, runner.WithTimestamp("20240101_000000"))
	require.NoError(t, RegisterTrainingHooks(r, nil, &OptimizerHook{}, config.CheckpointConfig{Interval: 100},
		&config.LogConfig{Interval: 2, Hooks: []config.Component{{Type: "TextLoggerHook"}}}, true))

	loaders := []*data.Loader{loaderOf(t, pointDataset{n: 4}, 1), loaderOf(t, pointDataset{n: 2}, 1)}
	workflow := []config.WorkflowStage{{Mode: "train", Epochs: 1}, {Mode: "val", Epochs: 1}}
	require.NoError(t, r.Run(context.Background(), loaders, workflow, 1))

	recs := readJSONLog(t, filepath.Join(dir, "20240101_000000.log.json"))
	require.Len(t, recs, 3)

	assert.Equal(t, "train", recs[0]["mode"])
	assert.Equal(t, 1.0, recs[0]["epoch"])
	assert.Equal(t, 2.0, recs[0]["iter"])
	assert.Equal(t, 0.1, recs[0]["lr"])
	for _, k := range []string{"data_time", "time", "loss_fit", "loss"} {
		assert.Contains(t, recs[0], k)
	}
	assert.Equal(t, 4.0, recs[1]["iter"])

	assert.Equal(t, "val", recs[2]["mode"])
	assert.Equal(t, 1.0, recs[2]["epoch"])
	assert.Equal(t, 2.0, recs[2]["iter"])

	// the only logger clears what it has written
	assert.False(t, r.LogBuffer.Ready())
}

func TestOrderedRecordEncodesNonFinite(t *testing.T) {
	b, err := orderedRecord{{"b", 1}, {"a", math.NaN()}, {"c", math.Inf(1)}}.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"b":1,"a":"NaN","c":"+Inf"}`, string(b))
}

func TestLastLoggerResetsOutput(t *testing.T) {
	hooks, err := BuildLoggerHooks(config.LogConfig{Interval: 5, Hooks: []config.Component{
		{Type: "TextLoggerHook"},
		{Type: "TensorboardLoggerHook", Params: map[string]any{"interval": 3, "ignore_last": false}},
	}})
	require.NoError(t, err)
	require.Len(t, hooks, 2)
	assert.Equal(t, 5, hooks[0].Interval)
	assert.Equal(t, 3, hooks[1].Interval)
	assert.False(t, hooks[1].IgnoreLast)

	r := newRunner(t, newLineModel(), 0.1, "")
	for _, h := range hooks {
		r.RegisterHook(h, runner.PriorityVeryLow)
	}
	train(t, r, loaderOf(t, pointDataset{n: 1}, 1), 1)
	assert.False(t, hooks[0].ResetFlag)
	assert.True(t, hooks[1].ResetFlag)

	_, err = BuildLoggerHooks(config.LogConfig{Hooks: []config.Component{{Type: "WandbLoggerHook"}}})
	assert.Error(t, err)
}

type tfRecord struct {
	step    int64
	version string
	scalars map[string]float32
}

func readEvents(t *testing.T, path string) []tfRecord {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []tfRecord
	for len(b) > 0 {
		require.GreaterOrEqual(t, len(b), 12)
		n := binary.LittleEndian.Uint64(b[:8])
		require.Equal(t, maskedCRC(b[:8]), binary.LittleEndian.Uint32(b[8:12]))
		payload := b[12 : 12+n]
		require.Equal(t, maskedCRC(payload), binary.LittleEndian.Uint32(b[12+n:16+n]))
		out = append(out, decodeEvent(t, payload))
		b = b[16+n:]
	}
	return out
}

func decodeEvent(t *testing.T, b []byte) tfRecord {
	rec := tfRecord{scalars: map[string]float32{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.Positive(t, n)
		b = b[n:]
		switch num {
		case eventStep:
			v, n := protowire.ConsumeVarint(b)
			rec.step = int64(v)
			b = b[n:]
		case eventFileVersion:
			v, n := protowire.ConsumeString(b)
			rec.version = v
			b = b[n:]
		case eventSummary:
			v, n := protowire.ConsumeBytes(b)
			decodeSummary(t, v, rec.scalars)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			require.Positive(t, n)
			b = b[n:]
		}
	}
	return rec
}

func decodeSummary(t *testing.T, b []byte, into map[string]float32) {
	for len(b) > 0 {
		_, _, n := protowire.ConsumeTag(b)
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		require.Positive(t, n)
		b = b[n:]

		var tag string
		var val float32
		for len(v) > 0 {
			num, _, m := protowire.ConsumeTag(v)
			v = v[m:]
			switch num {
			case valueTag:
				s, m := protowire.ConsumeString(v)
				tag = s
				v = v[m:]
			case valueSimpleValue:
				x, m := protowire.ConsumeFixed32(v)
				val = math.Float32frombits(x)
				v = v[m:]
			}
		}
		into[tag] = val
	}
}

func TestMaskedCRC(t *testing.T) {
	// CRC-32C check value
	assert.Equal(t, uint32(0xe3069283), crc32.Checksum([]byte("123456789"), castagnoli))
	c := uint32(0xe3069283)
	assert.Equal(t, ((c>>15)|(c<<17))+0xa282ead8, maskedCRC([]byte("123456789")))
}

func TestTensorboardSinkWritesScalars(t *testing.T) {
	dir := t.TempDir()
	r := newRunner(t, newLineModel(), 0.1, dir)
	require.NoError(t, RegisterTrainingHooks(r, nil, &OptimizerHook{}, config.CheckpointConfig{Interval: 100},
		&config.LogConfig{Interval: 2, Hooks: []config.Component{{Type: "TensorboardLoggerHook"}}}, true))

	train(t, r, loaderOf(t, pointDataset{n: 4}, 1), 1)

	matches, err := filepath.Glob(filepath.Join(dir, "tf_logs", "events.out.tfevents.*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	events := readEvents(t, matches[0])
	require.Len(t, events, 3)
	assert.Equal(t, "brain.Event:2", events[0].version)

	assert.Equal(t, int64(1), events[1].step)
	assert.Equal(t, int64(3), events[2].step)
	assert.Contains(t, events[1].scalars, "loss/train")
	assert.Contains(t, events[1].scalars, "loss_fit/train")
	assert.NotContains(t, events[1].scalars, "time/train")
	assert.InDelta(t, 0.1, events[1].scalars["learning_rate"], 1e-7)
}

func TestEventWriterRejectsMismatchedTags(t *testing.T) {
	w, err := NewEventWriter(t.TempDir())
	require.NoError(t, err)
	defer w.Close()
	assert.Error(t, w.WriteScalars(0, []string{"a"}, nil))
}

// dashboardServer fails the first post and records the rest
type dashboardServer struct {
	mu       sync.Mutex
	posts    int
	payloads []MetricsPayload
	healthy  bool
}

func (s *dashboardServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/health":
		if !s.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	case "/api/metrics":
		s.posts++
		if s.posts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(DashboardResponse{Message: "busy"})
			return
		}
		var p MetricsPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.payloads = append(s.payloads, p)
		json.NewEncoder(w).Encode(DashboardResponse{Success: true})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestDefaultDashboardConfig(t *testing.T) {
	cfg := DefaultDashboardConfig()
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
}

func TestDashboardSendWithRetry(t *testing.T) {
	srv := &dashboardServer{healthy: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sink := NewDashboardSink(DashboardConfig{BaseURL: ts.URL, Timeout: time.Second, RetryAttempts: 2, RetryDelay: time.Millisecond})
	resp, err := sink.SendWithRetry(context.Background(), MetricsPayload{RunID: "r1", Metrics: map[string]float64{"loss": 1}})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	srv.mu.Lock()
	assert.Equal(t, 2, srv.posts)
	srv.posts = 0
	srv.mu.Unlock()

	once := NewDashboardSink(DashboardConfig{BaseURL: ts.URL, Timeout: time.Second, RetryAttempts: 1})
	_, err = once.SendWithRetry(context.Background(), MetricsPayload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestDashboardLoggerPostsRecords(t *testing.T) {
	srv := &dashboardServer{healthy: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	r := newRunner(t, newLineModel(), 0.1, "")
	require.NoError(t, RegisterTrainingHooks(r, nil, &OptimizerHook{}, config.CheckpointConfig{Interval: 100},
		&config.LogConfig{Interval: 1, Hooks: []config.Component{{Type: "DashboardLoggerHook", Params: map[string]any{
			"base_url": ts.URL, "retry_delay": 0.001, "health_check": true,
		}}}}, true))

	train(t, r, loaderOf(t, pointDataset{n: 2}, 1), 1)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.payloads, 2)
	p := srv.payloads[1]
	assert.Equal(t, r.RunID(), p.RunID)
	assert.Equal(t, "train", p.Mode)
	assert.Equal(t, 1, p.Epoch)
	assert.Equal(t, "*hooks.lineModel", p.Model)
	assert.Contains(t, p.Metrics, "loss")
}

func TestDashboardLoggerDisabledWhenUnhealthy(t *testing.T) {
	srv := &dashboardServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	hooks, err := BuildLoggerHooks(config.LogConfig{Interval: 1, Hooks: []config.Component{{Type: "DashboardLoggerHook", Params: map[string]any{
		"base_url": ts.URL, "health_check": true,
	}}}})
	require.NoError(t, err)
	r := newRunner(t, newLineModel(), 0.1, "")
	r.RegisterHook(hooks[0], runner.PriorityVeryLow)

	train(t, r, loaderOf(t, pointDataset{n: 2}, 1), 1)
	assert.False(t, hooks[0].Sink.(*DashboardSink).IsEnabled())
	srv.mu.Lock()
	assert.Zero(t, srv.posts)
	srv.mu.Unlock()

	_, err = BuildLoggerHooks(config.LogConfig{Hooks: []config.Component{{Type: "DashboardLoggerHook", Params: map[string]any{"base_url": 8080}}}})
	assert.Error(t, err)
}
