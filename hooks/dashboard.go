package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/config"
	"github.com/yizhe-ang/MMSceneGraph/nn"
	"github.com/yizhe-ang/MMSceneGraph/runner"
)

// DashboardConfig contains configuration for the metrics dashboard sidecar
type DashboardConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	HealthCheck   bool          `json:"health_check"`
}

// DefaultDashboardConfig returns default configuration for the dashboard
func DefaultDashboardConfig() DashboardConfig {
	return DashboardConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// MetricsPayload is one log record as the dashboard receives it
type MetricsPayload struct {
	RunID   string             `json:"run_id"`
	Model   string             `json:"model"`
	Epoch   int                `json:"epoch"`
	Iter    int                `json:"iter"`
	Mode    string             `json:"mode"`
	LR      float64            `json:"lr"`
	Metrics map[string]float64 `json:"metrics"`
}

// DashboardResponse represents the response from the dashboard
type DashboardResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ViewURL string `json:"view_url,omitempty"`
}

// DashboardSink posts every log record to a metrics dashboard. Delivery
// failures are logged and never stop training. Only rank 0 posts.
type DashboardSink struct {
	config     DashboardConfig
	httpClient *http.Client
	enabled    bool
}

// NewDashboardSink creates a dashboard client
func NewDashboardSink(cfg DashboardConfig) *DashboardSink {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	return &DashboardSink{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func newDashboardSink(c *config.Component) (*DashboardSink, error) {
	cfg := DefaultDashboardConfig()
	if v, ok := c.Get("base_url"); ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, errors.Errorf("dashboard base_url must be a string, got %T", v)
		}
		cfg.BaseURL = s
	}
	if v, ok := c.Get("timeout"); ok {
		cfg.Timeout = seconds(v, cfg.Timeout)
	}
	if v, ok := c.Get("retry_delay"); ok {
		cfg.RetryDelay = seconds(v, cfg.RetryDelay)
	}
	if v, ok := c.Get("retry_attempts"); ok {
		if n, ok := toInt(v); ok {
			cfg.RetryAttempts = n
		}
	}
	if v, ok := c.Get("health_check"); ok {
		cfg.HealthCheck, _ = v.(bool)
	}
	return NewDashboardSink(cfg), nil
}

func seconds(v any, def time.Duration) time.Duration {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	case float64:
		return time.Duration(n * float64(time.Second))
	}
	return def
}

func (s *DashboardSink) Name() string { return "DashboardLoggerHook" }

// IsEnabled reports whether records are being posted
func (s *DashboardSink) IsEnabled() bool { return s.enabled }

func (s *DashboardSink) Open(ctx context.Context, r *runner.Runner) error {
	if r.Rank() != 0 {
		return nil
	}
	s.enabled = true
	if s.config.HealthCheck {
		if err := s.CheckHealth(ctx); err != nil {
			r.Logger().Warn("dashboard unavailable, metrics will not be posted", "url", s.config.BaseURL, "error", err)
			s.enabled = false
		}
	}
	return nil
}

func (s *DashboardSink) Log(ctx context.Context, r *runner.Runner) error {
	if !s.enabled {
		return nil
	}
	p := MetricsPayload{
		RunID:   r.RunID(),
		Model:   r.ModelName(),
		Epoch:   r.Epoch(),
		Iter:    r.Iter(),
		Mode:    string(r.Mode()),
		Metrics: map[string]float64{},
	}
	if r.Mode() == runner.ModeTrain {
		p.Epoch++
	}
	if lrs := r.CurrentLR(); len(lrs) > 0 {
		p.LR = lrs[0]
	}
	for _, k := range r.LogBuffer.OutputKeys() {
		v, _ := r.LogBuffer.Output(k)
		if nn.IsFinite(v) {
			p.Metrics[k] = v
		}
	}
	if _, err := s.SendWithRetry(ctx, p); err != nil {
		r.Logger().Warn("failed to post metrics", "error", err)
	}
	return nil
}

// Send posts one payload to /api/metrics
func (s *DashboardSink) Send(ctx context.Context, p MetricsPayload) (*DashboardResponse, error) {
	jsonData, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metrics")
	}

	url := fmt.Sprintf("%s/api/metrics", s.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sgg-train")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send HTTP request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	var out DashboardResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, errors.Wrap(err, "failed to parse response JSON")
	}
	if resp.StatusCode != http.StatusOK {
		return &out, errors.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, out.Message)
	}
	return &out, nil
}

// SendWithRetry sends p, retrying up to RetryAttempts times
func (s *DashboardSink) SendWithRetry(ctx context.Context, p MetricsPayload) (*DashboardResponse, error) {
	var lastErr error
	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		resp, err := s.Send(ctx, p)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt < s.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.config.RetryDelay):
			}
		}
	}
	return nil, errors.Wrapf(lastErr, "failed to send metrics after %d attempts", s.config.RetryAttempts)
}

// CheckHealth checks if the dashboard is available
func (s *DashboardSink) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "failed to create health check request")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send health check request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}
