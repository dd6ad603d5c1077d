// Package detect talks to the remote pose and expression inference services.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aura-coach/pkg/capture"
	"aura-coach/pkg/circuitbreaker"
	"aura-coach/pkg/config"
	"aura-coach/pkg/errors"
	"aura-coach/pkg/metrics"
	"aura-coach/pkg/version"

	"github.com/sirupsen/logrus"
)

// FrameRequest is the body posted for every inference call
type FrameRequest struct {
	Image  []byte   `json:"image"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Labels []string `json:"labels,omitempty"`
}

// PoseResponse is the pose service reply; missing landmarks are null
type PoseResponse struct {
	Landmarks capture.Pose `json:"landmarks"`
}

// ExpressionResponse is the expression service reply
type ExpressionResponse struct {
	Scores []capture.ExpressionScore `json:"scores"`
}

// service is one inference endpoint behind its own breaker
type service struct {
	name    string
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

func newService(logger *logrus.Logger, name, baseURL string, cfg config.DetectorConfig) *service {
	cbConfig := circuitbreaker.DefaultConfig()
	if cfg.FailureThreshold > 0 {
		cbConfig.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.Cooldown > 0 {
		cbConfig.Cooldown = cfg.Cooldown
	}
	breaker := circuitbreaker.NewCircuitBreaker(name, cbConfig, logger)
	breaker.SetStateChangeCallback(func(name string, from, to circuitbreaker.State) {
		metrics.SetDetectorBreakerOpen(name, to == circuitbreaker.StateOpen)
	})
	return &service{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

// Check verifies the service answers its health endpoint and that its
// breaker is not open. An open breaker means inference calls keep failing
// even when the health endpoint answers.
func (s *service) Check(ctx context.Context) error {
	if err := s.probe(ctx); err != nil {
		return err
	}
	if s.breaker.IsOpen() {
		stats := s.breaker.GetStatistics()
		return errors.NewDetectorUnavailable(s.breaker.GetName(),
			fmt.Errorf("circuit open after %d consecutive failures", stats.ConsecutiveFailures)).
			WithField("url", s.baseURL).
			WithField("rejected_requests", stats.RejectedRequests)
	}
	return nil
}

func (s *service) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return errors.NewDetectorUnavailable(s.name, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.NewDetectorUnavailable(s.name, err).WithField("url", s.baseURL)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.NewDetectorUnavailable(s.name, fmt.Errorf("health check returned %s", resp.Status)).
			WithField("url", s.baseURL)
	}
	return nil
}

// post sends one frame through the breaker and decodes the reply into out
func (s *service) post(ctx context.Context, path string, body FrameRequest, out interface{}) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		b, _ := json.Marshal(body)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", version.UserAgent())

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%s %s: %s", s.name, resp.Status, strings.TrimSpace(string(msg)))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s decode: %w", s.name, err)
		}
		return nil
	})
}

// PoseClient implements capture.PoseDetector against the pose service
type PoseClient struct {
	*service
}

// NewPoseClient creates a pose service client
func NewPoseClient(logger *logrus.Logger, cfg config.DetectorConfig) *PoseClient {
	return &PoseClient{service: newService(logger, "pose", cfg.PoseURL, cfg)}
}

// Detect returns the landmarks found in frame. A pose with missing landmarks
// is returned as-is; callers decide whether it is usable.
func (c *PoseClient) Detect(ctx context.Context, frame capture.Frame) (*capture.Pose, error) {
	var out PoseResponse
	err := c.post(ctx, "/detect", FrameRequest{Image: frame.Data, Width: frame.Width, Height: frame.Height}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Landmarks, nil
}

// ExpressionClient implements capture.ExpressionClassifier against the expression service
type ExpressionClient struct {
	*service
	labels []string
}

// NewExpressionClient creates an expression service client scoring frames against labels
func NewExpressionClient(logger *logrus.Logger, cfg config.DetectorConfig, labels []string) *ExpressionClient {
	return &ExpressionClient{
		service: newService(logger, "expression", cfg.ExpressionURL, cfg),
		labels:  labels,
	}
}

// Classify scores frame against the configured labels
func (c *ExpressionClient) Classify(ctx context.Context, frame capture.Frame) ([]capture.ExpressionScore, error) {
	var out ExpressionResponse
	err := c.post(ctx, "/classify", FrameRequest{
		Image:  frame.Data,
		Width:  frame.Width,
		Height: frame.Height,
		Labels: c.labels,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Scores, nil
}

// CheckAll probes every detector and returns the first failure
func CheckAll(ctx context.Context, checkers ...interface{ Check(context.Context) error }) error {
	for _, c := range checkers {
		if err := c.Check(ctx); err != nil {
			return err
		}
	}
	return nil
}
