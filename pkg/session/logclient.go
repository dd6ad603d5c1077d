package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"aura-coach/pkg/coaching"
	"aura-coach/pkg/config"
	"aura-coach/pkg/errors"
	"aura-coach/pkg/metrics"
	"aura-coach/pkg/version"

	"github.com/sirupsen/logrus"
)

// Report is the analysis the session log service generates for a session
type Report struct {
	Summary         string            `json:"summary"`
	Insights        map[string]string `json:"insights"`
	Recommendations []string          `json:"recommendations"`
}

// Submission is the service's answer to a snapshot submission
type Submission struct {
	SessionID string  `json:"session_id"`
	Report    *Report `json:"report,omitempty"`
}

// SessionLog accepts finished session snapshots
type SessionLog interface {
	Submit(ctx context.Context, snap coaching.Snapshot) (*Submission, error)
}

type logResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type reportResponse struct {
	SessionID string  `json:"session_id"`
	Report    *Report `json:"report"`
	Error     string  `json:"error"`
}

// LogClient talks to the session log service over HTTP
type LogClient struct {
	logger  *logrus.Logger
	baseURL string
	client  *http.Client
}

// NewLogClient creates a session log client
func NewLogClient(logger *logrus.Logger, cfg config.SessionLogConfig) *LogClient {
	return &LogClient{
		logger:  logger,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Submit stores the snapshot and fetches the generated report. Failing to
// store is a submission error; failing to fetch the report keeps the
// server-assigned id and returns without a report.
func (c *LogClient) Submit(ctx context.Context, snap coaching.Snapshot) (*Submission, error) {
	localID := snap.Record.SessionID
	logger := c.logger.WithField("session_id", localID)

	body, err := json.Marshal(snap.Record)
	if err != nil {
		return nil, errors.NewSubmission(localID, err)
	}

	var stored logResponse
	if err := c.do(ctx, http.MethodPost, "/api/session/log", body, &stored); err != nil {
		metrics.RecordSubmission("failed")
		return nil, errors.NewSubmission(localID, err).WithField("url", c.baseURL)
	}

	sub := &Submission{SessionID: stored.SessionID}
	if sub.SessionID == "" {
		sub.SessionID = localID
	}

	report, err := c.FetchReport(ctx, sub.SessionID)
	if err != nil {
		metrics.RecordSubmission("stored")
		logger.WithError(err).Warn("Session stored but report could not be fetched")
		return sub, nil
	}

	sub.Report = report
	metrics.RecordSubmission("reported")
	logger.WithField("server_session_id", sub.SessionID).Info("Session submitted to session log")
	return sub, nil
}

// FetchReport retrieves the generated report for a stored session
func (c *LogClient) FetchReport(ctx context.Context, sessionID string) (*Report, error) {
	var resp reportResponse
	if err := c.do(ctx, http.MethodGet, "/api/report/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("report %s: %s", sessionID, resp.Error)
	}
	if resp.Report == nil {
		return nil, fmt.Errorf("report %s: empty response", sessionID)
	}
	return resp.Report, nil
}

// Ping checks that the service answers at its base URL
func (c *LogClient) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/", nil, nil); err != nil {
		return errors.Wrap(err, "session log service unreachable", map[string]interface{}{"url": c.baseURL})
	}
	return nil
}

func (c *LogClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
