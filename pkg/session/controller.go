// Package session runs the practice session lifecycle: it mints session ids,
// starts and stops the capture pipelines, seals the metrics record and hands
// the final snapshot to the session log service and the report sinks.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"aura-coach/pkg/coaching"
	"aura-coach/pkg/errors"
	"aura-coach/pkg/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewID mints a fresh session identifier
func NewID() string {
	return "session_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Store is the metrics state the controller drives
type Store interface {
	Begin(ctx context.Context, sessionID string, startedAt time.Time) error
	Seal(ctx context.Context, sessionID string, endedAt time.Time) (coaching.Snapshot, error)
}

// Transcription is a per-session speech pipeline
type Transcription interface {
	Start(ctx context.Context, sessionID string, startedAt time.Time) error
	Stop()
}

// Uplink is a per-session audio uplink
type Uplink interface {
	Start(ctx context.Context, sessionID string) error
	Stop()
}

// Result is what the report stage receives when a session ends. SessionID is
// the server-assigned id and is empty when submission failed.
type Result struct {
	SessionID string            `json:"session_id,omitempty"`
	Snapshot  coaching.Snapshot `json:"snapshot"`
	Report    *Report           `json:"report,omitempty"`
	Tips      []coaching.Tip    `json:"tips"`
}

// ReportSink receives finished session results
type ReportSink interface {
	Deliver(ctx context.Context, result Result) error
}

// Options wires the controller's collaborators. Any of them may be nil.
type Options struct {
	Transcriber Transcription
	Uplink      Uplink
	SessionLog  SessionLog
	Sinks       []ReportSink
	Clock       func() time.Time
	NewID       func() string
}

// Controller is the Idle -> Active -> Ended state machine for one practice
// session at a time. It also serves as the session gate the analyzers
// consult before writing.
type Controller struct {
	logger *logrus.Logger
	store  Store
	opts   Options

	// lifecycle serializes Start and End
	lifecycle sync.Mutex

	mu         sync.RWMutex
	phase      coaching.Phase
	sessionID  string
	startedAt  time.Time
	stopTimer  func()
	lastResult *Result
}

// NewController creates a session controller
func NewController(logger *logrus.Logger, store Store, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = NewID
	}
	return &Controller{
		logger: logger,
		store:  store,
		opts:   opts,
		phase:  coaching.PhaseIdle,
	}
}

// Start begins a new session with a fresh id. Blocking device errors from the
// uplink abort the start; recognition and transport failures are logged and
// the session runs without them.
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	phase, current := c.phase, c.sessionID
	c.mu.RUnlock()
	if phase == coaching.PhaseActive {
		return "", errors.NewSessionActive(map[string]interface{}{"session_id": current})
	}

	id := c.opts.NewID()
	startedAt := c.opts.Clock()
	logger := c.logger.WithField("session_id", id)

	if err := c.store.Begin(ctx, id, startedAt); err != nil {
		return "", errors.Wrap(err, "failed to reset metrics record", map[string]interface{}{"session_id": id})
	}

	c.mu.Lock()
	c.phase = coaching.PhaseActive
	c.sessionID = id
	c.startedAt = startedAt
	c.lastResult = nil
	c.mu.Unlock()

	if c.opts.Transcriber != nil {
		if err := c.opts.Transcriber.Start(ctx, id, startedAt); err != nil {
			logger.WithError(err).Warn("Speech recognition unavailable for this session")
		}
	}

	if c.opts.Uplink != nil {
		if err := c.opts.Uplink.Start(ctx, id); err != nil {
			if errors.IsBlocking(err) {
				c.abort(ctx, id)
				metrics.RecordSessionOutcome("aborted")
				return "", err
			}
			logger.WithError(err).Warn("Audio uplink unavailable, session continues without voice analysis")
		}
	}

	c.mu.Lock()
	c.stopTimer = metrics.StartSessionTimer()
	c.mu.Unlock()

	logger.WithField("started_at", startedAt).Info("Practice session started")
	return id, nil
}

// abort unwinds a start that hit a blocking error
func (c *Controller) abort(ctx context.Context, id string) {
	if c.opts.Transcriber != nil {
		c.opts.Transcriber.Stop()
	}
	if c.opts.Uplink != nil {
		c.opts.Uplink.Stop()
	}
	if _, err := c.store.Seal(ctx, id, c.opts.Clock()); err != nil {
		c.logger.WithError(err).WithField("session_id", id).Debug("Sealing aborted session failed")
	}

	c.mu.Lock()
	c.phase = coaching.PhaseIdle
	c.sessionID = ""
	c.mu.Unlock()
}

// End stops the pipelines, seals the record and hands the snapshot on. A
// failed submission still forwards the local snapshot, without a server id.
// Ending an already ended session returns the same result again. If the
// record cannot be sealed the session still ends, with default metrics.
func (c *Controller) End(ctx context.Context) (*Result, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	phase, id, last := c.phase, c.sessionID, c.lastResult
	c.mu.RUnlock()

	switch phase {
	case coaching.PhaseEnded:
		return last, nil
	case coaching.PhaseIdle:
		return nil, errors.NewSessionNotActive()
	}

	logger := c.logger.WithField("session_id", id)

	// transcription before transport so nothing in flight references a torn down session
	if c.opts.Transcriber != nil {
		c.opts.Transcriber.Stop()
	}
	if c.opts.Uplink != nil {
		c.opts.Uplink.Stop()
	}

	endedAt := c.opts.Clock()
	snap, err := c.store.Seal(ctx, id, endedAt)
	if err != nil {
		// the pipelines are already down, so the session ends with default metrics
		logger.WithError(errors.Wrap(err, "failed to seal metrics record", map[string]interface{}{"session_id": id})).
			Error("Metrics record unavailable, ending session with default metrics")
		c.mu.RLock()
		startedAt := c.startedAt
		c.mu.RUnlock()
		snap = coaching.Snapshot{Record: coaching.DefaultRecord(id), StartedAt: startedAt, EndedAt: endedAt}
	}

	c.mu.Lock()
	c.phase = coaching.PhaseEnded
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.mu.Unlock()

	result := &Result{Snapshot: snap, Tips: coaching.Tips(snap.Record)}
	outcome := "local"
	if c.opts.SessionLog != nil {
		sub, err := c.opts.SessionLog.Submit(ctx, snap)
		if err != nil {
			logger.WithError(err).Warn("Session log unreachable, forwarding local snapshot")
		} else {
			result.SessionID = sub.SessionID
			result.Report = sub.Report
			outcome = "submitted"
		}
	}
	metrics.RecordSessionOutcome(outcome)

	for _, sink := range c.opts.Sinks {
		if err := sink.Deliver(ctx, *result); err != nil {
			logger.WithError(err).Warn("Report sink failed")
		}
	}

	c.mu.Lock()
	c.lastResult = result
	c.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"duration":          snap.Duration().String(),
		"server_session_id": result.SessionID,
	}).Info("Practice session ended")
	return result, nil
}

// Current reports the active session id; analyzers write only while it is true
func (c *Controller) Current() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID, c.phase == coaching.PhaseActive
}

// Phase returns the lifecycle state
func (c *Controller) Phase() coaching.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// StartedAt returns when the current or last session started
func (c *Controller) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt
}

// LastResult returns the result of the most recently ended session
func (c *Controller) LastResult() (*Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastResult, c.lastResult != nil
}
