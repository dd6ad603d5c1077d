// Package app assembles the coaching engine: the metrics aggregator, the
// capture pipelines, the session controller and the report stage.
package app

import (
	"context"
	"sync"
	"time"

	"aura-coach/pkg/capture"
	"aura-coach/pkg/coaching"
	"aura-coach/pkg/config"
	"aura-coach/pkg/errors"
	"aura-coach/pkg/expression"
	http_server "aura-coach/pkg/http"
	"aura-coach/pkg/messaging"
	"aura-coach/pkg/pose"
	"aura-coach/pkg/session"
	"aura-coach/pkg/speech"
	"aura-coach/pkg/uplink"

	"github.com/sirupsen/logrus"
)

// ErrEngineUsed is returned by a second Run on the same engine
var ErrEngineUsed = errors.New("engine already ran").WithCode("ENGINE_USED")

// Devices are the capture and inference capabilities a run uses
type Devices struct {
	Video      capture.VideoSource
	Microphone capture.AudioSource
	Pose       capture.PoseDetector
	Expression capture.ExpressionClassifier
}

// Options tunes an engine beyond what the configuration covers
type Options struct {
	// Recognizer overrides the provider selected by the speech configuration
	Recognizer speech.Recognizer
	// Sinks receive the result in addition to the log and AMQP sinks
	Sinks []session.ReportSink
	// HealthChecks are reported by the status server's /health
	HealthChecks map[string]http_server.HealthCheck
}

// Engine wires one practice run
type Engine struct {
	logger  *logrus.Logger
	cfg     *config.Config
	devices Devices

	aggregator  *coaching.Aggregator
	controller  *session.Controller
	analyzer    *pose.Analyzer
	sampler     *expression.Sampler
	transcriber *speech.Transcriber
	transport   *uplink.Transport
	logClient   *session.LogClient
	amqp        *messaging.AMQPClient
	server      *http_server.Server

	runOnce sync.Once
}

// New builds an engine. Only a failing recognizer setup is tolerated; the
// run then has no linguistic metrics.
func New(logger *logrus.Logger, cfg *config.Config, devices Devices, opts Options) (*Engine, error) {
	e := &Engine{
		logger:     logger,
		cfg:        cfg,
		devices:    devices,
		aggregator: coaching.NewAggregator(logger, cfg.Session.MailboxSize),
	}

	recognizer := opts.Recognizer
	if recognizer == nil {
		r, err := speech.NewRecognizer(logger, cfg.Speech, devices.Microphone)
		if err != nil {
			logger.WithError(err).WithField("provider", cfg.Speech.Provider).Warn("Speech recognizer unavailable, linguistic metrics disabled")
		} else {
			recognizer = r
		}
	}
	e.transcriber = speech.NewTranscriber(logger, recognizer, e.aggregator, speech.TranscriberOptions{
		Fillers:        cfg.Speech.FillerWords,
		MinBatchTokens: cfg.Speech.MinBatchTokens,
		MinBatchWPM:    cfg.Speech.MinBatchWPM,
	})

	e.logClient = session.NewLogClient(logger, cfg.SessionLog)

	sinks := []session.ReportSink{session.NewLogSink(logger)}
	if cfg.Messaging.AMQPUrl != "" {
		e.amqp = messaging.NewAMQPClient(logger, cfg.Messaging)
		if err := e.amqp.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable, session results will not be published")
		} else {
			sinks = append(sinks, e.amqp)
		}
	}
	sinks = append(sinks, opts.Sinks...)

	ctrlOpts := session.Options{
		Transcriber: e.transcriber,
		SessionLog:  e.logClient,
		Sinks:       sinks,
	}
	if cfg.Uplink.Enabled && devices.Microphone != nil {
		e.transport = uplink.NewTransport(logger, uplink.Options{
			URL:       cfg.Uplink.URL,
			ChunkSize: cfg.Uplink.ChunkSize,
		}, devices.Microphone, e.aggregator)
		ctrlOpts.Uplink = e.transport
	}
	e.controller = session.NewController(logger, e.aggregator, ctrlOpts)

	if devices.Pose != nil {
		e.analyzer = pose.NewAnalyzer(logger, devices.Pose, e.aggregator, e.controller)
	}
	if devices.Expression != nil && devices.Video != nil {
		e.sampler = expression.NewSampler(logger, devices.Expression, devices.Video, e.aggregator, e.controller, cfg.Expression.Interval)
	}

	if cfg.HTTP.Enabled {
		e.server = http_server.NewServer(logger, cfg.HTTP, e.aggregator, e.controller)
		e.server.AddHealthCheck("session_log", e.logClient.Ping)
		for name, check := range opts.HealthChecks {
			e.server.AddHealthCheck(name, check)
		}
	}

	return e, nil
}

// Aggregator returns the metrics aggregator
func (e *Engine) Aggregator() *coaching.Aggregator {
	return e.aggregator
}

// Controller returns the session controller
func (e *Engine) Controller() *session.Controller {
	return e.controller
}

// Run starts one session and ends it after duration, or when ctx is
// cancelled if duration is zero or ctx ends first. The session is always
// ended and reported, even when ctx was cancelled.
func (e *Engine) Run(ctx context.Context, duration time.Duration) (*session.Result, error) {
	var result *session.Result
	var runErr error
	ran := false

	e.runOnce.Do(func() {
		ran = true
		result, runErr = e.run(ctx, duration)
	})
	if !ran {
		return nil, ErrEngineUsed
	}
	return result, runErr
}

func (e *Engine) run(ctx context.Context, duration time.Duration) (*session.Result, error) {
	// pipelines outlive ctx so the session can still be sealed and reported
	// after an interrupt
	pipeCtx, stopPipelines := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	defer func() {
		stopPipelines()
		wg.Wait()
		e.shutdown()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.aggregator.Run(pipeCtx)
	}()

	if e.analyzer != nil && e.devices.Video != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.analyzer.Run(pipeCtx, e.devices.Video.Frames())
		}()
	}
	if e.sampler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.sampler.Run(pipeCtx)
		}()
	}

	if e.server != nil {
		if err := e.server.Start(pipeCtx); err != nil {
			return nil, err
		}
	}

	id, err := e.controller.Start(ctx)
	if err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		e.logger.WithField("session_id", id).Info("Session interrupted, ending")
	case <-timeout:
		e.logger.WithField("session_id", id).Info("Session duration reached, ending")
	}

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SessionLog.RequestTimeout*2+5*time.Second)
	defer cancel()
	result, err := e.controller.End(endCtx)
	if err != nil {
		return nil, err
	}
	e.linger(ctx)
	return result, nil
}

// linger keeps the status server up so the ended session's result can be
// fetched. An interrupt cuts it short; an interrupted session skips it.
func (e *Engine) linger(ctx context.Context) {
	if e.server == nil || e.cfg.HTTP.ResultLinger <= 0 || ctx.Err() != nil {
		return
	}

	e.logger.WithFields(logrus.Fields{
		"addr":   e.server.Addr(),
		"linger": e.cfg.HTTP.ResultLinger.String(),
	}).Info("Session result available at /api/session/result")

	timer := time.NewTimer(e.cfg.HTTP.ResultLinger)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (e *Engine) shutdown() {
	if e.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			e.logger.WithError(err).Warn("Error shutting down HTTP server")
		}
		cancel()
	}
	if e.amqp != nil {
		e.amqp.Disconnect()
	}
}
