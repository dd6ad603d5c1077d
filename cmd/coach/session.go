package main

import (
	"context"
	"fmt"
	"time"

	"aura-coach/pkg/app"
	"aura-coach/pkg/capture"
	"aura-coach/pkg/config"
	"aura-coach/pkg/detect"
	"aura-coach/pkg/errors"
	http_server "aura-coach/pkg/http"
	"aura-coach/pkg/session"

	"github.com/spf13/cobra"
)

func newSessionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Run a practice session on the camera and microphone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), c, cmd)
		},
	}
}

func ffmpegOptions(cfg *config.Config) capture.FFmpegOptions {
	return capture.FFmpegOptions{
		Binary:      cfg.Capture.FFmpegPath,
		AudioFormat: cfg.Capture.AudioFormat,
		AudioDevice: cfg.Capture.AudioDevice,
		VideoFormat: cfg.Capture.VideoFormat,
		VideoDevice: cfg.Capture.VideoDevice,
		FrameRate:   cfg.Capture.FrameRate,
		Width:       cfg.Capture.Width,
		Height:      cfg.Capture.Height,
		SampleRate:  cfg.Uplink.SampleRate,
		ChunkSize:   cfg.Uplink.ChunkSize,
	}
}

func runSession(ctx context.Context, c *cli, cmd *cobra.Command) error {
	cfg := c.cfg

	if err := capture.CheckFFmpeg(cfg.Capture.FFmpegPath); err != nil {
		return blocking(err)
	}

	poseClient := detect.NewPoseClient(logger, cfg.Detectors)
	exprClient := detect.NewExpressionClient(logger, cfg.Detectors, cfg.Expression.Labels)
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := detect.CheckAll(checkCtx, poseClient, exprClient)
	cancel()
	if err != nil {
		return blocking(err)
	}

	opts := ffmpegOptions(cfg)
	camera, err := capture.OpenFFmpegCamera(ctx, logger, opts)
	if err != nil {
		return blocking(err)
	}
	defer camera.Close()

	engine, err := app.New(logger, cfg, app.Devices{
		Video:      camera,
		Microphone: capture.NewFFmpegMicrophone(logger, opts),
		Pose:       poseClient,
		Expression: exprClient,
	}, app.Options{
		Sinks: []session.ReportSink{session.NewWriterSink(cmd.OutOrStdout(), c.asJSON)},
		HealthChecks: map[string]http_server.HealthCheck{
			"pose_detector":       poseClient.Check,
			"expression_detector": exprClient.Check,
		},
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "Session started. Press Ctrl+C to finish.")
	if _, err := engine.Run(ctx, c.duration); err != nil {
		return blocking(err)
	}
	return nil
}

// blocking adds a hint to errors that stop a run before it starts
func blocking(err error) error {
	switch {
	case errors.IsErrorType(err, errors.ErrDeviceAccess):
		return fmt.Errorf("%w\ncheck that the camera and microphone are connected and not used by another program", err)
	case errors.IsErrorType(err, errors.ErrDetectorUnavailable):
		return fmt.Errorf("%w\nstart the pose and expression services or set POSE_DETECTOR_URL and EXPRESSION_DETECTOR_URL", err)
	default:
		return err
	}
}
