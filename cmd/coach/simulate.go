package main

import (
	"context"
	"fmt"
	"time"

	"aura-coach/pkg/app"
	"aura-coach/pkg/config"
	"aura-coach/pkg/detect"
	http_server "aura-coach/pkg/http"
	"aura-coach/pkg/session"
	"aura-coach/pkg/simulate"
	"aura-coach/pkg/speech"

	"github.com/spf13/cobra"
)

func newSimulateCmd(c *cli) *cobra.Command {
	var useServices bool

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a session on synthetic camera, microphone and services",
		Long: "simulate runs the full engine without hardware. An in-process analysis server stands in for the " +
			"session log and detector services unless --services points the run at the configured ones.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), c, cmd, useServices)
		},
	}
	cmd.Flags().BoolVar(&useServices, "services", false, "use the configured session log and detector services")
	return cmd
}

func runSimulation(ctx context.Context, c *cli, cmd *cobra.Command, useServices bool) error {
	cfg := *c.cfg
	if c.duration <= 0 && !cmd.Flags().Changed("duration") {
		c.duration = 20 * time.Second
	}

	if !useServices {
		server := simulate.NewAnalysisServer(logger, cfg.Uplink.SampleRate)
		if err := server.Start("127.0.0.1:0"); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Close(shutdownCtx)
		}()

		wsURL, err := config.AudioStreamURL(server.URL())
		if err != nil {
			return err
		}
		cfg.SessionLog.BaseURL = server.URL()
		cfg.Uplink.URL = wsURL
		cfg.Detectors.PoseURL = server.URL()
		cfg.Detectors.ExpressionURL = server.URL()
	}

	camera := simulate.NewCamera(ctx, logger, cfg.Capture.FrameRate, cfg.Capture.Width, cfg.Capture.Height)
	defer camera.Close()

	poseClient := detect.NewPoseClient(logger, cfg.Detectors)
	exprClient := detect.NewExpressionClient(logger, cfg.Detectors, cfg.Expression.Labels)

	engine, err := app.New(logger, &cfg, app.Devices{
		Video: camera,
		Microphone: simulate.NewMicrophone(logger, simulate.MicrophoneOptions{
			SampleRate: cfg.Uplink.SampleRate,
		}),
		Pose:       poseClient,
		Expression: exprClient,
	}, app.Options{
		Recognizer: speech.NewMockRecognizer(logger, speech.DefaultScript, 2*time.Second),
		Sinks:      []session.ReportSink{session.NewWriterSink(cmd.OutOrStdout(), c.asJSON)},
		HealthChecks: map[string]http_server.HealthCheck{
			"pose_detector":       poseClient.Check,
			"expression_detector": exprClient.Check,
		},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Simulated session running for %s.\n", c.duration)
	_, err = engine.Run(ctx, c.duration)
	return err
}
