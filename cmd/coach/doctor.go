package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"aura-coach/pkg/capture"
	"aura-coach/pkg/detect"
	"aura-coach/pkg/session"

	"github.com/spf13/cobra"
)

func newDoctorCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check ffmpeg, detector services and the session log service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			cfg := c.cfg
			out := cmd.OutOrStdout()
			ok := true

			check := func(name string, err error, detail string) {
				if err != nil {
					ok = false
					fmt.Fprintf(out, "✗ %-20s %v\n", name, err)
					return
				}
				fmt.Fprintf(out, "✓ %-20s %s\n", name, detail)
			}

			check("ffmpeg", capture.CheckFFmpeg(cfg.Capture.FFmpegPath), cfg.Capture.FFmpegPath)
			check("pose detector", detect.NewPoseClient(logger, cfg.Detectors).Check(ctx), cfg.Detectors.PoseURL)
			check("expression detector", detect.NewExpressionClient(logger, cfg.Detectors, nil).Check(ctx), cfg.Detectors.ExpressionURL)
			check("session log", session.NewLogClient(logger, cfg.SessionLog).Ping(ctx), cfg.SessionLog.BaseURL)
			fmt.Fprintf(out, "  %-20s %s\n", "speech provider", cfg.Speech.Provider)

			return summarize(out, ok)
		},
	}
}

func summarize(out io.Writer, ok bool) error {
	if !ok {
		return fmt.Errorf("some prerequisites are missing")
	}
	fmt.Fprintln(out, "\nAll prerequisites met.")
	return nil
}
