package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aura-coach/pkg/config"
	"aura-coach/pkg/metrics"
	"aura-coach/pkg/version"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logger = logrus.New()

// cli holds what every subcommand shares
type cli struct {
	cfg      *config.Config
	duration time.Duration
	asJSON   bool
}

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "coach",
		Short:         "Live presentation coaching from camera and microphone",
		Long:          "coach runs a practice session, measures posture, eye contact, expression, pace and voice live, and reports the result.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(logger)
			if err != nil {
				return err
			}
			if err := cfg.ApplyLogging(logger); err != nil {
				return err
			}
			c.cfg = cfg
			if !cmd.Flags().Changed("duration") && cfg.Session.Duration > 0 {
				c.duration = cfg.Session.Duration
			}
			metrics.StartMetrics(logger, cfg.HTTP.Enabled && cfg.HTTP.EnableMetrics)
			return nil
		},
	}
	root.Version = version.Version
	root.SetVersionTemplate("coach {{.Version}}\n")

	root.PersistentFlags().DurationVarP(&c.duration, "duration", "d", 0, "end the session after this long (0 waits for Ctrl+C)")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print the session result as JSON")

	root.AddCommand(newSessionCmd(c))
	root.AddCommand(newSimulateCmd(c))
	root.AddCommand(newDoctorCmd(c))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.UserAgent())
		},
	}
}
