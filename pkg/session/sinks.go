package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogSink writes every finished session to the structured log
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Deliver logs the final metrics of a session
func (s *LogSink) Deliver(ctx context.Context, result Result) error {
	r := result.Snapshot.Record
	fields := logrus.Fields{
		"session_id":        r.SessionID,
		"server_session_id": result.SessionID,
		"posture":           r.Posture,
		"eye_contact":       r.EyeContact,
		"emotion":           r.Emotion,
		"wpm":               r.WPM,
		"fillers":           r.Fillers,
		"volume":            r.Volume,
		"pitch":             r.Pitch,
		"tone":              r.Tone,
		"has_report":        result.Report != nil,
	}
	if r.HeadTilt != nil {
		fields["head_tilt"] = *r.HeadTilt
	}
	s.logger.WithFields(fields).Info("Session result")
	return nil
}

// WriterSink renders a finished session for a terminal, or as JSON
type WriterSink struct {
	w    io.Writer
	json bool
}

// NewWriterSink creates a sink that prints results to w
func NewWriterSink(w io.Writer, asJSON bool) *WriterSink {
	return &WriterSink{w: w, json: asJSON}
}

// Deliver prints the result
func (s *WriterSink) Deliver(ctx context.Context, result Result) error {
	if s.json {
		enc := json.NewEncoder(s.w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	_, err := io.WriteString(s.w, FormatResult(result))
	return err
}

// FormatResult renders a result as plain text
func FormatResult(result Result) string {
	var b strings.Builder
	r := result.Snapshot.Record

	id := result.SessionID
	if id == "" {
		id = r.SessionID + " (not submitted)"
	}
	fmt.Fprintf(&b, "Session %s\n", id)
	fmt.Fprintf(&b, "  Duration:    %s\n", result.Snapshot.Duration().Round(time.Second))
	fmt.Fprintf(&b, "  Posture:     %.0f%%\n", r.Posture)
	if r.HeadTilt != nil {
		fmt.Fprintf(&b, "  Head tilt:   %d°\n", *r.HeadTilt)
	}
	fmt.Fprintf(&b, "  Eye contact: %s\n", r.EyeContact)
	fmt.Fprintf(&b, "  Emotion:     %s\n", r.Emotion)
	fmt.Fprintf(&b, "  Pace:        %d wpm, %d fillers\n", r.WPM, r.Fillers)
	fmt.Fprintf(&b, "  Voice:       volume %.1f, pitch %.1f Hz, %s\n", r.Volume, r.Pitch, r.Tone)

	if len(result.Tips) > 0 {
		b.WriteString("\nTips\n")
		for _, tip := range result.Tips {
			fmt.Fprintf(&b, "  - %s\n", tip.Text)
		}
	}

	if rep := result.Report; rep != nil {
		fmt.Fprintf(&b, "\nReport\n  %s\n", rep.Summary)
		keys := make([]string, 0, len(rep.Insights))
		for k := range rep.Insights {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, rep.Insights[k])
		}
		if len(rep.Recommendations) > 0 {
			b.WriteString("\nRecommendations\n")
			for _, rec := range rep.Recommendations {
				fmt.Fprintf(&b, "  - %s\n", rec)
			}
		}
	}
	return b.String()
}
