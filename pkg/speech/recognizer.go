// Package speech wraps streaming speech recognition and derives speaking
// pace and filler-word counts from the transcripts.
package speech

import (
	"context"
	"fmt"
	"strings"

	"aura-coach/pkg/capture"
	"aura-coach/pkg/config"

	"github.com/sirupsen/logrus"
)

// Segment is one piece of transcript text
type Segment struct {
	Text  string
	Final bool
}

// Batch is the set of segments a recognizer produced since its previous batch
type Batch struct {
	Segments []Segment
}

// FinalText joins the finalized segments of a batch
func (b Batch) FinalText() string {
	parts := make([]string, 0, len(b.Segments))
	for _, s := range b.Segments {
		if s.Final && strings.TrimSpace(s.Text) != "" {
			parts = append(parts, strings.TrimSpace(s.Text))
		}
	}
	return strings.Join(parts, " ")
}

// Recognizer is a continuous speech recognition stream
type Recognizer interface {
	Name() string
	// Recognize streams until ctx is cancelled or the stream fails, calling
	// onBatch from a single goroutine in arrival order
	Recognize(ctx context.Context, sessionID string, onBatch func(Batch)) error
}

// NewRecognizer builds the recognizer selected by cfg.Provider. The "none"
// provider yields a nil recognizer and linguistic metrics stay at zero.
func NewRecognizer(logger *logrus.Logger, cfg config.SpeechConfig, mic capture.AudioSource) (Recognizer, error) {
	switch cfg.Provider {
	case "mock":
		return NewMockRecognizer(logger, DefaultScript, 0), nil
	case "google":
		r := NewGoogleRecognizer(logger, cfg, mic)
		if err := r.Initialize(context.Background()); err != nil {
			return nil, err
		}
		return r, nil
	case "amazon":
		r := NewAmazonRecognizer(logger, cfg, mic)
		if err := r.Initialize(context.Background()); err != nil {
			return nil, err
		}
		return r, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown speech provider %q", cfg.Provider)
	}
}
