package speech

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultScript is what the mock recognizer "hears"
var DefaultScript = []string{
	"Good morning everyone, thanks for joining this practice run.",
	"Um, today I want to walk you through our quarterly results.",
	"Revenue grew by twelve percent, which is, like, our best quarter yet.",
	"Basically the growth came from two new markets.",
	"You know, the team worked really hard on the launch.",
	"Uh, let me move on to the next slide.",
	"Customer retention also improved across every region.",
	"To wrap up, I am confident about the rest of the year.",
}

// MockRecognizer emits a scripted transcript on a fixed interval. Each
// line is sent as an interim half followed by the final text.
type MockRecognizer struct {
	logger   *logrus.Logger
	script   []string
	interval time.Duration
}

// NewMockRecognizer creates a scripted recognizer
func NewMockRecognizer(logger *logrus.Logger, script []string, interval time.Duration) *MockRecognizer {
	if len(script) == 0 {
		script = DefaultScript
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &MockRecognizer{
		logger:   logger,
		script:   script,
		interval: interval,
	}
}

// Name returns the provider name
func (r *MockRecognizer) Name() string {
	return "mock"
}

// Recognize emits the script until ctx is cancelled
func (r *MockRecognizer) Recognize(ctx context.Context, sessionID string, onBatch func(Batch)) error {
	r.logger.WithField("session_id", sessionID).Info("Mock speech recognizer started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	index := 0
	for {
		select {
		case <-ctx.Done():
			r.logger.WithField("session_id", sessionID).Info("Mock speech recognizer stopped")
			return nil
		case <-ticker.C:
			line := r.script[index]
			index = (index + 1) % len(r.script)

			words := strings.Fields(line)
			if len(words) > 3 {
				onBatch(Batch{Segments: []Segment{{Text: strings.Join(words[:len(words)/2], " ")}}})
			}
			onBatch(Batch{Segments: []Segment{{Text: line, Final: true}}})
		}
	}
}
