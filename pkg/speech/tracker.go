package speech

import (
	"math"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Noise rejection defaults: a batch shorter than MinBatchTokens is dropped
// when the pace it produces is below MinBatchWPM.
const (
	DefaultMinBatchTokens = 3
	DefaultMinBatchWPM    = 40
)

// DefaultFillers is the filler lexicon
var DefaultFillers = []string{"um", "uh", "like", "basically", "you know"}

// TrackerResult describes the outcome of one batch
type TrackerResult struct {
	Applied   bool
	NewTokens int
	Words     int
	Fillers   int
	WPM       int
}

// Tracker accumulates word and filler counts for one session and derives
// speaking pace from the elapsed time since the session started.
type Tracker struct {
	mu sync.Mutex

	single map[string]struct{}
	multi  [][]string

	minTokens int
	minWPM    int

	startedAt time.Time
	words     int
	fillers   int
}

// NewTracker creates a tracker for a session started at startedAt. Zero
// noise thresholds fall back to the defaults.
func NewTracker(lexicon []string, startedAt time.Time, minTokens, minWPM int) *Tracker {
	if len(lexicon) == 0 {
		lexicon = DefaultFillers
	}
	if minTokens <= 0 {
		minTokens = DefaultMinBatchTokens
	}
	if minWPM <= 0 {
		minWPM = DefaultMinBatchWPM
	}
	t := &Tracker{
		single:    make(map[string]struct{}),
		minTokens: minTokens,
		minWPM:    minWPM,
		startedAt: startedAt,
	}
	for _, entry := range lexicon {
		parts := strings.Fields(strings.ToLower(entry))
		switch len(parts) {
		case 0:
		case 1:
			t.single[parts[0]] = struct{}{}
		default:
			t.multi = append(t.multi, parts)
		}
	}
	return t
}

// Tokenize lower-cases text and splits it on whitespace
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func trimPunct(token string) string {
	return strings.TrimFunc(token, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// CountFillers counts lexicon matches in tokens. Punctuation around a token
// is ignored for matching; a multi-word entry counts once per occurrence.
func (t *Tracker) CountFillers(tokens []string) int {
	bare := make([]string, len(tokens))
	for i, tok := range tokens {
		bare[i] = trimPunct(tok)
	}

	count := 0
	for i := 0; i < len(bare); i++ {
		if n := t.matchMulti(bare[i:]); n > 0 {
			count++
			i += n - 1
			continue
		}
		if _, ok := t.single[bare[i]]; ok {
			count++
		}
	}
	return count
}

func (t *Tracker) matchMulti(tokens []string) int {
	for _, phrase := range t.multi {
		if len(phrase) > len(tokens) {
			continue
		}
		matched := true
		for j, w := range phrase {
			if tokens[j] != w {
				matched = false
				break
			}
		}
		if matched {
			return len(phrase)
		}
	}
	return 0
}

// Add applies one batch of newly finalized text observed at now
func (t *Tracker) Add(text string, now time.Time) TrackerResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	tokens := Tokenize(text)
	words := t.words + len(tokens)
	fillers := t.fillers + t.CountFillers(tokens)
	wpm := paceAt(words, t.startedAt, now)

	if len(tokens) < t.minTokens && wpm < t.minWPM {
		return TrackerResult{
			NewTokens: len(tokens),
			Words:     t.words,
			Fillers:   t.fillers,
			WPM:       paceAt(t.words, t.startedAt, now),
		}
	}

	t.words = words
	t.fillers = fillers
	return TrackerResult{
		Applied:   true,
		NewTokens: len(tokens),
		Words:     words,
		Fillers:   fillers,
		WPM:       wpm,
	}
}

// WPM derives the pace from the current counts; it does not change state
func (t *Tracker) WPM(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return paceAt(t.words, t.startedAt, now)
}

// Counts returns the cumulative word and filler counts
func (t *Tracker) Counts() (words, fillers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.words, t.fillers
}

func paceAt(words int, start, now time.Time) int {
	minutes := now.Sub(start).Minutes()
	if minutes <= 0 {
		return 0
	}
	return int(math.Round(float64(words) / minutes))
}
