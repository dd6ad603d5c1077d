package coaching

import (
	"context"
	"sync"
	"time"

	"aura-coach/pkg/errors"
	"aura-coach/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// DefaultMailboxSize is the number of pending operations the aggregator buffers
const DefaultMailboxSize = 256

type op struct {
	patch   Patch
	control func(s *state)
}

type state struct {
	phase     Phase
	record    MetricsRecord
	startedAt time.Time
	sealed    *Snapshot
}

// Aggregator owns the MetricsRecord. A single goroutine (Run) drains one FIFO
// mailbox of patches and control operations, so record writes never overlap
// and a patch queued before Seal is always applied before the snapshot is taken.
type Aggregator struct {
	logger  *logrus.Logger
	mailbox chan op

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewAggregator creates an aggregator with a bounded mailbox
func NewAggregator(logger *logrus.Logger, mailboxSize int) *Aggregator {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Aggregator{
		logger:  logger,
		mailbox: make(chan op, mailboxSize),
		stopped: make(chan struct{}),
	}
}

// Run processes the mailbox until ctx is cancelled
func (a *Aggregator) Run(ctx context.Context) {
	defer a.stopOnce.Do(func() { close(a.stopped) })

	st := &state{phase: PhaseIdle, record: DefaultRecord("")}
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-a.mailbox:
			if o.patch != nil {
				a.applyPatch(st, o.patch)
			} else {
				o.control(st)
			}
		}
	}
}

// Apply enqueues a patch without blocking. It returns false when the
// mailbox is full and the patch was dropped.
func (a *Aggregator) Apply(p Patch) bool {
	select {
	case a.mailbox <- op{patch: p}:
		return true
	default:
		metrics.RecordPatch(p.Kind(), "dropped")
		a.logger.WithFields(logrus.Fields{
			"session_id": p.Session(),
			"producer":   p.Kind(),
		}).Debug("Aggregator mailbox full, dropping patch")
		return false
	}
}

func (a *Aggregator) applyPatch(st *state, p Patch) {
	switch {
	case st.phase == PhaseEnded && p.Session() == st.record.SessionID:
		metrics.RecordPatch(p.Kind(), "sealed")
		return
	case st.phase != PhaseActive || p.Session() != st.record.SessionID:
		metrics.RecordPatch(p.Kind(), "stale")
		a.logger.WithFields(logrus.Fields{
			"session_id": p.Session(),
			"producer":   p.Kind(),
			"phase":      st.phase.String(),
		}).Debug("Rejecting patch for inactive session")
		return
	}

	p.apply(&st.record)
	metrics.RecordPatch(p.Kind(), "applied")
}

// do runs fn on the aggregator goroutine and waits for it to finish
func (a *Aggregator) do(ctx context.Context, fn func(s *state)) error {
	done := make(chan struct{})
	o := op{control: func(s *state) {
		fn(s)
		close(done)
	}}

	select {
	case a.mailbox <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		return errors.ErrUnavailable
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		return errors.ErrUnavailable
	}
}

// Begin resets the record to defaults and makes sessionID the active session
func (a *Aggregator) Begin(ctx context.Context, sessionID string, startedAt time.Time) error {
	if sessionID == "" {
		return errors.NewInvalidInput("session id is required")
	}
	return a.do(ctx, func(s *state) {
		s.phase = PhaseActive
		s.record = DefaultRecord(sessionID)
		s.startedAt = startedAt
		s.sealed = nil
	})
}

// Seal ends the active session and returns its snapshot. Sealing an
// already sealed session returns the same snapshot again.
func (a *Aggregator) Seal(ctx context.Context, sessionID string, endedAt time.Time) (Snapshot, error) {
	var snap Snapshot
	var sealErr error

	err := a.do(ctx, func(s *state) {
		if s.record.SessionID != sessionID {
			sealErr = errors.NewSessionNotActive(map[string]interface{}{"session_id": sessionID})
			return
		}
		switch s.phase {
		case PhaseActive:
			s.phase = PhaseEnded
			s.sealed = &Snapshot{
				Record:    s.record.Clone(),
				StartedAt: s.startedAt,
				EndedAt:   endedAt,
			}
			snap = cloneSnapshot(*s.sealed)
		case PhaseEnded:
			snap = cloneSnapshot(*s.sealed)
		default:
			sealErr = errors.NewSessionNotActive(map[string]interface{}{"session_id": sessionID})
		}
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, sealErr
}

// Current returns a copy of the current record and phase
func (a *Aggregator) Current(ctx context.Context) (View, error) {
	var v View
	err := a.do(ctx, func(s *state) {
		v = View{
			Phase:     s.phase,
			StartedAt: s.startedAt,
			Record:    s.record.Clone(),
		}
	})
	return v, err
}

func cloneSnapshot(s Snapshot) Snapshot {
	s.Record = s.Record.Clone()
	return s
}
