package client

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/noteable-io/origami-go/builder"
	"github.com/noteable-io/origami-go/delta"
)

// deltaCallback runs after a matching delta has been applied to the document.
type deltaCallback struct {
	id    uint64
	match func(d delta.Delta) bool
	fn    func(d delta.Delta)
}

// sequencer applies deltas to the document in causal order. Each delta names
// its parent; a delta whose parent is not the last applied one is held back
// and replayed once the gap fills in. Deltas received before the subscribe
// reply are also held back, because catch-up deltas must land first.
//
// The sequencer is not safe for concurrent use; the client serializes access.
type sequencer struct {
	builder     *builder.Builder
	unapplied   []delta.Delta
	catchupDone bool

	callbacks []deltaCallback
	nextID    uint64

	// onApplyError, when set, is invoked after a delta fails to squash into
	// the document. The document can no longer be trusted at that point.
	onApplyError func(d delta.Delta, err error)
}

func newSequencer(b *builder.Builder) *sequencer {
	return &sequencer{builder: b}
}

// reset swaps in a fresh builder and clears queued deltas, for recovery after
// the server reports the delta history is broken.
func (s *sequencer) reset(b *builder.Builder) {
	s.builder = b
	s.unapplied = nil
	s.catchupDone = false
}

// registerCallback adds a post-apply callback and returns a cancel function.
func (s *sequencer) registerCallback(match func(delta.Delta) bool, fn func(delta.Delta)) (cancel func()) {
	var id = s.nextID
	s.nextID++
	s.callbacks = append(s.callbacks, deltaCallback{id: id, match: match, fn: fn})
	return func() {
		for i := range s.callbacks {
			if s.callbacks[i].id == id {
				s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
				return
			}
		}
	}
}

// handleIncoming routes a freshly received delta. Before catch-up completes
// everything is queued; afterwards deltas are applied or queued by causality.
func (s *sequencer) handleIncoming(d delta.Delta) {
	if !s.catchupDone {
		s.unapplied = append(s.unapplied, d)
		return
	}
	s.queueOrApply(d)
}

// markCatchupDone records that subscribe catch-up has been applied. If the
// builder has no chain position yet, latestDeltaID seeds it so that queued
// deltas are not applied out of order from the start.
func (s *sequencer) markCatchupDone(latestDeltaID uuid.UUID) {
	s.catchupDone = true
	if s.builder.LastAppliedDeltaID() == uuid.Nil {
		s.builder.SeedLastAppliedDeltaID(latestDeltaID)
	}
	s.replayUnapplied()
}

// queueOrApply applies the delta if its parent matches the chain head, or
// queues it for replay.
func (s *sequencer) queueOrApply(d delta.Delta) {
	var last = s.builder.LastAppliedDeltaID()
	switch {
	case last == uuid.Nil:
		// No chain position yet. Apply unconditionally; this delta
		// establishes it.
		s.applyDelta(d)
	case d.ParentDeltaID == last:
		s.applyDelta(d)
		s.replayUnapplied()
	default:
		deltasQueuedTotal.Inc()
		log.WithFields(log.Fields{
			"delta_id":        d.ID,
			"parent_delta_id": d.ParentDeltaID,
			"chain_head":      last,
		}).Debug("queueing out of order delta")
		s.unapplied = append(s.unapplied, d)
	}
}

// applyDelta squashes the delta into the document and runs matching
// callbacks. A squash failure means the local document has diverged from the
// server's; it is reported through onApplyError.
func (s *sequencer) applyDelta(d delta.Delta) {
	if err := s.builder.ApplyDelta(d); err != nil {
		deltaApplyErrorsTotal.Inc()
		log.WithFields(log.Fields{
			"delta_id": d.ID,
			"kind":     d.Kind(),
			"err":      err,
		}).Error("failed to apply delta to document")
		if s.onApplyError != nil {
			s.onApplyError(d, err)
		}
	} else {
		deltasAppliedTotal.Inc()
	}

	var snapshot = make([]deltaCallback, len(s.callbacks))
	copy(snapshot, s.callbacks)
	for _, cb := range snapshot {
		if cb.match(d) {
			cb.fn(d)
		}
	}
}

// replayUnapplied scans the queue in arrival order and applies the first
// delta whose parent is now the chain head, repeating until no delta fits.
// When two queued deltas share a parent only the first applies cleanly; the
// other stays queued and is logged once replay settles.
func (s *sequencer) replayUnapplied() {
	var applied bool
	for {
		var progressed bool
		for i, d := range s.unapplied {
			if d.ParentDeltaID == s.builder.LastAppliedDeltaID() {
				log.WithField("delta_id", d.ID).Debug("replaying queued delta")
				s.unapplied = append(s.unapplied[:i], s.unapplied[i+1:]...)
				s.applyDelta(d)
				progressed = true
				applied = true
				break
			}
		}
		if !progressed {
			break
		}
	}
	if applied {
		for _, d := range s.unapplied {
			log.WithFields(log.Fields{
				"delta_id":        d.ID,
				"parent_delta_id": d.ParentDeltaID,
			}).Warn("delta remains unapplied after replay")
		}
	}
}
