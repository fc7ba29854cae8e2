package client

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noteable-io/origami-go/builder"
	"github.com/noteable-io/origami-go/delta"
	"github.com/noteable-io/origami-go/notebook"
)

func newTestSequencer(t *testing.T) (*sequencer, uuid.UUID) {
	var nb = notebook.New()
	var cell = notebook.NewCodeCell("x = 0")
	cell.ID = "a1"
	nb.Cells = []*notebook.Cell{cell}

	var b, err = builder.New(nb)
	require.NoError(t, err)
	var fileID = uuid.New()
	return newSequencer(b), fileID
}

func replaceDelta(fileID, parent uuid.UUID, source string) delta.Delta {
	var d = delta.NewCellContentsReplace(fileID, "a1", source)
	d.ParentDeltaID = parent
	return d
}

func TestSequencerHoldsDeltasUntilCatchup(t *testing.T) {
	var s, fileID = newTestSequencer(t)
	var root = uuid.New()
	var d = replaceDelta(fileID, root, "x = 1")

	s.handleIncoming(d)
	require.Equal(t, uuid.Nil, s.builder.LastAppliedDeltaID())

	s.markCatchupDone(root)
	require.Equal(t, d.ID, s.builder.LastAppliedDeltaID())
}

func TestSequencerSeedsChainHeadFromCatchup(t *testing.T) {
	var s, _ = newTestSequencer(t)
	var latest = uuid.New()
	s.markCatchupDone(latest)
	require.Equal(t, latest, s.builder.LastAppliedDeltaID())
}

func TestSequencerQueuesAndReplaysGaps(t *testing.T) {
	var s, fileID = newTestSequencer(t)
	var root = uuid.New()
	s.markCatchupDone(root)

	var d1 = replaceDelta(fileID, root, "x = 1")
	var d2 = replaceDelta(fileID, d1.ID, "x = 2")
	var d3 = replaceDelta(fileID, d2.ID, "x = 3")

	s.queueOrApply(d3)
	s.queueOrApply(d2)
	require.Equal(t, root, s.builder.LastAppliedDeltaID())
	require.Len(t, s.unapplied, 2)

	s.queueOrApply(d1)
	require.Equal(t, d3.ID, s.builder.LastAppliedDeltaID())
	require.Empty(t, s.unapplied)

	var _, cell, err = s.builder.GetCell("a1")
	require.NoError(t, err)
	require.Equal(t, "x = 3", cell.Source)
}

func TestSequencerSiblingForkFirstWins(t *testing.T) {
	var s, fileID = newTestSequencer(t)
	var root = uuid.New()
	s.markCatchupDone(root)

	var winner = replaceDelta(fileID, root, "winner")
	var loser = replaceDelta(fileID, root, "loser")

	s.queueOrApply(winner)
	s.queueOrApply(loser)

	require.Equal(t, winner.ID, s.builder.LastAppliedDeltaID())
	require.Len(t, s.unapplied, 1)
	var _, cell, err = s.builder.GetCell("a1")
	require.NoError(t, err)
	require.Equal(t, "winner", cell.Source)
}

func TestSequencerCallbacksRunAfterApply(t *testing.T) {
	var s, fileID = newTestSequencer(t)
	var root = uuid.New()
	s.markCatchupDone(root)

	var seen []uuid.UUID
	var cancel = s.registerCallback(
		func(d delta.Delta) bool { return d.Kind() == "cell_contents/replace" },
		func(d delta.Delta) { seen = append(seen, d.ID) },
	)

	var d1 = replaceDelta(fileID, root, "x = 1")
	s.queueOrApply(d1)
	require.Equal(t, []uuid.UUID{d1.ID}, seen)

	cancel()
	s.queueOrApply(replaceDelta(fileID, d1.ID, "x = 2"))
	require.Len(t, seen, 1)
}

func TestSequencerResetClearsState(t *testing.T) {
	var s, fileID = newTestSequencer(t)
	s.markCatchupDone(uuid.New())
	s.queueOrApply(replaceDelta(fileID, uuid.New(), "stray"))
	require.NotEmpty(t, s.unapplied)

	var nb = notebook.New()
	var b, err = builder.New(nb)
	require.NoError(t, err)
	s.reset(b)

	require.Empty(t, s.unapplied)
	require.False(t, s.catchupDone)
	require.Equal(t, uuid.Nil, s.builder.LastAppliedDeltaID())
}
