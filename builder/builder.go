// Package builder applies file deltas to an in-memory notebook document.
//
// The builder is single-writer: all mutations funnel through ApplyDelta, and
// callers are expected to serialize their calls (the RTU client applies deltas
// from a single dispatch goroutine).
package builder

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
	log "github.com/sirupsen/logrus"

	"github.com/noteable-io/origami-go/delta"
	"github.com/noteable-io/origami-go/notebook"
)

// CellNotFoundError is returned when a delta targets a cell id that is not in
// the notebook.
type CellNotFoundError struct {
	CellID string
}

func (e CellNotFoundError) Error() string {
	return fmt.Sprintf("cell %s not found", e.CellID)
}

// Builder holds the mutable notebook and squashes deltas into it.
type Builder struct {
	nb  *notebook.Notebook
	dmp *diffmatchpatch.DiffMatchPatch

	lastAppliedDeltaID uuid.UUID
	deletedCellIDs     map[string]struct{}
}

// New deep-copies the seed notebook into a fresh builder. Duplicate cell ids
// in the seed are a warning, not an error; later lookups use the first match.
func New(seed *notebook.Notebook) (*Builder, error) {
	var nb, err = seed.Copy()
	if err != nil {
		return nil, err
	}

	var counts = make(map[string]int)
	for _, cell := range nb.Cells {
		counts[cell.ID]++
	}
	for id, n := range counts {
		if n > 1 {
			log.WithFields(log.Fields{"cell_id": id, "count": n}).
				Warn("seed notebook has duplicate cell id")
		}
	}

	return &Builder{
		nb:             nb,
		dmp:            diffmatchpatch.New(),
		deletedCellIDs: make(map[string]struct{}),
	}, nil
}

// Notebook returns the live document. Callers must not mutate it; all
// mutations go through ApplyDelta.
func (b *Builder) Notebook() *notebook.Notebook { return b.nb }

// LastAppliedDeltaID is the head of the applied delta chain, or uuid.Nil if
// nothing has been applied yet.
func (b *Builder) LastAppliedDeltaID() uuid.UUID { return b.lastAppliedDeltaID }

// SeedLastAppliedDeltaID sets the chain head without applying a delta. Used
// once after file subscribe, when the server tells us the latest delta id of
// the version we seeded from.
func (b *Builder) SeedLastAppliedDeltaID(id uuid.UUID) { b.lastAppliedDeltaID = id }

// CellIDs returns cell ids in display order.
func (b *Builder) CellIDs() []string {
	var ids = make([]string, len(b.nb.Cells))
	for i, cell := range b.nb.Cells {
		ids[i] = cell.ID
	}
	return ids
}

// IsDeleted reports whether the cell id was deleted during this session.
func (b *Builder) IsDeleted(cellID string) bool {
	var _, ok = b.deletedCellIDs[cellID]
	return ok
}

// GetCell returns the index and cell for an id, or CellNotFoundError.
func (b *Builder) GetCell(cellID string) (int, *notebook.Cell, error) {
	for i, cell := range b.nb.Cells {
		if cell.ID == cellID {
			return i, cell, nil
		}
	}
	return -1, nil, CellNotFoundError{CellID: cellID}
}

// ApplyDelta squashes one delta into the notebook. On success the builder's
// last applied delta id becomes the delta's id. Unknown delta kinds log a
// warning but still advance the chain head, so a missing handler cannot wedge
// delta ordering for the whole session.
func (b *Builder) ApplyDelta(d delta.Delta) error {
	if d.HasParent() && b.lastAppliedDeltaID != uuid.Nil && d.ParentDeltaID != b.lastAppliedDeltaID {
		log.WithFields(log.Fields{
			"parent_delta_id":       d.ParentDeltaID,
			"last_applied_delta_id": b.lastAppliedDeltaID,
		}).Warn("suspect delta ordering")
	}

	var handler = b.handlerFor(d)
	if handler == nil {
		log.WithFields(log.Fields{
			"delta_type":   d.DeltaType,
			"delta_action": d.DeltaAction,
		}).Warn("unhandled delta kind")
	} else if err := handler(d); err != nil {
		return fmt.Errorf("applying %s delta %s: %w", d.Kind(), d.ID, err)
	}

	b.lastAppliedDeltaID = d.ID
	return nil
}

func (b *Builder) handlerFor(d delta.Delta) func(delta.Delta) error {
	switch d.DeltaType {
	case delta.TypeNBCells:
		switch d.DeltaAction {
		case delta.ActionAdd:
			return b.addCell
		case delta.ActionDelete:
			return b.deleteCell
		case delta.ActionMove:
			return b.moveCell
		}
	case delta.TypeCellContents:
		switch d.DeltaAction {
		case delta.ActionUpdate:
			return b.updateCellContents
		case delta.ActionReplace:
			return b.replaceCellContents
		}
	case delta.TypeCellMetadata:
		switch d.DeltaAction {
		case delta.ActionUpdate:
			return b.updateCellMetadata
		case delta.ActionReplace:
			return b.replaceCellMetadata
		}
	case delta.TypeNBMetadata:
		if d.DeltaAction == delta.ActionUpdate {
			return b.updateNotebookMetadata
		}
	case delta.TypeCellOutputCollection:
		if d.DeltaAction == delta.ActionReplace {
			return b.replaceCellOutputCollection
		}
	case delta.TypeCellExecute:
		switch d.DeltaAction {
		case delta.ActionExecute, delta.ActionExecuteAll,
			delta.ActionExecuteBefore, delta.ActionExecuteAfter:
			return b.logExecuteDelta
		}
	}
	return nil
}

func (b *Builder) addCell(d delta.Delta) error {
	var props delta.CellsAddProperties
	if err := d.DecodeProperties(&props); err != nil {
		return err
	}
	if props.Cell == nil {
		log.Warn("nb_cells/add delta has no cell data")
		return nil
	}
	if _, _, err := b.GetCell(props.ID); err == nil {
		log.WithField("cell_id", props.ID).Warn("adding duplicate cell id")
	}
	// The id in properties is authoritative over any id inside the cell.
	props.Cell.ID = props.ID

	if props.AfterID != "" {
		var index, _, err = b.GetCell(props.AfterID)
		if err != nil {
			return err
		}
		b.insertCell(index+1, props.Cell)
	} else {
		b.insertCell(0, props.Cell)
	}
	return nil
}

func (b *Builder) insertCell(index int, cell *notebook.Cell) {
	b.nb.Cells = append(b.nb.Cells, nil)
	copy(b.nb.Cells[index+1:], b.nb.Cells[index:])
	b.nb.Cells[index] = cell
}

func (b *Builder) removeCell(index int) *notebook.Cell {
	var cell = b.nb.Cells[index]
	b.nb.Cells = append(b.nb.Cells[:index], b.nb.Cells[index+1:]...)
	return cell
}

func (b *Builder) deleteCell(d delta.Delta) error {
	var props delta.CellsDeleteProperties
	if err := d.DecodeProperties(&props); err != nil {
		return err
	}
	if props.ID == "" {
		log.Warn("nb_cells/delete delta has no cell id")
		return nil
	}
	var index, _, err = b.GetCell(props.ID)
	if err != nil {
		return err
	}
	b.removeCell(index)
	b.deletedCellIDs[props.ID] = struct{}{}
	return nil
}

func (b *Builder) moveCell(d delta.Delta) error {
	var props delta.CellsMoveProperties
	if err := d.DecodeProperties(&props); err != nil {
		return err
	}
	// Moving a cell below itself is a valid delta but a no-op here.
	if props.ID == props.AfterID {
		return nil
	}
	var index, _, err = b.GetCell(props.ID)
	if err != nil {
		return err
	}
	var cell = b.removeCell(index)
	if props.AfterID != "" {
		target, _, err := b.GetCell(props.AfterID)
		if err != nil {
			return err
		}
		b.insertCell(target+1, cell)
	} else {
		b.insertCell(0, cell)
	}
	return nil
}

func (b *Builder) updateCellContents(d delta.Delta) error {
	var props delta.CellContentsUpdateProperties
	if err := d.DecodeProperties(&props); err != nil {
		return err
	}
	var patches, err = b.dmp.PatchFromText(props.Patch)
	if err != nil {
		return fmt.Errorf("parsing patch: %w", err)
	}
	_, cell, err := b.GetCell(d.ResourceID)
	if err != nil {
		return err
	}
	// Unresolvable hunks produce best-effort merged text via fuzzy apply.
	var merged, _ = b.dmp.PatchApply(patches, cell.Source)
	cell.Source = merged
	return nil
}

func (b *Builder) replaceCellContents(d delta.Delta) error {
	var props delta.CellContentsReplaceProperties
	if err := d.DecodeProperties(&props); err != nil {
		return err
	}
	var _, cell, err = b.GetCell(d.ResourceID)
	if err != nil {
		return err
	}
	cell.Source = props.Source
	return nil
}

func (b *Builder) updateNotebookMetadata(d delta.Delta) error {
	var props delta.MetadataUpdateProperties
	if err := d.DecodeProperties(&props); err != nil {
		return err
	}
	return setMetadataPath(b.nb.Metadata, props, "notebook")
}

func (b *Builder) updateCellMetadata(d delta.Delta) error {
	var props delta.MetadataUpdateProperties
	if err := d.DecodeProperties(&props); err != nil {
		return err
	}
	if b.IsDeleted(d.ResourceID) {
		log.WithField("cell_id", d.ResourceID).
			Debug("skipping cell_metadata/update for deleted cell")
		return nil
	}
	var _, cell, err = b.GetCell(d.ResourceID)
	if err != nil {
		log.WithField("cell_id", d.ResourceID).
			Warn("cell_metadata/update for cell that is neither present nor deleted")
		return nil
	}
	return setMetadataPath(cell.Metadata, props, "cell "+cell.ID)
}

// setMetadataPath walks path[:len-1] into root, creating missing intermediate
// mappings, and assigns the final key. A mismatched prior value warns but the
// assignment still happens: last writer wins at the leaf.
func setMetadataPath(root map[string]interface{}, props delta.MetadataUpdateProperties, scope string) error {
	if len(props.Path) == 0 {
		return fmt.Errorf("metadata update with empty path")
	}
	var node = root
	for _, key := range props.Path[:len(props.Path)-1] {
		var child, ok = node[key]
		if !ok {
			var next = make(map[string]interface{})
			node[key] = next
			node = next
			continue
		}
		next, ok := child.(map[string]interface{})
		if !ok {
			return fmt.Errorf("metadata path %v: %q is not an object", props.Path, key)
		}
		node = next
	}

	var last = props.Path[len(props.Path)-1]
	if current, ok := node[last]; ok && props.PriorValue != nil && props.PriorValue != delta.NullPriorValue {
		if fmt.Sprintf("%v", current) != fmt.Sprintf("%v", props.PriorValue) {
			log.WithFields(log.Fields{
				"scope":       scope,
				"path":        props.Path,
				"prior_value": props.PriorValue,
				"current":     current,
			}).Warn("metadata prior value mismatch")
		}
	}
	node[last] = props.Value
	return nil
}

func (b *Builder) replaceCellMetadata(d delta.Delta) error {
	var props delta.CellMetadataReplaceProperties
	if err := d.DecodeProperties(&props); err != nil {
		return err
	}
	var _, cell, err = b.GetCell(d.ResourceID)
	if err != nil {
		return err
	}
	if props.Type != "" && props.Type != cell.CellType {
		cell.CellType = props.Type
		// Re-validate against the new variant shape: code-only fields don't
		// survive a switch away from code, and a fresh code cell starts with
		// empty outputs.
		if cell.CellType == notebook.CellTypeCode {
			cell.Outputs = []notebook.Output{}
			cell.ExecutionCount = nil
		} else {
			cell.Outputs = nil
			cell.ExecutionCount = nil
		}
	}
	if props.Language != "" {
		noteableMeta(cell)["cell_type"] = props.Language
	}
	return nil
}

func (b *Builder) replaceCellOutputCollection(d delta.Delta) error {
	if b.IsDeleted(d.ResourceID) {
		log.WithField("cell_id", d.ResourceID).
			Debug("skipping cell_output_collection/replace for deleted cell")
		return nil
	}
	var props delta.CellOutputCollectionReplaceProperties
	if err := d.DecodeProperties(&props); err != nil {
		return err
	}
	var _, cell, err = b.GetCell(d.ResourceID)
	if err != nil {
		log.WithField("cell_id", d.ResourceID).
			Warn("cell_output_collection/replace for cell that is neither present nor deleted")
		return nil
	}
	noteableMeta(cell)["output_collection_id"] = props.OutputCollectionID.String()
	return nil
}

func noteableMeta(cell *notebook.Cell) map[string]interface{} {
	if cell.Metadata == nil {
		cell.Metadata = make(map[string]interface{})
	}
	var noteable, ok = cell.Metadata["noteable"].(map[string]interface{})
	if !ok {
		noteable = make(map[string]interface{})
		cell.Metadata["noteable"] = noteable
	}
	return noteable
}

func (b *Builder) logExecuteDelta(d delta.Delta) error {
	log.WithFields(log.Fields{
		"delta_action": d.DeltaAction,
		"resource_id":  d.ResourceID,
	}).Debug("cell execute delta")
	return nil
}

// Dumps serializes the document to canonical JSON, indented or compact.
func (b *Builder) Dumps(indent bool) ([]byte, error) {
	if indent {
		return json.MarshalIndent(b.nb, "", "  ")
	}
	return json.Marshal(b.nb)
}
