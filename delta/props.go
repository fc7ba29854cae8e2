package delta

import (
	"github.com/google/uuid"

	"github.com/noteable-io/origami-go/notebook"
)

// CellsAddProperties describes nb_cells/add. ID is authoritative and
// overwrites any id carried inside Cell when the delta is applied.
type CellsAddProperties struct {
	ID       string         `json:"id"`
	AfterID  string         `json:"after_id,omitempty"`
	BeforeID string         `json:"before_id,omitempty"`
	Cell     *notebook.Cell `json:"cell"`
}

// CellsDeleteProperties describes nb_cells/delete.
type CellsDeleteProperties struct {
	ID string `json:"id"`
}

// CellsMoveProperties describes nb_cells/move. An empty AfterID moves the cell
// to the top of the notebook.
type CellsMoveProperties struct {
	ID      string `json:"id"`
	AfterID string `json:"after_id,omitempty"`
}

// CellContentsUpdateProperties carries a diff-match-patch patch text.
type CellContentsUpdateProperties struct {
	Patch string `json:"patch"`
}

// CellContentsReplaceProperties carries full replacement source.
type CellContentsReplaceProperties struct {
	Source string `json:"source"`
}

// MetadataUpdateProperties describes cell_metadata/update and
// nb_metadata/update: walk Path into the metadata mapping, creating missing
// intermediate maps, and set the final key to Value. PriorValue, when present
// and not the NullPriorValue sentinel, is compared against the existing value
// for drift detection.
type MetadataUpdateProperties struct {
	Path       []string    `json:"path"`
	Value      interface{} `json:"value"`
	PriorValue interface{} `json:"prior_value,omitempty"`
}

// CellMetadataReplaceProperties changes a cell's type and/or language.
type CellMetadataReplaceProperties struct {
	Type     string `json:"type,omitempty"`
	Language string `json:"language,omitempty"`
}

// CellOutputCollectionReplaceProperties points a cell at an output collection.
type CellOutputCollectionReplaceProperties struct {
	OutputCollectionID uuid.UUID `json:"output_collection_id"`
}

// NewCellsAdd builds an nb_cells/add delta.
func NewCellsAdd(fileID uuid.UUID, props CellsAddProperties) Delta {
	return newDelta(fileID, TypeNBCells, ActionAdd, NullResource, props)
}

// NewCellsDelete builds an nb_cells/delete delta.
func NewCellsDelete(fileID uuid.UUID, cellID string) Delta {
	return newDelta(fileID, TypeNBCells, ActionDelete, NullResource, CellsDeleteProperties{ID: cellID})
}

// NewCellsMove builds an nb_cells/move delta.
func NewCellsMove(fileID uuid.UUID, cellID, afterID string) Delta {
	return newDelta(fileID, TypeNBCells, ActionMove, NullResource, CellsMoveProperties{ID: cellID, AfterID: afterID})
}

// NewCellContentsUpdate builds a cell_contents/update delta from a
// diff-match-patch patch text.
func NewCellContentsUpdate(fileID uuid.UUID, cellID, patch string) Delta {
	return newDelta(fileID, TypeCellContents, ActionUpdate, cellID, CellContentsUpdateProperties{Patch: patch})
}

// NewCellContentsReplace builds a cell_contents/replace delta.
func NewCellContentsReplace(fileID uuid.UUID, cellID, source string) Delta {
	return newDelta(fileID, TypeCellContents, ActionReplace, cellID, CellContentsReplaceProperties{Source: source})
}

// NewCellMetadataUpdate builds a cell_metadata/update delta.
func NewCellMetadataUpdate(fileID uuid.UUID, cellID string, props MetadataUpdateProperties) Delta {
	return newDelta(fileID, TypeCellMetadata, ActionUpdate, cellID, props)
}

// NewCellMetadataReplace builds a cell_metadata/replace delta.
func NewCellMetadataReplace(fileID uuid.UUID, cellID string, props CellMetadataReplaceProperties) Delta {
	return newDelta(fileID, TypeCellMetadata, ActionReplace, cellID, props)
}

// NewNBMetadataUpdate builds an nb_metadata/update delta.
func NewNBMetadataUpdate(fileID uuid.UUID, props MetadataUpdateProperties) Delta {
	return newDelta(fileID, TypeNBMetadata, ActionUpdate, NullResource, props)
}

// NewCellOutputCollectionReplace builds a cell_output_collection/replace delta.
func NewCellOutputCollectionReplace(fileID uuid.UUID, cellID string, collectionID uuid.UUID) Delta {
	return newDelta(fileID, TypeCellOutputCollection, ActionReplace, cellID,
		CellOutputCollectionReplaceProperties{OutputCollectionID: collectionID})
}

// NewCellExecute builds a cell_execute/execute delta for a single cell.
func NewCellExecute(fileID uuid.UUID, cellID string) Delta {
	return newDelta(fileID, TypeCellExecute, ActionExecute, cellID, nil)
}

// NewCellExecuteAll builds a cell_execute/execute_all delta.
func NewCellExecuteAll(fileID uuid.UUID) Delta {
	return newDelta(fileID, TypeCellExecute, ActionExecuteAll, NullResource, nil)
}

// NewCellExecuteBefore builds a cell_execute/execute_before delta: run every
// cell up to and including the named cell.
func NewCellExecuteBefore(fileID uuid.UUID, cellID string) Delta {
	return newDelta(fileID, TypeCellExecute, ActionExecuteBefore, cellID, nil)
}

// NewCellExecuteAfter builds a cell_execute/execute_after delta: run the named
// cell and every cell after it.
func NewCellExecuteAfter(fileID uuid.UUID, cellID string) Delta {
	return newDelta(fileID, TypeCellExecute, ActionExecuteAfter, cellID, nil)
}
