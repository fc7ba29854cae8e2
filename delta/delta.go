// Package delta models file deltas: atomic, causally ordered mutations of a
// notebook document. The server linearizes deltas into a single chain, where
// each delta names its parent, and broadcasts them to every subscriber.
package delta

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Delta types.
const (
	TypeNBCells              = "nb_cells"
	TypeCellContents         = "cell_contents"
	TypeCellMetadata         = "cell_metadata"
	TypeCellOutputCollection = "cell_output_collection"
	TypeNBMetadata           = "nb_metadata"
	TypeCellExecute          = "cell_execute"
)

// Delta actions.
const (
	ActionAdd           = "add"
	ActionDelete        = "delete"
	ActionMove          = "move"
	ActionUpdate        = "update"
	ActionReplace       = "replace"
	ActionExecute       = "execute"
	ActionExecuteAll    = "execute_all"
	ActionExecuteBefore = "execute_before"
	ActionExecuteAfter  = "execute_after"
)

// NullResource is the resource_id of deltas which don't target a cell.
const NullResource = "__NULL_RESOURCE__"

// NullPriorValue marks a metadata update which carries no prior value to
// compare against.
const NullPriorValue = "__NULL_PRIOR_VALUE__"

// Delta is one atomic change to a file. ParentDeltaID is uuid.Nil for a delta
// with no parent (the root of a chain); it serializes as JSON null.
// CreatedAt and CreatedByID are filled by the server when the delta is
// recorded, never by clients.
type Delta struct {
	ID            uuid.UUID       `json:"id"`
	FileID        uuid.UUID       `json:"file_id"`
	DeltaType     string          `json:"delta_type"`
	DeltaAction   string          `json:"delta_action"`
	ResourceID    string          `json:"resource_id"`
	ParentDeltaID uuid.UUID       `json:"-"`
	Properties    json.RawMessage `json:"properties,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	CreatedByID   *uuid.UUID      `json:"created_by_id,omitempty"`
}

// HasParent reports whether the delta names a parent in the causal chain.
func (d Delta) HasParent() bool { return d.ParentDeltaID != uuid.Nil }

// Kind returns the combined discriminator, e.g. "nb_cells/add".
func (d Delta) Kind() string { return d.DeltaType + "/" + d.DeltaAction }

// DecodeProperties unmarshals the variant-specific payload into props.
func (d Delta) DecodeProperties(props interface{}) error {
	if len(d.Properties) == 0 {
		return fmt.Errorf("delta %s has no properties", d.Kind())
	}
	if err := json.Unmarshal(d.Properties, props); err != nil {
		return fmt.Errorf("decoding %s properties: %w", d.Kind(), err)
	}
	return nil
}

type deltaJSON struct {
	ID            uuid.UUID       `json:"id"`
	FileID        uuid.UUID       `json:"file_id"`
	DeltaType     string          `json:"delta_type"`
	DeltaAction   string          `json:"delta_action"`
	ResourceID    string          `json:"resource_id"`
	ParentDeltaID *uuid.UUID      `json:"parent_delta_id"`
	Properties    json.RawMessage `json:"properties,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	CreatedByID   *uuid.UUID      `json:"created_by_id,omitempty"`
}

func (d Delta) MarshalJSON() ([]byte, error) {
	var parent *uuid.UUID
	if d.ParentDeltaID != uuid.Nil {
		parent = &d.ParentDeltaID
	}
	return json.Marshal(deltaJSON{
		ID:            d.ID,
		FileID:        d.FileID,
		DeltaType:     d.DeltaType,
		DeltaAction:   d.DeltaAction,
		ResourceID:    d.ResourceID,
		ParentDeltaID: parent,
		Properties:    d.Properties,
		CreatedAt:     d.CreatedAt,
		CreatedByID:   d.CreatedByID,
	})
}

func (d *Delta) UnmarshalJSON(data []byte) error {
	var raw deltaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Delta{
		ID:          raw.ID,
		FileID:      raw.FileID,
		DeltaType:   raw.DeltaType,
		DeltaAction: raw.DeltaAction,
		ResourceID:  raw.ResourceID,
		Properties:  raw.Properties,
		CreatedAt:   raw.CreatedAt,
		CreatedByID: raw.CreatedByID,
	}
	if raw.ParentDeltaID != nil {
		d.ParentDeltaID = *raw.ParentDeltaID
	}
	if d.ResourceID == "" {
		d.ResourceID = NullResource
	}
	return nil
}

func newDelta(fileID uuid.UUID, deltaType, deltaAction, resourceID string, props interface{}) Delta {
	var d = Delta{
		ID:          uuid.New(),
		FileID:      fileID,
		DeltaType:   deltaType,
		DeltaAction: deltaAction,
		ResourceID:  resourceID,
	}
	if props != nil {
		var b, err = json.Marshal(props)
		if err != nil {
			panic(fmt.Sprintf("marshaling %s properties: %v", d.Kind(), err))
		}
		d.Properties = b
	}
	return d
}
