package rtu

import (
	"time"

	"github.com/google/uuid"

	"github.com/noteable-io/origami-go/delta"
)

// BooleanReplyData is the common {success: bool} reply payload.
type BooleanReplyData struct {
	Success bool `json:"success"`
}

// ErrorData is the payload of the uniform error events.
type ErrorData struct {
	Message string `json:"message,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

// User is the account associated with an authenticated RTU session.
type User struct {
	ID        uuid.UUID `json:"id"`
	Handle    string    `json:"handle"`
	Email     string    `json:"email,omitempty"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
}

// AuthenticateRequestData authenticates the session with a bearer token. The
// same token is used for REST calls.
type AuthenticateRequestData struct {
	Token         string `json:"token"`
	RTUClientType string `json:"rtu_client_type"`
}

// AuthenticateReplyData reports authentication outcome and the resolved user.
type AuthenticateReplyData struct {
	Success bool `json:"success"`
	User    User `json:"user"`
}

// WhoAmIResponseData carries the session user, nil when unauthenticated.
type WhoAmIResponseData struct {
	User *User `json:"user"`
}

// FileSubscribeRequestData selects the catch-up starting point. Exactly one of
// the two fields must be set; the server rejects an all-zero delta id.
type FileSubscribeRequestData struct {
	FromVersionID *uuid.UUID `json:"from_version_id,omitempty"`
	FromDeltaID   *uuid.UUID `json:"from_delta_id,omitempty"`
}

// KernelDetails describes a running kernel.
type KernelDetails struct {
	Name           string     `json:"name"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
	ExecutionState string     `json:"execution_state"`
}

// KernelStatusUpdate is the kernel session state, carried on file subscribe
// replies and kernel_status_update_event.
type KernelStatusUpdate struct {
	SessionID uuid.UUID     `json:"session_id"`
	Kernel    KernelDetails `json:"kernel"`
}

// CellState pairs a cell id with its execution state tag.
type CellState struct {
	CellID string `json:"cell_id"`
	State  string `json:"state"`
}

// UserFileSubscription describes another participant's presence on the file.
type UserFileSubscription struct {
	UserID         uuid.UUID  `json:"user_id"`
	FileID         uuid.UUID  `json:"file_id,omitzero"`
	CellIDSelected string     `json:"cell_id_selected,omitempty"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	Subscribed     bool       `json:"subscribed"`
}

// FileSubscribeReplyData carries catch-up deltas, the latest delta id of the
// subscribed version, live kernel/cell state, and current user subscriptions.
type FileSubscribeReplyData struct {
	DeltasToApply     []delta.Delta          `json:"deltas_to_apply"`
	LatestDeltaID     uuid.UUID              `json:"latest_delta_id"`
	KernelSession     *KernelStatusUpdate    `json:"kernel_session,omitempty"`
	CellStates        []CellState            `json:"cell_states,omitempty"`
	UserSubscriptions []UserFileSubscription `json:"user_subscriptions,omitempty"`
}

// NewDeltaRequestData submits a delta for linearization.
type NewDeltaRequestData struct {
	Delta                    delta.Delta `json:"delta"`
	OutputCollectionIDToCopy *uuid.UUID  `json:"output_collection_id_to_copy,omitempty"`
}

// BulkCellStateUpdateData is the full set of current cell execution states.
type BulkCellStateUpdateData struct {
	CellStates []CellState `json:"cell_states"`
}

// UpdateUserCellSelectionRequestData reports which cell this user has selected.
type UpdateUserCellSelectionRequestData struct {
	ID string `json:"id"`
}

// UsageMetricsEventData reports kernel pod resource usage.
type UsageMetricsEventData struct {
	CPUUsagePercent    int `json:"cpu_usage_percent"`
	MemoryUsagePercent int `json:"memory_usage_percent"`
}

// KernelOutputContent is one representation of a streamed output.
type KernelOutputContent struct {
	Raw      string `json:"raw,omitempty"`
	URL      string `json:"url,omitempty"`
	Mimetype string `json:"mimetype"`
}

// KernelOutput is the payload of append_output_event: one output streamed into
// an output collection.
type KernelOutput struct {
	ID                 uuid.UUID            `json:"id"`
	Type               string               `json:"type"`
	DisplayID          string               `json:"display_id,omitempty"`
	AvailableMimetypes []string             `json:"available_mimetypes"`
	ContentMetadata    KernelOutputContent  `json:"content_metadata"`
	Content            *KernelOutputContent `json:"content,omitempty"`
	ParentCollectionID uuid.UUID            `json:"parent_collection_id"`
}
