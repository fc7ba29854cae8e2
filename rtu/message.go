// Package rtu models the realtime update wire protocol: a bidirectional
// stream of JSON text frames. Every frame shares one envelope shape
// (transaction_id, channel, event, data); replies additionally carry a
// server-assigned message id and processed timestamp.
//
// The leading segment of the channel names the subsystem: "system" for
// authentication and debug events, "files/{uuid}" for document subscriptions
// and deltas, "kernels/{pod}" for kernel and cell state.
package rtu

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel prefixes.
const (
	ChannelSystem        = "system"
	ChannelPrefixFiles   = "files"
	ChannelPrefixKernels = "kernels"
)

// FileChannel returns the files channel for a file id.
func FileChannel(fileID uuid.UUID) string {
	return ChannelPrefixFiles + "/" + fileID.String()
}

// KernelChannel returns the kernels channel for a file id. The pod name embeds
// the first 20 hex characters of the file id.
func KernelChannel(fileID uuid.UUID) string {
	var h = hex.EncodeToString(fileID[:])
	return ChannelPrefixKernels + "/notebook-kernel-" + h[:20]
}

// Events sent by clients.
const (
	EventAuthenticateRequest            = "authenticate_request"
	EventPingRequest                    = "ping_request"
	EventWhoAmIRequest                  = "whoami_request"
	EventSubscribeRequest               = "subscribe_request"
	EventUnsubscribeRequest             = "unsubscribe_request"
	EventNewDeltaRequest                = "new_delta_request"
	EventUpdateUserCellSelectionRequest = "update_user_cell_selection_request"
	EventVariableExplorerUpdateRequest  = "variable_explorer_update_request"
)

// Events sent by the server.
const (
	EventAuthenticateReply            = "authenticate_reply"
	EventPingResponse                 = "ping_response"
	EventWhoAmIResponse               = "whoami_response"
	EventSubscribeReply               = "subscribe_reply"
	EventUnsubscribeReply             = "unsubscribe_reply"
	EventNewDeltaReply                = "new_delta_reply"
	EventNewDeltaEvent                = "new_delta_event"
	EventUpdateOutputCollectionEvent  = "update_output_collection_event"
	EventAppendOutputEvent            = "append_output_event"
	EventKernelStatusUpdateEvent      = "kernel_status_update_event"
	EventBulkCellStateUpdateEvent     = "bulk_cell_state_update_event"
	EventVariableExplorerEvent        = "variable_explorer_event"
	EventUpdateUserCellSelectionReply = "update_user_cell_selection_reply"
	EventUpdateUserFileSubscription   = "update_user_file_subscription_event"
	EventRemoveUserFileSubscription   = "remove_user_file_subscription_event"
	EventUsageMetricsEvent            = "usage_metrics_event"
	EventFileVersionsChangedEvent     = "v0_file_versions_changed_event"
)

// Error events, recognised uniformly on any channel.
const (
	EventInvalidEvent      = "invalid_event"
	EventInvalidData       = "invalid_data"
	EventPermissionDenied  = "permission_denied"
	EventDeltaRejected     = "delta_rejected"
	EventInconsistentState = "inconsistent_state_event"
)

var knownEvents = map[string]struct{}{
	EventAuthenticateRequest:            {},
	EventPingRequest:                    {},
	EventWhoAmIRequest:                  {},
	EventSubscribeRequest:               {},
	EventUnsubscribeRequest:             {},
	EventNewDeltaRequest:                {},
	EventUpdateUserCellSelectionRequest: {},
	EventVariableExplorerUpdateRequest:  {},
	EventAuthenticateReply:              {},
	EventPingResponse:                   {},
	EventWhoAmIResponse:                 {},
	EventSubscribeReply:                 {},
	EventUnsubscribeReply:               {},
	EventNewDeltaReply:                  {},
	EventNewDeltaEvent:                  {},
	EventUpdateOutputCollectionEvent:    {},
	EventAppendOutputEvent:              {},
	EventKernelStatusUpdateEvent:        {},
	EventBulkCellStateUpdateEvent:       {},
	EventVariableExplorerEvent:          {},
	EventUpdateUserCellSelectionReply:   {},
	EventUpdateUserFileSubscription:     {},
	EventRemoveUserFileSubscription:     {},
	EventUsageMetricsEvent:              {},
	EventFileVersionsChangedEvent:       {},
	EventInvalidEvent:                   {},
	EventInvalidData:                    {},
	EventPermissionDenied:               {},
	EventDeltaRejected:                  {},
	EventInconsistentState:              {},
}

// KnownEvent reports whether the event name is part of the modeled protocol.
// Unmodeled messages are parsed as a bare envelope and logged as warnings by
// the client.
func KnownEvent(event string) bool {
	var _, ok = knownEvents[event]
	return ok
}

// IsRequestRejection reports whether the event terminates an originating
// request with a rejection.
func IsRequestRejection(event string) bool {
	switch event {
	case EventInvalidEvent, EventInvalidData, EventPermissionDenied, EventDeltaRejected:
		return true
	}
	return false
}

// Message is the common frame shape for every RTU request, reply and event.
type Message struct {
	TransactionID      uuid.UUID       `json:"transaction_id"`
	MsgID              uuid.UUID       `json:"msg_id,omitzero"`
	Channel            string          `json:"channel"`
	Event              string          `json:"event"`
	ProcessedTimestamp time.Time       `json:"processed_timestamp,omitzero"`
	Data               json.RawMessage `json:"data,omitempty"`
}

// ChannelPrefix returns the leading segment of the channel path.
func (m Message) ChannelPrefix() string {
	var prefix, _, _ = strings.Cut(m.Channel, "/")
	return prefix
}

// DecodeData unmarshals the event-specific payload.
func (m Message) DecodeData(into interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Event)
	}
	if err := json.Unmarshal(m.Data, into); err != nil {
		return fmt.Errorf("decoding %s data: %w", m.Event, err)
	}
	return nil
}

// NewRequest builds an outbound frame with a fresh transaction id. A nil data
// payload is allowed for events like unsubscribe_request.
func NewRequest(channel, event string, data interface{}) Message {
	var msg = Message{
		TransactionID: uuid.New(),
		Channel:       channel,
		Event:         event,
	}
	if data != nil {
		var b, err = json.Marshal(data)
		if err != nil {
			panic(fmt.Sprintf("marshaling %s data: %v", event, err))
		}
		msg.Data = b
	}
	return msg
}

// Parse decodes one inbound wire frame.
func Parse(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("parsing RTU frame: %w", err)
	}
	return msg, nil
}
