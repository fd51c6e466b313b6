// Package tunnel implements the pub/sub transport used to reach peers
// that cannot be dialed directly. It carries JSON request and response
// envelopes on named channels and correlates replies by request id.
package tunnel

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ProtocolVersion is the tunnel envelope protocol version.
const ProtocolVersion = "1.0"

// Endpoint types carried in envelopes.
const (
	EndpointModel      = "model"
	EndpointDataSource = "data_source"
)

// Response statuses.
const (
	ResponseOK    = "ok"
	ResponseError = "error"
)

// Envelope is a tunnel request. Every field is carried on the bus;
// CorrelationID equals RequestID for requests originated here.
type Envelope struct {
	ProtocolVersion string          `json:"protocol_version"`
	RequestID       string          `json:"request_id"`
	CorrelationID   string          `json:"correlation_id"`
	ReplyTo         string          `json:"reply_to"`
	SenderOwner     string          `json:"sender_owner"`
	TargetOwner     string          `json:"target_owner"`
	EndpointSlug    string          `json:"endpoint_slug"`
	EndpointType    string          `json:"endpoint_type"`
	Payload         json.RawMessage `json:"payload"`
	DeadlineMs      int64           `json:"deadline_ms"`
}

// ResponseEnvelope is a tunnel reply. Streamed replies carry ascending
// chunk indices and a terminal Final marker.
type ResponseEnvelope struct {
	ProtocolVersion string          `json:"protocol_version"`
	RequestID       string          `json:"request_id"`
	CorrelationID   string          `json:"correlation_id"`
	SenderOwner     string          `json:"sender_owner"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ChunkIndex      int             `json:"chunk_index"`
	Final           bool            `json:"final"`
}

// InboxSubject returns the request channel for a peer owner.
func InboxSubject(owner string) string {
	return fmt.Sprintf("peer.%s.inbox", owner)
}
