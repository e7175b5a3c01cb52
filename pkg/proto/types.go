package proto

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Event is a notification as delivered to remote subscribers
type Event struct {
	Process   int32                  `json:"process"`
	Type      string                 `json:"type"`
	Element   string                 `json:"element,omitempty"`
	Payload   map[string]any         `json:"payload,omitempty"`
	Timestamp *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

// HandleInfo describes a live platform event source
type HandleInfo struct {
	SourceID      string                 `json:"source_id"`
	Process       *int32                 `json:"process,omitempty"`
	Global        bool                   `json:"global"`
	Refs          int                    `json:"refs"`
	Notifications []string               `json:"notifications"`
	CreatedAt     *timestamppb.Timestamp `json:"created_at,omitempty"`
}

// KeyInfo describes a subscription key with at least one handler
type KeyInfo struct {
	Process  *int32 `json:"process,omitempty"`
	Type     string `json:"type"`
	Wildcard bool   `json:"wildcard"`
}

// RegisteredInfo answers whether a key is registered
type RegisteredInfo struct {
	Process    *int32 `json:"process,omitempty"`
	Type       string `json:"type"`
	Registered bool   `json:"registered"`
}

// RemovalResult reports a bulk removal
type RemovalResult struct {
	Process *int32 `json:"process,omitempty"`
	Removed int    `json:"removed"`
}

// FrameType identifies a stream frame
type FrameType string

const (
	FrameSubscribed FrameType = "subscribed"
	FrameEvent      FrameType = "event"
	FrameHeartbeat  FrameType = "heartbeat"
	FrameError      FrameType = "error"
)

// Frame is one message sent by the server over the notification stream
type Frame struct {
	Type      FrameType              `json:"type"`
	ClientID  string                 `json:"client_id,omitempty"`
	Tokens    []string               `json:"tokens,omitempty"`
	Event     *Event                 `json:"event,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

// ClientMessage is sent by stream clients, e.g. {"action":"ping"}
type ClientMessage struct {
	Action string `json:"action"`
}
