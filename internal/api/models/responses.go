package models

import (
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/handlecache"
	"github.com/nkkko/axnotify/pkg/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// PostEventResponse reports how many callbacks a simulated event reached
type PostEventResponse struct {
	Process   int32  `json:"process"`
	Type      string `json:"type"`
	Delivered int    `json:"delivered"`
}

// StatsResponse summarizes the center and the stream
type StatsResponse struct {
	Subscriptions int `json:"subscriptions"`
	Keys          int `json:"keys"`
	Handles       int `json:"handles"`
	StreamClients int `json:"stream_clients"`
}

// UnsubscribeResponse confirms a removed subscription
type UnsubscribeResponse struct {
	Token string `json:"token"`
}

func processPtr(pid *domain.ProcessID) *int32 {
	if pid == nil {
		return nil
	}
	v := int32(*pid)
	return &v
}

// HandleFromInfo converts a handle snapshot to its wire form
func HandleFromInfo(info handlecache.HandleInfo) *proto.HandleInfo {
	notifications := make([]string, 0, len(info.Notifications))
	for _, t := range info.Notifications {
		notifications = append(notifications, string(t))
	}

	return &proto.HandleInfo{
		SourceID:      info.SourceID,
		Process:       processPtr(info.Process),
		Global:        info.Global,
		Refs:          info.Refs,
		Notifications: notifications,
		CreatedAt:     timestamppb.New(info.CreatedAt),
	}
}

// HandlesFromInfo converts a list of handle snapshots
func HandlesFromInfo(infos []handlecache.HandleInfo) []*proto.HandleInfo {
	out := make([]*proto.HandleInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, HandleFromInfo(info))
	}
	return out
}

// KeysFromDomain converts subscription keys to their wire form
func KeysFromDomain(keys []domain.SubscriptionKey) []proto.KeyInfo {
	out := make([]proto.KeyInfo, 0, len(keys))
	for _, key := range keys {
		out = append(out, proto.KeyInfo{
			Process:  processPtr(key.Process),
			Type:     string(key.Type),
			Wildcard: key.IsWildcard(),
		})
	}
	return out
}

// Registered builds the answer to a registration query
func Registered(pid *domain.ProcessID, t domain.NotificationType, registered bool) proto.RegisteredInfo {
	return proto.RegisteredInfo{
		Process:    processPtr(pid),
		Type:       string(t),
		Registered: registered,
	}
}

// Removal builds the answer to a bulk removal
func Removal(pid *domain.ProcessID, removed int) proto.RemovalResult {
	return proto.RemovalResult{Process: processPtr(pid), Removed: removed}
}
