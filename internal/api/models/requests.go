package models

import (
	"github.com/nkkko/axnotify/internal/api/validation"
	"github.com/nkkko/axnotify/internal/domain"
)

// PostEventRequest fires a simulated event on a process
type PostEventRequest struct {
	Process int32          `json:"process"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`

	// notification is the parsed Type, set by Validate
	notification domain.NotificationType
}

// Validate validates the request
func (r *PostEventRequest) Validate() error {
	if err := validation.Min("process", int(r.Process), 1); err != nil {
		return err
	}
	if err := validation.Required("type", r.Type); err != nil {
		return err
	}

	t, err := domain.ParseNotificationType(r.Type)
	if err != nil {
		return err
	}
	r.notification = t
	return nil
}

// Notification returns the canonical notification type of a validated request
func (r *PostEventRequest) Notification() domain.NotificationType {
	return r.notification
}
