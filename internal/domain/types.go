package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProcessID identifies a monitored external process
type ProcessID int32

// PID returns a pointer to a process id, for use where a process is optional
func PID(id int32) *ProcessID {
	p := ProcessID(id)
	return &p
}

// FormatProcess renders an optional process id, "*" meaning any process
func FormatProcess(pid *ProcessID) string {
	if pid == nil {
		return "*"
	}
	return strconv.FormatInt(int64(*pid), 10)
}

// ParseProcess parses a process id as rendered by FormatProcess
func ParseProcess(s string) (*ProcessID, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid process id %q: %w", s, err)
	}
	if v <= 0 {
		return nil, fmt.Errorf("invalid process id %q: must be positive", s)
	}
	return PID(int32(v)), nil
}

// NotificationType is a named category of observable UI state change
type NotificationType string

const (
	NotificationFocusedElementChanged NotificationType = "AXFocusedUIElementChanged"
	NotificationFocusedWindowChanged  NotificationType = "AXFocusedWindowChanged"
	NotificationMainWindowChanged     NotificationType = "AXMainWindowChanged"
	NotificationValueChanged          NotificationType = "AXValueChanged"
	NotificationElementDestroyed      NotificationType = "AXUIElementDestroyed"
	NotificationCreated               NotificationType = "AXCreated"
	NotificationMoved                 NotificationType = "AXMoved"
	NotificationResized               NotificationType = "AXResized"
	NotificationTitleChanged          NotificationType = "AXTitleChanged"
	NotificationLayoutChanged         NotificationType = "AXLayoutChanged"
	NotificationSelectedTextChanged   NotificationType = "AXSelectedTextChanged"
	NotificationSelectedChildren      NotificationType = "AXSelectedChildrenChanged"
	NotificationSelectedRowsChanged   NotificationType = "AXSelectedRowsChanged"
	NotificationRowCountChanged       NotificationType = "AXRowCountChanged"
	NotificationWindowCreated         NotificationType = "AXWindowCreated"
	NotificationWindowMoved           NotificationType = "AXWindowMoved"
	NotificationWindowResized         NotificationType = "AXWindowResized"
	NotificationWindowMiniaturized    NotificationType = "AXWindowMiniaturized"
	NotificationWindowDeminiaturized  NotificationType = "AXWindowDeminiaturized"
	NotificationMenuOpened            NotificationType = "AXMenuOpened"
	NotificationMenuClosed            NotificationType = "AXMenuClosed"
	NotificationMenuItemSelected      NotificationType = "AXMenuItemSelected"
	NotificationApplicationActivated  NotificationType = "AXApplicationActivated"
	NotificationApplicationDeactivate NotificationType = "AXApplicationDeactivated"
	NotificationApplicationHidden     NotificationType = "AXApplicationHidden"
	NotificationApplicationShown      NotificationType = "AXApplicationShown"
	NotificationAnnouncement          NotificationType = "AXAnnouncementRequested"
)

var knownNotifications = map[NotificationType]struct{}{
	NotificationFocusedElementChanged: {},
	NotificationFocusedWindowChanged:  {},
	NotificationMainWindowChanged:     {},
	NotificationValueChanged:          {},
	NotificationElementDestroyed:      {},
	NotificationCreated:               {},
	NotificationMoved:                 {},
	NotificationResized:               {},
	NotificationTitleChanged:          {},
	NotificationLayoutChanged:         {},
	NotificationSelectedTextChanged:   {},
	NotificationSelectedChildren:      {},
	NotificationSelectedRowsChanged:   {},
	NotificationRowCountChanged:       {},
	NotificationWindowCreated:         {},
	NotificationWindowMoved:           {},
	NotificationWindowResized:         {},
	NotificationWindowMiniaturized:    {},
	NotificationWindowDeminiaturized:  {},
	NotificationMenuOpened:            {},
	NotificationMenuClosed:            {},
	NotificationMenuItemSelected:      {},
	NotificationApplicationActivated:  {},
	NotificationApplicationDeactivate: {},
	NotificationApplicationHidden:     {},
	NotificationApplicationShown:      {},
	NotificationAnnouncement:          {},
}

// short names accepted from clients, matched case-insensitively
var notificationAliases = map[string]NotificationType{
	"focused":        NotificationFocusedElementChanged,
	"focus":          NotificationFocusedElementChanged,
	"focusedwindow":  NotificationFocusedWindowChanged,
	"mainwindow":     NotificationMainWindowChanged,
	"valuechanged":   NotificationValueChanged,
	"value":          NotificationValueChanged,
	"destroyed":      NotificationElementDestroyed,
	"created":        NotificationCreated,
	"moved":          NotificationMoved,
	"resized":        NotificationResized,
	"title":          NotificationTitleChanged,
	"titlechanged":   NotificationTitleChanged,
	"layout":         NotificationLayoutChanged,
	"selectedtext":   NotificationSelectedTextChanged,
	"selection":      NotificationSelectedChildren,
	"windowcreated":  NotificationWindowCreated,
	"windowmoved":    NotificationWindowMoved,
	"windowresized":  NotificationWindowResized,
	"menuopened":     NotificationMenuOpened,
	"menuclosed":     NotificationMenuClosed,
	"activated":      NotificationApplicationActivated,
	"deactivated":    NotificationApplicationDeactivate,
	"announcement":   NotificationAnnouncement,
	"menuitemselect": NotificationMenuItemSelected,
}

// ParseNotificationType converts a raw notification string into its canonical type.
// Unknown strings yield ErrUnknownNotification.
func ParseNotificationType(raw string) (NotificationType, error) {
	s := strings.TrimSpace(raw)
	if _, ok := knownNotifications[NotificationType(s)]; ok {
		return NotificationType(s), nil
	}
	if t, ok := notificationAliases[strings.ToLower(s)]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNotification, raw)
}

// KnownNotificationTypes lists every canonical notification type
func KnownNotificationTypes() []NotificationType {
	out := make([]NotificationType, 0, len(knownNotifications))
	for t := range knownNotifications {
		out = append(out, t)
	}
	return out
}

// SubscriptionKey names one notification type on one process, or on every
// process when Process is nil
type SubscriptionKey struct {
	Process *ProcessID
	Type    NotificationType
}

// NewKey builds a key, copying the process id so callers keep ownership
func NewKey(pid *ProcessID, t NotificationType) SubscriptionKey {
	if pid != nil {
		pid = PID(int32(*pid))
	}
	return SubscriptionKey{Process: pid, Type: t}
}

// KeyID is the comparable form of a SubscriptionKey
type KeyID struct {
	HasProcess bool
	Process    ProcessID
	Type       NotificationType
}

// ID returns the comparable identity of the key
func (k SubscriptionKey) ID() KeyID {
	if k.Process == nil {
		return KeyID{Type: k.Type}
	}
	return KeyID{HasProcess: true, Process: *k.Process, Type: k.Type}
}

// IsWildcard reports whether the key matches every process
func (k SubscriptionKey) IsWildcard() bool {
	return k.Process == nil
}

// Equal compares two keys by value
func (k SubscriptionKey) Equal(o SubscriptionKey) bool {
	return k.ID() == o.ID()
}

func (k SubscriptionKey) String() string {
	return FormatProcess(k.Process) + ":" + string(k.Type)
}

// Key converts the identity back into a key
func (id KeyID) Key() SubscriptionKey {
	if !id.HasProcess {
		return SubscriptionKey{Type: id.Type}
	}
	return NewKey(&id.Process, id.Type)
}

// Token identifies one registered interest. Tokens are never reused.
type Token string

// Notification is a normalized event delivered to handlers
type Notification struct {
	Process    ProcessID
	Type       NotificationType
	Element    ElementRef
	Payload    Payload
	ReceivedAt time.Time
}

// Payload is a normalized event payload
type Payload map[string]any

// Raw carries a payload value that has no normalized representation
type Raw struct {
	Value any
}

// MarshalJSON renders the raw value by its Go type, never by its contents
func (r Raw) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(fmt.Sprintf("raw:%T", r.Value))), nil
}
