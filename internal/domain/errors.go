package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSetupFailed matches every failure to establish a subscription
	ErrSetupFailed = errors.New("subscription setup failed")

	// ErrTokenNotFound is returned when unsubscribing an unknown or already removed token
	ErrTokenNotFound = errors.New("subscription token not found")

	// ErrUnknownNotification is returned for notification names outside the known set
	ErrUnknownNotification = errors.New("unknown notification type")

	// ErrCenterClosed is returned by operations on a closed center
	ErrCenterClosed = errors.New("notification center closed")
)

// SetupStage names the step of subscribe that failed
type SetupStage string

const (
	StageValidate          SetupStage = "validate"
	StageCreateEventSource SetupStage = "create_event_source"
	StageResolveElement    SetupStage = "resolve_element"
	StageAddNotification   SetupStage = "add_notification"
)

// SetupFailedError describes why a subscribe call left no subscription behind
type SetupFailedError struct {
	Stage SetupStage
	Key   SubscriptionKey
	Err   error
}

func (e *SetupFailedError) Error() string {
	return fmt.Sprintf("subscription setup failed for %s at %s: %v", e.Key, e.Stage, e.Err)
}

func (e *SetupFailedError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrSetupFailed) hold for every setup failure
func (e *SetupFailedError) Is(target error) bool {
	return target == ErrSetupFailed
}

// SetupFailed wraps err as a setup failure
func SetupFailed(stage SetupStage, key SubscriptionKey, err error) error {
	return &SetupFailedError{Stage: stage, Key: key, Err: err}
}

// HandlerFailure records a handler that returned an error or panicked during dispatch
type HandlerFailure struct {
	Token Token
	Key   SubscriptionKey
	Err   error
	Panic any
}

func (e *HandlerFailure) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %s for %s panicked: %v", e.Token, e.Key, e.Panic)
	}
	return fmt.Sprintf("handler %s for %s failed: %v", e.Token, e.Key, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}
