package notifier

import (
	"context"

	"github.com/nkkko/axnotify/internal/domain"
)

// Subscriber is the part of the notification center the notifier needs
type Subscriber interface {
	// Subscribe registers a handler for one notification type of one
	// process, or of every process when pid is nil
	Subscribe(ctx context.Context, pid *domain.ProcessID, element domain.ElementRef, t domain.NotificationType, h domain.Handler) (domain.Token, error)

	// Unsubscribe removes a subscription
	Unsubscribe(ctx context.Context, token domain.Token) error
}
