// Package notify delivers human-readable status and error text to
// operators. Delivery is best effort: failures are logged and never abort
// the rebalance flow.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Notifier is the delivery contract the engine reports through.
type Notifier interface {
	SendInfo(ctx context.Context, text string)
	SendError(ctx context.Context, text string)
}

// Multi fans a notification out to several backends.
type Multi struct {
	notifiers []Notifier
}

// NewMulti combines the given backends into one notifier.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// SendInfo delivers to every backend.
func (m *Multi) SendInfo(ctx context.Context, text string) {
	for _, n := range m.notifiers {
		n.SendInfo(ctx, text)
	}
}

// SendError delivers to every backend.
func (m *Multi) SendError(ctx context.Context, text string) {
	for _, n := range m.notifiers {
		n.SendError(ctx, text)
	}
}

// Log is a fallback backend writing to the service log only.
type Log struct{}

// SendInfo logs the notification.
func (Log) SendInfo(_ context.Context, text string) {
	log.Info().Str("notification", text).Msg("Notifier")
}

// SendError logs the notification.
func (Log) SendError(_ context.Context, text string) {
	log.Error().Str("notification", text).Msg("Notifier")
}
