// Package notify pushes plan lifecycle events out to chat platforms and
// feeds human decisions back through the plan state machine.
package notify

import (
	"context"
)

// Channel is a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins the channel's delivery loop. It blocks until the context
	// is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
