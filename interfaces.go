package chant

import (
	"context"
	"net/http"
)

// EventHook receives deliberation events. Multiple hooks may be registered
// via WithEventHook. Hooks run in the background with a bounded context;
// a returned error is logged and never rolls back engine state.
type EventHook interface {
	OnEvent(ctx context.Context, ev Event) error
}

// Moderator screens idea text before it is stored. Returning a non-nil error
// rejects the idea with MODERATION_REJECTED.
type Moderator interface {
	Check(ctx context.Context, text string) error
}

// Middleware wraps the root HTTP handler.
type Middleware func(http.Handler) http.Handler
