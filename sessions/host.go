package sessions

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by a host when a message is published to a
// session stream that is being cleaned up.
var ErrStreamClosed = errors.New("session stream closed")

// MessageHandlerFunction handles ordered outbound messages for a session stream.
// If the handler returns an error, the subscription will terminate with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// SessionHost buffers outbound messages for sessions until the session's event
// stream writes them to the client. Implementations MUST be safe for
// concurrent use.
type SessionHost interface {
	// PublishSession appends data to the outbound stream of sessionID and
	// returns the host-assigned event id.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession delivers the outbound stream of sessionID to handler in
	// publish order, starting with messages that were buffered before the call.
	// There is a single consumer per session. It blocks until ctx ends (returns
	// ctx.Err()), the handler fails (returns that error) or the session is
	// cleaned up (returns nil).
	SubscribeSession(ctx context.Context, sessionID string, handler MessageHandlerFunction) error
	// CleanupSession discards any buffered messages and ends an active
	// subscription. Cleaning up an unknown session is a no-op.
	CleanupSession(ctx context.Context, sessionID string) error
}
