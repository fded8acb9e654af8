// Package sessions defines the per-client session abstraction used by the SSE
// gateway. A session ties one long-lived event stream to one freshly created
// application server binding and is addressed by a generated identifier.
//
// Layers & Roles
//
//	Transport   -> opens the event stream, creates/registers the session, tears it down
//	Registry    -> concurrency-safe id -> *Session mapping (sole owner of the mapping)
//	SessionHost -> per-session outbound buffer drained by the session's event stream
//	Session     -> state machine, cancellation token, inbound queue, outbound publish
//
// # Lifecycle
//
// A session is created in StateOpening, becomes StateActive immediately before
// the transport flushes the endpoint announcement, moves to StateClosing when
// the underlying connection reports closure (either direction) and ends in
// StateClosed once its resources were released. Only active sessions are
// returned from Registry.Get.
//
// Every session owns a context (its cancellation token). The token is canceled
// when the session starts closing; both the transport cleanup path and the
// application server binding observe it through Session.Done.
//
// # Application server binding
//
// Binding runs concurrently with the stream. Its outcome is recorded with
// Session.RecordAttach and exposed through Session.AttachStatus and the
// registry snapshot. Inbound messages delivered while the binding is pending
// are queued; once the binding has failed, Deliver returns ErrNotAttached.
//
// # Host Interface
//
// SessionHost buffers outbound messages per session id:
//   - PublishSession   : append a message to the session's outbound stream
//   - SubscribeSession : single consumer, delivers in publish order, including
//     messages published before the subscription started
//   - CleanupSession   : drop buffered messages and end the subscription
//
// Implementations
//
//	memoryhost : in-process FIFO buffers (default)
//	redishost  : Redis Streams backed buffers
package sessions
