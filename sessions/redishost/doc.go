// Package redishost implements sessions.SessionHost using Redis Streams.
// Each session's outbound messages are appended to its own stream and read
// back by the session's event stream writer.
//
// Design Notes
//   - Session streams: XADD (approximate MAXLEN trim + EXPIRE) and blocking XREAD from "0"
//   - Cleanup: a short-lived "closed" marker ends a blocked subscriber and
//     rejects late publishes; the stream key is deleted
//   - Single consumer: the gateway node that owns the event stream
//
// The gateway does not share sessions between nodes; Redis only holds the
// outbound buffer so that it is bounded and observable outside the process.
//
// Example:
//
//	host, _ := redishost.New(redishost.Config{RedisAddr: "localhost:6379"})
//	defer host.Close()
//
// Use memoryhost for ephemeral development and tests.
package redishost
