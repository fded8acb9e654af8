// Package ssehttp implements the SSE session gateway. It mounts as a standard
// net/http handler on a single path and multiplexes many client sessions over
// it: a GET opens a long-lived Server-Sent Events stream for outbound messages
// and a POST delivers one inbound message to an existing session.
//
// Responsibilities
//   - Session creation, registration and teardown (via sessions.Registry)
//   - Endpoint announcement: the first event on every stream names the URL
//     to POST messages to
//   - Binding a fresh ApplicationServer to each session, asynchronously
//   - Correlating POSTed messages with their session (sessionId query
//     parameter, or the X-Session-ID header)
//   - Advisory CORS and host-binding protection driven by an origin allow-list
//   - Containing panics raised while serving a request
//
// Construction
//
//	h, err := ssehttp.New(
//	    ssehttp.Config{Host: "localhost", Port: 8931, Path: "/mcp"},
//	    newServer, // ssehttp.ServerFactory, one ApplicationServer per session
//	    ssehttp.WithLogger(logger),
//	)
//
// Or bind and serve in one step:
//
//	err := ssehttp.ListenAndServe(ctx, cfg, newServer)
//
// # Wire format
//
//	GET /mcp                      -> 200 text/event-stream
//	  event: endpoint
//	  data: /mcp?sessionId=<id>
//
//	  event: message
//	  data: <outbound message>
//
//	POST /mcp?sessionId=<id>      -> 202 Accepted
//	OPTIONS <any path>            -> 204
//
// # Session lifetimes
//
// A session lives exactly as long as its stream. Closing the connection, the
// application server closing the session, or Handler.Close all cancel the
// session token; the session is then removed from the registry before its
// outbound buffer is released, so no message is accepted for a session that is
// going away. There is no idle timeout and no cap on the number of sessions.
//
// # Health
//
// Binding the application server never blocks the stream. Its outcome is
// recorded on the session and exposed by Handler.Sessions and Handler.Session;
// messages posted to a session whose binding failed are rejected with 503.
package ssehttp
