// Package mcpsdk binds Model Context Protocol servers built with the official
// go-sdk to gateway sessions.
//
//	factory := mcpsdk.NewFactory(func() *mcp.Server {
//	    s := mcp.NewServer(&mcp.Implementation{Name: "example", Version: "v1.0.0"}, nil)
//	    mcp.AddTool(s, &mcp.Tool{Name: "greet"}, greet)
//	    return s
//	})
//	h, err := ssehttp.New(cfg, factory)
//
// Every session gets its own *mcp.Server. Inbound messages are decoded as
// JSON-RPC; responses and server-initiated requests are published to the
// session's event stream as "message" events, which is the SSE transport that
// mcp.SSEClientTransport speaks.
package mcpsdk
