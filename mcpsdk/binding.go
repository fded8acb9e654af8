package mcpsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-sse-gateway/sessions"
	"github.com/ggoodman/mcp-sse-gateway/ssehttp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Option configures the binding.
type Option func(*binding)

// WithLogger sets the logger used for messages the binding has to drop.
func WithLogger(l *slog.Logger) Option {
	return func(b *binding) { b.log = l }
}

// NewFactory adapts a constructor of MCP servers to an ssehttp.ServerFactory.
// newServer is called once per gateway session.
func NewFactory(newServer func() *mcp.Server, opts ...Option) ssehttp.ServerFactory {
	return func() ssehttp.ApplicationServer {
		b := &binding{newServer: newServer, log: slog.Default()}
		for _, opt := range opts {
			opt(b)
		}
		return b
	}
}

type binding struct {
	newServer func() *mcp.Server
	log       *slog.Logger
}

// Attach connects a fresh MCP server to sess. Messages that are not valid
// JSON-RPC are rejected at delivery time, and the MCP session is closed when
// the gateway session ends.
func (b *binding) Attach(ctx context.Context, sess *sessions.Session) error {
	server := b.newServer()
	if server == nil {
		return errors.New("mcp server constructor returned nil")
	}

	sess.SetMessageValidator(validateMessage)

	ss, err := server.Connect(ctx, &transport{sess: sess, log: b.log}, nil)
	if err != nil {
		return fmt.Errorf("connect mcp server: %w", err)
	}
	context.AfterFunc(sess.Context(), func() {
		_ = ss.Close()
	})
	return nil
}

func validateMessage(msg json.RawMessage) error {
	_, err := jsonrpc.DecodeMessage(msg)
	return err
}

// transport hands the MCP server a connection backed by a gateway session.
type transport struct {
	sess *sessions.Session
	log  *slog.Logger
}

func (t *transport) Connect(ctx context.Context) (mcp.Connection, error) {
	return &conn{sess: t.sess, log: t.log}, nil
}

type conn struct {
	sess *sessions.Session
	log  *slog.Logger
}

// Read returns the next decodable inbound message. Messages queued before the
// validator was installed may not decode; they are dropped instead of tearing
// the connection down.
func (c *conn) Read(ctx context.Context) (jsonrpc.Message, error) {
	for {
		raw, err := c.sess.Read(ctx)
		if err != nil {
			return nil, err
		}
		msg, err := jsonrpc.DecodeMessage(raw)
		if err != nil {
			c.log.WarnContext(ctx, "mcp.message.drop", slog.String("session_id", c.sess.ID()), slog.String("err", err.Error()))
			continue
		}
		return msg, nil
	}
}

func (c *conn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.sess.Write(ctx, data)
}

// Close ends the gateway session, which closes the client's event stream.
func (c *conn) Close() error { return c.sess.Close() }

func (c *conn) SessionID() string { return c.sess.ID() }
