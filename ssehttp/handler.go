package ssehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-gateway/internal/logctx"
	"github.com/ggoodman/mcp-sse-gateway/sessions"
	"github.com/ggoodman/mcp-sse-gateway/sessions/memoryhost"
	"github.com/google/uuid"
)

const (
	sessionIDHeader   = "X-Session-ID"
	sessionIDQuery    = "sessionId"
	lastEventIDHeader = "Last-Event-ID"

	// DefaultPath is the mount path used when Config.Path is empty.
	DefaultPath = "/mcp"
	// DefaultMaxBodyBytes bounds the size of a delivered message.
	DefaultMaxBodyBytes int64 = 4 << 20

	allowMethods  = "GET, POST, OPTIONS"
	allowHeaders  = "Content-Type, Accept, X-Session-ID, Last-Event-ID"
	corsMaxAgeSec = "600"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// ErrMissingSessionID is reported when a delivered message names no session.
var ErrMissingSessionID = errors.New("missing session id: provide the sessionId query parameter or the X-Session-ID header")

// ApplicationServer is the message-handling layer bound to one session. Attach
// wires the server to the session's inbound queue (Session.Read) and outbound
// stream (Session.Write) and returns once the binding is established; the
// server keeps running until the session token is canceled.
type ApplicationServer interface {
	Attach(ctx context.Context, sess *sessions.Session) error
}

// ServerFactory yields a fresh ApplicationServer for every new session.
type ServerFactory func() ApplicationServer

// AttachFunc adapts a function to the ApplicationServer interface.
type AttachFunc func(ctx context.Context, sess *sessions.Session) error

func (f AttachFunc) Attach(ctx context.Context, sess *sessions.Session) error { return f(ctx, sess) }

// Config holds the recognized gateway options.
type Config struct {
	// Host is the bind address, e.g. "localhost" or "0.0.0.0".
	Host string
	// Port is the bind port. Zero selects an ephemeral port.
	Port int
	// Path is the mount path of the gateway. Defaults to DefaultPath.
	Path string
	// AllowedOrigins enables CORS headers and host-binding protection when
	// non-empty.
	AllowedOrigins []string
}

// Option configures optional Handler behavior.
type Option func(*handlerConfig)

type handlerConfig struct {
	logger        *slog.Logger
	host          sessions.SessionHost
	keepAlive     time.Duration
	maxBodyBytes  int64
	inboundBuffer int
	baseCtx       context.Context
	origins       []string
	originsSet    bool
}

// WithLogger sets the diagnostic sink. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *handlerConfig) { c.logger = l }
}

// WithSessionHost sets the outbound message host. Defaults to an in-memory host.
func WithSessionHost(h sessions.SessionHost) Option {
	return func(c *handlerConfig) { c.host = h }
}

// WithAllowedOrigins overrides Config.AllowedOrigins.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *handlerConfig) {
		c.origins = origins
		c.originsSet = true
	}
}

// WithKeepAlive emits a comment frame on every open stream at the given
// interval. Zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(c *handlerConfig) { c.keepAlive = d }
}

// WithMaxBodyBytes bounds the size of delivered messages.
func WithMaxBodyBytes(n int64) Option {
	return func(c *handlerConfig) { c.maxBodyBytes = n }
}

// WithInboundBuffer sets the per-session inbound queue capacity.
func WithInboundBuffer(n int) Option {
	return func(c *handlerConfig) { c.inboundBuffer = n }
}

// WithBaseContext sets the parent of every session token. Canceling it closes
// all sessions.
func WithBaseContext(ctx context.Context) Option {
	return func(c *handlerConfig) { c.baseCtx = ctx }
}

// Handler is the connection gateway. It routes GET requests to new event
// streams and POST requests to the inbound queue of an existing session.
type Handler struct {
	log       *slog.Logger
	path      string
	newServer ServerFactory
	host      sessions.SessionHost
	registry  *sessions.Registry

	origins      atomic.Pointer[[]string]
	allowedHosts atomic.Pointer[[]string]

	keepAlive     time.Duration
	maxBodyBytes  int64
	inboundBuffer int

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	closed  bool
	streams sync.WaitGroup
}

// New constructs a Handler.
//
// Required:
//   - cfg: bind host/port (for host-binding protection), mount path and
//     allowed origins
//   - newServer: factory producing one ApplicationServer per session
func New(cfg Config, newServer ServerFactory, opts ...Option) (*Handler, error) {
	if newServer == nil {
		return nil, fmt.Errorf("server factory is required")
	}

	hc := &handlerConfig{logger: slog.Default(), maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(hc)
	}

	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("mount path must start with '/': %q", path)
	}

	logger := hc.logger
	if logger == nil {
		logger = slog.Default()
	}
	host := hc.host
	if host == nil {
		host = memoryhost.New()
	}
	base := hc.baseCtx
	if base == nil {
		base = context.Background()
	}
	if hc.maxBodyBytes <= 0 {
		hc.maxBodyBytes = DefaultMaxBodyBytes
	}

	h := &Handler{
		log:           logctx.Wrap(logger),
		path:          path,
		newServer:     newServer,
		host:          host,
		registry:      sessions.NewRegistry(),
		keepAlive:     hc.keepAlive,
		maxBodyBytes:  hc.maxBodyBytes,
		inboundBuffer: hc.inboundBuffer,
	}
	h.baseCtx, h.cancel = context.WithCancel(base)

	origins := cfg.AllowedOrigins
	if hc.originsSet {
		origins = hc.origins
	}
	h.SetAllowedOrigins(origins)
	h.setBindAddress(cfg.Host, cfg.Port)

	return h, nil
}

// Path returns the mount path.
func (h *Handler) Path() string { return h.path }

// SetAllowedOrigins replaces the origin allow-list. It is safe to call while
// the handler serves requests; sessions opened earlier keep their host-binding
// parameters.
func (h *Handler) SetAllowedOrigins(origins []string) {
	list := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			list = append(list, o)
		}
	}
	h.origins.Store(&list)
}

// AllowedOrigins returns the current allow-list.
func (h *Handler) AllowedOrigins() []string {
	return append([]string(nil), *h.origins.Load()...)
}

// setBindAddress computes the host-binding parameters for host and port.
func (h *Handler) setBindAddress(host string, port int) {
	if host == "" {
		host = "localhost"
	}
	p := strconv.Itoa(port)
	hosts := []string{host, net.JoinHostPort(host, p), "localhost", net.JoinHostPort("localhost", p)}
	h.allowedHosts.Store(&hosts)
}

// rebindingProtection reports whether host-binding protection is enabled and
// returns the accepted Host values.
func (h *Handler) rebindingProtection() (bool, []string) {
	if len(*h.origins.Load()) == 0 {
		return false, nil
	}
	return true, *h.allowedHosts.Load()
}

// Sessions returns a snapshot of every registered session, including the
// attach status of its application server.
func (h *Handler) Sessions() []sessions.Info { return h.registry.Snapshot() }

// Session returns the snapshot of one registered session.
func (h *Handler) Session(id string) (sessions.Info, bool) { return h.registry.Lookup(id) }

// Close cancels every open session and waits for their streams to end. New
// streams are refused afterwards.
func (h *Handler) Close() {
	_ = h.Shutdown(context.Background())
}

// Shutdown cancels every open session and waits for their streams to end or
// for ctx to be done, whichever comes first. New streams are refused
// afterwards. It returns ctx.Err() if some streams were still running.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.registry.CloseAll()

	drained := make(chan struct{})
	go func() {
		h.streams.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trackStream registers a new stream unless the handler is closed.
func (h *Handler) trackStream() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.streams.Add(1)
	return true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
		Origin:     r.Header.Get("Origin"),
	})
	r = r.WithContext(ctx)

	tw := &responseTracker{ResponseWriter: w}
	defer h.recoverPanic(tw, r)

	h.route(tw, r)
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	h.applyCORS(w, r)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.URL.Path != h.path {
		h.log.InfoContext(r.Context(), "http.path.miss")
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleStream(w, r)
	case http.MethodPost:
		h.handleDeliver(w, r)
	default:
		w.Header().Set("Allow", allowMethods)
		h.log.InfoContext(r.Context(), "http.method.unsupported")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// applyCORS adds CORS headers when the request Origin is allow-listed. The
// check is advisory: requests from other origins are still served.
func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) {
	origins := *h.origins.Load()
	if len(origins) == 0 {
		return
	}
	w.Header().Add("Vary", "Origin")

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range origins {
		if allowed == origin {
			hdr := w.Header()
			hdr.Set("Access-Control-Allow-Origin", origin)
			hdr.Set("Access-Control-Allow-Methods", allowMethods)
			hdr.Set("Access-Control-Allow-Headers", allowHeaders)
			hdr.Set("Access-Control-Expose-Headers", sessionIDHeader)
			hdr.Set("Access-Control-Max-Age", corsMaxAgeSec)
			return
		}
	}
	h.log.DebugContext(r.Context(), "cors.origin.unlisted")
}

func hostAllowed(allowed []string, host string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}
