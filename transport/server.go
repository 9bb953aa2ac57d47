package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/command"
	"github.com/asmvp/asmv-go/logger"
	"github.com/asmvp/asmv-go/service"
	"github.com/asmvp/asmv-go/statestore"
)

// Default timeouts for the protocol HTTP servers. Channel and invoke
// handlers only dispatch into queues and reply, so responses are quick even
// while command handlers run for hours.
const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 60 * time.Second
	defaultIdleTimeout       = 120 * time.Second

	// defaultMaxBodySize bounds message bodies. Input values are inline
	// JSON, so the ceiling is generous.
	defaultMaxBodySize int64 = 10 << 20
)

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithAddr sets the listen address used by ListenAndServe.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithBaseURL sets the base URL advertised in the manifest and in service
// channel URLs. When unset it is derived from each request's Host header.
func WithBaseURL(baseURL string) ServerOption {
	return func(s *Server) { s.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithStore sets the state store for suspended invocations. The default is
// an in-memory store, which does not survive a restart.
func WithStore(store statestore.Store) ServerOption {
	return func(s *Server) { s.store = store }
}

// WithCaller sets the caller used for service-to-client message delivery.
func WithCaller(c *Caller) ServerOption {
	return func(s *Server) { s.caller = c }
}

// WithContextOptions appends options applied to every service context the
// server creates or restores, after those derived from the definition.
func WithContextOptions(opts ...service.Option) ServerOption {
	return func(s *Server) { s.contextOpts = append(s.contextOpts, opts...) }
}

// WithRunnerOptions configures the handler runner.
func WithRunnerOptions(opts ...service.RunnerOption) ServerOption {
	return func(s *Server) { s.runnerOpts = append(s.runnerOpts, opts...) }
}

// WithReadTimeout sets the HTTP server read timeout.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.readTimeout = d }
}

// WithWriteTimeout sets the HTTP server write timeout.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.writeTimeout = d }
}

// WithIdleTimeout sets the HTTP server idle connection timeout.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.idleTimeout = d }
}

// WithMaxBodySize bounds accepted message bodies in bytes.
func WithMaxBodySize(n int64) ServerOption {
	return func(s *Server) { s.maxBodySize = n }
}

// Server exposes one service definition over the protocol HTTP binding:
//
//	GET  /manifest.json
//	POST /invoke/{commandName}
//	POST /channel/{channelId}
//	POST /channel               (channel ID taken from the header)
//
// Each accepted invoke creates a service context, runs its command handler
// on a goroutine and answers 204 with the service half-channel coordinates
// in headers. Channel posts dispatch into the context owning the channel,
// reviving it from the state store when it was suspended.
type Server struct {
	definition *service.Definition
	store      statestore.Store
	manager    *service.Manager
	runner     *service.Runner
	caller     *Caller

	addr        string
	baseURL     string
	contextOpts []service.Option
	runnerOpts  []service.RunnerOption

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	maxBodySize  int64

	httpSrvMu sync.Mutex
	httpSrv   *http.Server
}

// NewServer creates a server for def.
func NewServer(def *service.Definition, opts ...ServerOption) *Server {
	s := &Server{
		definition:   def,
		manager:      service.NewManager(),
		addr:         ":8080",
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  defaultIdleTimeout,
		maxBodySize:  defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = statestore.NewMemoryStore()
	}
	if s.caller == nil {
		s.caller = NewCaller()
	}
	s.runner = service.NewRunner(s.store, s.runnerOpts...)
	return s
}

// Handler returns the protocol endpoint handler, wrapped for tracing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /manifest.json", s.handleManifest)
	mux.HandleFunc("POST /invoke/{commandName}", s.handleInvoke)
	mux.HandleFunc("POST /channel/{channelId}", s.handleChannel)
	mux.HandleFunc("POST /channel", s.handleChannel)
	return otelhttp.NewHandler(mux, "asmv-service")
}

// ListenAndServe starts the server on the configured address. It blocks
// until the server stops and returns http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe() error {
	srv := s.newHTTPServer()
	logger.Info("Service listening", "addr", srv.Addr, "service", s.definition.Name())
	return srv.ListenAndServe()
}

// Serve accepts connections on ln. Mostly useful for tests and callers that
// manage their own listeners.
func (s *Server) Serve(ln net.Listener) error {
	srv := s.newHTTPServer()
	return srv.Serve(ln)
}

func (s *Server) newHTTPServer() *http.Server {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()
	return srv
}

// Shutdown drains in-flight HTTP requests, disposes live contexts so blocked
// handlers wake, and waits for the runner to settle them. Suspended work
// already persisted stays in the store for the next process.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	s.httpSrvMu.Lock()
	srv := s.httpSrv
	s.httpSrvMu.Unlock()
	if srv != nil {
		firstErr = srv.Shutdown(ctx)
	}

	for _, c := range s.manager.Drain() {
		c.Dispose()
	}
	if err := s.runner.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.definition.Manifest(s.requestBaseURL(r))); err != nil {
		logger.Error("Failed to write manifest", "error", err)
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if err := asmv.CheckVersion(r.Header.Get(HeaderProtocolVersion)); err != nil {
		s.writeError(w, r, err)
		return
	}

	clientID := r.Header.Get(HeaderClientChannelID)
	clientURL := r.Header.Get(HeaderClientChannelURL)
	clientToken := r.Header.Get(HeaderClientChannelToken)
	if clientID == "" || clientURL == "" || clientToken == "" {
		s.writeError(w, r, NewWireError(ErrorNameInvalidRequest, "Missing client channel headers"))
		return
	}

	commandName := r.PathValue("commandName")
	cmd, handler, err := s.definition.Command(commandName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.readMessage(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	inv, ok := msg.(*asmv.Invoke)
	if !ok {
		s.writeError(w, r, NewWireError(ErrorNameInvalidRequest,
			"Invoke endpoint accepts only Invoke messages"))
		return
	}

	serviceID := asmv.NewChannelID()
	channel := asmv.Channel{
		ClientChannelID:     clientID,
		ClientChannelURL:    clientURL,
		ClientChannelToken:  clientToken,
		ServiceChannelID:    serviceID,
		ServiceChannelURL:   s.requestBaseURL(r) + "/channel/" + serviceID,
		ServiceChannelToken: asmv.NewChannelToken(),
		ProtocolVersion:     r.Header.Get(HeaderProtocolVersion),
		CommandName:         commandName,
	}

	c := s.newContext(cmd, channel)
	if err := c.HandleIncomingMessage(r.Context(), inv); err != nil {
		c.Dispose()
		s.writeError(w, r, err)
		return
	}

	s.manager.Add(c)
	s.startHandler(r, c, handler)
	logger.Info("Invocation accepted", "command", commandName,
		"channel_id", serviceID, "client_channel_id", clientID)

	w.Header().Set(HeaderServiceChannelID, channel.ServiceChannelID)
	w.Header().Set(HeaderServiceChannelURL, channel.ServiceChannelURL)
	w.Header().Set(HeaderServiceChannelToken, channel.ServiceChannelToken)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	if channelID == "" {
		channelID = r.Header.Get(HeaderServiceChannelID)
	}
	if channelID == "" {
		s.writeError(w, r, NewWireError(ErrorNameInvalidRequest, "Missing service channel id"))
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.writeError(w, r, NewWireError(ErrorNameUnauthorized, "Missing bearer token"))
		return
	}

	// Validate the body before touching the manager so a garbage request
	// cannot revive a suspended context.
	msg, err := s.readMessage(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	c, restored, err := s.manager.GetOrRestore(r.Context(), channelID, token, s.restoreContext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	dispatchErr := c.HandleIncomingMessage(r.Context(), msg)

	if restored {
		// The revived handler runs even when this message was rejected: it
		// re-enters its recorded stage and resumes waiting there.
		_, handler, herr := s.definition.Command(c.Channel().CommandName)
		if herr != nil {
			logger.Error("Restored context has no command", "channel_id", channelID, "error", herr)
		} else {
			s.startHandler(r, c, handler)
		}
	}

	if dispatchErr != nil {
		s.writeError(w, r, dispatchErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// newContext assembles a service context whose sends post to the client
// half of channel.
func (s *Server) newContext(cmd *command.Definition, channel asmv.Channel) *service.Context {
	opts := append(s.definition.ContextOptions(), s.contextOpts...)
	return service.New(cmd, channel, s.clientSender(channel), opts...)
}

func (s *Server) clientSender(channel asmv.Channel) service.Sender {
	return service.SenderFunc(func(ctx context.Context, msg asmv.Message) error {
		return s.caller.PostToClient(ctx, channel, msg)
	})
}

// startHandler runs the command handler on its own goroutine so the HTTP
// response does not wait on it. The goroutine keeps the inbound span context
// but not the request lifetime, and drops the manager entry once the runner
// has settled the context.
func (s *Server) startHandler(r *http.Request, c *service.Context, h service.Handler) {
	bgCtx := trace.ContextWithSpanContext(context.Background(),
		trace.SpanContextFromContext(r.Context()))
	channelID := c.Channel().ServiceChannelID
	go func() {
		if err := s.runner.Run(bgCtx, c, h); err != nil {
			logger.Error("Invocation failed", "channel_id", channelID, "error", err)
		}
		s.manager.Remove(channelID)
	}()
}

// restoreContext revives a suspended context from the state store. The
// rebuilt context sends through this server's caller and is reactivated so
// dispatch and the resumed handler proceed as if never suspended.
func (s *Server) restoreContext(ctx context.Context, channelID string) (*service.Context, error) {
	rec, err := s.store.Get(ctx, channelID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, service.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load stored context: %w", err)
	}

	cmd, _, err := s.definition.Command(rec.Channel.CommandName)
	if err != nil {
		return nil, err
	}

	opts := append(s.definition.ContextOptions(), s.contextOpts...)
	c, err := service.Restore(cmd, rec.Channel, s.clientSender(rec.Channel), rec.State, opts...)
	if err != nil {
		return nil, fmt.Errorf("restore context: %w", err)
	}
	if c.Status() == service.StatusSuspended {
		if err := c.Reactivate(); err != nil {
			return nil, err
		}
	}
	logger.Info("Restored suspended context",
		"channel_id", channelID, "command", rec.Channel.CommandName)
	return c, nil
}

// readMessage decodes and schema-validates the request body.
func (s *Server) readMessage(w http.ResponseWriter, r *http.Request) (asmv.Message, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, NewWireError(ErrorNameInvalidRequest, "Request body too large")
		}
		return nil, NewWireError(ErrorNameInvalidRequest, "Failed to read request body")
	}
	return asmv.ValidateMessage(body)
}

// writeError reports err as a wire error body, annotated with the channel
// IDs known from the request.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	we := toWireError(err)
	if we.ErrorName == ErrorNameUnexpectedError {
		logger.Error("Request failed", "path", r.URL.Path, "error", err)
	} else {
		logger.Debug("Request rejected", "path", r.URL.Path,
			"error_name", we.ErrorName, "error", err)
	}

	if we.ServiceChannelID == "" {
		if id := r.PathValue("channelId"); id != "" {
			we.ServiceChannelID = id
		} else {
			we.ServiceChannelID = r.Header.Get(HeaderServiceChannelID)
		}
	}
	if we.ClientChannelID == "" {
		we.ClientChannelID = r.Header.Get(HeaderClientChannelID)
	}
	writeWireError(w, we)
}

// requestBaseURL returns the configured base URL, or one derived from the
// request when none was configured.
func (s *Server) requestBaseURL(r *http.Request) string {
	if s.baseURL != "" {
		return s.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// tokenMatches compares channel tokens in constant time.
func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
