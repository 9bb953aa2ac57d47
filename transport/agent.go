package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/agent"
	"github.com/asmvp/asmv-go/logger"
	"github.com/asmvp/asmv-go/manifest"
)

const (
	// defaultContextTTL is how long a terminal context stays addressable
	// after its channel closed, for agents that drain results late.
	defaultContextTTL = time.Hour

	evictionInterval = time.Minute
)

// AgentOption configures an [Agent].
type AgentOption func(*Agent)

// WithAgentAddr sets the listen address used by the agent's ListenAndServe.
func WithAgentAddr(addr string) AgentOption {
	return func(a *Agent) { a.addr = addr }
}

// WithAgentCaller sets the caller used for handshakes and agent-to-service
// message delivery.
func WithAgentCaller(c *Caller) AgentOption {
	return func(a *Agent) { a.caller = c }
}

// WithAgentContextOptions appends options applied to every client context
// the agent creates.
func WithAgentContextOptions(opts ...agent.Option) AgentOption {
	return func(a *Agent) { a.contextOpts = append(a.contextOpts, opts...) }
}

// WithContextTTL overrides how long terminal contexts stay addressable.
// Zero disables eviction.
func WithContextTTL(ttl time.Duration) AgentOption {
	return func(a *Agent) { a.ttl = ttl }
}

// WithAgentMaxBodySize bounds accepted message bodies in bytes.
func WithAgentMaxBodySize(n int64) AgentOption {
	return func(a *Agent) { a.maxBodySize = n }
}

// Agent hosts the client half of invocation channels. It performs the
// invoke handshake against remote services, serves the channel endpoints
// services post their messages back to, and routes each message to the
// client context owning the channel.
//
// Channels opened by Invoke get URLs of the form {baseURL}/channel/{id}, so
// the handler returned by Handler must be reachable at baseURL.
type Agent struct {
	baseURL     string
	addr        string
	caller      *Caller
	contextOpts []agent.Option
	maxBodySize int64

	mu       sync.RWMutex
	contexts map[string]*agent.Context
	lastUse  map[string]time.Time

	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	httpSrvMu sync.Mutex
	httpSrv   *http.Server
}

// NewAgent creates an agent whose client channel URLs live under baseURL.
func NewAgent(baseURL string, opts ...AgentOption) *Agent {
	a := &Agent{
		baseURL:     strings.TrimRight(baseURL, "/"),
		addr:        ":8081",
		contexts:    make(map[string]*agent.Context),
		lastUse:     make(map[string]time.Time),
		maxBodySize: defaultMaxBodySize,
		ttl:         defaultContextTTL,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.caller == nil {
		a.caller = NewCaller()
	}
	if a.ttl > 0 {
		go a.evictionLoop()
	}
	return a
}

// InvokeParams is the content of the Invoke message that opens a channel.
type InvokeParams struct {
	// ConfigProfiles maps profile names to their values.
	ConfigProfiles map[string]json.RawMessage
	// Inputs are provided up front; the service may request more later.
	Inputs []asmv.InputItem
	// UserConfirmation, when set, answers the service's first confirmation
	// request without a round trip to the user.
	UserConfirmation *asmv.UserConfirmation
}

// Invoke opens a channel for commandName on the service at serviceBaseURL.
// The returned context is registered with the agent's channel endpoints
// before the handshake is sent, so messages the service posts immediately
// after accepting are routed and buffered rather than lost. On handshake
// failure the context is discarded and the decoded wire error returned.
func (a *Agent) Invoke(ctx context.Context, serviceBaseURL, commandName string, params InvokeParams) (*agent.Context, error) {
	clientID := asmv.NewChannelID()
	channel := asmv.Channel{
		ClientChannelID:    clientID,
		ClientChannelURL:   a.baseURL + "/channel/" + clientID,
		ClientChannelToken: asmv.NewChannelToken(),
		ProtocolVersion:    asmv.ProtocolVersion,
		CommandName:        commandName,
	}

	var c *agent.Context
	sender := agent.SenderFunc(func(ctx context.Context, msg asmv.Message) error {
		return a.caller.PostToService(ctx, c.Channel(), msg)
	})
	c = agent.New(channel, sender, a.contextOpts...)
	a.add(clientID, c)

	endpoint := strings.TrimRight(serviceBaseURL, "/") + "/invoke/" + commandName
	completed, err := a.caller.Invoke(ctx, endpoint, channel, &asmv.Invoke{
		ConfigProfiles:   params.ConfigProfiles,
		Inputs:           params.Inputs,
		UserConfirmation: params.UserConfirmation,
	})
	if err != nil {
		a.remove(clientID)
		c.Close()
		return nil, err
	}

	c.CompleteChannel(completed.ServiceChannelID, completed.ServiceChannelURL,
		completed.ServiceChannelToken)
	logger.Info("Command invoked", "command", commandName,
		"client_channel_id", clientID, "service_channel_id", completed.ServiceChannelID)
	return c, nil
}

// GetManifest fetches the manifest of the service at serviceBaseURL.
func (a *Agent) GetManifest(ctx context.Context, serviceBaseURL string) (*manifest.Manifest, error) {
	return a.caller.GetManifest(ctx, serviceBaseURL)
}

// Handler returns the agent's channel endpoint handler, wrapped for tracing.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /channel/{channelId}", a.handleChannel)
	mux.HandleFunc("POST /channel", a.handleChannel)
	return otelhttp.NewHandler(mux, "asmv-agent")
}

// ListenAndServe starts the agent's channel endpoint server on the
// configured address.
func (a *Agent) ListenAndServe() error {
	srv := a.newHTTPServer()
	logger.Info("Agent listening", "addr", srv.Addr)
	return srv.ListenAndServe()
}

// Serve accepts connections on ln.
func (a *Agent) Serve(ln net.Listener) error {
	srv := a.newHTTPServer()
	return srv.Serve(ln)
}

func (a *Agent) newHTTPServer() *http.Server {
	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
	a.httpSrvMu.Lock()
	a.httpSrv = srv
	a.httpSrvMu.Unlock()
	return srv
}

// Shutdown stops eviction, drains in-flight HTTP requests and closes every
// registered context, waking their consumers.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })

	var firstErr error
	a.httpSrvMu.Lock()
	srv := a.httpSrv
	a.httpSrvMu.Unlock()
	if srv != nil {
		firstErr = srv.Shutdown(ctx)
	}

	a.mu.Lock()
	for id, c := range a.contexts {
		c.Close()
		delete(a.contexts, id)
		delete(a.lastUse, id)
	}
	a.mu.Unlock()
	return firstErr
}

func (a *Agent) handleChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	if channelID == "" {
		channelID = r.Header.Get(HeaderClientChannelID)
	}
	if channelID == "" {
		a.writeError(w, channelID, NewWireError(ErrorNameInvalidRequest, "Missing client channel id"))
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		a.writeError(w, channelID, NewWireError(ErrorNameUnauthorized, "Missing bearer token"))
		return
	}

	c := a.get(channelID)
	if c == nil {
		a.writeError(w, channelID, NewWireError(ErrorNameSessionNotFound,
			"No invocation exists for this channel"))
		return
	}
	if !tokenMatches(token, c.Channel().ClientChannelToken) {
		a.writeError(w, channelID, NewWireError(ErrorNameForbidden, "Channel token does not match"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, channelID, NewWireError(ErrorNameInvalidRequest, "Request body too large"))
			return
		}
		a.writeError(w, channelID, NewWireError(ErrorNameInvalidRequest, "Failed to read request body"))
		return
	}
	msg, err := asmv.ValidateMessage(body)
	if err != nil {
		a.writeError(w, channelID, err)
		return
	}

	if err := c.HandleIncomingMessage(msg); err != nil {
		a.writeError(w, channelID, err)
		return
	}
	a.touch(channelID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) writeError(w http.ResponseWriter, channelID string, err error) {
	we := toWireError(err)
	if we.ErrorName == ErrorNameUnexpectedError {
		logger.Error("Channel post failed", "channel_id", channelID, "error", err)
	} else {
		logger.Debug("Channel post rejected", "channel_id", channelID,
			"error_name", we.ErrorName, "error", err)
	}
	if we.ClientChannelID == "" {
		we.ClientChannelID = channelID
	}
	writeWireError(w, we)
}

func (a *Agent) add(channelID string, c *agent.Context) {
	a.mu.Lock()
	a.contexts[channelID] = c
	a.lastUse[channelID] = time.Now()
	a.mu.Unlock()
}

func (a *Agent) get(channelID string) *agent.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.contexts[channelID]
}

func (a *Agent) remove(channelID string) {
	a.mu.Lock()
	delete(a.contexts, channelID)
	delete(a.lastUse, channelID)
	a.mu.Unlock()
}

func (a *Agent) touch(channelID string) {
	a.mu.Lock()
	if _, ok := a.contexts[channelID]; ok {
		a.lastUse[channelID] = time.Now()
	}
	a.mu.Unlock()
}

// evictionLoop drops terminal contexts nobody unregistered, e.g. after a
// local Cancel whose consumer never drained the queue. Runs until Shutdown.
func (a *Agent) evictionLoop() {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.evictOnce(time.Now())
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) evictOnce(now time.Time) {
	cutoff := now.Add(-a.ttl)
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, c := range a.contexts {
		if c.Status() != agent.StatusInvoked && a.lastUse[id].Before(cutoff) {
			delete(a.contexts, id)
			delete(a.lastUse, id)
			logger.Debug("Evicted terminal context", "channel_id", id, "status", string(c.Status()))
		}
	}
}
