package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/logger"
	"github.com/asmvp/asmv-go/manifest"
)

const defaultCallTimeout = 30 * time.Second

// maxResponseBody bounds how much of an error or manifest response is read.
const maxResponseBody int64 = 1 << 20

// CallerOption configures a [Caller].
type CallerOption func(*Caller)

// WithHTTPClient sets the underlying HTTP client. The default client uses a
// 30 second timeout.
func WithHTTPClient(hc *http.Client) CallerOption {
	return func(c *Caller) { c.httpClient = hc }
}

// Caller posts protocol messages to peer half-channels and fetches service
// manifests. The service server sends through it toward client channels and
// the agent toward service channels; both directions carry the half-channel
// bearer token and the peer channel ID header, so path-routed and
// header-routed receivers are equally served.
type Caller struct {
	httpClient *http.Client
}

// NewCaller creates a Caller.
func NewCaller(opts ...CallerOption) *Caller {
	c := &Caller{
		httpClient: &http.Client{Timeout: defaultCallTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostToService delivers msg to the service half of the channel.
func (c *Caller) PostToService(ctx context.Context, channel asmv.Channel, msg asmv.Message) error {
	return c.post(ctx, channel.ServiceChannelURL, HeaderServiceChannelID,
		channel.ServiceChannelID, channel.ServiceChannelToken, msg)
}

// PostToClient delivers msg to the client half of the channel.
func (c *Caller) PostToClient(ctx context.Context, channel asmv.Channel, msg asmv.Message) error {
	return c.post(ctx, channel.ClientChannelURL, HeaderClientChannelID,
		channel.ClientChannelID, channel.ClientChannelToken, msg)
}

func (c *Caller) post(ctx context.Context, url, idHeader, channelID, token string, msg asmv.Message) error {
	body, err := asmv.MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", msg.Type(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: post %s: %w", msg.Type(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderProtocolVersion, asmv.ProtocolVersion)
	req.Header.Set(idHeader, channelID)
	req.Header.Set("Authorization", "Bearer "+token)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	logger.HTTPRequest(http.MethodPost, url, map[string]string{
		idHeader:        channelID,
		"Authorization": req.Header.Get("Authorization"),
	}, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.HTTPResponse(http.MethodPost, url, 0, err)
		return &MessageTransportError{URL: url, Cause: err}
	}
	defer resp.Body.Close()
	logger.HTTPResponse(http.MethodPost, url, resp.StatusCode, nil)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return decodeWireError(resp, respBody)
}

// Invoke performs the invoke handshake: it posts inv to the command endpoint
// with the client half coordinates in headers and returns the channel
// completed with the service half from the 204 response.
func (c *Caller) Invoke(ctx context.Context, endpointURL string, channel asmv.Channel, inv *asmv.Invoke) (asmv.Channel, error) {
	body, err := asmv.MarshalMessage(inv)
	if err != nil {
		return channel, fmt.Errorf("transport: marshal Invoke: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return channel, fmt.Errorf("transport: invoke: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderProtocolVersion, channel.ProtocolVersion)
	req.Header.Set(HeaderClientChannelID, channel.ClientChannelID)
	req.Header.Set(HeaderClientChannelURL, channel.ClientChannelURL)
	req.Header.Set(HeaderClientChannelToken, channel.ClientChannelToken)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	logger.HTTPRequest(http.MethodPost, endpointURL, map[string]string{
		HeaderClientChannelID:  channel.ClientChannelID,
		HeaderClientChannelURL: channel.ClientChannelURL,
	}, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.HTTPResponse(http.MethodPost, endpointURL, 0, err)
		return channel, &MessageTransportError{URL: endpointURL, Cause: err}
	}
	defer resp.Body.Close()
	logger.HTTPResponse(http.MethodPost, endpointURL, resp.StatusCode, nil)

	if resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return channel, decodeWireError(resp, respBody)
	}

	channel.ServiceChannelID = resp.Header.Get(HeaderServiceChannelID)
	channel.ServiceChannelURL = resp.Header.Get(HeaderServiceChannelURL)
	channel.ServiceChannelToken = resp.Header.Get(HeaderServiceChannelToken)
	if channel.ServiceChannelID == "" || channel.ServiceChannelURL == "" {
		return channel, NewWireError(ErrorNameUnexpectedError,
			"Invoke response is missing service channel coordinates")
	}
	return channel, nil
}

// GetManifest fetches and decodes the manifest at {baseURL}/manifest.json.
func (c *Caller) GetManifest(ctx context.Context, baseURL string) (*manifest.Manifest, error) {
	url := strings.TrimRight(baseURL, "/") + "/manifest.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("transport: get manifest: %w", err)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &MessageTransportError{URL: url, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return nil, decodeWireError(resp, respBody)
	}

	var m manifest.Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&m); err != nil {
		return nil, fmt.Errorf("transport: decode manifest: %w", err)
	}
	return &m, nil
}
