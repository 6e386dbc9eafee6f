package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/valyala/fasthttp"
	"github.com/voxbridge/realtime/shared"
	"go.uber.org/zap"
)

type ClientState int

const (
	ClientStateNew ClientState = iota
	ClientStateConnecting
	ClientStateConnected
	ClientStateDisconnected
	ClientStateFailed
	ClientStateClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientStateNew:
		return "New"
	case ClientStateConnecting:
		return "Connecting"
	case ClientStateConnected:
		return "Connected"
	case ClientStateDisconnected:
		return "Disconnected"
	case ClientStateFailed:
		return "Failed"
	case ClientStateClosed:
		return "Closed"
	}
	return "Unknown"
}

// ReconnectPolicy bounds how hard the client tries to re-establish a
// dropped connection. After MaxAttempts consecutive failures the client
// is declared Failed and dials no further.
type ReconnectPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// backoff is an exponential delay calculator, doubling up to a cap.
type backoff struct {
	current time.Duration
	initial time.Duration
	max     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{current: initial, initial: initial, max: max}
}

func (b *backoff) next() time.Duration {
	current := b.current
	b.current = min(b.current*2, b.max)
	return current
}

func (b *backoff) reset() {
	b.current = b.initial
}

const (
	defaultModel = "gpt-4o-realtime-preview"
	betaHeader   = "realtime=v1"
)

// Client owns the persistent WebSocket to the realtime endpoint. It
// serializes outgoing events in strict production order, parses incoming
// messages into owned ServerEvent values, and reports transport drops as
// a synthetic disconnect event on the same receive sequence, so the
// consumer never races "last event received" against "connection lost".
type Client struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	apiKey  string
	model   string
	policy  ReconnectPolicy

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ClientState
	running bool

	// writeMu is the single-writer gate: audio append events must reach
	// the server in capture order.
	writeMu sync.Mutex

	events      chan *ServerEvent
	eventsTaken bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewClient prepares a client against the given base URL, or the public
// endpoint when baseUrl is empty.
func NewClient(ctx context.Context, logger shared.LoggerAdapter, apiKey, baseUrl string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	var parsed *url.URL
	var err error
	if baseUrl != "" {
		parsed, err = url.Parse(baseUrl)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
	} else {
		parsed = &url.URL{
			Scheme: "wss",
			Host:   "api.openai.com",
			Path:   "/v1/realtime",
		}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Client{
		logger:  logger,
		baseUrl: parsed,
		apiKey:  apiKey,
		model:   defaultModel,
		policy:  DefaultReconnectPolicy(),
		state:   ClientStateNew,
		events:  make(chan *ServerEvent, 64),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (c *Client) SetModel(model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	c.model = model
	return nil
}

func (c *Client) SetReconnectPolicy(policy ReconnectPolicy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultReconnectPolicy().MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = DefaultReconnectPolicy().InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	c.policy = policy
	return nil
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Events hands out the inbound event sequence. It is infinite until the
// session fails or closes, at which point the channel is closed; a new
// client is required afterwards. Only one consumer may take it.
func (c *Client) Events() (<-chan *ServerEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsTaken {
		return nil, shared.ErrReceiverAlreadyTaken
	}
	c.eventsTaken = true
	return c.events, nil
}

func (c *Client) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	default:
	}
	return nil
}

func (c *Client) endpoint() string {
	u := *c.baseUrl
	q := u.Query()
	q.Set("model", c.model)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect dials the endpoint and starts the receive loop. The receive
// loop owns the events channel for the rest of the client's life,
// reconnecting per policy and closing the channel on Failed or Closed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	c.state = ClientStateConnecting
	conn, err := c.dial(ctx)
	if err != nil {
		c.state = ClientStateFailed
		return err
	}
	c.conn = conn
	c.state = ClientStateConnected
	c.running = true
	go c.receiveLoop()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.endpoint(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{betaHeader},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing realtime endpoint: %w", err)
	}
	// Realtime audio deltas routinely exceed the library default limit.
	conn.SetReadLimit(1 << 24)
	return conn, nil
}

// Send marshals and writes one event. Calls are serialized so events
// arrive at the server in the order they were produced.
func (c *Client) Send(event *ClientEvent) error {
	if event == nil {
		return errors.New("event is required")
	}
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != ClientStateConnected {
		return fmt.Errorf("cannot send %s: client state is %s", event.Type, state)
	}
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", event.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s event: %w", event.Type, err)
	}
	return nil
}

func (c *Client) receiveLoop() {
	defer close(c.events)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.deliverDisconnected(err)
			if !c.reconnect() {
				return
			}
			continue
		}
		event := new(ServerEvent)
		if err := event.UnmarshalJSON(data); err != nil {
			c.logger.Warn(
				"discarding unparseable message",
				zap.Error(&shared.ProtocolError{Err: err}),
				zap.ByteString("data", data),
			)
			continue
		}
		c.logger.Trace(
			"received event",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.EventId),
		)
		select {
		case c.events <- event:
		case <-c.ctx.Done():
			return
		}
	}
}

// deliverDisconnected injects the synthetic disconnect event so the
// consumer observes the drop in-order with the last real event.
func (c *Client) deliverDisconnected(cause error) {
	c.mu.Lock()
	c.state = ClientStateDisconnected
	c.conn = nil
	c.mu.Unlock()
	c.logger.Warn("transport disconnected", zap.Error(cause), zap.Any("closeStatus", websocket.CloseStatus(cause)))
	event := &ServerEvent{
		Type:  ServerEventTypeDisconnected,
		Param: &ServerEventParamDisconnected{Reason: cause.Error()},
	}
	select {
	case c.events <- event:
	case <-c.ctx.Done():
	}
}

// reconnect dials with exponential backoff up to the policy cap. It
// reports whether the client is connected again; on exhaustion the
// client is Failed and will never dial again.
func (c *Client) reconnect() bool {
	b := newBackoff(c.policy.InitialBackoff, c.policy.MaxBackoff)
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		c.mu.Lock()
		c.state = ClientStateConnecting
		c.mu.Unlock()
		c.logger.Info(
			"attempting reconnection",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", c.policy.MaxAttempts),
		)
		conn, err := c.dial(c.ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.state = ClientStateConnected
			c.mu.Unlock()
			b.reset()
			c.logger.Info("reconnected", zap.Int("attempt", attempt))
			return true
		}
		c.logger.Warn("reconnection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(b.next()):
		}
	}
	c.mu.Lock()
	c.state = ClientStateFailed
	c.mu.Unlock()
	c.logger.Error("reconnection attempts exhausted", shared.ErrSessionFailed,
		zap.Int("maxAttempts", c.policy.MaxAttempts),
	)
	c.cancel(shared.ErrSessionFailed)
	return false
}

// Close tears the connection down and ends the event sequence. Safe to
// call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ClientStateClosed {
		return nil
	}
	if c.conn != nil {
		if err := c.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			c.logger.Debug("closing websocket", zap.Error(err))
		}
		c.conn = nil
	}
	c.state = ClientStateClosed
	c.running = false
	c.cancel(errors.New("client closed"))
	return nil
}

// MintClientSecret asks the REST surface for an ephemeral client secret
// so the long-lived API key never travels on the socket. httpBase is the
// REST base URL, e.g. https://api.openai.com/v1.
func (c *Client) MintClientSecret(httpBase string) (string, error) {
	base, err := url.Parse(httpBase)
	if err != nil {
		return "", fmt.Errorf("parsing REST base URL: %w", err)
	}
	body, err := sonic.Marshal(map[string]any{
		"session": map[string]any{"model": c.model},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling client secret request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(base.JoinPath("/realtime/client_secrets").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	errC := make(chan error)
	go func() {
		defer close(errC)
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-c.ctx.Done():
		return "", context.Cause(c.ctx)
	case err := <-errC:
		if err != nil {
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK && resp.StatusCode() != fasthttp.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	var parsed struct {
		Value        string `json:"value"`
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := sonic.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", fmt.Errorf("parsing client secret response: %w", err)
	}
	if parsed.Value != "" {
		return parsed.Value, nil
	}
	if parsed.ClientSecret.Value != "" {
		return parsed.ClientSecret.Value, nil
	}
	return "", errors.New("client secret missing from response")
}
