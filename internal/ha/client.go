// Package ha implements the Home Assistant WebSocket API client: the
// authentication handshake, the outbound/inbound pumps, request/response
// correlation, and the graceful-shutdown protocol. It depends only on the
// transport capability set in internal/transport, so the engine can be
// driven by a fake in tests without a real socket.
package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nborgers/hawsclient/internal/clock"
	"github.com/nborgers/hawsclient/internal/transport"
)

// Config tunes the session's queue sizes and timeouts.
type Config struct {
	SocketTimeout      time.Duration
	ChannelCapacity    int
	ReceiveBufferBytes int
	MaxCloseWait       time.Duration
}

// DefaultConfig returns the tuning used when no ClientOption overrides it.
func DefaultConfig() Config {
	return Config{
		SocketTimeout:      5 * time.Second,
		ChannelCapacity:    200,
		ReceiveBufferBytes: 4096,
		MaxCloseWait:       5 * time.Second,
	}
}

// Options controls what Connect does after a successful auth handshake.
type Options struct {
	// GetStatesOnConnect issues get_states after auth_ok and seeds the
	// state mirror from the reply.
	GetStatesOnConnect bool
	// SubscribeEvents issues subscribe_events after auth_ok. A
	// success=false reply fails Connect.
	SubscribeEvents bool
	// EventType restricts SubscribeEvents to a single event type; empty
	// subscribes to all events.
	EventType string
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithConfig overrides the default session tuning.
func WithConfig(cfg Config) ClientOption {
	return func(c *Client) { c.cfg = cfg }
}

// WithTransportFactory overrides how Connect obtains a Transport. Tests use
// this to substitute a transport.FakeTransport or an httptest-backed
// fake server.
func WithTransportFactory(f transport.Factory) ClientOption {
	return func(c *Client) { c.transportFactory = f }
}

// WithClock overrides the clock used for the pumps' backoff pauses.
// Tests substitute a clock.MockClock so decode/write failures don't pay
// real wall-clock delays.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clk = clk }
}

// connState bundles everything that lives for the duration of a single
// connected session. Connect allocates a fresh connState; Close tears the
// old one down and clears it so the Client is reusable for another Connect.
type connState struct {
	transport transport.Transport

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan any
	replies  chan Message
	events   chan EventRecord

	pending *pendingCommands

	msgIDMu sync.Mutex
	msgID   int

	closeObserved chan struct{}
	closeOnce     sync.Once
}

// Client is the session controller: Connect, GetConfig, CallService, Ping,
// SubscribeToEvents, GetStates, ReadEvent, and Close.
type Client struct {
	url   string
	token string

	logger           *zap.Logger
	cfg              Config
	transportFactory transport.Factory
	clk              clock.Clock

	mu        sync.Mutex
	conn      *connState
	connected bool
	closing   bool

	stateMu sync.RWMutex
	states  map[string]*HassState

	wg sync.WaitGroup
}

// NewClient creates a Home Assistant WebSocket client for url, authenticating
// with token once Connect is called.
func NewClient(url, token string, logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		url:              url,
		token:            token,
		logger:           logger,
		cfg:              DefaultConfig(),
		transportFactory: func() transport.Transport { return transport.NewWebSocketTransport() },
		clk:              clock.NewRealClock(),
		states:           make(map[string]*HassState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the transport, runs the auth handshake, and — depending on
// opts — bulk-loads state and subscribes to events. It returns true on
// auth_ok, false on auth_invalid or an unexpected first handshake message
// (logged at error level), and a non-nil error for anything that prevented
// the handshake from completing at all.
func (c *Client) Connect(ctx context.Context, opts Options) (bool, error) {
	if c.url == "" || c.token == "" {
		return false, ErrInvalidArgument
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return false, ErrAlreadyConnected
	}
	c.mu.Unlock()

	cs := &connState{
		msgID:         1, // first assigned id is 2: the counter is pre-incremented.
		outbound:      make(chan any, c.cfg.ChannelCapacity),
		replies:       make(chan Message, c.cfg.ChannelCapacity),
		events:        make(chan EventRecord, c.cfg.ChannelCapacity),
		pending:       newPendingCommands(c.cfg.ChannelCapacity),
		closeObserved: make(chan struct{}),
	}
	cs.ctx, cs.cancel = context.WithCancel(context.Background())

	cs.transport = c.transportFactory()

	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.SocketTimeout)
	err := cs.transport.Connect(dialCtx, c.url)
	dialCancel()
	if err != nil {
		cs.cancel()
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	c.mu.Lock()
	c.conn = cs
	c.mu.Unlock()

	c.wg.Add(2)
	go c.runReadPump(cs)
	go c.runWritePump(cs)

	ok, err := c.handshake(ctx, cs, opts)
	if err != nil || !ok {
		c.Close(ctx)
		return ok, err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return true, nil
}

// handshake drives Disconnected -> ... -> Ready, skipping the auth send if
// the server's first message is already auth_ok/auth_invalid.
func (c *Client) handshake(ctx context.Context, cs *connState, opts Options) (bool, error) {
	first, err := c.awaitHandshakeMessage(ctx, cs)
	if err != nil {
		return false, err
	}

	if first.Type == typeAuthRequired {
		if !c.tryEnqueue(cs, authMessage{Type: "auth", AccessToken: c.token}) {
			return false, fmt.Errorf("%w: outbound queue full sending auth", ErrTransport)
		}
		first, err = c.awaitHandshakeMessage(ctx, cs)
		if err != nil {
			return false, err
		}
	}

	switch first.Type {
	case typeAuthOK:
		// proceed
	case typeAuthInvalid:
		c.logger.Error("home assistant rejected the access token")
		return false, nil
	default:
		c.logger.Error("unexpected message during handshake", zap.String("type", first.Type))
		return false, fmt.Errorf("%w: unexpected handshake message %q", ErrProtocol, first.Type)
	}

	if opts.SubscribeEvents {
		if err := c.subscribeToEvents(ctx, cs, opts.EventType); err != nil {
			return false, err
		}
	}

	if opts.GetStatesOnConnect {
		states, err := c.getStates(ctx, cs)
		if err != nil {
			return false, err
		}
		c.stateMu.Lock()
		c.states = make(map[string]*HassState, len(states))
		for _, st := range states {
			c.states[st.EntityID] = st
		}
		c.stateMu.Unlock()
	}

	return true, nil
}

// awaitHandshakeMessage reads the next reply without id matching. It is
// only used before Connect returns, when no other caller can be racing for
// replies on this connState.
func (c *Client) awaitHandshakeMessage(ctx context.Context, cs *connState) (Message, error) {
	select {
	case msg := <-cs.replies:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-cs.ctx.Done():
		return Message{}, ErrCancelled
	}
}

// activeConn returns the current connState, or an error if the session is
// not connected.
func (c *Client) activeConn() (*connState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// cancelConn cancels cs's context. Called by both pump exit paths, so
// either pump dying unwinds the other, and is always safe to call more
// than once.
func (c *Client) cancelConn(cs *connState) {
	cs.cancel()
}

// GetConfig issues get_config and returns the decoded configuration.
func (c *Client) GetConfig(ctx context.Context) (*HassConfig, error) {
	cs, err := c.activeConn()
	if err != nil {
		return nil, err
	}
	msg, err := c.sendCommandAndAwait(ctx, cs, cmdGetConfig, func(id int) any {
		return getConfigCommand{commandEnvelope{ID: id, Type: cmdGetConfig}}
	})
	if err != nil {
		return nil, err
	}
	cfg, ok := msg.TypedResult.(*HassConfig)
	if !ok {
		return nil, fmt.Errorf("%w: get_config result missing or mistyped", ErrProtocol)
	}
	return cfg, nil
}

// GetStates issues get_states and returns the decoded snapshot. It does
// not, by itself, update the session's state mirror — only Connect's
// GetStatesOnConnect option does that, so the mirror always reflects the
// connect-time snapshot.
func (c *Client) GetStates(ctx context.Context) ([]*HassState, error) {
	cs, err := c.activeConn()
	if err != nil {
		return nil, err
	}
	return c.getStates(ctx, cs)
}

func (c *Client) getStates(ctx context.Context, cs *connState) ([]*HassState, error) {
	msg, err := c.sendCommandAndAwait(ctx, cs, cmdGetStates, func(id int) any {
		return getStatesCommand{commandEnvelope{ID: id, Type: cmdGetStates}}
	})
	if err != nil {
		return nil, err
	}
	states, ok := msg.TypedResult.([]*HassState)
	if !ok {
		return nil, fmt.Errorf("%w: get_states result missing or mistyped", ErrProtocol)
	}
	return states, nil
}

// GetState returns the connect-time mirrored snapshot for entityID.
func (c *Client) GetState(entityID string) (*HassState, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	st, ok := c.states[entityID]
	return st, ok
}

// SubscribeToEvents issues subscribe_events for eventType (empty subscribes
// to every event type) and requires success=true.
func (c *Client) SubscribeToEvents(ctx context.Context, eventType string) error {
	cs, err := c.activeConn()
	if err != nil {
		return err
	}
	return c.subscribeToEvents(ctx, cs, eventType)
}

func (c *Client) subscribeToEvents(ctx context.Context, cs *connState, eventType string) error {
	msg, err := c.sendCommandAndAwait(ctx, cs, cmdSubscribeEvents, func(id int) any {
		return subscribeEventsCommand{commandEnvelope{ID: id, Type: cmdSubscribeEvents}, eventType}
	})
	if err != nil {
		return err
	}
	if msg.Success == nil || !*msg.Success {
		return fmt.Errorf("%w: subscribe_events returned success=false", ErrProtocol)
	}
	return nil
}

// CallService issues call_service for domain/service with data and returns
// the server's reported success. A per-call timeout returns (false, nil);
// session cancellation returns (false, ErrCancelled).
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) (bool, error) {
	cs, err := c.activeConn()
	if err != nil {
		return false, err
	}
	msg, err := c.sendCommandAndAwait(ctx, cs, cmdCallService, func(id int) any {
		return callServiceCommand{commandEnvelope{ID: id, Type: cmdCallService}, domain, service, data}
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrCancelled):
			return false, ErrCancelled
		case errors.Is(err, ErrTimeout):
			return false, nil
		default:
			return false, err
		}
	}
	return msg.Success != nil && *msg.Success, nil
}

// Ping sends a ping and returns true iff a pong arrives within timeout.
// Any failure — timeout, transport error, or session shutdown — is logged
// and reported as false; Ping never returns an error.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) bool {
	cs, err := c.activeConn()
	if err != nil {
		c.logger.Debug("ping on a disconnected session", zap.Error(err))
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err = c.sendCommandAndAwait(callCtx, cs, cmdPing, func(id int) any {
		return pingCommand{commandEnvelope{ID: id, Type: cmdPing}}
	})
	if err != nil {
		c.logger.Debug("ping did not complete", zap.Error(err))
		return false
	}
	return true
}

// ReadEvent blocks for the next event, or returns ErrCancelled once the
// session is closing.
func (c *Client) ReadEvent(ctx context.Context) (*EventRecord, error) {
	cs, err := c.activeConn()
	if err != nil {
		return nil, err
	}

	select {
	case rec := <-cs.events:
		return &rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cs.ctx.Done():
		return nil, ErrCancelled
	}
}

// Close idempotently tears the session down: it half-closes the transport
// and waits for the peer's close frame, then cancels the session context,
// waits for both pumps to exit, disposes the transport, and resets the
// Client so it can Connect again.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	cs := c.conn
	c.mu.Unlock()

	if cs == nil {
		c.mu.Lock()
		c.closing = false
		c.mu.Unlock()
		return nil
	}

	closeCtx, closeCancel := context.WithTimeout(ctx, c.cfg.MaxCloseWait)
	if err := cs.transport.CloseOutput(closeCtx, transport.CloseNormalClosure, "client closing"); err != nil {
		c.logger.Debug("close output failed", zap.Error(err))
	}
	closeCancel()

	select {
	case <-cs.closeObserved:
	case <-c.clk.After(c.cfg.MaxCloseWait):
		c.logger.Warn("timed out waiting for peer close frame")
	}

	cs.cancel()

	pumpsDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(pumpsDone)
	}()
	select {
	case <-pumpsDone:
	case <-c.clk.After(c.cfg.MaxCloseWait):
		c.logger.Warn("timed out waiting for pumps to stop")
	}

	cs.transport.Dispose()

	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.closing = false
	c.mu.Unlock()

	return nil
}
