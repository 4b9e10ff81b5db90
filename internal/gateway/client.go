package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the coarse connection state surfaced to the console. Exactly one
// value holds at a time, and only the client's run loop transitions it.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// closeCodeAuthRejected is the close code the gateway uses after refusing a
// connect. It is terminal: no reconnection is attempted against credentials
// the server has explicitly rejected.
const closeCodeAuthRejected = 4008

// Options configures one console's gateway client.
type Options struct {
	ClientID      string
	ClientVersion string
	Platform      string
	Mode          string
	Role          string
	Scopes        []string

	MinProtocol int
	MaxProtocol int

	// HistoryLimit bounds the chat.history seed request issued after
	// authentication.
	HistoryLimit int

	// DeliverSends is the deliver flag on chat.send; the console keeps
	// replies on the console session rather than delivering to channels.
	DeliverSends bool

	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = "lifedeck-console"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "lifedeck/1.0"
	}
	if o.Platform == "" {
		o.Platform = "linux"
	}
	if o.Mode == "" {
		o.Mode = "backend"
	}
	if o.Role == "" {
		o.Role = "operator"
	}
	if len(o.Scopes) == 0 {
		o.Scopes = []string{"operator.admin"}
	}
	if o.MinProtocol == 0 {
		o.MinProtocol = 3
	}
	if o.MaxProtocol == 0 {
		o.MaxProtocol = 3
	}
	if o.HistoryLimit == 0 {
		o.HistoryLimit = 50
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	return o
}

type pendingRequest struct {
	method string
	ch     chan requestResult
}

type requestResult struct {
	payload json.RawMessage
	err     error
}

// Client owns one authenticated duplex connection to the gateway: the
// lifecycle state machine, the outstanding-request table, the reconnection
// timer, and the chat reducer for the active session. All of these are
// rebuilt fresh for every connection instance.
type Client struct {
	opts     Options
	resolver *Resolver
	identity *Identity
	logger   zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	pending   map[string]*pendingRequest
	reducer   *ChatReducer
	activeCfg ConnectionConfig
	retry     *time.Timer

	writeMu sync.Mutex
}

// NewClient builds a client. It does not touch the network; call Run.
func NewClient(resolver *Resolver, identity *Identity, opts Options, logger zerolog.Logger) *Client {
	return &Client{
		opts:     opts.withDefaults(),
		resolver: resolver,
		identity: identity,
		logger:   logger.With().Str("component", "gateway").Logger(),
		state:    StateDisconnected,
	}
}

// Run drives the connection lifecycle until ctx is cancelled or an
// unrecoverable failure occurs: resolve config, dial, handshake, serve the
// read path, and on unexpected closure wait out the backoff delay and start
// over. Auth rejection, signing failure and missing config are terminal and
// surface as the error state.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrSigningFailure) || errors.Is(err, ErrConfigUnavailable) {
			c.setState(StateError)
			c.logger.Error().Err(err).Msg("gateway connection failed terminally")
			return err
		}
		c.setState(StateDisconnected)
		c.logger.Warn().Err(err).Dur("delay", c.opts.ReconnectDelay).Msg("gateway disconnected, reconnect scheduled")
		if !c.waitReconnect(ctx) {
			return ctx.Err()
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	cfg, err := c.resolver.Resolve(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.WsURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	reducer := NewChatReducer(cfg.SessionKey)
	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[string]*pendingRequest)
	c.reducer = reducer
	c.activeCfg = cfg
	c.mu.Unlock()

	if err := c.handshake(conn, cfg); err != nil {
		conn.Close()
		c.teardown()
		return err
	}
	c.setState(StateConnected)
	c.logger.Info().Str("wsUrl", cfg.WsURL).Msg("gateway session authenticated")

	go c.seedHistory(ctx, cfg, reducer)

	err = c.readLoop(conn, reducer)
	conn.Close()
	c.teardown()
	if isAuthClose(err) {
		return ErrAuthRejected
	}
	return err
}

// handshake waits for the server's connect.challenge, signs it together
// with the declared identity and scopes, and issues the connect request.
// The read loop is not running yet, so the response is read inline; the
// request still carries a correlation id like any other.
func (c *Client) handshake(conn *websocket.Conn, cfg ConnectionConfig) error {
	challenge, err := c.awaitChallenge(conn)
	if err != nil {
		return err
	}

	signedAt := time.Now().UnixMilli()
	payload := buildSignaturePayload(signatureFields{
		DeviceID: c.identity.DeviceID(),
		ClientID: c.opts.ClientID,
		Mode:     c.opts.Mode,
		Role:     c.opts.Role,
		Scopes:   c.opts.Scopes,
		SignedAt: signedAt,
		Token:    cfg.Token,
		Nonce:    challenge.Nonce,
	})
	sig, err := c.identity.Sign(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}

	params := connectParams{
		MinProtocol: c.opts.MinProtocol,
		MaxProtocol: c.opts.MaxProtocol,
		Client: clientInfo{
			ID:       c.opts.ClientID,
			Version:  c.opts.ClientVersion,
			Platform: c.opts.Platform,
			Mode:     c.opts.Mode,
		},
		Role:   c.opts.Role,
		Scopes: c.opts.Scopes,
		Caps:   []string{},
		Device: &deviceParams{
			ID:        c.identity.DeviceID(),
			PublicKey: c.identity.PublicKeyBase64(),
			Signature: encodeSignature(sig),
			SignedAt:  signedAt,
			Nonce:     challenge.Nonce,
		},
	}
	if cfg.Token != "" {
		params.Auth = &connectAuth{Token: cfg.Token}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal connect params: %w", err)
	}

	id := uuid.NewString()
	if err := c.writeFrame(conn, frame{Type: frameTypeRequest, ID: id, Method: "connect", Params: raw}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if isAuthClose(err) {
				return ErrAuthRejected
			}
			return fmt.Errorf("read connect response: %w", err)
		}
		if f.Type != frameTypeResponse || f.ID != id {
			continue
		}
		_ = conn.SetReadDeadline(time.Time{})
		if f.OK != nil && *f.OK {
			return nil
		}
		msg := "connect rejected"
		if f.Error != nil && f.Error.Message != "" {
			msg = f.Error.Message
		}
		return fmt.Errorf("%w: %s", ErrAuthRejected, msg)
	}
}

func (c *Client) awaitChallenge(conn *websocket.Conn) (challengePayload, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return challengePayload{}, fmt.Errorf("read challenge: %w", err)
	}
	if f.Type != frameTypeEvent || f.Event != eventChallenge {
		return challengePayload{}, fmt.Errorf("expected connect.challenge, got %s/%s", f.Type, f.Event)
	}
	var challenge challengePayload
	if err := json.Unmarshal(f.Payload, &challenge); err != nil {
		return challengePayload{}, fmt.Errorf("parse challenge: %w", err)
	}
	return challenge, nil
}

// readLoop is the single sequential consumer of inbound frames. Responses
// resolve pending requests; events are dispatched. Returns when the socket
// closes.
func (c *Client) readLoop(conn *websocket.Conn, reducer *ChatReducer) error {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Type {
		case frameTypeResponse:
			c.resolvePending(f)
		case frameTypeEvent:
			c.dispatchEvent(f, reducer)
		default:
			c.logger.Debug().Str("type", f.Type).Msg("unknown frame type discarded")
		}
	}
}

func (c *Client) resolvePending(f frame) {
	c.mu.Lock()
	p, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Already resolved, abandoned, or from a prior connection generation.
		c.logger.Debug().Str("id", f.ID).Msg("response with unknown id discarded")
		return
	}
	if f.OK != nil && *f.OK {
		p.ch <- requestResult{payload: f.Payload}
		return
	}
	msg := ""
	if f.Error != nil {
		msg = f.Error.Message
	}
	p.ch <- requestResult{err: &RequestError{Method: p.method, Message: msg}}
}

func (c *Client) seedHistory(ctx context.Context, cfg ConnectionConfig, reducer *ChatReducer) {
	payload, err := c.Request(ctx, "chat.history", historyParams{SessionKey: cfg.SessionKey, Limit: c.opts.HistoryLimit})
	if err != nil {
		c.logger.Warn().Err(err).Msg("chat history seed failed")
		return
	}
	messages := reduceHistory(payload)
	reducer.Seed(messages)
	c.logger.Debug().Int("messages", len(messages)).Msg("chat history seeded")
}

// Request issues method over the connection and suspends the caller until
// the matching response arrives or the connection closes. Responses may
// arrive in any order; correlation is by id only. There is no per-request
// timeout: a request outlives everything short of disconnect, and ctx only
// bounds this caller's wait.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	id := uuid.NewString()
	p := &pendingRequest{method: method, ch: make(chan requestResult, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.writeFrame(conn, frame{Type: frameTypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}

	select {
	case res := <-p.ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// SendChat records the user message locally and issues chat.send with a
// fresh idempotency key. The key is per logical send, not per retry, so the
// server can dedupe a resend after a dropped connection.
func (c *Client) SendChat(ctx context.Context, message string) error {
	c.mu.Lock()
	reducer := c.reducer
	sessionKey := c.activeCfg.SessionKey
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || reducer == nil {
		return ErrNotConnected
	}

	reducer.AddUser(message)
	_, err := c.Request(ctx, "chat.send", sendParams{
		SessionKey:     sessionKey,
		Message:        message,
		Deliver:        c.opts.DeliverSends,
		IdempotencyKey: uuid.NewString(),
	})
	return err
}

// teardown rejects every outstanding request with a connection-closed error
// and discards the per-connection structures. The next attempt starts fresh.
func (c *Client) teardown() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.conn = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- requestResult{err: ErrConnectionClosed}
	}
	if len(pending) > 0 {
		c.logger.Warn().Int("count", len(pending)).Msg("pending requests rejected on disconnect")
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// waitReconnect arms the single reconnection timer and blocks until it
// fires or ctx is cancelled. Arming stops any prior timer so two connection
// attempts can never race.
func (c *Client) waitReconnect(ctx context.Context) bool {
	timer := time.NewTimer(c.opts.ReconnectDelay)
	c.mu.Lock()
	if c.retry != nil {
		c.retry.Stop()
	}
	c.retry = timer
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.retry == timer {
			c.retry = nil
		}
		c.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}

// ReconnectPending reports whether a reconnection timer is armed.
func (c *Client) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry != nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("connection state changed")
	}
}

// Messages returns the current session's message list snapshot, empty while
// no session has been established.
func (c *Client) Messages() []ChatMessage {
	c.mu.Lock()
	reducer := c.reducer
	c.mu.Unlock()
	if reducer == nil {
		return nil
	}
	return reducer.Messages()
}

// Streaming reports whether an assistant turn is currently open.
func (c *Client) Streaming() bool {
	c.mu.Lock()
	reducer := c.reducer
	c.mu.Unlock()
	return reducer != nil && reducer.Streaming()
}

// DeviceID exposes this installation's stable device identifier.
func (c *Client) DeviceID() string {
	return c.identity.DeviceID()
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func isAuthClose(err error) bool {
	return websocket.IsCloseError(err, closeCodeAuthRejected)
}
