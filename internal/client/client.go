// Package client implements a bus peer: it registers with a broker, can
// subscribe to topics and publish events, issue correlated requests and
// answer ones addressed to it, and probe peers with ping/pong.
//
// The client runs three cooperating loops, each its own goroutine:
//
//   - listen: reads frames off the connection and decodes them.
//   - dispatch: routes each decoded message to its correlated response
//     channel, its subscribed topic channel, or the inbound-request queue.
//   - send: writes outbound frames to the connection.
//
// Synchronous calls (Request, subscribe/register acknowledgement) are
// implemented with a one-shot channel registered in a map keyed by the
// outbound message's id *before* the send, and resolved by dispatch when
// the correlated reply arrives — not by polling a received-messages map.
//
// Called by: cmd/swarmbus, internal/demo
// Calls: internal/transport, internal/wire, internal/history
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tenzoki/swarmbus/internal/history"
	"github.com/tenzoki/swarmbus/internal/transport"
	"github.com/tenzoki/swarmbus/internal/wire"
)

// ErrTimeout is returned by Request, and wrapped by Start, Subscribe and
// GetClients, when no correlated reply arrives within the requested timeout.
// Ping reports the same condition as false.
var ErrTimeout = fmt.Errorf("client: request timed out")

// Client is one named peer on the bus.
type Client struct {
	conn    transport.Conn
	name    string
	logger  *slog.Logger
	history history.Store

	rxQueue chan wire.Message
	txQueue chan wire.Message

	pendingMu sync.Mutex
	pending   map[string]chan wire.Message // request id -> one-shot reply channel

	topicsMu sync.RWMutex
	topics   map[string]chan wire.Message // topic -> delivered-event channel

	requests chan wire.Message // inbound REQUEST/COMMAND not auto-answered

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHistory attaches an optional observational message store.
func WithHistory(store history.Store) Option {
	return func(c *Client) { c.history = store }
}

// New constructs a Client named name over conn. Call Start to register with
// the broker and begin processing.
func New(conn transport.Conn, name string, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		name:     name,
		logger:   slog.Default(),
		rxQueue:  make(chan wire.Message, 64),
		txQueue:  make(chan wire.Message, 64),
		pending:  make(map[string]chan wire.Message),
		topics:   make(map[string]chan wire.Message),
		requests: make(chan wire.Message, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns this client's registered name.
func (c *Client) Name() string { return c.name }

// Start launches the three loops and registers with the broker, blocking
// until the REGISTER is acknowledged or registerTimeout elapses.
func (c *Client) Start(ctx context.Context, registerTimeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(3)
	go c.listen(ctx)
	go c.dispatch(ctx)
	go c.send(ctx)

	reg := wire.NewRegister(c.name)
	if _, err := c.call(reg, registerTimeout); err != nil {
		return fmt.Errorf("client: register %s: %w", c.name, err)
	}
	return nil
}

// Stop cancels all loops and closes the underlying connection. Calling Stop
// more than once is a no-op.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.conn.Close()
	c.wg.Wait()
	c.cancel = nil
}

// listen reads frames off the connection and decodes them onto rxQueue.
func (c *Client) listen(ctx context.Context) {
	defer c.wg.Done()
	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			return
		}
		msg, err := wire.Decode(frame)
		if err != nil {
			c.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		select {
		case c.rxQueue <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch routes each inbound message to whatever is waiting for it.
func (c *Client) dispatch(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.rxQueue:
			c.route(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) route(msg wire.Message) {
	c.record("in", msg)

	if msg.IsResponseLike() {
		c.resolvePending(msg)
		return
	}

	switch msg.Type {
	case wire.KindEvent:
		c.deliverEvent(msg)
	case wire.KindPing:
		// Auto-reply to liveness probes without surfacing them to the
		// application, mirroring the original bus's PING handling.
		pong := wire.NewPong(c.name, msg.Source, msg.ID)
		c.enqueueSend(pong)
	case wire.KindRequest, wire.KindCommand:
		select {
		case c.requests <- msg:
		default:
			c.logger.Warn("inbound request queue full, dropping", "id", msg.ID)
		}
	default:
		c.logger.Warn("dispatch: unhandled message kind", "kind", msg.Type)
	}
}

func (c *Client) resolvePending(msg wire.Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *Client) deliverEvent(msg wire.Message) {
	c.topicsMu.RLock()
	ch, ok := c.topics[msg.Topic]
	c.topicsMu.RUnlock()

	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		c.logger.Warn("topic channel full, dropping event", "topic", msg.Topic)
	}
}

// send drains txQueue and writes each frame to the connection.
func (c *Client) send(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.txQueue:
			frame, err := msg.Encode()
			if err != nil {
				c.logger.Error("failed to encode outbound message", "error", err)
				continue
			}
			if err := c.conn.WriteFrame(frame); err != nil {
				c.logger.Warn("failed to write frame", "error", err)
				continue
			}
			c.record("out", msg)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) enqueueSend(msg wire.Message) {
	select {
	case c.txQueue <- msg:
	default:
		c.logger.Warn("send queue full, dropping outbound message", "id", msg.ID)
	}
}

// call sends msg and blocks for its correlated reply, registering a
// one-shot channel under msg.ID before the send so dispatch can never race
// ahead of the registration.
func (c *Client) call(msg wire.Message, timeout time.Duration) (wire.Message, error) {
	ch := make(chan wire.Message, 1)

	c.pendingMu.Lock()
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()

	c.enqueueSend(msg)

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
		return wire.Message{}, ErrTimeout
	}
}

func (c *Client) record(direction string, msg wire.Message) {
	if c.history == nil {
		return
	}
	if err := c.history.Append(direction, msg); err != nil {
		c.logger.Warn("failed to record message history", "error", err)
	}
}

// Subscribe adds this client to topic and returns a channel delivering
// every EVENT published on it from then on.
func (c *Client) Subscribe(topic string, timeout time.Duration) (<-chan wire.Message, error) {
	sub := wire.NewSubscribe(c.name, topic)
	if _, err := c.call(sub, timeout); err != nil {
		return nil, fmt.Errorf("client: subscribe %s: %w", topic, err)
	}

	ch := make(chan wire.Message, 64)
	c.topicsMu.Lock()
	c.topics[topic] = ch
	c.topicsMu.Unlock()

	return ch, nil
}

// Publish broadcasts body on topic; it does not wait for delivery.
func (c *Client) Publish(topic, body string) {
	c.enqueueSend(wire.NewEvent(c.name, topic, body))
}

// Request issues a correlated call to target and blocks for its response
// body, or ErrTimeout if none arrives within timeoutSeconds.
func (c *Client) Request(target, body string, timeoutSeconds int) (string, error) {
	req := wire.NewRequest(c.name, target, body, timeoutSeconds)
	resp, err := c.call(req, time.Duration(req.Timeout)*time.Second)
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

// Ping probes target's liveness, returning true if it answers within
// timeoutSeconds.
func (c *Client) Ping(target string, timeoutSeconds int) bool {
	req := wire.NewPing(c.name, target, timeoutSeconds)
	_, err := c.call(req, time.Duration(req.Timeout)*time.Second)
	return err == nil
}

// GetClients asks the broker for the names of every other registered
// client.
func (c *Client) GetClients(timeout time.Duration) ([]string, error) {
	cmd := wire.NewCommand(c.name, "GET_CLIENTS", int(timeout.Seconds()))
	resp, err := c.call(cmd, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: get_clients: %w", err)
	}
	if resp.Body == "" {
		return nil, nil
	}
	return splitCSV(resp.Body), nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Requests returns the channel of inbound REQUEST/COMMAND messages
// addressed to this client that were not auto-answered (PING is answered
// automatically and never appears here).
func (c *Client) Requests() <-chan wire.Message {
	return c.requests
}

// Respond answers an inbound request received from Requests().
func (c *Client) Respond(request wire.Message, body string) {
	resp := wire.NewResponse(c.name, request.Source, request.ID, body)
	c.enqueueSend(resp)
}
