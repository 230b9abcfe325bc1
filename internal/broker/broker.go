// Package broker implements the bus's central router: it accepts client
// connections, maintains the client directory and topic subscriptions,
// correlates request/response traffic, and sweeps expired pending requests.
//
// The broker runs four cooperating loops, each its own goroutine:
//
//   - listen: accepts connections and reads frames off each into rxQueue.
//   - handle: drains rxQueue, dispatches by message kind, and resolves
//     delivery targets while holding the directory locks.
//   - send: drains txQueue and writes already-resolved frames to their
//     destination connection.
//   - watch: every 100ms, sweeps the pending table for answered or
//     expired requests.
//
// Called by: cmd/swarmbus, internal/demo
// Calls: internal/transport, internal/wire, internal/history
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tenzoki/swarmbus/internal/history"
	"github.com/tenzoki/swarmbus/internal/transport"
	"github.com/tenzoki/swarmbus/internal/wire"
)

// watchInterval is how often the watch loop sweeps the pending table.
const watchInterval = 100 * time.Millisecond

// rxFrame is a raw frame read off a connection, tagged with the connection
// it arrived on so handle can reply without a name lookup.
type rxFrame struct {
	conn  transport.Conn
	frame string
}

// txItem is an already-resolved outbound frame: handle has looked up the
// destination connection while holding the directory locks, so send never
// needs to touch them.
type txItem struct {
	conn  transport.Conn
	frame string
}

// pendingRequest tracks an in-flight REQUEST/PING awaiting its
// correlated RESPONSE/PONG.
type pendingRequest struct {
	requestor string
	deadline  time.Time
}

// Broker mediates all bus traffic between registered clients.
type Broker struct {
	listener transport.Listener
	logger   *slog.Logger
	history  history.Store
	latency  latencyRange

	rxQueue chan rxFrame
	txQueue chan txItem

	clientsMu sync.RWMutex
	clients   map[string]transport.Conn // registered name -> connection

	topicsMu sync.RWMutex
	topics   map[string][]string // topic -> subscriber names, not deduplicated

	pendingMu sync.Mutex
	pending   map[string]pendingRequest // request id -> pendingRequest
	seen      map[string]bool           // request id -> response observed

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type latencyRange struct {
	min, max time.Duration
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithHistory attaches an optional observational message store. History
// never affects routing; it only records what passed through.
func WithHistory(store history.Store) Option {
	return func(b *Broker) { b.history = store }
}

// WithLatency injects an artificial delay, uniformly distributed between
// min and max, before each outbound frame is written. It exists for
// exercising timeout behavior in tests and demos.
func WithLatency(min, max time.Duration) Option {
	return func(b *Broker) { b.latency = latencyRange{min: min, max: max} }
}

// New constructs a Broker that will accept connections on listener once
// Start is called.
func New(listener transport.Listener, opts ...Option) *Broker {
	b := &Broker{
		listener: listener,
		logger:   slog.Default(),
		rxQueue:  make(chan rxFrame, 256),
		txQueue:  make(chan txItem, 256),
		clients:  make(map[string]transport.Conn),
		topics:   make(map[string][]string),
		pending:  make(map[string]pendingRequest),
		seen:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the four loops and returns immediately; call Stop to shut
// the broker down.
func (b *Broker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(4)
	go b.listen(ctx)
	go b.handle(ctx)
	go b.send(ctx)
	go b.watch(ctx)
}

// Stop cancels all loops, closes the listener, and waits for a clean exit.
func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.listener.Close()
	b.wg.Wait()
}

// listen accepts connections and spawns a per-connection reader that feeds
// rxQueue; it exits when ctx is cancelled (observed via the listener Close
// unblocking Accept).
func (b *Broker) listen(ctx context.Context) {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				b.logger.Warn("accept failed", "error", err)
				return
			}
		}

		b.wg.Add(1)
		go b.readConn(ctx, conn)
	}
}

func (b *Broker) readConn(ctx context.Context, conn transport.Conn) {
	defer b.wg.Done()
	defer b.forgetConn(conn)

	// Close conn once ctx is cancelled so a ReadFrame blocked on an idle
	// client returns and Stop does not wait on it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		select {
		case b.rxQueue <- rxFrame{conn: conn, frame: frame}:
		case <-ctx.Done():
			return
		}
	}
}

// forgetConn removes conn from the client directory once its connection
// closes, so stale entries don't accumulate or receive misrouted traffic.
func (b *Broker) forgetConn(conn transport.Conn) {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	for name, c := range b.clients {
		if c == conn {
			delete(b.clients, name)
		}
	}
}

// handle drains rxQueue and dispatches each frame by kind.
func (b *Broker) handle(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case rx := <-b.rxQueue:
			b.dispatch(rx)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) dispatch(rx rxFrame) {
	msg, err := wire.Decode(rx.frame)
	if err != nil {
		b.logger.Warn("discarding malformed frame", "error", err)
		return
	}
	b.record("in", msg)

	switch msg.Type {
	case wire.KindRegister:
		b.handleRegister(rx.conn, msg)
	case wire.KindSubscribe:
		b.handleSubscribe(rx.conn, msg)
	case wire.KindEvent:
		b.handleEvent(msg)
	case wire.KindRequest, wire.KindPing:
		b.handleRequest(rx.conn, msg)
	case wire.KindCommand:
		b.handleCommand(rx.conn, msg)
	case wire.KindResponse, wire.KindPong:
		b.handleResponse(msg)
	default:
		b.logger.Warn("discarding frame of unknown kind", "kind", msg.Type)
	}
}

// handleRegister binds msg.Source to rx.conn in the client directory,
// overwriting any previous binding for that name — re-registration always
// rebinds the identity mapping to whichever connection most recently
// registered it.
func (b *Broker) handleRegister(conn transport.Conn, msg wire.Message) {
	b.clientsMu.Lock()
	b.clients[msg.Source] = conn
	b.clientsMu.Unlock()

	ack := wire.NewAck("broker", msg.Source, msg.ID)
	b.enqueueReply(conn, ack)
}

// handleSubscribe appends msg.Source to topic's subscriber list. Duplicate
// subscriptions are not deduplicated: a client that subscribes twice
// receives an event twice, matching this implementation's chosen resolution
// of that open question.
func (b *Broker) handleSubscribe(conn transport.Conn, msg wire.Message) {
	b.topicsMu.Lock()
	b.topics[msg.Topic] = append(b.topics[msg.Topic], msg.Source)
	b.topicsMu.Unlock()

	ack := wire.NewAck("broker", msg.Source, msg.ID)
	b.enqueueReply(conn, ack)
}

// handleEvent fans msg out to every subscriber of msg.Topic.
func (b *Broker) handleEvent(msg wire.Message) {
	b.topicsMu.RLock()
	subscribers := append([]string(nil), b.topics[msg.Topic]...)
	b.topicsMu.RUnlock()

	if len(subscribers) == 0 {
		b.logger.Warn("event published to topic with no subscribers", "topic", msg.Topic)
		return
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	for _, name := range subscribers {
		if conn, ok := b.clients[name]; ok {
			b.enqueueReply(conn, msg)
		}
	}
}

// handleRequest forwards a REQUEST/PING to its target, recording it in the
// pending table so watch can reclaim it if no response ever arrives.
func (b *Broker) handleRequest(from transport.Conn, msg wire.Message) {
	b.clientsMu.RLock()
	target, ok := b.clients[msg.Target]
	b.clientsMu.RUnlock()

	if !ok {
		b.logger.Warn("request targets unknown client", "target", msg.Target, "source", msg.Source)
		errResp := wire.NewResponse("broker", msg.Source, msg.ID, fmt.Sprintf("unknown target %q", msg.Target))
		b.enqueueReply(from, errResp)
		return
	}

	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = wire.DefaultTimeoutSeconds
	}
	b.pendingMu.Lock()
	b.pending[msg.ID] = pendingRequest{
		requestor: msg.Source,
		deadline:  time.Now().Add(time.Duration(timeout) * time.Second),
	}
	b.pendingMu.Unlock()

	b.enqueueReply(target, msg)
}

// handleCommand answers COMMAND messages addressed to the broker itself
// without ever touching the pending table, since the broker answers
// synchronously within dispatch.
func (b *Broker) handleCommand(from transport.Conn, msg wire.Message) {
	var body string
	switch strings.ToUpper(msg.Body) {
	case "GET_CLIENTS":
		body = strings.Join(b.clientNames(except(msg.Source)), ",")
	default:
		body = fmt.Sprintf("unknown command %q", msg.Body)
	}
	resp := wire.NewResponse("broker", msg.Source, msg.ID, body)
	b.enqueueReply(from, resp)
}

func except(name string) func(string) bool {
	return func(s string) bool { return s != name }
}

// clientNames returns a sorted snapshot of registered client names for
// which keep returns true.
func (b *Broker) clientNames(keep func(string) bool) []string {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	names := make([]string, 0, len(b.clients))
	for name := range b.clients {
		if keep == nil || keep(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// handleResponse marks msg.RequestID as seen and forwards the reply back to
// msg.Requestor.
func (b *Broker) handleResponse(msg wire.Message) {
	b.pendingMu.Lock()
	b.seen[msg.RequestID] = true
	b.pendingMu.Unlock()

	b.clientsMu.RLock()
	conn, ok := b.clients[msg.Requestor]
	b.clientsMu.RUnlock()

	if !ok {
		b.logger.Warn("response addressed to unknown requestor", "requestor", msg.Requestor)
		return
	}
	b.enqueueReply(conn, msg)
}

func (b *Broker) enqueueReply(conn transport.Conn, msg wire.Message) {
	frame, err := msg.Encode()
	if err != nil {
		b.logger.Error("failed to encode outbound message", "error", err)
		return
	}
	b.txQueue <- txItem{conn: conn, frame: frame}
}

// send drains txQueue and writes each already-resolved frame to its
// destination connection.
func (b *Broker) send(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case item := <-b.txQueue:
			b.delay()
			if err := item.conn.WriteFrame(item.frame); err != nil {
				b.logger.Warn("failed to write frame", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) delay() {
	if b.latency.max <= 0 {
		return
	}
	span := b.latency.max - b.latency.min
	if span <= 0 {
		time.Sleep(b.latency.min)
		return
	}
	time.Sleep(b.latency.min + time.Duration(rand.Int63n(int64(span))))
}

// watch sweeps the pending table every watchInterval: requests that have
// seen their correlated response are dropped as successes, and requests
// past their deadline are dropped as timeouts. The broker never manufactures
// a timeout response of its own — this only bounds broker memory, per the
// client's own timeout governing what the caller observes.
func (b *Broker) watch(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweepPending()
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) sweepPending() {
	now := time.Now()

	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	for id, req := range b.pending {
		if b.seen[id] {
			delete(b.pending, id)
			delete(b.seen, id)
			continue
		}
		if now.After(req.deadline) {
			delete(b.pending, id)
			b.logger.Debug("pending request expired", "id", id, "requestor", req.requestor)
		}
	}
}

func (b *Broker) record(direction string, msg wire.Message) {
	if b.history == nil {
		return
	}
	if err := b.history.Append(direction, msg); err != nil {
		b.logger.Warn("failed to record message history", "error", err)
	}
}

// Snapshot is a point-in-time view of broker state, used by tests; it never
// affects routing.
type Snapshot struct {
	Clients        []string
	TopicSubCounts map[string]int
	PendingCount   int
}

// Snapshot returns a copy of the current directory, topic subscriber
// counts, and pending-request count.
func (b *Broker) Snapshot() Snapshot {
	clients := b.clientNames(nil)

	b.topicsMu.RLock()
	topicCounts := make(map[string]int, len(b.topics))
	for topic, subs := range b.topics {
		topicCounts[topic] = len(subs)
	}
	b.topicsMu.RUnlock()

	b.pendingMu.Lock()
	pendingCount := len(b.pending)
	b.pendingMu.Unlock()

	return Snapshot{Clients: clients, TopicSubCounts: topicCounts, PendingCount: pendingCount}
}
