// Package demo runs a small in-process actor trio over the bus — a
// Reporter publishing periodic status events, a Server subscribed to them,
// and a Worker that pings the Server — recovered from the original bus's
// richer example beyond a bare two-client smoke test.
//
// Called by: cmd/swarmbus (demo subcommand)
// Calls: internal/client
package demo

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/tenzoki/swarmbus/internal/client"
)

// ReportTopic is the topic the Reporter actor publishes status events to.
const ReportTopic = "SystemReport"

// Actor runs one or more periodic functions on its own ticker until Stop is
// called.
type Actor struct {
	client   *client.Client
	interval time.Duration
	funcs    []func()

	stop chan struct{}
	wg   sync.WaitGroup
}

func newActor(c *client.Client, interval time.Duration, funcs ...func()) *Actor {
	return &Actor{client: c, interval: interval, funcs: funcs, stop: make(chan struct{})}
}

// Start begins running this actor's periodic functions.
func (a *Actor) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop halts the actor's ticker and waits for it to exit.
func (a *Actor) Stop() {
	close(a.stop)
	a.wg.Wait()
}

func (a *Actor) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, fn := range a.funcs {
				fn()
			}
		case <-a.stop:
			return
		}
	}
}

// Reporter periodically publishes a SystemReport event, choosing at random
// between a healthy and an unhealthy message each time.
type Reporter struct {
	*Actor
}

// NewReporter constructs a Reporter actor over c, publishing every interval.
func NewReporter(c *client.Client, interval time.Duration) *Reporter {
	r := &Reporter{}
	r.Actor = newActor(c, interval, func() { r.reportSystem(c) })
	return r
}

func (r *Reporter) reportSystem(c *client.Client) {
	body := "System is running smoothly"
	if rand.Float64() >= 0.5 {
		body = "System is experiencing issues"
	}
	c.Publish(ReportTopic, body)
}

// Server subscribes to SystemReport and forwards every event it receives
// to the supplied sink.
type Server struct {
	*Actor
}

// NewServer constructs a Server actor subscribed to ReportTopic, forwarding
// every received event body to sink.
func NewServer(c *client.Client, interval time.Duration, sink func(string)) (*Server, error) {
	events, err := c.Subscribe(ReportTopic, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("demo: server subscribe: %w", err)
	}
	s := &Server{}
	s.Actor = newActor(c, interval, func() {
		select {
		case evt := <-events:
			sink(evt.Body)
		default:
		}
	})
	return s, nil
}

// Worker periodically pings a named target and reports success via sink.
type Worker struct {
	*Actor
}

// NewWorker constructs a Worker actor pinging target every interval.
func NewWorker(c *client.Client, target string, interval time.Duration, sink func(bool)) *Worker {
	w := &Worker{}
	w.Actor = newActor(c, interval, func() { sink(c.Ping(target, 2)) })
	return w
}
