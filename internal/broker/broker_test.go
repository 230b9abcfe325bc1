package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tenzoki/swarmbus/internal/transport"
	"github.com/tenzoki/swarmbus/internal/wire"
)

func newTestBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := transport.ListenUnix(sockPath)
	if err != nil {
		t.Fatalf("ListenUnix() error: %v", err)
	}
	b := New(ln)
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	return b, sockPath
}

func dialAndRegister(t *testing.T, sockPath, name string) transport.Conn {
	t.Helper()
	conn, err := transport.DialUnix(sockPath)
	if err != nil {
		t.Fatalf("DialUnix() error: %v", err)
	}

	reg := wire.NewRegister(name)
	frame, err := reg.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := conn.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}

	ack := readFrameWithin(t, conn, 2*time.Second)
	if ack.Type != wire.KindAck {
		t.Fatalf("reply to REGISTER = %q, want ACK", ack.Type)
	}
	if ack.RequestID != reg.ID {
		t.Fatalf("ACK.RequestID = %q, want %q", ack.RequestID, reg.ID)
	}
	return conn
}

func readFrameWithin(t *testing.T, conn transport.Conn, timeout time.Duration) wire.Message {
	t.Helper()
	type result struct {
		msg wire.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := conn.ReadFrame()
		if err != nil {
			ch <- result{err: err}
			return
		}
		msg, err := wire.Decode(frame)
		ch <- result{msg: msg, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("ReadFrame()/Decode() error: %v", r.err)
		}
		return r.msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a frame")
		return wire.Message{}
	}
}

func TestRegisterIsAcknowledged(t *testing.T) {
	_, sockPath := newTestBroker(t)
	conn := dialAndRegister(t, sockPath, "client-1")
	defer conn.Close()
}

func TestSubscribeThenEventIsDelivered(t *testing.T) {
	_, sockPath := newTestBroker(t)

	subscriber := dialAndRegister(t, sockPath, "subscriber")
	defer subscriber.Close()
	publisher := dialAndRegister(t, sockPath, "publisher")
	defer publisher.Close()

	sub := wire.NewSubscribe("subscriber", "SystemReport")
	frame, _ := sub.Encode()
	if err := subscriber.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame(SUBSCRIBE) error: %v", err)
	}
	ack := readFrameWithin(t, subscriber, 2*time.Second)
	if ack.Type != wire.KindAck {
		t.Fatalf("reply to SUBSCRIBE = %q, want ACK", ack.Type)
	}

	event := wire.NewEvent("publisher", "SystemReport", "all quiet")
	eventFrame, _ := event.Encode()
	if err := publisher.WriteFrame(eventFrame); err != nil {
		t.Fatalf("WriteFrame(EVENT) error: %v", err)
	}

	delivered := readFrameWithin(t, subscriber, 2*time.Second)
	if delivered.Type != wire.KindEvent {
		t.Fatalf("delivered.Type = %q, want EVENT", delivered.Type)
	}
	if delivered.Body != "all quiet" {
		t.Errorf("delivered.Body = %q, want %q", delivered.Body, "all quiet")
	}
}

func TestSelfSubscribedPublisherReceivesItsOwnEvent(t *testing.T) {
	_, sockPath := newTestBroker(t)

	conn := dialAndRegister(t, sockPath, "self-subscriber")
	defer conn.Close()

	sub := wire.NewSubscribe("self-subscriber", "loop")
	frame, _ := sub.Encode()
	conn.WriteFrame(frame)
	readFrameWithin(t, conn, 2*time.Second) // ACK

	event := wire.NewEvent("self-subscriber", "loop", "echo")
	eventFrame, _ := event.Encode()
	conn.WriteFrame(eventFrame)

	delivered := readFrameWithin(t, conn, 2*time.Second)
	if delivered.Type != wire.KindEvent {
		t.Fatalf("delivered.Type = %q, want EVENT", delivered.Type)
	}
	if delivered.Body != "echo" {
		t.Errorf("delivered.Body = %q, want %q", delivered.Body, "echo")
	}
}

func TestRequestIsForwardedAndResponseRoutedBack(t *testing.T) {
	_, sockPath := newTestBroker(t)

	server := dialAndRegister(t, sockPath, "server")
	defer server.Close()
	worker := dialAndRegister(t, sockPath, "worker")
	defer worker.Close()

	req := wire.NewRequest("worker", "server", "do-thing", 5)
	frame, _ := req.Encode()
	if err := worker.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame(REQUEST) error: %v", err)
	}

	received := readFrameWithin(t, server, 2*time.Second)
	if received.Type != wire.KindRequest {
		t.Fatalf("server received %q, want REQUEST", received.Type)
	}
	if received.Body != "do-thing" {
		t.Fatalf("received.Body = %q, want do-thing", received.Body)
	}

	resp := wire.NewResponse("server", received.Source, received.ID, "done")
	respFrame, _ := resp.Encode()
	if err := server.WriteFrame(respFrame); err != nil {
		t.Fatalf("WriteFrame(RESPONSE) error: %v", err)
	}

	back := readFrameWithin(t, worker, 2*time.Second)
	if back.Type != wire.KindResponse {
		t.Fatalf("worker received %q, want RESPONSE", back.Type)
	}
	if back.Body != "done" {
		t.Errorf("back.Body = %q, want done", back.Body)
	}
	if back.RequestID != req.ID {
		t.Errorf("back.RequestID = %q, want %q", back.RequestID, req.ID)
	}
}

func TestRequestToUnknownTargetGetsErrorResponse(t *testing.T) {
	_, sockPath := newTestBroker(t)

	worker := dialAndRegister(t, sockPath, "worker")
	defer worker.Close()

	req := wire.NewRequest("worker", "nobody", "do-thing", 5)
	frame, _ := req.Encode()
	if err := worker.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame(REQUEST) error: %v", err)
	}

	back := readFrameWithin(t, worker, 2*time.Second)
	if back.Type != wire.KindResponse {
		t.Fatalf("back.Type = %q, want RESPONSE", back.Type)
	}
	if back.RequestID != req.ID {
		t.Errorf("back.RequestID = %q, want %q", back.RequestID, req.ID)
	}
}

func TestCommandGetClientsExcludesCaller(t *testing.T) {
	_, sockPath := newTestBroker(t)

	a := dialAndRegister(t, sockPath, "alice")
	defer a.Close()
	dialAndRegister(t, sockPath, "bob")

	cmd := wire.NewCommand("alice", "GET_CLIENTS", 5)
	frame, _ := cmd.Encode()
	if err := a.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame(COMMAND) error: %v", err)
	}

	back := readFrameWithin(t, a, 2*time.Second)
	if back.Type != wire.KindResponse {
		t.Fatalf("back.Type = %q, want RESPONSE", back.Type)
	}
	if back.Body != "bob" {
		t.Errorf("GET_CLIENTS body = %q, want bob (alice excluded)", back.Body)
	}
}

func TestPendingRequestExpiresAfterTimeout(t *testing.T) {
	b, sockPath := newTestBroker(t)

	worker := dialAndRegister(t, sockPath, "worker")
	defer worker.Close()
	dialAndRegister(t, sockPath, "server")

	req := wire.NewRequest("worker", "server", "do-thing", 1)
	frame, _ := req.Encode()
	if err := worker.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame(REQUEST) error: %v", err)
	}

	deadline := time.Now().Add(1200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if b.Snapshot().PendingCount == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("pending request was not reclaimed within 200ms of its 1s timeout")
}
