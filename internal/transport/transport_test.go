package transport

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tenzoki/swarmbus/internal/certs"
)

func TestUnixRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "bus.sock")

	ln, err := ListenUnix(sockPath)
	if err != nil {
		t.Fatalf("ListenUnix() error: %v", err)
	}
	defer ln.Close()

	accepted := make(chan Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	client, err := DialUnix(sockPath)
	if err != nil {
		t.Fatalf("DialUnix() error: %v", err)
	}
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept() error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept()")
	}
	defer server.Close()

	if err := client.WriteFrame("REGISTER {\"id\":\"1\"}"); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}
	got, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if got != "REGISTER {\"id\":\"1\"}" {
		t.Errorf("ReadFrame() = %q, want the frame written by the client", got)
	}

	if client.Token() == "" || server.Token() == "" {
		t.Error("Token() returned empty string, want a non-empty per-connection identity")
	}
}

func TestTCPCurveHandshakeRoundTrip(t *testing.T) {
	dir := certs.Dir{Base: t.TempDir()}
	serverKeys, err := dir.WriteKeyPair("server")
	if err != nil {
		t.Fatalf("WriteKeyPair(server) error: %v", err)
	}
	clientKeys, err := dir.WriteKeyPair("client-1")
	if err != nil {
		t.Fatalf("WriteKeyPair(client-1) error: %v", err)
	}

	allowed := AllowedKeys{clientKeys.Public: true}
	ln, err := ListenTCP("127.0.0.1:0", serverKeys, allowed)
	if err != nil {
		t.Fatalf("ListenTCP() error: %v", err)
	}
	defer ln.Close()

	accepted := make(chan Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	client, err := DialTCP(ln.Addr().String(), clientKeys, serverKeys.Public)
	if err != nil {
		t.Fatalf("DialTCP() error: %v", err)
	}
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept() error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept()")
	}
	defer server.Close()

	if err := client.WriteFrame("PING {\"body\":\"PING\"}"); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}
	got, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if got != "PING {\"body\":\"PING\"}" {
		t.Errorf("ReadFrame() = %q, want the frame written by the client", got)
	}
}

func TestTCPRejectsUnknownClientKey(t *testing.T) {
	dir := certs.Dir{Base: t.TempDir()}
	serverKeys, err := dir.WriteKeyPair("server")
	if err != nil {
		t.Fatalf("WriteKeyPair(server) error: %v", err)
	}
	knownClient, err := dir.WriteKeyPair("known")
	if err != nil {
		t.Fatalf("WriteKeyPair(known) error: %v", err)
	}
	strangerKeys, err := certs.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	allowed := AllowedKeys{knownClient.Public: true}
	ln, err := ListenTCP("127.0.0.1:0", serverKeys, allowed)
	if err != nil {
		t.Fatalf("ListenTCP() error: %v", err)
	}
	defer ln.Close()

	acceptErr := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		acceptErr <- err
	}()

	// The listener closes the connection before sending its own public key,
	// so the stranger's dial fails while reading it.
	client, err := DialTCP(ln.Addr().String(), strangerKeys, serverKeys.Public)
	if err == nil {
		client.Close()
		t.Fatal("DialTCP() with an unrecognized client key: want error, got nil")
	}

	select {
	case err := <-acceptErr:
		if err == nil {
			t.Fatal("Accept() with an unrecognized client key: want error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept() to reject the stranger")
	}
}
