package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/nacl/box"

	"github.com/tenzoki/swarmbus/internal/certs"
)

// secureConn carries wire frames over TCP sealed with a precomputed NaCl
// box shared key established by the CURVE-style handshake below. Frames
// are length-prefixed (4-byte big-endian) since sealed ciphertext may
// contain any byte, including newlines.
type secureConn struct {
	conn      net.Conn
	sharedKey [32]byte
	token     string
}

const nonceSize = 24

func (c *secureConn) WriteFrame(frame string) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("transport: generate nonce: %w", err)
	}
	sealed := box.SealAfterPrecomputation(nonce[:], []byte(frame), &nonce, &c.sharedKey)

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(sealed)))
	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	_, err := c.conn.Write(sealed)
	return err
}

func (c *secureConn) ReadFrame() (string, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(header)
	sealed := make([]byte, n)
	if _, err := io.ReadFull(c.conn, sealed); err != nil {
		return "", err
	}
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("transport: sealed frame too short (%d bytes)", len(sealed))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	opened, ok := box.OpenAfterPrecomputation(nil, sealed[nonceSize:], &nonce, &c.sharedKey)
	if !ok {
		return "", fmt.Errorf("transport: failed to open sealed frame")
	}
	return string(opened), nil
}

func (c *secureConn) Close() error  { return c.conn.Close() }
func (c *secureConn) Token() string { return c.token }

// AllowedKeys is the set of client public keys a CURVE TCP listener accepts,
// keyed by the hex-independent raw 32-byte value. Build it from
// certs.Dir.ListPublicKeys + LoadPublicKey. An empty set accepts any client
// public key.
type AllowedKeys map[[32]byte]bool

// tcpListener accepts CURVE-authenticated TCP connections.
type tcpListener struct {
	ln      net.Listener
	keyPair certs.KeyPair
	allowed AllowedKeys
}

// ListenTCP binds addr and performs a CURVE-style handshake on every
// accepted connection using serverKeys as this broker's identity and
// allowed as the set of client public keys permitted to connect (any key
// when allowed is empty).
func ListenTCP(addr string, serverKeys certs.KeyPair, allowed AllowedKeys) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	return &tcpListener{ln: ln, keyPair: serverKeys, allowed: allowed}, nil
}

func (l *tcpListener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}

	var clientPub [32]byte
	if _, err := io.ReadFull(conn, clientPub[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: read client public key: %w", err)
	}
	if len(l.allowed) > 0 && !l.allowed[clientPub] {
		conn.Close()
		return nil, fmt.Errorf("transport: rejected unknown client public key")
	}
	if _, err := conn.Write(l.keyPair.Public[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: write server public key: %w", err)
	}

	var shared [32]byte
	box.Precompute(&shared, &clientPub, &l.keyPair.Private)

	return &secureConn{conn: conn, sharedKey: shared, token: newToken()}, nil
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

// DialTCP connects to addr, proves clientKeys' public half, and pins the
// server to serverPublicKey (loaded ahead of time from the certs directory).
func DialTCP(addr string, clientKeys certs.KeyPair, serverPublicKey [32]byte) (Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}

	if _, err := conn.Write(clientKeys.Public[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: write client public key: %w", err)
	}

	var serverPub [32]byte
	if _, err := io.ReadFull(conn, serverPub[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: read server public key: %w", err)
	}
	if serverPub != serverPublicKey {
		conn.Close()
		return nil, fmt.Errorf("transport: server public key does not match pinned certificate")
	}

	var shared [32]byte
	box.Precompute(&shared, &serverPub, &clientKeys.Private)

	return &secureConn{conn: conn, sharedKey: shared, token: newToken()}, nil
}
