// WebSocket adapter for peersync.Transport, for local Wi-Fi-island contact
// sessions where a raw net.Conn isn't available.
package peersync

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport adapts a *websocket.Conn to peersync.Transport by presenting
// the binary-message stream as a plain io.Reader/io.Writer: each Write call
// becomes one binary WebSocket message, and Read drains messages into an
// internal buffer so callers can read arbitrary byte counts across message
// boundaries.
type WSTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
	buf  bytes.Buffer
}

// NewWSTransport wraps an already-established WebSocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.buf.Len() == 0 {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("peersync: websocket read: %w", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		t.buf.Write(data)
	}
	return t.buf.Read(p)
}

func (t *WSTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("peersync: websocket write: %w", err)
	}
	return len(p), nil
}

func (t *WSTransport) Close() error {
	return t.conn.Close()
}

// WSServer accepts inbound contact sessions over WebSocket: an upgrader
// plus per-connection handler dispatch.
type WSServer struct {
	upgrader websocket.Upgrader
	handler  func(Transport)
}

// NewWSServer builds a WSServer that invokes handler with a Transport for
// every accepted connection, run as its own goroutine by the caller.
func NewWSServer(handler func(Transport)) *WSServer {
	return &WSServer{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		handler: handler,
	}
}

// ServeHTTP upgrades the connection and hands it to the handler.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.handler(NewWSTransport(conn))
}

// DialWS connects to a peer's WebSocket contact endpoint.
func DialWS(url string, dialTimeout time.Duration) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("peersync: dial %s: %w", url, err)
	}
	return NewWSTransport(conn), nil
}
