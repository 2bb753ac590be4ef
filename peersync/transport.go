package peersync

import (
	"bufio"
	"io"
)

// Transport is a reliable byte stream a peer sync session runs over.
// Satisfied directly by a net.Conn, and by the WSTransport adapter below
// for local Wi-Fi-island contact sessions carried over WebSocket.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// framedConn pairs a Transport with the buffered reader ReadFrame needs.
type framedConn struct {
	Transport
	r *bufio.Reader
}

func newFramedConn(t Transport) *framedConn {
	return &framedConn{Transport: t, r: bufio.NewReader(t)}
}

func (f *framedConn) readFrame() (Kind, []byte, error) {
	return ReadFrame(f.r)
}

func (f *framedConn) writeFrame(kind Kind, body []byte) error {
	return WriteFrame(f.Transport, kind, body)
}
