package transport

import "net"

// tcpConn adapts a net.Conn directly to Conn; net.Conn already satisfies
// every method Conn needs.
type tcpConn struct {
	net.Conn
}

// NewTCP wraps an accepted TCP connection as a Conn.
func NewTCP(c net.Conn) Conn {
	return &tcpConn{Conn: c}
}

// Listener accepts TCP connections and hands back Conn values.
type Listener struct {
	net.Listener
}

// ListenTCP binds addr and returns a Listener.
func ListenTCP(addr string) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l}, nil
}

// Accept blocks until a connection arrives and returns it wrapped as a Conn.
func (l *Listener) Accept() (Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewTCP(c), nil
}
