// Package keepalive provides a TCP listener whose accepted connections use
// TCP keep-alives, so that connections of departed peers are eventually closed.
package keepalive

import (
	"net"
	"time"
)

// Period of keep-alive probes of accepted connections.
var Period = 3 * time.Minute

// Listen announces on the TCP |addr| and returns a Listener which enables
// keep-alives on each accepted connection.
func Listen(addr string) (net.Listener, error) {
	var ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return TCPListener{ln.(*net.TCPListener)}, nil
}

// TCPListener sets TCP keep-alive timeouts on accepted connections.
type TCPListener struct {
	*net.TCPListener
}

func (ln TCPListener) Accept() (net.Conn, error) {
	var tc, err = ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(Period)
	return tc, nil
}
