package keepalive

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenerAcceptsConnections(t *testing.T) {
	var ln, err = Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var accepted = make(chan net.Conn, 1)
	go func() {
		var conn, _ = ln.Accept()
		accepted <- conn
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var server = <-accepted
	require.NotNil(t, server)
	defer server.Close()
	require.IsType(t, (*net.TCPConn)(nil), server)
}
