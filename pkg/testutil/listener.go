package testutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewLoopbackListener starts a TCP listener on an ephemeral IPv4 loopback port.
// The listener is closed when the test ends.
func NewLoopbackListener(t *testing.T) (net.Listener, int) {
	t.Helper()

	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)
	t.Cleanup(func() { _ = listener.Close() })

	return listener, listener.Addr().(*net.TCPAddr).Port
}

// UnusedPort returns a loopback port that nothing listens on (at the time of the call).
func UnusedPort(t *testing.T) int {
	t.Helper()

	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}
