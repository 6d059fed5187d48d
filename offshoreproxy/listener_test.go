package offshoreproxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerListenerRejectsSecondConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	metrics := NewMetrics()
	dispatch := NewDispatcher(metrics, discardLog())
	peer := NewPeerListener(ln, dispatch, metrics, discardLog())
	go peer.Serve()

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, peer.Active, time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	// The newcomer is held briefly then closed; reads on it should
	// observe EOF rather than being served.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	require.Error(t, err)
}

func TestPeerListenerActiveReflectsLiveConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	metrics := NewMetrics()
	dispatch := NewDispatcher(metrics, discardLog())
	peer := NewPeerListener(ln, dispatch, metrics, discardLog())
	go peer.Serve()

	require.False(t, peer.Active())

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, peer.Active, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return !peer.Active() }, time.Second, 10*time.Millisecond)
}
