package ship

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oatcode/shipproxy/frame"
)

func TestLinkWaitReadyBlocksUntilDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	link := NewLink(host, port, discardLog())
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gen, err := link.WaitReady(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), gen)
	require.Equal(t, Connected, link.State())

	conn := <-acceptedCh
	conn.Close()
}

func TestLinkWaitReadyRespectsContextCancel(t *testing.T) {
	// Nothing listens on this port; the dial loop stays CONNECTING.
	link := NewLink("127.0.0.1", "1", discardLog())
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := link.WaitReady(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLinkReconnectsAfterFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			acceptedCh <- conn
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	link := NewLink(host, port, discardLog())
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gen1, err := link.WaitReady(ctx)
	require.NoError(t, err)

	first := <-acceptedCh
	first.Close() // forces the link's next read to fail

	_, err = link.ReadFrame(gen1)
	require.Error(t, err)
	require.Equal(t, Connecting, link.State())

	gen2, err := link.WaitReady(ctx)
	require.NoError(t, err)
	require.Greater(t, gen2, gen1)

	second := <-acceptedCh
	second.Close()
}

func TestLinkWriteFrameFailsOnStaleGeneration(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			_, err := ln.Accept()
			if err != nil {
				return
			}
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	link := NewLink(host, port, discardLog())
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gen, err := link.WaitReady(ctx)
	require.NoError(t, err)

	err = link.WriteFrame(gen+1, frame.Frame{Kind: frame.Data, JobID: 1})
	require.Error(t, err)
}
