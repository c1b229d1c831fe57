package device

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/industriaspico/carousel-fleet/internal/plcerr"
)

// fakePLC is a minimal in-process TCP stand-in for a real PLC: it replies
// to every frame with a fixed two-byte response, modeled on the reference
// repository's dummy.Server but scaled down to this protocol's shape.
type fakePLC struct {
	listener net.Listener
}

func startFakePLC(t *testing.T, respond func(cmd byte, arg []byte) []byte) *fakePLC {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakePLC{listener: l}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					buf := make([]byte, 2)
					n, err := conn.Read(buf)
					if err != nil || n == 0 {
						return
					}
					resp := respond(buf[0], buf[1:n])
					if _, err := conn.Write(resp); err != nil {
						return
					}
				}
			}()
		}
	}()

	t.Cleanup(func() { _ = l.Close() })
	return f
}

func (f *fakePLC) hostPort(t *testing.T) (string, int) {
	t.Helper()
	addr := f.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestLinkSendReceive(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	plc := startFakePLC(t, func(cmd byte, arg []byte) []byte {
		return []byte{0b0000_0001, 5}
	})
	host, port := plc.hostPort(t)

	link := NewLink(host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.NoError(link.Connect(ctx))
	defer link.Close()

	r.NoError(link.Send(ctx, 0, nil))
	frame, err := link.Receive(ctx)
	r.NoError(err)
	a.Equal(byte(0b0000_0001), frame.Raw)
	a.Equal(byte(5), frame.Position)
}

func TestLinkConnectFailsAfterRetries(t *testing.T) {
	r := require.New(t)

	// Nothing listens here.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	r.NoError(err)
	addr := l.Addr().(*net.TCPAddr)
	r.NoError(l.Close())

	link := NewLink(addr.IP.String(), addr.Port)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = link.Connect(ctx)
	r.Error(err)
	r.Equal(plcerr.PLCConnError, plcerr.CodeOf(err))
}

func TestLinkTruncatedResponse(t *testing.T) {
	r := require.New(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	r.NoError(err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 2)
			_, _ = conn.Read(buf)
			_, _ = conn.Write([]byte{0x01}) // always truncated: one byte only.
			_ = conn.Close()
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	link := NewLink(addr.IP.String(), addr.Port)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.NoError(link.Connect(ctx))
	r.NoError(link.Send(ctx, 0, nil))
	_, err = link.Receive(ctx)
	r.Error(err)
	r.Equal(plcerr.PLCConnError, plcerr.CodeOf(err))
}
