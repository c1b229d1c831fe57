// Package device implements the two interchangeable transports to a
// carousel PLC: Link, a real TCP session, and Simulator, a pin-compatible
// in-process stand-in. Both satisfy Transport so DeviceController can
// drive either without knowing which it holds.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/industriaspico/carousel-fleet/internal/plcerr"
)

const (
	ioTimeout    = 5 * time.Second
	connectTries = 3
	ioTries      = 3
	backoffBase  = 500 * time.Millisecond
	backoffJitter = 200 * time.Millisecond
	maxFrameSize = 16
)

// Frame is a raw response frame: byte 0 is status, byte 1 is position,
// anything past that is captured verbatim for diagnostics.
type Frame struct {
	Raw      byte
	Position byte
	Extra    []byte
}

// Transport is the contract both Link and Simulator satisfy: connect,
// send a command frame, receive a response frame, close.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Send(ctx context.Context, command byte, argument *byte) error
	Receive(ctx context.Context) (Frame, error)
}

// WithConnection is the scoped-acquisition idiom: it connects if
// necessary, runs fn, and always leaves the transport in the state fn's
// caller expects on return — it does not close on success, since callers
// frequently want the socket to live on to amortize the connect cost
// across several transactions within one mutex hold. On error it closes,
// since a mid-transaction failure leaves the session in an unknown state.
func WithConnection(ctx context.Context, t Transport, fn func(ctx context.Context) error) (err error) {
	if !t.Connected() {
		if err := t.Connect(ctx); err != nil {
			return err
		}
	}
	defer func() {
		if err != nil {
			_ = t.Close()
		}
	}()
	return fn(ctx)
}

// Link is a single TCP session to one PLC. It owns its own retry and
// backoff policy; callers (DeviceController and above) never retry, so
// that a retry at a higher layer can never bypass the audit record of the
// first attempt.
type Link struct {
	addr string

	mu        sync.Mutex
	conn      net.Conn
	lastFrame []byte // last command written, resent after a reconnect mid-Receive
}

var _ Transport = (*Link)(nil)

// NewLink constructs a Link targeting host:port.
func NewLink(host string, port int) *Link {
	return &Link{addr: fmt.Sprintf("%s:%d", host, port)}
}

// Connected reports whether the socket is currently live.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Connect dials the PLC, retrying up to three times with exponential
// backoff and jitter. A successful connect leaves the socket live; a
// failed attempt closes any partial socket before retrying.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectLocked(ctx)
}

func (l *Link) connectLocked(ctx context.Context) error {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}

	var lastErr error
	for attempt := 1; attempt <= connectTries; attempt++ {
		dialer := net.Dialer{Timeout: ioTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", l.addr)
		if err == nil {
			l.conn = conn
			return nil
		}
		lastErr = err
		slog.WarnContext(ctx, "plc connect attempt failed",
			slog.String("addr", l.addr),
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		if attempt < connectTries {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return plcerr.Wrap(plcerr.PLCConnError, "connect cancelled", err)
			}
		}
	}
	return plcerr.Wrap(plcerr.PLCConnError, fmt.Sprintf("could not connect to %s after %d attempts", l.addr, connectTries), lastErr)
}

// Close releases the socket, if any.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *Link) closeLocked() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// Send writes the one-or-two-byte command frame. On any I/O error it
// closes the socket, reconnects, and retries up to three times total
// before raising PLC_CONN_ERROR.
func (l *Link) Send(ctx context.Context, command byte, argument *byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := []byte{command}
	if argument != nil {
		buf = append(buf, *argument)
	}

	var lastErr error
	for attempt := 1; attempt <= ioTries; attempt++ {
		if l.conn == nil {
			if err := l.connectLocked(ctx); err != nil {
				return err
			}
		}

		deadline, _ := ctx.Deadline()
		if deadline.IsZero() {
			deadline = time.Now().Add(ioTimeout)
		}
		if err := l.conn.SetWriteDeadline(deadline); err != nil {
			return plcerr.Wrap(plcerr.PLCConnError, "could not set write deadline", err)
		}

		if _, err := l.conn.Write(buf); err == nil {
			l.lastFrame = buf
			return nil
		} else {
			lastErr = err
			_ = l.closeLocked()
			slog.WarnContext(ctx, "plc send failed, reconnecting",
				slog.String("addr", l.addr), slog.Int("attempt", attempt), slog.Any("error", err))
			if attempt < ioTries {
				if bErr := sleepBackoff(ctx, attempt); bErr != nil {
					return plcerr.Wrap(plcerr.PLCConnError, "send cancelled", bErr)
				}
			}
		}
	}
	return plcerr.Wrap(plcerr.PLCConnError, fmt.Sprintf("send to %s failed after %d attempts", l.addr, ioTries), lastErr)
}

// Receive reads up to 16 bytes of response. Fewer than two bytes is a
// truncated-response fatal error for the current call. On I/O error it
// applies the same close-reconnect-retry policy as Send.
func (l *Link) Receive(ctx context.Context) (Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= ioTries; attempt++ {
		reconnected := l.conn == nil
		if reconnected {
			if err := l.connectLocked(ctx); err != nil {
				return Frame{}, err
			}
			if l.lastFrame != nil {
				if err := l.conn.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
					return Frame{}, plcerr.Wrap(plcerr.PLCConnError, "could not set write deadline", err)
				}
				if _, err := l.conn.Write(l.lastFrame); err != nil {
					lastErr = err
					_ = l.closeLocked()
					continue
				}
			}
		}

		deadline, _ := ctx.Deadline()
		if deadline.IsZero() {
			deadline = time.Now().Add(ioTimeout)
		}
		if err := l.conn.SetReadDeadline(deadline); err != nil {
			return Frame{}, plcerr.Wrap(plcerr.PLCConnError, "could not set read deadline", err)
		}

		buf := make([]byte, maxFrameSize)
		n, err := l.conn.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			lastErr = err
			_ = l.closeLocked()
			slog.WarnContext(ctx, "plc receive failed, reconnecting",
				slog.String("addr", l.addr), slog.Int("attempt", attempt), slog.Any("error", err))
			if attempt < ioTries {
				if bErr := sleepBackoff(ctx, attempt); bErr != nil {
					return Frame{}, plcerr.Wrap(plcerr.PLCConnError, "receive cancelled", bErr)
				}
			}
			continue
		}

		if n < 2 {
			_ = l.closeLocked()
			return Frame{}, plcerr.New(plcerr.PLCConnError, fmt.Sprintf("truncated response from %s: got %d bytes", l.addr, n))
		}

		frame := Frame{Raw: buf[0], Position: buf[1]}
		if n > 2 {
			frame.Extra = append([]byte(nil), buf[2:n]...)
		}
		return frame, nil
	}
	return Frame{}, plcerr.Wrap(plcerr.PLCConnError, fmt.Sprintf("receive from %s failed after %d attempts", l.addr, ioTries), lastErr)
}

// sleepBackoff sleeps base*2^(n-1) + U(0, jitter), cancellable by ctx.
func sleepBackoff(ctx context.Context, attempt int) error {
	delay := backoffBase * time.Duration(1<<uint(attempt-1))
	delay += time.Duration(rand.Int64N(int64(backoffJitter)))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
