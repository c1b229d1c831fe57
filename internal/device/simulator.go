package device

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/industriaspico/carousel-fleet/internal/plcerr"
	"github.com/industriaspico/carousel-fleet/internal/wire"
)

const moveDuration = 2 * time.Second

// Simulator is a pin-compatible alternate for Link that emulates a PLC for
// tests and demos, grounded on the original PLCSimulator's bit
// manipulation: the RUN bit is set for the duration of a simulated move
// and cleared on completion.
type Simulator struct {
	mu struct {
		sync.Mutex
		connected bool
		position  byte
		moving    bool
		pending   *pendingCommand
	}
}

type pendingCommand struct {
	command  byte
	argument *byte
}

var _ Transport = (*Simulator)(nil)

// NewSimulator constructs a simulator with a random starting position in
// 0..9, matching the original simulator's initialization.
func NewSimulator() *Simulator {
	s := &Simulator{}
	s.mu.position = byte(rand.IntN(wire.MaxMovePosition + 1))
	return s
}

func (s *Simulator) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.connected = true
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.connected = false
	s.mu.pending = nil
	return nil
}

func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.connected
}

// Send validates and records the command; the work (including the
// simulated move) happens in Receive, matching the real device's
// send-then-wait-for-response shape.
func (s *Simulator) Send(_ context.Context, command byte, argument *byte) error {
	if err := wire.ValidateCommand(int(command)); err != nil {
		return err
	}
	if err := wire.ValidateArgument(intPtr(argument)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mu.connected {
		return plcerr.New(plcerr.PLCConnError, "simulator not connected")
	}
	s.mu.pending = &pendingCommand{command: command, argument: argument}
	return nil
}

// Receive performs the work implied by the last Send: STATUS returns the
// current snapshot, MOVE refuses with PLC_BUSY if already moving and
// otherwise blocks for moveDuration (cancellable) before reporting the
// new position, and any other command returns a freshly synthesized
// status.
func (s *Simulator) Receive(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	pending := s.mu.pending
	s.mu.pending = nil
	if !s.mu.connected {
		s.mu.Unlock()
		return Frame{}, plcerr.New(plcerr.PLCConnError, "simulator not connected")
	}
	if pending == nil {
		raw := s.generateStatusLocked()
		frame := Frame{Raw: raw, Position: s.mu.position}
		s.mu.Unlock()
		return frame, nil
	}

	switch pending.command {
	case wire.CommandStatus:
		raw := s.generateStatusLocked()
		frame := Frame{Raw: raw, Position: s.mu.position}
		s.mu.Unlock()
		return frame, nil

	case wire.CommandMove:
		if s.mu.moving {
			s.mu.Unlock()
			return Frame{}, plcerr.New(plcerr.PLCBusy, "carousel already moving")
		}
		target := byte(0)
		if pending.argument != nil {
			target = *pending.argument
		}
		s.mu.moving = true
		s.mu.Unlock()

		slog.DebugContext(ctx, "simulator moving", slog.Int("target", int(target)))
		timer := time.NewTimer(moveDuration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			s.mu.Lock()
			s.mu.moving = false
			s.mu.Unlock()
			return Frame{}, plcerr.Wrap(plcerr.PLCConnError, "move cancelled", ctx.Err())
		}

		s.mu.Lock()
		s.mu.position = target
		s.mu.moving = false
		raw := s.generateStatusLocked()
		frame := Frame{Raw: raw, Position: s.mu.position}
		s.mu.Unlock()
		return frame, nil

	default:
		raw := s.generateStatusLocked()
		frame := Frame{Raw: raw, Position: s.mu.position}
		s.mu.Unlock()
		return frame, nil
	}
}

// generateStatusLocked synthesizes a status byte with RUN reflecting
// s.mu.moving and READY reflecting the absence of RUN and any error bit,
// mirroring the original simulator's generate_status.
func (s *Simulator) generateStatusLocked() byte {
	raw := byte(rand.IntN(256))
	if s.mu.moving {
		raw |= 0b0000_0010
	} else {
		raw &^= 0b0000_0010
	}
	if !s.mu.moving && raw&0b0111_1100 == 0 {
		raw |= 0b0000_0001
	} else {
		raw &^= 0b0000_0001
	}
	return raw
}

func intPtr(b *byte) *int {
	if b == nil {
		return nil
	}
	v := int(*b)
	return &v
}
