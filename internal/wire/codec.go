// Package wire decodes and validates the binary PLC protocol described in
// the carousel fleet protocol: a one-or-two-byte command frame out, a
// two-or-more-byte status frame back. It performs no I/O; DeviceLink and
// DeviceSimulator are the only callers that touch a socket.
package wire

import (
	"fmt"

	"github.com/industriaspico/carousel-fleet/internal/plcerr"
)

// Command codes with fixed meaning on the wire. Any other value in 0..255
// is passed through opaquely.
const (
	CommandStatus = 0
	CommandMove   = 1
)

// MaxMovePosition is the highest bucket index a MOVE command may target.
const MaxMovePosition = 9

// ReadyPolarity records which raw bit value means "ready" on a given
// deployment. One historical PLC firmware revision inverts bit 0; the
// label READY is the canonical truth and this flag tells Decode which raw
// value to treat as the ready state.
type ReadyPolarity int

const (
	// ReadyHigh means a raw 1 in bit 0 means ready (the documented
	// default for the Delta AS Series wiring this protocol targets).
	ReadyHigh ReadyPolarity = iota
	// ReadyLow means a raw 0 in bit 0 means ready, for the historical
	// inverted-polarity decoder mentioned in the protocol notes.
	ReadyLow
)

// Bits is the named projection of a raw status byte. Bit positions are
// fixed by the protocol (LSB = bit 0).
type Bits struct {
	Ready     bool
	Run       bool
	Manual    bool // MODE bit: false = remote, true = manual
	Alarm     bool
	EStop     bool
	VFDError  bool
	PosError  bool
	Reverse   bool // DIRECTION bit: false = up, true = down
}

// Phrase returns the fixed human-readable phrase for each flag bit that is
// set, in bit order, for diagnostics and audit logs. The MODE and
// DIRECTION bits always contribute a phrase, set or clear ("manual
// mode"/"remote mode", "direction: down"/"direction: up").
func (b Bits) Phrase() []string {
	var out []string
	if b.Ready {
		out = append(out, "ready")
	}
	if b.Run {
		out = append(out, "moving")
	}
	if b.Manual {
		out = append(out, "manual mode")
	} else {
		out = append(out, "remote mode")
	}
	if b.Alarm {
		out = append(out, "alarm")
	}
	if b.EStop {
		out = append(out, "emergency stop")
	}
	if b.VFDError {
		out = append(out, "VFD error")
	}
	if b.PosError {
		out = append(out, "position error")
	}
	if b.Reverse {
		out = append(out, "direction: down")
	} else {
		out = append(out, "direction: up")
	}
	return out
}

// Decode projects a raw status byte into its named Bits according to the
// deployment's configured ready polarity.
func Decode(raw byte, polarity ReadyPolarity) Bits {
	bit := func(n uint) bool { return raw&(1<<n) != 0 }

	ready := bit(0)
	if polarity == ReadyLow {
		ready = !ready
	}

	return Bits{
		Ready:    ready,
		Run:      bit(1),
		Manual:   bit(2),
		Alarm:    bit(3),
		EStop:    bit(4),
		VFDError: bit(5),
		PosError: bit(6),
		Reverse:  bit(7),
	}
}

// Encode is the inverse of Decode, used by tests to synthesize a raw byte
// from named bits. Encode(Decode(raw)) == raw for
// every raw value under a fixed polarity, and Decode(Encode(bits)) == bits
// for every Bits value.
func Encode(b Bits, polarity ReadyPolarity) byte {
	var raw byte
	set := func(n uint, v bool) {
		if v {
			raw |= 1 << n
		}
	}

	ready := b.Ready
	if polarity == ReadyLow {
		ready = !ready
	}

	set(0, ready)
	set(1, b.Run)
	set(2, b.Manual)
	set(3, b.Alarm)
	set(4, b.EStop)
	set(5, b.VFDError)
	set(6, b.PosError)
	set(7, b.Reverse)
	return raw
}

// ValidateCommand fails with BAD_COMMAND when the command is out of its
// 0..255 domain. Since command is already a byte-width Go type, range
// checks apply to callers that still carry it as a wider int (e.g. decoded
// from JSON).
func ValidateCommand(command int) error {
	if command < 0 || command > 255 {
		return plcerr.New(plcerr.BadCommand, fmt.Sprintf("command %d out of range 0..255", command))
	}
	return nil
}

// ValidateArgument fails with BAD_COMMAND when a present argument is out
// of its 0..255 domain.
func ValidateArgument(argument *int) error {
	if argument == nil {
		return nil
	}
	if *argument < 0 || *argument > 255 {
		return plcerr.New(plcerr.BadCommand, fmt.Sprintf("argument %d out of range 0..255", *argument))
	}
	return nil
}

// ValidateMovePosition fails with BAD_COMMAND when a MOVE target is
// outside the mechanically addressable bucket range 0..9, independent of
// the general 0..255 argument domain.
func ValidateMovePosition(position int) error {
	if position < 0 || position > MaxMovePosition {
		return plcerr.New(plcerr.BadCommand, fmt.Sprintf("move target %d out of range 0..%d", position, MaxMovePosition))
	}
	return nil
}
