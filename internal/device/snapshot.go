package device

import (
	"time"

	"github.com/industriaspico/carousel-fleet/internal/wire"
)

// Snapshot is an immutable capture of one device's observable state at one
// instant, decoded through the StatusCodec. Snapshots are values; once
// captured they are never mutated.
type Snapshot struct {
	Raw        byte
	Bits       wire.Bits
	Position   byte
	CapturedAt time.Time
}

// Equal reports structural equality, ignoring CapturedAt: StatusPoller
// uses this to decide whether a new reading is actually a change worth
// publishing.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Raw == o.Raw && s.Position == o.Position
}

// Decode turns a raw status/position pair into a Snapshot, stamped with
// the current time.
func Decode(raw, position byte, polarity wire.ReadyPolarity, now time.Time) Snapshot {
	return Snapshot{
		Raw:        raw,
		Bits:       wire.Decode(raw, polarity),
		Position:   position,
		CapturedAt: now,
	}
}
