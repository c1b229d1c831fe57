// Package eventbus implements the in-process multi-producer,
// multi-consumer topic stream described in the component design: status
// snapshots, poller diagnostics, and command echoes fan out to every
// subscribed EventStream peer. A lagging subscriber never blocks a
// producer; instead it silently coalesces to the newest event for each
// machine id and is marked Lagged.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/industriaspico/carousel-fleet/internal/device"
	"vawter.tech/stopper"
)

// Topic names one of the six event kinds producers publish.
type Topic string

const (
	StatusUpdate Topic = "STATUS_UPDATE"
	StatusBusy   Topic = "STATUS_BUSY"
	Reconnecting Topic = "RECONNECTING"
	Reconnected  Topic = "RECONNECTED"
	ConnError    Topic = "CONN_ERROR"
	CommandEcho  Topic = "COMMAND_ECHO"
)

// Event is one bus message. Only the fields relevant to Topic are
// populated; the rest are zero.
type Event struct {
	Topic      Topic
	MachineID  string
	Snapshot   device.Snapshot
	Reason     string
	Command    int
	Argument   *int
	ClientAddr string
	At         time.Time

	// OriginSubscriberID, when nonzero, is excluded from delivery: the
	// subscriber that caused the event (e.g. the peer that sent the
	// command a CommandEcho reports on) does not receive its own echo.
	OriginSubscriberID uint64
}

// slot holds the single most recent undelivered event for one (machine,
// subscriber) pair, plus a capacity-1 wake-up signal.
type slot struct {
	mu      sync.Mutex
	pending *Event
	wake    chan struct{}
}

func newSlot() *slot {
	return &slot{wake: make(chan struct{}, 1)}
}

func (s *slot) set(ev Event) (overwrote bool) {
	s.mu.Lock()
	overwrote = s.pending != nil
	e := ev
	s.pending = &e
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return overwrote
}

func (s *slot) take() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Event{}, false
	}
	ev := *s.pending
	s.pending = nil
	return ev, true
}

// Subscriber is a handle returned by Bus.Subscribe. Events arrive on Out;
// LoadAndClearLagged reports whether any event was coalesced away for
// this subscriber since its previous call.
type Subscriber struct {
	id     uint64
	out    chan Event
	lagged atomic.Bool
	slots  map[string]*slot
}

// Out is the channel a consumer (typically one EventStream peer's writer
// goroutine) drains. The bus never closes it, not even on Unsubscribe.
func (s *Subscriber) Out() <-chan Event { return s.out }

// ID returns the subscriber's bus-assigned identity, used to tag an
// Event's OriginSubscriberID so Publish can skip delivering it back to
// the subscriber that caused it.
func (s *Subscriber) ID() uint64 { return s.id }

// LoadAndClearLagged reports and resets whether this subscriber has
// dropped any event since the last call.
func (s *Subscriber) LoadAndClearLagged() bool {
	return s.lagged.Swap(false)
}

// Bus is the fan-out hub. Publish never blocks regardless of how slow any
// subscriber's consumer is.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscriber
	nextID     atomic.Uint64
	machineIDs []string
}

// New constructs a Bus that will carry events for exactly the given
// machine ids — the machine map is immutable after startup, so the set of
// per-(machine,subscriber) slots can be fixed at subscribe time.
func New(machineIDs []string) *Bus {
	return &Bus{subs: make(map[uint64]*Subscriber), machineIDs: append([]string(nil), machineIDs...)}
}

// Subscribe registers a new subscriber and starts its per-machine
// forwarder goroutines under ctx. outBuffer sizes the channel the
// consumer drains; a small buffer (e.g. 16) is typical.
func (b *Bus) Subscribe(ctx *stopper.Context, outBuffer int) *Subscriber {
	sub := &Subscriber{
		id:    b.nextID.Add(1),
		out:   make(chan Event, outBuffer),
		slots: make(map[string]*slot, len(b.machineIDs)),
	}
	for _, id := range b.machineIDs {
		sub.slots[id] = newSlot()
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	for _, s := range sub.slots {
		s := s
		ctx.Go(func(ctx *stopper.Context) error {
			for {
				select {
				case <-s.wake:
					if ev, ok := s.take(); ok {
						select {
						case sub.out <- ev:
						case <-ctx.Stopping():
							return nil
						}
					}
				case <-ctx.Stopping():
					return nil
				}
			}
		})
	}

	return sub
}

// Unsubscribe removes sub from the fan-out set. Its forwarder goroutines
// exit when ctx (the one passed to Subscribe) stops; Unsubscribe only
// stops new events from reaching it.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
}

// Publish fans ev out to every current subscriber, never blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if ev.OriginSubscriberID != 0 && sub.id == ev.OriginSubscriberID {
			continue
		}
		s, ok := sub.slots[ev.MachineID]
		if !ok {
			continue
		}
		if s.set(ev) {
			sub.lagged.Store(true)
		}
	}
}
