// Package poller implements StatusPoller: the per-machine background task
// that keeps the fleet's cached snapshots fresh and turns connectivity
// changes into bus events, without ever holding a device mutex longer than
// one status transaction.
package poller

import (
	"time"

	"vawter.tech/notify"
	"vawter.tech/stopper"

	"github.com/industriaspico/carousel-fleet/internal/controller"
	"github.com/industriaspico/carousel-fleet/internal/device"
	"github.com/industriaspico/carousel-fleet/internal/devicelock"
	"github.com/industriaspico/carousel-fleet/internal/eventbus"
)

// DefaultInterval is the poll period used when a deployment does not
// override it. The design permits intervals as tight as one second.
const DefaultInterval = 5 * time.Second

// MinInterval is the fastest permitted poll period.
const MinInterval = 1 * time.Second

const consecutiveFailureLimit = 3

// Poller drives one machine's Controller on a fixed cadence, publishing
// STATUS_UPDATE only when the decoded snapshot actually changes, and
// RECONNECTING/RECONNECTED/CONN_ERROR/STATUS_BUSY for everything else the
// bus's subscribers need to render connectivity.
type Poller struct {
	MachineID  string
	Transport  device.Transport
	Mutex      *devicelock.DeviceMutex
	Controller *controller.Controller
	Bus        *eventbus.Bus
	Cache      *notify.Var[device.Snapshot]
	Interval   time.Duration

	consecutiveFailures int
	lastPublished       device.Snapshot
	havePublished       bool
}

// New constructs a Poller. interval is clamped to MinInterval if smaller;
// zero selects DefaultInterval.
func New(machineID string, transport device.Transport, mutex *devicelock.DeviceMutex, ctrl *controller.Controller, bus *eventbus.Bus, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Poller{
		MachineID:  machineID,
		Transport:  transport,
		Mutex:      mutex,
		Controller: ctrl,
		Bus:        bus,
		Cache:      notify.VarOf(device.Snapshot{}),
		Interval:   interval,
	}
}

// Run is the five-step loop from the component design, structured to exit
// at every suspension point when ctx stops. It always returns nil: PLC
// failures become bus events, and a stopping ctx ends the loop cleanly.
func (p *Poller) Run(ctx *stopper.Context) error {
	timer := time.NewTimer(p.Interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-ctx.Stopping():
			return nil
		}

		p.tick(ctx)

		timer.Reset(p.Interval)
	}
}

func (p *Poller) tick(ctx *stopper.Context) {
	release, err := p.Mutex.Acquire(ctx)
	if err != nil {
		p.Bus.Publish(eventbus.Event{Topic: eventbus.StatusBusy, MachineID: p.MachineID})
		return
	}
	defer release()

	if !p.Transport.Connected() {
		p.Bus.Publish(eventbus.Event{Topic: eventbus.Reconnecting, MachineID: p.MachineID})
		if err := p.Transport.Connect(ctx); err != nil {
			p.recordFailure()
			p.Bus.Publish(eventbus.Event{Topic: eventbus.ConnError, MachineID: p.MachineID, Reason: err.Error()})
			return
		}
		p.Bus.Publish(eventbus.Event{Topic: eventbus.Reconnected, MachineID: p.MachineID})
	}

	snapshot, err := p.Controller.GetCurrentStatus(ctx)
	if err != nil {
		p.recordFailure()
		p.Bus.Publish(eventbus.Event{Topic: eventbus.ConnError, MachineID: p.MachineID, Reason: err.Error()})
		return
	}
	p.consecutiveFailures = 0

	p.Cache.Set(snapshot)

	if p.havePublished && p.lastPublished.Equal(snapshot) {
		return
	}
	p.lastPublished = snapshot
	p.havePublished = true
	p.Bus.Publish(eventbus.Event{Topic: eventbus.StatusUpdate, MachineID: p.MachineID, Snapshot: snapshot})
}

// recordFailure drops the "connected" assumption after three consecutive
// failures, forcing the next tick through the reconnect path.
func (p *Poller) recordFailure() {
	p.consecutiveFailures++
	if p.consecutiveFailures >= consecutiveFailureLimit {
		_ = p.Transport.Close()
		p.consecutiveFailures = 0
	}
}
