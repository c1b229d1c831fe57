package fleet

import (
	"context"
	"fmt"
	"sort"
	"time"

	"vawter.tech/notify"

	"github.com/industriaspico/carousel-fleet/internal/audit"
	"github.com/industriaspico/carousel-fleet/internal/controller"
	"github.com/industriaspico/carousel-fleet/internal/device"
	"github.com/industriaspico/carousel-fleet/internal/devicelock"
	"github.com/industriaspico/carousel-fleet/internal/plcerr"
	"github.com/industriaspico/carousel-fleet/internal/wire"
)

// HealthReport is the cheap, I/O-free liveness projection FleetManager.Health
// returns for one machine: last known snapshot age and connectivity, not a
// fresh probe.
type HealthReport struct {
	MachineID string    `json:"machine_id"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Machine bundles everything FleetManager owns for one configured device:
// its transport, its cross-process mutex, and the controller that drives
// both. Dial target is fixed at construction; the transport is created
// once and reused for the machine's lifetime, matching the teacher's
// Proxy entries built once at startup and never replaced.
type Machine struct {
	Config     MachineConfig
	Transport  device.Transport
	Mutex      *devicelock.DeviceMutex
	Controller *controller.Controller

	// Cache is the machine's StatusPoller snapshot cache, wired in by the
	// CLI layer once it starts that machine's poller. Health reads it
	// instead of the device mutex when present; it is nil for a Machine
	// that has no poller running yet (e.g. immediately after NewManager).
	Cache *notify.Var[device.Snapshot]
}

// Manager is the registry of configured devices keyed by machine id. It
// routes every client-facing call to the right Controller, serializes
// device access through the machine's DeviceMutex, and appends one
// ClientConnection audit record per call regardless of outcome. The
// registry itself is immutable after New returns, so lookups need no
// lock — only the per-machine mutex guards actual device access.
type Manager struct {
	machines map[string]*Machine
	order    []string
	trail    *audit.Trail
}

// NewManager builds the registry from a validated FleetConfig. Each
// machine gets its own transport (simulator or real TCP dial target),
// DeviceMutex (guarded by lockDir), and Controller. lockDir is typically
// the deployment's run directory; every machine's lock file lives under
// it named by machine id.
func NewManager(cfg FleetConfig, lockDir string, trail *audit.Trail) (*Manager, error) {
	if err := ValidateFleet(cfg); err != nil {
		return nil, err
	}

	m := &Manager{machines: make(map[string]*Machine, len(cfg.PLCMachines)), trail: trail}
	for _, mc := range cfg.PLCMachines {
		var transport device.Transport
		if mc.Simulator {
			transport = device.NewSimulator()
		} else {
			transport = device.NewLink(mc.IP, mc.Port)
		}

		mutex := devicelock.New(mc.ID, lockDir)
		ctrl := controller.New(mc.ID, transport, wire.ReadyHigh, trail)

		m.machines[mc.ID] = &Machine{Config: mc, Transport: transport, Mutex: mutex, Controller: ctrl}
		m.order = append(m.order, mc.ID)
	}
	sort.Strings(m.order)

	return m, nil
}

// MachineIDs returns every configured machine id in stable order, used to
// size the EventBus's per-machine subscriber slots.
func (m *Manager) MachineIDs() []string {
	return append([]string(nil), m.order...)
}

// ListMachines returns the static summary of every configured machine.
// It performs no device I/O.
func (m *Manager) ListMachines() []MachineSummary {
	out := make([]MachineSummary, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.machines[id].Config.summary())
	}
	return out
}

func (m *Manager) lookup(machineID string) (*Machine, error) {
	mach, ok := m.machines[machineID]
	if !ok {
		return nil, plcerr.NewNotFound(fmt.Sprintf("unknown machine id %q", machineID))
	}
	return mach, nil
}

// Lookup exposes one configured machine's transport, mutex, and
// controller to the CLI wiring layer, which needs them to build one
// StatusPoller per machine outside of FleetManager's own request paths.
func (m *Manager) Lookup(machineID string) (*Machine, error) {
	return m.lookup(machineID)
}

// GetStatus acquires the machine's mutex and issues a STATUS command.
// clientAddr identifies the inbound caller for the ClientConnection audit
// record this call always appends, regardless of outcome.
func (m *Manager) GetStatus(ctx context.Context, machineID, clientAddr string) (device.Snapshot, error) {
	rec := audit.ClientConnection{Kind: audit.StatusRequest, ClientAddr: clientAddr, MachineID: machineID, Timestamp: time.Now()}

	mach, err := m.lookup(machineID)
	if err != nil {
		m.logConnection(rec, err)
		return device.Snapshot{}, err
	}

	release, err := mach.Mutex.Acquire(ctx)
	if err != nil {
		m.logConnection(rec, err)
		return device.Snapshot{}, err
	}
	defer release()

	snapshot, err := mach.Controller.GetCurrentStatus(ctx)
	m.logConnection(rec, err)
	return snapshot, err
}

// SendCommand validates the command/argument pair, then acquires the
// machine's mutex and issues it. Validation happens before the mutex is
// even attempted, so an out-of-range command is always rejected with
// BAD_COMMAND, never masked as PLC_BUSY by a device that happens to be
// busy at the same moment.
func (m *Manager) SendCommand(ctx context.Context, machineID string, command int, argument *int, clientAddr string) (device.Snapshot, error) {
	rec := audit.ClientConnection{Kind: audit.CommandRequest, ClientAddr: clientAddr, MachineID: machineID, Command: &command, Argument: argument, Timestamp: time.Now()}

	mach, err := m.lookup(machineID)
	if err != nil {
		m.logConnection(rec, err)
		return device.Snapshot{}, err
	}

	if err := wire.ValidateCommand(command); err != nil {
		m.logConnection(rec, err)
		return device.Snapshot{}, err
	}
	if err := wire.ValidateArgument(argument); err != nil {
		m.logConnection(rec, err)
		return device.Snapshot{}, err
	}

	release, err := mach.Mutex.Acquire(ctx)
	if err != nil {
		m.logConnection(rec, err)
		return device.Snapshot{}, err
	}
	defer release()

	snapshot, err := mach.Controller.SendCommand(ctx, command, argument)
	m.logConnection(rec, err)
	return snapshot, err
}

// MoveTo validates the target bucket, then acquires the machine's mutex
// and issues a MOVE command to it. As with SendCommand, validation
// happens before the mutex is attempted.
func (m *Manager) MoveTo(ctx context.Context, machineID string, position int, clientAddr string) (device.Snapshot, error) {
	rec := audit.ClientConnection{Kind: audit.MoveRequest, ClientAddr: clientAddr, MachineID: machineID, Argument: &position, Timestamp: time.Now()}

	mach, err := m.lookup(machineID)
	if err != nil {
		m.logConnection(rec, err)
		return device.Snapshot{}, err
	}

	if err := wire.ValidateMovePosition(position); err != nil {
		m.logConnection(rec, err)
		return device.Snapshot{}, err
	}

	release, err := mach.Mutex.Acquire(ctx)
	if err != nil {
		m.logConnection(rec, err)
		return device.Snapshot{}, err
	}
	defer release()

	snapshot, err := mach.Controller.MoveTo(ctx, position)
	m.logConnection(rec, err)
	return snapshot, err
}

func (m *Manager) logConnection(rec audit.ClientConnection, err error) {
	if err != nil {
		rec.Outcome = audit.OutcomeError
		rec.Error = err.Error()
	} else {
		rec.Outcome = audit.OutcomeOK
	}
	m.trail.LogClientConnection(rec)
}

// Health reports the last-known connectivity of every configured machine
// without contending on its device mutex: it reads each Machine's cached
// StatusPoller snapshot (LastSeen) and its Transport's own idle connection
// state (Connected), a cheap, non-blocking projection served by the
// CommandAPI's health route.
func (m *Manager) Health() []HealthReport {
	out := make([]HealthReport, 0, len(m.order))
	for _, id := range m.order {
		mach := m.machines[id]
		report := HealthReport{MachineID: id, Connected: mach.Transport.Connected()}
		if mach.Cache != nil {
			snapshot, _ := mach.Cache.Get()
			report.LastSeen = snapshot.CapturedAt
		}
		out = append(out, report)
	}
	return out
}

// Shutdown closes every machine's transport. It is best-effort: errors
// from closing a transport are not reported.
func (m *Manager) Shutdown() {
	for _, id := range m.order {
		_ = m.machines[id].Transport.Close()
	}
}
