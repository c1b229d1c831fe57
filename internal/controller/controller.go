// Package controller implements DeviceController: the three high-level
// operations performed on one device. Each call that passes validation
// produces exactly one Operation audit record, whatever its outcome; a
// call rejected by validation produces none.
package controller

import (
	"context"
	"time"

	"github.com/industriaspico/carousel-fleet/internal/audit"
	"github.com/industriaspico/carousel-fleet/internal/device"
	"github.com/industriaspico/carousel-fleet/internal/plcerr"
	"github.com/industriaspico/carousel-fleet/internal/wire"
)

// Settle is the protocol-mandated pause between sending a command and
// reading its response.
const Settle = 200 * time.Millisecond

// Controller drives one device's Transport and appends one Operation
// audit record per device transaction, regardless of outcome; calls
// rejected by validation never reach the device and are not recorded.
// It never retries; a retry
// here would bypass the audit of the first attempt, so all retrying lives
// in the Transport implementation.
type Controller struct {
	MachineID string
	Transport device.Transport
	Polarity  wire.ReadyPolarity
	Trail     *audit.Trail
}

// New constructs a Controller for one machine.
func New(machineID string, transport device.Transport, polarity wire.ReadyPolarity, trail *audit.Trail) *Controller {
	return &Controller{MachineID: machineID, Transport: transport, Polarity: polarity, Trail: trail}
}

// GetCurrentStatus issues a STATUS command (command 0, no mutation).
func (c *Controller) GetCurrentStatus(ctx context.Context) (device.Snapshot, error) {
	return c.transact(ctx, wire.CommandStatus, nil)
}

// SendCommand issues an arbitrary command/argument pair, after validating
// both are in their 0..255 domain. Validation happens before any device
// I/O, so a malformed command never reaches the transport or produces a
// before/after status probe.
func (c *Controller) SendCommand(ctx context.Context, command int, argument *int) (device.Snapshot, error) {
	if err := wire.ValidateCommand(command); err != nil {
		return device.Snapshot{}, err
	}
	if err := wire.ValidateArgument(argument); err != nil {
		return device.Snapshot{}, err
	}
	return c.transact(ctx, byte(command), argument)
}

// MoveTo validates the target bucket is in 0..9 and delegates to
// SendCommand(1, position).
func (c *Controller) MoveTo(ctx context.Context, position int) (device.Snapshot, error) {
	if err := wire.ValidateMovePosition(position); err != nil {
		return device.Snapshot{}, err
	}
	return c.SendCommand(ctx, wire.CommandMove, &position)
}

// transact runs the seven-step sequence from the component design:
// best-effort before-snapshot, scoped connection, send+settle+receive,
// decode, best-effort after-snapshot, audit, return.
func (c *Controller) transact(ctx context.Context, command byte, argument *int) (device.Snapshot, error) {
	var argByte *byte
	if argument != nil {
		b := byte(*argument)
		argByte = &b
	}

	before := c.probeBestEffort(ctx)

	rec := audit.Operation{
		MachineID:    c.MachineID,
		Command:      int(command),
		Argument:     argument,
		StatusBefore: before,
		Timestamp:    time.Now(),
	}

	var snapshot device.Snapshot
	err := device.WithConnection(ctx, c.Transport, func(ctx context.Context) error {
		if err := c.Transport.Send(ctx, command, argByte); err != nil {
			return err
		}
		if err := sleepSettle(ctx); err != nil {
			return plcerr.Wrap(plcerr.PLCConnError, "settle cancelled", err)
		}
		frame, err := c.Transport.Receive(ctx)
		if err != nil {
			return err
		}
		snapshot = device.Decode(frame.Raw, frame.Position, c.Polarity, time.Now())
		return nil
	})

	if err != nil {
		rec.Outcome = audit.OutcomeError
		rec.Error = err.Error()
		c.Trail.LogOperation(rec)
		return device.Snapshot{}, plcerr.WithContext("device transaction failed", err)
	}

	after := c.probeBestEffort(ctx)
	rec.StatusAfter = after
	rec.Outcome = audit.OutcomeOK
	c.Trail.LogOperation(rec)

	return snapshot, nil
}

// probeBestEffort captures a status snapshot for the audit record without
// ever failing the caller: a failed probe is simply omitted.
func (c *Controller) probeBestEffort(ctx context.Context) *device.Snapshot {
	var snapshot device.Snapshot
	err := device.WithConnection(ctx, c.Transport, func(ctx context.Context) error {
		if err := c.Transport.Send(ctx, wire.CommandStatus, nil); err != nil {
			return err
		}
		if err := sleepSettle(ctx); err != nil {
			return err
		}
		frame, err := c.Transport.Receive(ctx)
		if err != nil {
			return err
		}
		snapshot = device.Decode(frame.Raw, frame.Position, c.Polarity, time.Now())
		return nil
	})
	if err != nil {
		return nil
	}
	return &snapshot
}

func sleepSettle(ctx context.Context) error {
	timer := time.NewTimer(Settle)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
