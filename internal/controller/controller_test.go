package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/industriaspico/carousel-fleet/internal/audit"
	"github.com/industriaspico/carousel-fleet/internal/device"
	"github.com/industriaspico/carousel-fleet/internal/plcerr"
	"github.com/industriaspico/carousel-fleet/internal/wire"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	trail := audit.NewTrail(audit.Config{Directory: t.TempDir()})
	sim := device.NewSimulator()
	return New("m1", sim, wire.ReadyHigh, trail)
}

func TestGetCurrentStatus(t *testing.T) {
	r := require.New(t)

	c := newTestController(t)
	_, err := c.GetCurrentStatus(context.Background())
	r.NoError(err)
}

func TestSendCommandRejectsBadCommandBeforeIO(t *testing.T) {
	r := require.New(t)

	c := newTestController(t)
	_, err := c.SendCommand(context.Background(), 300, nil)
	r.Error(err)
	r.Equal(plcerr.BadCommand, plcerr.CodeOf(err))
}

func TestSendCommandRejectsBadArgument(t *testing.T) {
	r := require.New(t)

	c := newTestController(t)
	bad := 1000
	_, err := c.SendCommand(context.Background(), wire.CommandMove, &bad)
	r.Error(err)
	r.Equal(plcerr.BadCommand, plcerr.CodeOf(err))
}

func TestMoveToRejectsOutOfRangePosition(t *testing.T) {
	r := require.New(t)

	c := newTestController(t)
	_, err := c.MoveTo(context.Background(), 10)
	r.Error(err)
	r.Equal(plcerr.BadCommand, plcerr.CodeOf(err))
}

func TestMoveToHappyPath(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	c := newTestController(t)
	snapshot, err := c.MoveTo(context.Background(), 5)
	r.NoError(err)
	a.Equal(byte(5), snapshot.Position)
}
