package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vawter.tech/notify"

	"github.com/industriaspico/carousel-fleet/internal/audit"
	"github.com/industriaspico/carousel-fleet/internal/plcerr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	trail := audit.NewTrail(audit.Config{Directory: t.TempDir()})
	cfg := FleetConfig{PLCMachines: []MachineConfig{
		{ID: "m1", Name: "Carousel 1", Simulator: true, Port: 1},
		{ID: "m2", Name: "Carousel 2", Simulator: true, Port: 2},
	}}
	mgr, err := NewManager(cfg, t.TempDir(), trail)
	require.NoError(t, err)
	return mgr
}

func TestNewManagerRejectsInvalidFleet(t *testing.T) {
	trail := audit.NewTrail(audit.Config{Directory: t.TempDir()})
	cfg := FleetConfig{PLCMachines: []MachineConfig{
		{ID: "bad id", Name: "x", Simulator: true, Port: 1},
	}}
	_, err := NewManager(cfg, t.TempDir(), trail)
	require.Error(t, err)
	require.Equal(t, plcerr.BadRequest, plcerr.CodeOf(err))
}

func TestListMachines(t *testing.T) {
	a := assert.New(t)
	mgr := newTestManager(t)
	summaries := mgr.ListMachines()
	a.Len(summaries, 2)
	a.Equal("m1", summaries[0].ID)
	a.Equal("simulator", summaries[0].Type)
}

func TestGetStatusUnknownMachine(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.GetStatus(context.Background(), "nope", "127.0.0.1")
	require.Error(t, err)
	require.Equal(t, plcerr.BadRequest, plcerr.CodeOf(err))
}

func TestGetStatusKnownMachine(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.GetStatus(context.Background(), "m1", "127.0.0.1")
	require.NoError(t, err)
}

func TestMoveToRoutesToCorrectMachine(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	mgr := newTestManager(t)
	snapshot, err := mgr.MoveTo(context.Background(), "m2", 3, "127.0.0.1")
	r.NoError(err)
	a.Equal(byte(3), snapshot.Position)
}

func TestHealthReportsAllMachines(t *testing.T) {
	mgr := newTestManager(t)
	reports := mgr.Health()
	require.Len(t, reports, 2)
	for _, r := range reports {
		require.True(t, r.LastSeen.IsZero(), "LastSeen should stay zero until a poller populates Machine.Cache")
	}
}

func TestHealthReadsMachineCache(t *testing.T) {
	mgr := newTestManager(t)

	mach, err := mgr.Lookup("m1")
	require.NoError(t, err)

	snapshot, err := mgr.GetStatus(context.Background(), "m1", "127.0.0.1")
	require.NoError(t, err)

	mach.Cache = notify.VarOf(snapshot)

	reports := mgr.Health()
	for _, r := range reports {
		if r.MachineID == "m1" {
			require.Equal(t, snapshot.CapturedAt, r.LastSeen)
		}
	}
}

// TestInvalidCommandRejectedEvenWhenBusy checks that an out-of-range
// command is always rejected with BAD_COMMAND, never masked as PLC_BUSY
// by a device mutex that happens to be held at the same moment.
func TestInvalidCommandRejectedEvenWhenBusy(t *testing.T) {
	mgr := newTestManager(t)

	mach, err := mgr.Lookup("m1")
	require.NoError(t, err)
	release, err := mach.Mutex.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = mgr.SendCommand(context.Background(), "m1", 999, nil, "127.0.0.1")
	require.Error(t, err)
	require.Equal(t, plcerr.BadCommand, plcerr.CodeOf(err))

	_, err = mgr.MoveTo(context.Background(), "m1", 99, "127.0.0.1")
	require.Error(t, err)
	require.Equal(t, plcerr.BadCommand, plcerr.CodeOf(err))
}
