package eventstream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"vawter.tech/stopper"

	"github.com/industriaspico/carousel-fleet/internal/audit"
	"github.com/industriaspico/carousel-fleet/internal/device"
	"github.com/industriaspico/carousel-fleet/internal/eventbus"
	"github.com/industriaspico/carousel-fleet/internal/fleet"
)

func newTestHub(t *testing.T) (*Hub, *stopper.Context, *fleet.Manager) {
	t.Helper()

	trail := audit.NewTrail(audit.Config{Directory: t.TempDir()})
	cfg := fleet.FleetConfig{PLCMachines: []fleet.MachineConfig{
		{ID: "m1", Name: "Carousel 1", Simulator: true, Port: 1},
	}}
	mgr, err := fleet.NewManager(cfg, t.TempDir(), trail)
	require.NoError(t, err)

	bus := eventbus.New(mgr.MachineIDs())
	snapshots := func() map[string]device.Snapshot {
		return map[string]device.Snapshot{"m1": {}}
	}

	hub := NewHub(mgr, bus, snapshots, "test")
	ctx := stopper.WithContext(t.Context())
	return hub, ctx, mgr
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHubSendsWelcomeOnConnect(t *testing.T) {
	hub, ctx, _ := newTestHub(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(ctx, w, r)
	}))
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "welcome", msg["type"])
	require.Equal(t, "single", msg["mode"])
}

func TestHubRespondsToPing(t *testing.T) {
	hub, ctx, _ := newTestHub(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(ctx, w, r)
	}))
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()

	var welcome map[string]any
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))

	var pong map[string]any
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, "pong", pong["type"])
}

func TestHubGetStatusUnknownMachine(t *testing.T) {
	hub, ctx, _ := newTestHub(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(ctx, w, r)
	}))
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()

	var welcome map[string]any
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "get_status", "machine_id": "ghost"}))

	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "error", reply["type"])
}

// TestHubSendCommandEchoesAfterResult checks that a command_executed echo
// reaches a spectator connection, ordered after the sender's own
// command_result, and that the sender never receives its own echo.
func TestHubSendCommandEchoesAfterResult(t *testing.T) {
	hub, ctx, _ := newTestHub(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(ctx, w, r)
	}))
	defer server.Close()

	sender := dial(t, server)
	defer sender.Close()
	spectator := dial(t, server)
	defer spectator.Close()

	var senderWelcome, spectatorWelcome map[string]any
	require.NoError(t, sender.ReadJSON(&senderWelcome))
	require.NoError(t, spectator.ReadJSON(&spectatorWelcome))

	require.NoError(t, sender.WriteJSON(map[string]any{"type": "send_command", "command": 0, "machine_id": "m1"}))

	var result map[string]any
	require.NoError(t, sender.ReadJSON(&result))
	require.Equal(t, "command_result", result["type"])
	require.Equal(t, true, result["success"])

	var echo map[string]any
	require.NoError(t, spectator.ReadJSON(&echo))
	require.Equal(t, "command_executed", echo["type"])
	require.Equal(t, "m1", echo["machine_id"])

	_ = sender.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := sender.ReadMessage()
	require.Error(t, err, "sender must not receive its own command_executed echo")
}

func TestBroadcastLoopDeliversAllMachinesStatus(t *testing.T) {
	hub, ctx, _ := newTestHub(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(ctx, w, r)
	}))
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()

	var welcome map[string]any
	require.NoError(t, conn.ReadJSON(&welcome))

	done := make(chan struct{})
	ctx.Go(func(ctx *stopper.Context) error {
		_ = hub.Run(ctx)
		close(done)
		return nil
	})

	hub.broadcastAll()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "status_broadcast", msg["type"])

	ctx.Stop(time.Second)
}
