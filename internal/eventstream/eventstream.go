// Package eventstream implements the duplex real-time channel (EventStream
// in the component design) on top of gorilla/websocket, structured as a
// Hub keyed by peer — the Manager/Registry hub pattern used by the
// retrieved webpa-common device manager (visit-all, read pump, write pump,
// one goroutine pair per accepted connection), adapted from WRP device
// frames to carousel event-stream messages.
package eventstream

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"vawter.tech/stopper"

	"github.com/industriaspico/carousel-fleet/internal/device"
	"github.com/industriaspico/carousel-fleet/internal/eventbus"
	"github.com/industriaspico/carousel-fleet/internal/fleet"
	"github.com/industriaspico/carousel-fleet/internal/plcerr"
)

// BroadcastInterval is the fixed cadence at which the hub snapshots every
// machine and emits status_broadcast.
const BroadcastInterval = 2 * time.Second

const sendBufferSize = 32

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// outbound is the shape every server-to-client message shares: a type tag,
// a timestamp, and type-specific fields flattened alongside it.
type outbound map[string]any

func newOutbound(kind string) outbound {
	return outbound{"type": kind, "timestamp": time.Now().UTC().Format(time.RFC3339Nano)}
}

// SnapshotSource supplies the most recently polled snapshot of every
// machine, keyed by machine id, without touching a device mutex. The CLI
// wiring layer implements this over the running StatusPoller set's cached
// notify.Var values.
type SnapshotSource func() map[string]device.Snapshot

// Hub is the registry of connected peers. All broadcast fan-out and
// peer-directed messages flow through it.
type Hub struct {
	Fleet     *fleet.Manager
	Bus       *eventbus.Bus
	Snapshots SnapshotSource
	Version   string

	mu    sync.RWMutex
	peers map[*peer]struct{}
}

// NewHub constructs a Hub. version is reported in the welcome message's
// server_info field.
func NewHub(fm *fleet.Manager, bus *eventbus.Bus, snapshots SnapshotSource, version string) *Hub {
	return &Hub{Fleet: fm, Bus: bus, Snapshots: snapshots, Version: version, peers: make(map[*peer]struct{})}
}

// Run drives the fixed-cadence broadcast loop: every BroadcastInterval it
// snapshots every machine and pushes a status_broadcast to every connected
// peer, independent of whether the underlying value changed. It returns
// when ctx is stopped, so the caller spawns it once via ctx.Go alongside
// the HTTP server.
func (h *Hub) Run(ctx *stopper.Context) error {
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.broadcastAll()
		case <-ctx.Stopping():
			return nil
		}
	}
}

// broadcastAll visits every connected peer and delivers one
// status_broadcast message each, carrying every machine's snapshot under
// "machines", best-effort: a full peer send buffer just drops this tick's
// broadcast rather than blocking the loop.
func (h *Hub) broadcastAll() {
	snapshots := h.Snapshots()

	msg := newOutbound("status_broadcast")
	msg["machines"] = snapshots

	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		h.deliver(p, msg)
	}
}

// peer is one accepted websocket connection and its bus subscription.
type peer struct {
	conn *websocket.Conn
	sub  *eventbus.Subscriber
	send chan outbound
	addr string
}

// ServeHTTP upgrades the request to a websocket and spawns the peer's read
// and write pumps as children of ctx, so hub-wide shutdown tears every
// connection down within the configured drain time.
func (h *Hub) ServeHTTP(ctx *stopper.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "websocket upgrade failed", slog.Any("error", err))
		return
	}

	p := &peer{
		conn: conn,
		sub:  h.Bus.Subscribe(ctx, sendBufferSize),
		send: make(chan outbound, sendBufferSize),
		addr: r.RemoteAddr,
	}

	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	h.sendWelcome(p)

	ctx.Go(func(ctx *stopper.Context) error {
		h.busForward(ctx, p)
		return nil
	})
	ctx.Go(func(ctx *stopper.Context) error {
		h.writePump(ctx, p)
		return nil
	})
	ctx.Go(func(ctx *stopper.Context) error {
		h.readPump(ctx, p)
		h.removePeer(p)
		return nil
	})
}

// busForward funnels the peer's bus subscription into the same send queue
// used for direct replies, so writePump sees one true FIFO ordering
// instead of racing a select between two source channels. This is what
// guarantees a send_command's command_result is always written before the
// COMMAND_ECHO it triggers on the bus. The bus itself excludes the
// originating peer from a COMMAND_ECHO (see OriginSubscriberID), so this
// forwarder only ever sees echoes from commands other peers issued.
func (h *Hub) busForward(ctx *stopper.Context, p *peer) {
	for {
		select {
		case ev, ok := <-p.sub.Out():
			if !ok {
				return
			}
			if msg, ok := busEventToMessage(ev); ok {
				h.deliver(p, msg)
			}
		case <-ctx.Stopping():
			return
		}
	}
}

func (h *Hub) removePeer(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
	h.Bus.Unsubscribe(p.sub)
	_ = p.conn.Close()
}

func (h *Hub) sendWelcome(p *peer) {
	mode := "single"
	machines := h.Fleet.ListMachines()
	if len(machines) > 1 {
		mode = "multi"
	}
	msg := newOutbound("welcome")
	msg["mode"] = mode
	msg["server_info"] = map[string]any{"version": h.Version}
	msg["machines"] = machines
	h.deliver(p, msg)
}

func (h *Hub) deliver(p *peer, msg outbound) {
	select {
	case p.send <- msg:
	default:
		slog.Warn("eventstream peer send buffer full, dropping message", slog.String("addr", p.addr))
	}
}

// writePump drains the peer's send queue in strict FIFO order, writing
// each message to the socket as it arrives. Both direct replies and
// bus-forwarded events flow through this single queue (see busForward).
func (h *Hub) writePump(ctx *stopper.Context, p *peer) {
	defer h.removePeer(p)

	for {
		select {
		case msg, ok := <-p.send:
			if !ok {
				return
			}
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ctx.Stopping():
			_ = p.conn.Close()
			return
		}
	}
}

func busEventToMessage(ev eventbus.Event) (outbound, bool) {
	switch ev.Topic {
	case eventbus.StatusUpdate:
		msg := newOutbound("status_broadcast")
		msg["machine_id"] = ev.MachineID
		msg["status"] = ev.Snapshot
		return msg, true
	case eventbus.CommandEcho:
		msg := newOutbound("command_executed")
		msg["machine_id"] = ev.MachineID
		msg["command"] = ev.Command
		msg["argument"] = ev.Argument
		msg["client_addr"] = ev.ClientAddr
		return msg, true
	case eventbus.StatusBusy, eventbus.Reconnecting, eventbus.Reconnected, eventbus.ConnError:
		msg := newOutbound("status_broadcast")
		msg["machine_id"] = ev.MachineID
		msg["event"] = string(ev.Topic)
		if ev.Reason != "" {
			msg["reason"] = ev.Reason
		}
		return msg, true
	default:
		return outbound{}, false
	}
}

// inbound mirrors the client-to-server message catalogue. Fields not
// relevant to Type are left zero.
type inbound struct {
	Type             string `json:"type"`
	SubscriptionType string `json:"subscription_type"`
	MachineID        string `json:"machine_id"`
	Command          int    `json:"command"`
	Argument         *int   `json:"argument"`
}

func (h *Hub) readPump(ctx *stopper.Context, p *peer) {
	for {
		var msg inbound
		if err := p.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			h.deliver(p, newOutbound("pong"))

		case "subscribe":
			reply := newOutbound("subscription_confirmed")
			subType := msg.SubscriptionType
			if subType == "" {
				subType = "status_updates"
			}
			reply["subscription_type"] = subType
			h.deliver(p, reply)

		case "get_status":
			h.handleGetStatus(p, msg)

		case "send_command":
			h.handleSendCommand(ctx, p, msg)

		default:
			reply := newOutbound("error")
			reply["error"] = "unknown message type: " + msg.Type
			h.deliver(p, reply)
		}
	}
}

func (h *Hub) handleGetStatus(p *peer, msg inbound) {
	snapshots := h.Snapshots()

	if msg.MachineID != "" {
		snapshot, ok := snapshots[msg.MachineID]
		if !ok {
			reply := newOutbound("error")
			reply["error"] = plcerr.NewNotFound("unknown machine id " + msg.MachineID).Error()
			h.deliver(p, reply)
			return
		}
		reply := newOutbound("machine_status")
		reply["machine_id"] = msg.MachineID
		reply["status"] = snapshot
		h.deliver(p, reply)
		return
	}

	reply := newOutbound("all_machines_status")
	reply["machines"] = snapshots
	h.deliver(p, reply)
}

func (h *Hub) handleSendCommand(ctx *stopper.Context, p *peer, msg inbound) {
	machineID := msg.MachineID
	if machineID == "" {
		machines := h.Fleet.ListMachines()
		if len(machines) == 0 {
			reply := newOutbound("error")
			reply["error"] = "no machines configured"
			h.deliver(p, reply)
			return
		}
		machineID = machines[0].ID
	}

	snapshot, err := h.Fleet.SendCommand(ctx, machineID, msg.Command, msg.Argument, p.addr)
	if err != nil {
		reply := newOutbound("command_result")
		reply["success"] = false
		reply["error"] = err.Error()
		reply["code"] = string(plcerr.CodeOf(err))
		h.deliver(p, reply)
		return
	}

	reply := newOutbound("command_result")
	reply["success"] = true
	reply["machine_id"] = machineID
	reply["status"] = snapshot
	h.deliver(p, reply)

	h.Bus.Publish(eventbus.Event{
		Topic:              eventbus.CommandEcho,
		MachineID:          machineID,
		Command:            msg.Command,
		Argument:           msg.Argument,
		ClientAddr:         p.addr,
		OriginSubscriberID: p.sub.ID(),
	})
}
