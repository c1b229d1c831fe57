// Package audit implements the append-only audit trail described in the
// data model: client-connection records (one per inbound API/event-stream
// request) and operation records (one per PLC transaction). Both streams
// are rotated via lumberjack the same way the original Python
// implementation rotated client_connections.log with a RotatingFileHandler.
package audit

import (
	"context"
	"log/slog"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/industriaspico/carousel-fleet/internal/device"
)

// Outcome is the coarse result recorded for every audit entry.
type Outcome string

const (
	OutcomeOK    Outcome = "OK"
	OutcomeError Outcome = "ERROR"
)

// ClientConnectionKind names the inbound request that produced a
// ClientConnection record.
type ClientConnectionKind string

const (
	StatusRequest  ClientConnectionKind = "STATUS_REQ"
	CommandRequest ClientConnectionKind = "COMMAND_REQ"
	MoveRequest    ClientConnectionKind = "MOVE_REQ"
)

// ClientConnection records one client-facing request, independent of
// whether it reached the device.
type ClientConnection struct {
	Kind       ClientConnectionKind
	ClientAddr string
	MachineID  string
	Command    *int
	Argument   *int
	Outcome    Outcome
	Error      string
	Timestamp  time.Time
}

// Operation records one PLC transaction performed by DeviceController.
type Operation struct {
	MachineID    string
	Command      int
	Argument     *int
	StatusBefore *device.Snapshot
	StatusAfter  *device.Snapshot
	Outcome      Outcome
	Error        string
	Timestamp    time.Time
}

// Config controls the rotation policy and destination directory for every
// log and audit stream.
type Config struct {
	Directory  string
	MaxSizeMB  int
	MaxBackups int
	Level      slog.Level
}

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 10
)

func (c Config) withDefaults() Config {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = defaultMaxSizeMB
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = defaultMaxBackups
	}
	return c
}

// Trail owns the three named log streams: the general application log,
// the per-client-connection log, and the per-operation log, matching the
// three files named in the external interfaces section
// (carousel_api.log, client_connections.log, operations.log).
type Trail struct {
	General     *slog.Logger
	connections *slog.Logger
	operations  *slog.Logger
}

// NewTrail opens the three rotated log files under cfg.Directory.
func NewTrail(cfg Config) *Trail {
	cfg = cfg.withDefaults()

	opts := &slog.HandlerOptions{Level: cfg.Level}

	general := slog.New(slog.NewJSONHandler(rotatingWriter(cfg, "carousel_api.log"), opts))
	connections := slog.New(slog.NewJSONHandler(rotatingWriter(cfg, "client_connections.log"), opts))
	operations := slog.New(slog.NewJSONHandler(rotatingWriter(cfg, "operations.log"), opts))

	return &Trail{General: general, connections: connections, operations: operations}
}

func rotatingWriter(cfg Config, filename string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.Directory + "/" + filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
}

// LogClientConnection appends one ClientConnection record.
func (t *Trail) LogClientConnection(rec ClientConnection) {
	attrs := []any{
		slog.String("kind", string(rec.Kind)),
		slog.String("client_addr", rec.ClientAddr),
		slog.String("machine_id", rec.MachineID),
		slog.String("outcome", string(rec.Outcome)),
		slog.Time("ts", rec.Timestamp),
	}
	if rec.Command != nil {
		attrs = append(attrs, slog.Int("command", *rec.Command))
	}
	if rec.Argument != nil {
		attrs = append(attrs, slog.Int("argument", *rec.Argument))
	}
	if rec.Error != "" {
		attrs = append(attrs, slog.String("error", rec.Error))
	}
	level := slog.LevelInfo
	if rec.Outcome == OutcomeError {
		level = slog.LevelError
	}
	t.connections.Log(context.Background(), level, "client connection", attrs...)
}

// LogOperation appends one Operation record.
func (t *Trail) LogOperation(rec Operation) {
	attrs := []any{
		slog.String("machine_id", rec.MachineID),
		slog.Int("command", rec.Command),
		slog.String("outcome", string(rec.Outcome)),
		slog.Time("ts", rec.Timestamp),
	}
	if rec.Argument != nil {
		attrs = append(attrs, slog.Int("argument", *rec.Argument))
	}
	if rec.StatusBefore != nil {
		attrs = append(attrs, slog.Int("status_before", int(rec.StatusBefore.Raw)))
	}
	if rec.StatusAfter != nil {
		attrs = append(attrs, slog.Int("status_after", int(rec.StatusAfter.Raw)))
	}
	if rec.Error != "" {
		attrs = append(attrs, slog.String("error", rec.Error))
	}
	level := slog.LevelInfo
	if rec.Outcome == OutcomeError {
		level = slog.LevelError
	}
	t.operations.Log(context.Background(), level, "plc operation", attrs...)
}
