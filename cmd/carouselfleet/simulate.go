package carouselfleet

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/spf13/cobra"

	"vawter.tech/stopper"

	"github.com/industriaspico/carousel-fleet/internal/device"
)

// simulateCommand runs one standalone TCP PLC simulator per --bind flag
// given, so a real DeviceLink can dial in over the network instead of
// using the in-process Simulator transport directly. Structured on the
// dummy MDC server's accept-loop-per-listener shape, with the wire frame
// swapped for the carousel command/status byte protocol.
func simulateCommand() *cobra.Command {
	var binds []string

	cmd := &cobra.Command{
		Use:   "simulate",
		Args:  cobra.NoArgs,
		Short: "run one or more standalone carousel PLC simulators",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := stopper.From(cmd.Context())
			if len(binds) == 0 {
				binds = []string{"127.0.0.1:9000"}
			}
			for _, bind := range binds {
				if err := listenSimulator(ctx, bind); err != nil {
					return err
				}
			}
			return ctx.Wait()
		},
	}
	cmd.Flags().StringSliceVarP(&binds, "bind", "b", nil, "bind address, repeatable for multiple simulated machines")
	return cmd
}

func listenSimulator(ctx *stopper.Context, bind string) error {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "carousel simulator listening", slog.String("addr", listener.Addr().String()))

	ctx.Go(func(ctx *stopper.Context) error {
		<-ctx.Stopping()
		_ = listener.Close()
		return nil
	})

	ctx.Go(func(ctx *stopper.Context) error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return nil
			}
			ctx.Go(func(ctx *stopper.Context) error {
				runSimulatorConn(ctx, conn)
				return nil
			})
		}
	})
	return nil
}

// runSimulatorConn bridges raw command bytes off the wire to one
// in-process device.Simulator: a 1-2 byte command frame in, the
// resulting [status, position] frame out, exactly mirroring what a real
// DeviceLink expects from a PLC.
func runSimulatorConn(ctx *stopper.Context, conn net.Conn) {
	defer conn.Close()

	sim := device.NewSimulator()
	if err := sim.Connect(ctx); err != nil {
		slog.ErrorContext(ctx, "simulator connect failed", slog.Any("error", err))
		return
	}

	buf := make([]byte, 2)
	for {
		n, err := io.ReadAtLeast(conn, buf, 1)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.DebugContext(ctx, "simulator connection read error", slog.Any("error", err))
			}
			return
		}

		command := buf[0]
		var argument *byte
		if n > 1 {
			arg := buf[1]
			argument = &arg
		}

		if err := sim.Send(ctx, command, argument); err != nil {
			writeErrorFrame(conn, err)
			continue
		}

		frame, err := sim.Receive(ctx)
		if err != nil {
			writeErrorFrame(conn, err)
			continue
		}

		if _, err := conn.Write([]byte{frame.Raw, frame.Position}); err != nil {
			return
		}
	}
}

// writeErrorFrame reports a simulator-side failure (bad command, already
// moving) as a status byte with every bit set, since the wire protocol
// has no distinct error channel. Real DeviceController callers already
// treat an unreadable or nonsensical status as a protocol-level issue.
func writeErrorFrame(conn net.Conn, err error) {
	slog.Debug("simulator command failed", slog.Any("error", err))
	_, _ = conn.Write([]byte{0xFF, 0x00})
}
