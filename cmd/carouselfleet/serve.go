package carouselfleet

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"vawter.tech/stopper"

	"github.com/industriaspico/carousel-fleet/internal/api"
	"github.com/industriaspico/carousel-fleet/internal/audit"
	"github.com/industriaspico/carousel-fleet/internal/configstore"
	"github.com/industriaspico/carousel-fleet/internal/device"
	"github.com/industriaspico/carousel-fleet/internal/eventbus"
	"github.com/industriaspico/carousel-fleet/internal/eventstream"
	"github.com/industriaspico/carousel-fleet/internal/fleet"
	"github.com/industriaspico/carousel-fleet/internal/poller"
)

const version = "1.0.0"

// serveCommand starts CommandAPI and EventStream together against one
// FleetManager, the combined-process deployment shape.
func serveCommand() *cobra.Command {
	var cfgPath, lockDir string
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Args:  cobra.NoArgs,
		Short: "run the fleet's CommandAPI and EventStream against one FleetManager",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := stopper.From(cmd.Context())

			fleetCtx, err := newFleetRuntime(ctx, cfgPath, lockDir)
			if err != nil {
				return err
			}

			apiServer := api.New(fleetCtx.manager)
			hub := eventstream.NewHub(fleetCtx.manager, fleetCtx.bus, fleetCtx.snapshots, version)
			ctx.Go(func(ctx *stopper.Context) error { return hub.Run(ctx) })

			mux := http.NewServeMux()
			mux.Handle("/v1/", apiServer)
			mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				hub.ServeHTTP(ctx, w, r)
			})

			return serveAndDrain(ctx, apiAddr, mux, "combined fleet server")
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "fleet configuration file")
	cmd.Flags().StringVar(&lockDir, "lock-dir", "/var/run/carouselfleet", "directory for cross-process device lock files")
	cmd.Flags().StringVar(&apiAddr, "api-addr", ":8080", "CommandAPI + EventStream bind address")
	return cmd
}

// eventstreamCommand runs EventStream as a standalone process, sharing
// nothing in-process with a separately deployed CommandAPI beyond the
// fleet configuration file.
func eventstreamCommand() *cobra.Command {
	var cfgPath, lockDir, addr string

	cmd := &cobra.Command{
		Use:   "eventstream",
		Args:  cobra.NoArgs,
		Short: "run the EventStream websocket server standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := stopper.From(cmd.Context())

			fleetCtx, err := newFleetRuntime(ctx, cfgPath, lockDir)
			if err != nil {
				return err
			}

			hub := eventstream.NewHub(fleetCtx.manager, fleetCtx.bus, fleetCtx.snapshots, version)
			ctx.Go(func(ctx *stopper.Context) error { return hub.Run(ctx) })

			mux := http.NewServeMux()
			mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				hub.ServeHTTP(ctx, w, r)
			})

			return serveAndDrain(ctx, addr, mux, "eventstream server")
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "fleet configuration file")
	cmd.Flags().StringVar(&lockDir, "lock-dir", "/var/run/carouselfleet", "directory for cross-process device lock files")
	cmd.Flags().StringVar(&addr, "addr", ":8081", "EventStream bind address")
	return cmd
}

// fleetRuntime bundles the pieces newFleetRuntime assembles: the manager
// every command dispatches through, the bus every poller publishes to,
// and a snapshot accessor built over the running pollers' caches.
type fleetRuntime struct {
	manager   *fleet.Manager
	bus       *eventbus.Bus
	snapshots eventstream.SnapshotSource
}

// newFleetRuntime loads the fleet configuration, builds the FleetManager,
// the EventBus, and one StatusPoller per machine, then spawns every
// poller under ctx.
func newFleetRuntime(ctx *stopper.Context, cfgPath, lockDir string) (*fleetRuntime, error) {
	store := configstore.New(cfgPath)
	cfg, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading fleet configuration: %w", err)
	}

	logDir := cfg.Logging.Directory
	if logDir == "" {
		logDir = "."
	}
	trail := audit.NewTrail(audit.Config{Directory: logDir, MaxSizeMB: cfg.Logging.MaxSizeMB, MaxBackups: cfg.Logging.MaxBackups})
	slog.SetDefault(trail.General)

	manager, err := fleet.NewManager(cfg, lockDir, trail)
	if err != nil {
		return nil, fmt.Errorf("building fleet manager: %w", err)
	}

	bus := eventbus.New(manager.MachineIDs())

	caches := make(map[string]*poller.Poller, len(cfg.PLCMachines))
	for _, id := range manager.MachineIDs() {
		mach, mErr := manager.Lookup(id)
		if mErr != nil {
			return nil, mErr
		}
		p := poller.New(id, mach.Transport, mach.Mutex, mach.Controller, bus, poller.DefaultInterval)
		mach.Cache = p.Cache
		caches[id] = p
		ctx.Go(func(ctx *stopper.Context) error { return p.Run(ctx) })
	}

	snapshots := func() map[string]device.Snapshot {
		out := make(map[string]device.Snapshot, len(caches))
		for id, p := range caches {
			snapshot, _ := p.Cache.Get()
			out[id] = snapshot
		}
		return out
	}

	ctx.Go(func(ctx *stopper.Context) error {
		<-ctx.Stopping()
		manager.Shutdown()
		return nil
	})

	return &fleetRuntime{manager: manager, bus: bus, snapshots: snapshots}, nil
}

func serveAndDrain(ctx *stopper.Context, addr string, handler http.Handler, name string) error {
	server := &http.Server{Addr: addr, Handler: handler}

	ctx.Go(func(ctx *stopper.Context) error {
		<-ctx.Stopping()
		_ = server.Close()
		return nil
	})

	slog.InfoContext(ctx, "listening", slog.String("server", name), slog.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Wait()
}
