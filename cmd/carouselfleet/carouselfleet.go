// Package carouselfleet wires the cobra subcommands for the fleet
// service: serve (CommandAPI + EventStream together), eventstream
// (EventStream standalone), and simulate (standalone PLC simulators for
// development and demos).
package carouselfleet

import (
	"github.com/spf13/cobra"
)

// Command is the root of the carouselfleet CLI, mounted under the
// top-level drain/verbose flags in main.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "carouselfleet",
		Short: "Carousel fleet management service",
	}
	cmd.AddCommand(serveCommand())
	cmd.AddCommand(eventstreamCommand())
	cmd.AddCommand(simulateCommand())
	return cmd
}
