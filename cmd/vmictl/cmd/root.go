package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vmictl",
	Short: "Inspect and control a KVM guest through vmicore",
	Long: `vmictl is a thin command-line front end over vmicore: it opens a
hypervisor channel, optionally loads a flat binary image into guest memory,
and exposes the core's process listing, memory read, and breakpoint
operations as subcommands.`,
}

// Execute runs the root command, exiting with status 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
