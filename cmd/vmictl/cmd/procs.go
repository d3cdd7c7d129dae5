package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coredump-labs/vmicore"
	"github.com/coredump-labs/vmicore/osplugin"
)

var procsDevice string

func init() {
	rootCmd.AddCommand(procsCmd)
	procsCmd.Flags().StringVar(&procsDevice, "device", "", "KVM device node (default /dev/kvm)")
}

var procsCmd = &cobra.Command{
	Use:   "procs",
	Short: "List processes visible through the bound OS plugin",
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := vmicore.New(context.Background(), vmicore.Config{Device: procsDevice})
		if err != nil {
			return fmt.Errorf("attach: %w", err)
		}
		defer core.Close()

		bold := color.New(color.Bold)
		bold.Printf("%-10s %-18s %s\n", "handle", "kdtb", "name")

		core.ListProcs(func(proc osplugin.ProcessID) bool {
			name, ok := core.ProcName(proc)
			if !ok {
				name = "<unreadable>"
			}
			fmt.Printf("%#-10x %#-18x %s\n", proc.Handle, uint64(proc.KDTB), name)
			return true
		})
		return nil
	},
}
