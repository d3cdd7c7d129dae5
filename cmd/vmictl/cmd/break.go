package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coredump-labs/vmicore"
	"github.com/coredump-labs/vmicore/exec"
	"github.com/coredump-labs/vmicore/osplugin"
	"github.com/coredump-labs/vmicore/paging"
)

var (
	breakDevice string
	breakAddr   uint64
	breakDtb    uint64
)

func init() {
	rootCmd.AddCommand(breakCmd)
	breakCmd.Flags().StringVar(&breakDevice, "device", "", "KVM device node (default /dev/kvm)")
	breakCmd.Flags().Uint64VarP(&breakAddr, "addr", "a", 0, "guest virtual address to break on")
	breakCmd.Flags().Uint64Var(&breakDtb, "dtb", 0, "only fire when this CR3 is active; 0 means any process")
}

var breakCmd = &cobra.Command{
	Use:   "break",
	Short: "Set a breakpoint, resume the guest, and report the first hit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if breakAddr == 0 {
			return fmt.Errorf("--addr is required")
		}

		core, err := vmicore.New(context.Background(), vmicore.Config{Device: breakDevice})
		if err != nil {
			return fmt.Errorf("attach: %w", err)
		}
		defer core.Close()

		filter := exec.FilterAny
		if breakDtb != 0 {
			filter = exec.FilterByDtb(paging.Dtb(breakDtb))
		}

		hit := make(chan exec.BreakState, 1)
		bp, err := core.SetBreakpoint(paging.VirtAddr(breakAddr), osplugin.ProcessID{}, filter, func(bs exec.BreakState) {
			hit <- bs
		})
		if err != nil {
			return fmt.Errorf("set breakpoint: %w", err)
		}
		defer bp.Remove()

		if err := core.Resume(); err != nil {
			return fmt.Errorf("resume: %w", err)
		}

		// Wait dispatches any matching breakpoint's task synchronously before
		// returning, so hit is already populated by the time it comes back.
		if _, err := core.Wait(context.Background()); err != nil {
			return fmt.Errorf("wait: %w", err)
		}

		select {
		case bs := <-hit:
			color.New(color.FgYellow).Printf("breakpoint hit: rip=%#x cr3=%#x\n", bs.Rip, bs.Cr3)
		default:
			fmt.Println("guest trapped for a reason other than this breakpoint")
		}
		return nil
	},
}
