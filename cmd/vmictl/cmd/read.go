package cmd

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coredump-labs/vmicore"
	"github.com/coredump-labs/vmicore/paging"
)

var (
	readDevice string
	readAddr   uint64
	readDtb    uint64
	readLen    int
)

func init() {
	rootCmd.AddCommand(readCmd)
	readCmd.Flags().StringVar(&readDevice, "device", "", "KVM device node (default /dev/kvm)")
	readCmd.Flags().Uint64VarP(&readAddr, "addr", "a", 0, "guest virtual address to read")
	readCmd.Flags().Uint64Var(&readDtb, "dtb", 0, "page-table base (CR3) to translate addr with")
	readCmd.Flags().IntVarP(&readLen, "len", "n", 64, "number of bytes to read")
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Dump guest virtual memory through the page-fault-aware memory facade",
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := vmicore.New(context.Background(), vmicore.Config{Device: readDevice})
		if err != nil {
			return fmt.Errorf("attach: %w", err)
		}
		defer core.Close()

		dst := make([]byte, readLen)
		if !core.Read(dst, paging.VirtAddr(readAddr), paging.Dtb(readDtb)) {
			return fmt.Errorf("read %#x: refused or unmapped", readAddr)
		}

		fmt.Print(hex.Dump(dst))
		return nil
	},
}
