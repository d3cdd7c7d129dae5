package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coredump-labs/vmicore/hypervisor"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether this host can open a KVM channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := hypervisor.Supported()
		if err != nil {
			return fmt.Errorf("kvm support: %w", err)
		}
		fmt.Printf("kvm support: %v\n", ok)
		return nil
	},
}
