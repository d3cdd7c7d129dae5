package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/coredump-labs/vmicore/hypervisor"
)

var (
	runDevice  string
	runImage   string
	runRAMSize int
	runBase    uint64
	runPC      uint64
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runDevice, "device", "", "KVM device node (default /dev/kvm)")
	runCmd.Flags().StringVarP(&runImage, "image", "i", "", "flat binary image to load into guest memory")
	runCmd.Flags().IntVar(&runRAMSize, "ram-size", 1<<20, "guest RAM size in bytes, must be page-aligned")
	runCmd.Flags().Uint64Var(&runBase, "base", 0, "guest-physical address to load the image at")
	runCmd.Flags().Uint64Var(&runPC, "pc", 0, "initial RIP; defaults to --base")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load a flat binary image into a fresh guest and run it to the first trap",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runImage == "" {
			return fmt.Errorf("--image is required")
		}

		page := unix.Getpagesize()
		if runRAMSize%page != 0 {
			return fmt.Errorf("ram-size must be a multiple of the page size (%d bytes)", page)
		}

		code, err := os.ReadFile(runImage)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}

		ch, err := hypervisor.Open(hypervisor.Config{Device: runDevice})
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		defer ch.Close()

		cpu, err := ch.AddVCPU()
		if err != nil {
			return fmt.Errorf("add vcpu: %w", err)
		}

		hostMem, err := unix.Mmap(-1, 0, runRAMSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return fmt.Errorf("allocate guest ram: %w", err)
		}
		defer unix.Munmap(hostMem)

		if len(code) > len(hostMem) {
			return fmt.Errorf("image (%d bytes) exceeds ram size (%d bytes)", len(code), len(hostMem))
		}
		copy(hostMem, code)

		if err := ch.MapMemory(runBase, hostMem, hypervisor.MemRead|hypervisor.MemWrite|hypervisor.MemExec); err != nil {
			return fmt.Errorf("map guest ram: %w", err)
		}
		defer ch.UnmapMemory(runBase, uint64(len(hostMem)))

		pc := runPC
		if pc == 0 {
			pc = runBase
		}
		if err := ch.SetPC(cpu, pc); err != nil {
			return fmt.Errorf("set pc: %w", err)
		}

		if err := ch.Resume(); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		reason, err := ch.Wait(context.Background(), cpu)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}

		finalPC, err := ch.GetPC(cpu)
		if err != nil {
			return fmt.Errorf("read final pc: %w", err)
		}

		color.New(color.FgGreen).Printf("trapped: reason=%d rip=%#x\n", reason, finalPC)
		return nil
	},
}
