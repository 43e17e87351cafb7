package main

import (
	"fmt"

	"github.com/hankjacobs/kvmcore"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check KVM support and report device capabilities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := kvm.Open(kvm.WithDevicePath(devicePath))
		if err != nil {
			return err
		}
		defer h.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "kvm api version: %d\n", h.APIVersion())
		for _, c := range []struct {
			name string
			cap  kvm.Cap
		}{
			{"user memory", kvm.CapUserMemory},
			{"irqchip", kvm.CapIRQChip},
			{"hlt", kvm.CapHLT},
			{"recommended vcpus", kvm.CapNRVCPUs},
			{"max vcpus", kvm.CapMaxVCPUs},
			{"memory slots", kvm.CapNRMemSlots},
		} {
			n, err := h.CheckExtension(c.cap)
			if err != nil {
				fmt.Fprintf(out, "%s: error: %v\n", c.name, err)
				continue
			}
			fmt.Fprintf(out, "%s: %d\n", c.name, n)
		}
		return nil
	},
}
