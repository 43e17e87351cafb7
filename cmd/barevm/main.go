// Command barevm boots a flat real-mode image on every vCPU of a fresh KVM
// VM and waits for all of them to shut down.
package main

import (
	"os"

	"github.com/hankjacobs/kvmcore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	memory      kvm.ByteSize
	vcpus       int
	loadSegment uint16
	debug       bool
	devicePath  string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Log every vcpu exit")
	rootCmd.PersistentFlags().StringVar(&devicePath, "device", "/dev/kvm", "KVM device to open")

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML VM config")
	rootCmd.Flags().VarP(&memory, "memory", "m", "Guest memory size, e.g. 1MiB (overrides config)")
	rootCmd.Flags().IntVarP(&vcpus, "vcpus", "n", 0, "Number of vcpus (overrides config)")
	rootCmd.Flags().Uint16Var(&loadSegment, "load-segment", 0, "Real-mode segment the vcpus start in (overrides config)")
}

var rootCmd = &cobra.Command{
	Use:   "barevm IMAGE",
	Short: "Run a flat real-mode image on a minimal KVM VM",
	Args:  cobra.ExactArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
	SilenceUsage: true,
	RunE:         runVM,
}

func loadConfig(cmd *cobra.Command) (kvm.Config, error) {
	cfg := kvm.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = kvm.LoadConfig(configFile); err != nil {
			return cfg, err
		}
	}

	if cmd.Flags().Changed("memory") {
		cfg.GuestMemorySize = memory
	}
	if cmd.Flags().Changed("vcpus") {
		cfg.VCPUCount = vcpus
	}
	if cmd.Flags().Changed("load-segment") {
		cfg.LoadSegment = loadSegment
	}
	return cfg, cfg.Validate()
}

func runVM(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	image, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer image.Close()

	log := logrus.WithField("image", args[0])

	h, err := kvm.Open(kvm.WithDevicePath(devicePath), kvm.WithLogger(log))
	if err != nil {
		return err
	}
	defer h.Close()

	vm, err := h.CreateVM(cfg)
	if err != nil {
		return err
	}
	defer vm.Destroy()

	n, err := vm.LoadImage(image)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"bytes":  n,
		"memory": cfg.GuestMemorySize.String(),
		"vcpus":  cfg.VCPUCount,
	}).Info("image loaded")

	if _, err := vm.CreateVCPUs(); err != nil {
		return err
	}

	results, err := kvm.Run(vm, kvm.WithObserver(kvm.NewLogObserver(log)))
	for _, r := range results {
		entry := log.WithFields(logrus.Fields{
			"vcpu":  r.VCPU,
			"state": r.State.String(),
			"exit":  r.Exit.String(),
		})
		if r.Err != nil {
			entry.WithError(r.Err).Warn("vcpu finished")
		} else {
			entry.Info("vcpu finished")
		}
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
