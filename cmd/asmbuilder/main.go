// Command asmbuilder assembles a GNU as source file into a flat guest image
// for barevm.
package main

import (
	"fmt"
	"os"

	"github.com/hankjacobs/kvmcore/asmbuilder"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var mode int

func init() {
	rootCmd.Flags().IntVar(&mode, "mode", int(asmbuilder.Real), "Operand size to assemble for (16 or 32)")
}

var rootCmd = &cobra.Command{
	Use:          "asmbuilder INPUT OUTPUT",
	Short:        "Assemble a flat guest image",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		asm, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed reading file %s: %w", args[0], err)
		}

		bin, err := asmbuilder.Build(asm, asmbuilder.Mode(mode))
		if err != nil {
			return fmt.Errorf("failed building asm: %w", err)
		}

		if err := os.WriteFile(args[1], bin, 0o644); err != nil {
			return fmt.Errorf("failed writing file %s: %w", args[1], err)
		}
		logrus.WithFields(logrus.Fields{
			"output": args[1],
			"bytes":  len(bin),
		}).Info("image written")
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
