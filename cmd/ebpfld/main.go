// Command ebpfld links one or more relocatable eBPF objects into a single
// output object (spec §6.3).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xyproto/ebpfkit/internal/link"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		output     string
		allowUndef bool
		verbose    bool
	)

	log := logrus.New()

	cmd := &cobra.Command{
		Use:           "ebpfld OBJECT [OBJECT...]",
		Short:         "Link relocatable eBPF objects into one output object",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
			if err := runLink(args, output, allowUndef, logrus.NewEntry(log)); err != nil {
				log.WithError(err).Error("link failed")
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "a.out", "output object path")
	cmd.Flags().BoolVarP(&allowUndef, "allow-undef", "c", false, "tolerate unresolved relocations, deferring them to the output")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "raise logging to debug level")
	return cmd
}

func runLink(inputs []string, output string, allowUndef bool, log *logrus.Entry) error {
	objs := make([][]byte, len(inputs))
	for i, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("Cannot open input file %s", path)
		}
		objs[i] = data
	}

	out, err := link.Link(objs, link.Options{AllowUndef: allowUndef}, log)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return fmt.Errorf("cannot write output file %s: %w", output, err)
	}
	log.WithField("output", output).Debug("link complete")
	return nil
}
