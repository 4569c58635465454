// Command ebpfasm assembles an eBPF source file into a relocatable ELF
// object (spec §6.4).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xyproto/ebpfkit/internal/asm"
	"github.com/xyproto/ebpfkit/internal/asmfile"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		output      string
		noPinMaps   bool
		verbose     bool
		includeDirs []string
	)

	log := logrus.New()

	cmd := &cobra.Command{
		Use:           "ebpfasm SOURCE",
		Short:         "Assemble an eBPF source file into a relocatable object",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
			if err := assemble(args[0], output, !noPinMaps, includeDirs, logrus.NewEntry(log)); err != nil {
				log.WithError(err).Error("assembly failed")
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "a.out", "output object path")
	cmd.Flags().BoolVar(&noPinMaps, "no-pin-maps", false, "emit the shorter unpinned map record")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "raise logging to debug level")
	cmd.Flags().StringArrayVarP(&includeDirs, "include", "I", nil, "search directory for .include directives (repeatable)")
	return cmd
}

func assemble(src, output string, pinMaps bool, includeDirs []string, log *logrus.Entry) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("Cannot open source file %s", src)
	}

	lines, err := asmfile.Splice(asmfile.Split(src, string(raw)), includeResolver(includeDirs))
	if err != nil {
		return err
	}

	a := asm.NewAssembler(pinMaps, log)
	if err := a.IngestAll(lines); err != nil {
		return err
	}
	if err := a.ResolveSymbols(); err != nil {
		return err
	}

	obj := a.WriteObject()
	if err := os.WriteFile(output, obj, 0o644); err != nil {
		return fmt.Errorf("cannot write output file %s: %w", output, err)
	}
	log.WithFields(logrus.Fields{"output": output, "sections": len(a.Sections())}).Debug("assembly complete")
	return nil
}

// includeResolver builds an asmfile.Resolver that looks for an `.include`
// target first relative to the including file's own directory, then in
// each -I directory in order (spec §6.4).
func includeResolver(dirs []string) asmfile.Resolver {
	return func(includingFile, path string) (string, string, error) {
		candidates := []string{filepath.Join(filepath.Dir(includingFile), path)}
		for _, d := range dirs {
			candidates = append(candidates, filepath.Join(d, path))
		}
		for _, c := range candidates {
			if data, err := os.ReadFile(c); err == nil {
				return c, string(data), nil
			}
		}
		return "", "", fmt.Errorf("Cannot open include file %s", path)
	}
}
