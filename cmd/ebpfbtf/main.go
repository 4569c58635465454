// Command ebpfbtf merges the `.BTF` sections of one or more ELF objects
// into a single standalone `.BTF`-only object (spec §6.x, §4.8). It
// exercises internal/adg's merge algorithm end to end without requiring a
// full link.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xyproto/ebpfkit/internal/btf"
	"github.com/xyproto/ebpfkit/internal/elfobj"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		output  string
		verbose bool
	)

	log := logrus.New()

	cmd := &cobra.Command{
		Use:           "ebpfbtf OBJECT [OBJECT...]",
		Short:         "Merge the .BTF sections of one or more ELF objects",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
			if err := runMerge(args, output, logrus.NewEntry(log)); err != nil {
				log.WithError(err).Error("BTF merge failed")
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "a.out", "output object path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "raise logging to debug level")
	return cmd
}

func runMerge(inputs []string, output string, log *logrus.Entry) error {
	sets := make([][]btf.Type, len(inputs))
	for i, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("Cannot open input file %s", path)
		}
		f, err := elfobj.Read(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		var found bool
		for _, sec := range f.Sections {
			if sec.Name != ".BTF" {
				continue
			}
			types, _, _, err := btf.Deserialize(sec.Raw)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			sets[i] = types
			found = true
			break
		}
		if !found {
			return fmt.Errorf("BTF section missing in %s", path)
		}
	}

	types, namedOrder, namedIndex, err := btf.MergeTypeSets(sets, log)
	if err != nil {
		return err
	}
	body := btf.Serialize(types, namedOrder, namedIndex)

	strtab := elfobj.NewStrtabBuilder()
	sections := []elfobj.Section{
		{Type: elfobj.TypeNull},
		{NameOffset: strtab.Add(".strtab"), Type: elfobj.TypeStrtab},
		{NameOffset: strtab.Add(".symtab"), Type: elfobj.TypeSymtab, Link: 1, EntSize: elfobj.SymtabEntSize},
		{NameOffset: strtab.Add(".BTF"), Type: elfobj.TypeProgbits, Body: body},
	}
	sections[1].Body = strtab.Bytes()

	out := elfobj.Write(sections, true)
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return fmt.Errorf("cannot write output file %s: %w", output, err)
	}
	log.WithFields(logrus.Fields{"output": output, "types": len(types)}).Debug("BTF merge complete")
	return nil
}
