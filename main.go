// Completion: 100% - CLI and pipeline driver complete
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// main.go - Command line interface and rewrite pipeline
//
// The pipeline runs load → unwind-info parse → disassembly → CFG build →
// profile binding → passes → linking → ELF write. Disassembly and CFG
// construction fan out over the worker pool; everything that touches the
// file runs on the main goroutine.

const versionString = "relayout 1.0.0"

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fatalf("%v", err)
	}
}

func newRootCommand() *cobra.Command {
	opts := DefaultOptions()
	var reorderBlocks, reorderFunctions, relocs string
	var verbose bool

	root := &cobra.Command{
		Use:     "relayout <executable>",
		Short:   "post-link optimizer for ELF64 executables",
		Long:    "relayout rewrites a linked x86-64 or aarch64 ELF executable,\nreordering code for better cache behavior using a sample profile.",
		Args:    cobra.ExactArgs(1),
		Version: versionString,
		RunE: func(cmd *cobra.Command, args []string) error {
			SetVerbose(verbose)
			var err error
			if opts.ReorderBlocks, err = ParseReorderBlocks(reorderBlocks); err != nil {
				return err
			}
			if opts.ReorderFunctions, err = ParseReorderFunctions(reorderFunctions); err != nil {
				return err
			}
			if opts.Relocs, err = ParseRelocsMode(relocs); err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return runRewrite(opts, args[0])
		},
	}

	fl := root.Flags()
	fl.StringVarP(&opts.OutputPath, "output", "o", opts.OutputPath, "output file")
	fl.StringVar(&opts.ProfilePath, "data", "", "profile input (.fdata or .yaml)")
	fl.StringVar(&reorderBlocks, "reorder-blocks", "cache", "block layout: none, reverse, branch, cache")
	fl.StringVar(&reorderFunctions, "reorder-functions", "none", "function order: none, hfsort, pettis-hansen, hfsort+, user (hfsort+ falls back to hfsort)")
	fl.IntVar(&opts.SplitFunctions, "split-functions", 0, "hot/cold splitting level (0-3)")
	fl.BoolVar(&opts.ICF, "icf", false, "fold identical functions")
	fl.BoolVar(&opts.InlineSmall, "inline-small-functions", false, "inline small single-block callees")
	fl.BoolVar(&opts.SimplifyCondTailCalls, "simplify-conditional-tail-calls", false, "branch directly to forward tail-call targets")
	fl.BoolVar(&opts.SimplifyRODataLoads, "simplify-rodata-loads", false, "fold loads from read-only data into immediates")
	fl.BoolVar(&opts.Peepholes, "peepholes", false, "run peephole cleanups")
	fl.BoolVar(&opts.Instrument, "instrument", false, "insert profile-collection counters")
	fl.BoolVar(&opts.InferStaticProb, "infer-static-prob", false, "synthesize block counts for unprofiled functions")
	fl.BoolVar(&opts.EliminateUnreachable, "eliminate-unreachable", true, "drop unreachable blocks")
	fl.BoolVar(&opts.UseOldText, "use-old-text", false, "reuse the original .text when the new code fits")
	fl.BoolVar(&opts.UseGNUStack, "use-gnu-stack", true, "reuse an unused GNU_STACK program header slot")
	fl.StringVar(&relocs, "relocs", "auto", "relocation mode: auto, on, off")
	fl.IntVar(&opts.Threads, "threads", opts.Threads, "worker threads")
	fl.BoolVar(&opts.IgnoreBuildID, "ignore-build-id", false, "accept a profile with a mismatched build-id")
	fl.BoolVar(&opts.EnableBAT, "enable-bat", false, "emit the address-translation note")
	fl.BoolVar(&opts.HotTextSymbols, "hot-text", false, "synthesize __hot_start/__hot_end")
	fl.BoolVar(&opts.Strict, "strict", false, "treat recoverable errors as fatal")
	fl.BoolVar(&opts.DumpCFG, "dump-cfg", false, "dump every CFG to the debug log")
	fl.BoolVarP(&verbose, "verbose", "v", false, "verbose diagnostics")

	root.AddCommand(newMergeFdataCommand())
	return root
}

// newMergeFdataCommand sums profile files record by record
func newMergeFdataCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "merge-fdata <file>...",
		Short: "merge .fdata profiles into one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var inputs []*ProfileData
			for _, path := range args {
				p, err := ParseFdata(path)
				if err != nil {
					return err
				}
				inputs = append(inputs, p)
			}
			merged := MergeProfiles(inputs)
			if err := WriteFdata(output, merged); err != nil {
				return err
			}
			outsf("merged %d profiles into %s (%d branch records)",
				len(inputs), output, len(merged.Branches))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "merged.fdata", "merged output file")
	return cmd
}

// runRewrite drives the whole pipeline for one input binary
func runRewrite(opts *PipelineOptions, inputPath string) error {
	in, err := OpenInput(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	bc, err := LoadBinaryContext(in, opts)
	if err != nil {
		return err
	}

	ehIndex, err := ParseEHFrame(bc)
	if err != nil {
		return err
	}

	if err := forEachFunctionParallel(bc, "disassemble", func(f *BinaryFunction) error {
		return f.Disassemble()
	}); err != nil {
		return err
	}
	if err := forEachFunctionParallel(bc, "build-cfg", func(f *BinaryFunction) error {
		return f.BuildCFG()
	}); err != nil {
		return err
	}

	if opts.ProfilePath != "" {
		if err := bindProfileFile(bc, opts.ProfilePath); err != nil {
			return err
		}
	}

	if opts.DumpCFG {
		for _, f := range bc.Functions() {
			if f.State >= StateCFG {
				f.Print()
			}
		}
	}

	if err := NewPassManager(bc).Run(); err != nil {
		return err
	}

	if err := NewLinker(bc, ehIndex).Link(); err != nil {
		return err
	}

	bc.RegisterOrUpdateNoteSection(".note.bolt_info",
		BoltInfoNote(strings.Join(os.Args, " ")))
	if opts.EnableBAT {
		bc.RegisterOrUpdateNoteSection(".note.bolt.bat", BATNote(bc))
	}

	return NewElfWriter(bc, in).Write(opts.OutputPath)
}

// bindProfileFile attaches a profile, choosing the format by extension
func bindProfileFile(bc *BinaryContext, path string) error {
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		p, err := ParseYAMLProfile(path)
		if err != nil {
			return err
		}
		bound, err := BindYAMLProfile(bc, p)
		if err != nil {
			return err
		}
		outsf("bound %d profiled functions from %s", bound, path)
	default:
		p, err := ParseFdata(path)
		if err != nil {
			return err
		}
		bound, err := BindProfile(bc, p)
		if err != nil {
			return err
		}
		outsf("bound %d of %d branch records from %s", bound, len(p.Branches), path)
	}
	return nil
}

// forEachFunctionParallel fans a per-function stage over the worker pool.
// Recoverable failures demote the function; in strict mode they stop the
// run instead.
func forEachFunctionParallel(bc *BinaryContext, stage string, fn func(*BinaryFunction) error) error {
	work := make([]*BinaryFunction, 0)
	for _, f := range bc.Functions() {
		if f.Simple && !f.Folded {
			work = append(work, f)
		}
	}

	run := func(f *BinaryFunction) error {
		if err := fn(f); err != nil {
			if IsRecoverable(err) && !bc.Opts.Strict {
				f.MarkNonSimple(err.Error())
				return nil
			}
			return fmt.Errorf("%s: function %s: %w", stage, f.Name(), err)
		}
		return nil
	}

	threads := bc.Opts.Threads
	if threads <= 1 {
		for _, f := range work {
			if err := run(f); err != nil {
				return err
			}
		}
		return nil
	}
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(threads)
	for _, f := range work {
		f := f
		g.Go(func() error { return run(f) })
	}
	return g.Wait()
}
