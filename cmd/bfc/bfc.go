package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gobf/bfjit/internal/bferrors"
	"github.com/gobf/bfjit/internal/compiler"
	"github.com/gobf/bfjit/internal/optimizer"
	"github.com/gobf/bfjit/internal/parser"
	"github.com/gobf/bfjit/internal/platform"
	"github.com/gobf/bfjit/internal/vm"
)

var log = logrus.WithField("stage", "cli")

// run builds and executes the root command against args, with stdin/stdout
// /stderr injected so tests can exercise it without touching the real
// process streams. It returns the process exit code per spec §6: 0 on
// success, nonzero on parse or I/O failure.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var (
		optimizeFlag   string
		printOptimized bool
		trace          bool
		nativeCodegen  bool
	)

	cmd := &cobra.Command{
		Use:           "bfc [program-file]",
		Short:         "Ahead-of-time compiler and runtime for the eight-token tape language",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, cmdArgs []string) error {
			var src io.Reader = stdin
			if len(cmdArgs) == 1 {
				f, err := os.Open(cmdArgs[0])
				if err != nil {
					return errors.Wrap(err, "bfc: open input file")
				}
				defer f.Close()
				src = f
			}
			opt, err := parseOptimizeFlag(optimizeFlag)
			if err != nil {
				return err
			}
			return compileAndRun(pipelineConfig{
				src:            src,
				vmStdin:        stdin,
				stdout:         stdout,
				stderr:         stderr,
				opt:            opt,
				printOptimized: printOptimized,
				trace:          trace,
				native:         nativeCodegen,
			})
		},
	}
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.Flags().StringVarP(&optimizeFlag, "optimize", "o", "",
		"comma-separated optimization passes: all, consecutive_inc_dec, mul_loop")
	cmd.Flags().BoolVar(&printOptimized, "print-optimized", false,
		"print the post-optimization IR to standard error")
	cmd.Flags().BoolVar(&trace, "trace", false,
		"trace VM instruction execution (ignored under --native-codegen)")
	cmd.Flags().BoolVar(&nativeCodegen, "native-codegen", false,
		"select the native x86-64 backend instead of the VM")

	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(stderr, err)
	}
	return exitCode(err)
}

// exitCode centralizes the error-kind-to-status dispatch of spec §7's
// layered error taxonomy, rather than inlining a status decision at every
// call site the way the reference's per-platform main() does.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, bferrors.ErrUnbalancedProgram):
		return 1
	case errors.Is(err, bferrors.ErrEncoderConstraint):
		return 2
	case errors.Is(err, bferrors.ErrHostAllocation):
		return 3
	case errors.Is(err, bferrors.ErrRuntimeIO):
		return 4
	default:
		return 1
	}
}

type pipelineConfig struct {
	src            io.Reader
	vmStdin        io.Reader
	stdout, stderr io.Writer
	opt            optimizer.Option
	printOptimized bool
	trace          bool
	native         bool
}

// compileAndRun drives the full pipeline: parse, optimize, then either emit
// native code and hand it to the native runtime, or lower to the VM's flat
// program and interpret it.
func compileAndRun(cfg pipelineConfig) error {
	seq, err := parser.Parse(cfg.src)
	if err != nil {
		return err
	}

	seq = optimizer.Optimize(seq, cfg.opt)

	if cfg.printOptimized {
		fmt.Fprint(cfg.stderr, seq.String())
	}

	if cfg.native {
		code, err := compiler.Emit(seq)
		if err != nil {
			return err
		}
		log.WithField("bytes", len(code)).Debug("running native backend")
		return platform.Run(code)
	}

	prog := vm.Lower(seq)
	log.WithField("instructions", len(prog)).Debug("running VM backend")
	interp := &vm.Interpreter{In: cfg.vmStdin, Out: cfg.stdout, Trace: cfg.trace}
	return interp.Run(prog)
}

// parseOptimizeFlag splits the comma-separated --optimize value into an
// Option bitmask, per spec §6.
func parseOptimizeFlag(flag string) (optimizer.Option, error) {
	var opt optimizer.Option
	if strings.TrimSpace(flag) == "" {
		return opt, nil
	}
	for _, token := range strings.Split(flag, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		o, ok := optimizer.ParseOption(token)
		if !ok {
			return 0, errors.Errorf("bfc: unknown optimization pass %q", token)
		}
		opt |= o
	}
	return opt, nil
}
