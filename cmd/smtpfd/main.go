package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/smtpfd/smtpfd/internal/config"
	"github.com/smtpfd/smtpfd/internal/logging"
)

const usageLine = "usage: smtpfd [-dnv] [-D macro=value] [-f file] [-s socket]"

// usageError is a command line mistake; it is reported with the usage line.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

type options struct {
	macros     []string
	foreground bool
	engine     bool
	frontend   bool
	configFile string
	noaction   bool
	socket     string
	verbose    int

	defaults *config.Defaults
}

func newRootCmd(defaults *config.Defaults) *cobra.Command {
	opts := &options{defaults: defaults}

	cmd := &cobra.Command{
		Use:           "smtpfd",
		Short:         "smtpfd -- privilege-separated mail filter daemon",
		Long:          "smtpfd runs mail filters behind an unprivileged frontend and filtering engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unexpected argument %q", args[0])}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	f := cmd.Flags()
	f.StringArrayVarP(&opts.macros, "define", "D", nil, "define macro `name=value`")
	f.BoolVarP(&opts.foreground, "debug", "d", false, "do not daemonize, log to stderr")
	f.BoolVarP(&opts.engine, "engine", "E", false, "run the filtering engine (internal)")
	f.BoolVarP(&opts.frontend, "frontend", "F", false, "run the control frontend (internal)")
	f.StringVarP(&opts.configFile, "file", "f", defaults.ConfigFile, "configuration `file`")
	f.BoolVarP(&opts.noaction, "noaction", "n", false, "check the configuration and exit")
	f.StringVarP(&opts.socket, "socket", "s", defaults.Socket, "control `socket` path")
	f.CountVarP(&opts.verbose, "verbose", "v", "increase verbosity (up to twice)")
	_ = f.MarkHidden("engine")
	_ = f.MarkHidden("frontend")

	cmd.AddCommand(newVersionCmd(), newCtlCmd(defaults))
	return cmd
}

// run dispatches on the role flags.
func run(cmd *cobra.Command, opts *options) error {
	if opts.engine && opts.frontend {
		return usageError{errors.New("-E and -F are mutually exclusive")}
	}
	opts.verbose = min(opts.verbose, logging.MaxVerbose)

	switch {
	case opts.engine:
		return runEngine(opts)
	case opts.frontend:
		return runFrontend(opts)
	}

	macros, bad := parseMacros(opts.macros)
	cfg, warnings, err := config.Load(opts.configFile, macros)
	if err != nil {
		for _, w := range bad {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
		}
		return err
	}
	warnings = append(bad, warnings...)

	if opts.noaction {
		return checkOnly(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, warnings, opts.verbose)
	}
	return runMain(opts, cfg, macros, warnings)
}

// parseMacros collects the -D definitions. A malformed one is reported in
// the returned warnings and otherwise ignored.
func parseMacros(defs []string) (map[string]string, []string) {
	if len(defs) == 0 {
		return nil, nil
	}
	macros := make(map[string]string, len(defs))
	var warnings []string
	for _, def := range defs {
		name, value, err := config.ParseMacro(def)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("could not parse macro definition: %v", err))
			continue
		}
		macros[name] = value
	}
	return macros, warnings
}

// checkOnly implements -n: report the configuration as parsed, or print it
// when verbose.
func checkOnly(stdout, stderr io.Writer, cfg *config.Config, warnings []string, verbose int) error {
	for _, w := range warnings {
		fmt.Fprintf(stderr, "warning: %s\n", w)
	}
	if verbose > 0 {
		return config.Print(stdout, cfg)
	}
	_, err := fmt.Fprintln(stdout, "configuration OK")
	return err
}

func main() {
	defaults, err := config.LoadDefaults()
	if err != nil {
		fmt.Fprintln(os.Stderr, "smtpfd:", err)
		os.Exit(1)
	}

	if err := newRootCmd(defaults).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "smtpfd:", err)
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, usageLine)
		}
		os.Exit(1)
	}
}
