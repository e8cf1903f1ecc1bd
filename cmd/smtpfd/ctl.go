package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/smtpfd/smtpfd/internal/config"
	"github.com/smtpfd/smtpfd/internal/ctl"
)

func newCtlCmd(defaults *config.Defaults) *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running smtpfd",
		Long:  "Send commands to a running smtpfd through its control socket.",
	}
	cmd.PersistentFlags().StringVarP(&socket, "socket", "s", defaults.Socket, "control `socket` path")
	client := func() *ctl.Client { return ctl.NewUnixClient(socket) }

	reload := &cobra.Command{
		Use:   "reload",
		Short: "Reload the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Reload(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reload request sent")
			return nil
		},
	}

	log := &cobra.Command{
		Use:   "log brief|verbose|LEVEL",
		Short: "Set the log verbosity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseVerbosity(args[0])
			if err != nil {
				return usageError{err}
			}
			if err := client().SetVerbose(n); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logging request sent\n")
			return nil
		},
	}

	var all bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Status(cmd.OutOrStdout(), all)
		},
	}
	status.Flags().BoolVarP(&all, "all", "a", false, "include runtime metrics and help text")

	health := &cobra.Command{
		Use:   "health",
		Short: "Check that the control socket answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Health()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		},
	}

	cmd.AddCommand(reload, log, status, health)
	return cmd
}

func parseVerbosity(arg string) (int, error) {
	switch arg {
	case "brief":
		return 0, nil
	case "verbose":
		return 1, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q", arg)
	}
	return n, nil
}
