package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/smtpfd/smtpfd/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			for _, line := range []string{
				fmt.Sprintf("smtpfd %s", version.Version),
				fmt.Sprintf("  commit:  %s", version.Commit),
				fmt.Sprintf("  built:   %s", version.Date),
				fmt.Sprintf("  go:      %s", version.Go()),
				fmt.Sprintf("  os/arch: %s/%s", runtime.GOOS, runtime.GOARCH),
			} {
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
