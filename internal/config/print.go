package config

import (
	"fmt"
	"io"
	"strings"
)

// Print writes one line per entry: kind, name, then the argv or member list.
func Print(w io.Writer, cfg *Config) error {
	for _, f := range cfg.Filters {
		line := f.Kind.String() + " " + f.Name
		if len(f.Argv) > 0 {
			line += " " + strings.Join(f.Argv, " ")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
