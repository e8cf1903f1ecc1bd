package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateName is reported when two entries share a name.
var ErrDuplicateName = errors.New("duplicate filter name")

// Validate checks the config for semantic errors and returns all of them.
// References from a chain to entries that do not exist are not errors:
// they are skipped when the chain is resolved.
func Validate(cfg *Config) []error {
	var errs []error
	seen := make(map[string]bool)

	for i, f := range cfg.Filters {
		prefix := fmt.Sprintf("%s %q", f.Kind, f.Name)

		if strings.TrimSpace(f.Name) == "" {
			errs = append(errs, fmt.Errorf("filter[%d]: name is required", i))
			continue
		}
		if seen[f.Name] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateName, f.Name))
		}
		seen[f.Name] = true

		switch f.Kind {
		case Leaf:
			if len(f.Argv) == 0 || strings.TrimSpace(f.Argv[0]) == "" {
				errs = append(errs, fmt.Errorf("%s: executable is required", prefix))
			}
		case Chain:
			if len(f.Argv) == 0 {
				errs = append(errs, fmt.Errorf("%s: at least one member is required", prefix))
			}
			members := make(map[string]bool)
			for _, m := range f.Argv {
				if members[m] {
					errs = append(errs, fmt.Errorf("%s: member %q listed twice", prefix, m))
				}
				members[m] = true
			}
		}
	}

	return errs
}

// ParseMacro splits a "name=value" definition given with -D.
func ParseMacro(def string) (string, string, error) {
	name, value, ok := strings.Cut(def, "=")
	if !ok {
		return "", "", fmt.Errorf("macro definition %q: missing '='", def)
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t${}") {
		return "", "", fmt.Errorf("macro definition %q: invalid name", def)
	}
	return name, value, nil
}
