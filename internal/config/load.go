package config

import (
	"fmt"
	"maps"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads a TOML config file, expands macros, validates, and returns the
// config along with any warnings (e.g. unknown fields). Macros given here
// override those defined in the file.
func Load(path string, macros map[string]string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read config: %s: %w", path, err)
	}

	return LoadBytes(data, path, macros)
}

// LoadBytes parses TOML from raw bytes. The path argument is used only for
// error messages.
func LoadBytes(data []byte, path string, macros map[string]string) (*Config, []string, error) {
	var fc fileConfig
	md, err := toml.Decode(string(data), &fc)
	if err != nil {
		return nil, nil, fmt.Errorf("config parse error in %s: %w", path, err)
	}

	// Collect warnings for unknown fields.
	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", strings.Join(key, ".")))
	}

	merged := make(map[string]string, len(fc.Macros)+len(macros))
	maps.Copy(merged, fc.Macros)
	maps.Copy(merged, macros)

	cfg := &Config{Macros: merged}
	var errs []error
	for i, e := range fc.Filter {
		f, err := buildFilter(e, merged)
		if err != nil {
			errs = append(errs, fmt.Errorf("filter[%d] %q: %w", i, e.Name, err))
			continue
		}
		cfg.Filters = append(cfg.Filters, f)
	}
	errs = append(errs, Validate(cfg)...)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, warnings, fmt.Errorf("config validation failed in %s:\n  %s",
			path, strings.Join(msgs, "\n  "))
	}

	return cfg, warnings, nil
}

func buildFilter(e filterEntry, macros map[string]string) (*Filter, error) {
	var f Filter
	switch {
	case len(e.Exec) > 0 && len(e.Chain) > 0:
		return nil, fmt.Errorf("exec and chain are mutually exclusive")
	case len(e.Exec) > 0:
		f = Filter{Kind: Leaf, Argv: e.Exec}
	case len(e.Chain) > 0:
		f = Filter{Kind: Chain, Argv: e.Chain}
	default:
		return nil, fmt.Errorf("one of exec or chain is required")
	}

	name, err := expandString(e.Name, macros)
	if err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}
	f.Name = name

	argv := make([]string, len(f.Argv))
	for i, a := range f.Argv {
		argv[i], err = expandString(a, macros)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", f.Kind, i, err)
		}
	}
	f.Argv = argv
	return &f, nil
}
