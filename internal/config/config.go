// Package config handles loading and validating the smtpfd filter
// configuration.
package config

// Kind tells a concrete filter from a chain.
type Kind int

const (
	// Leaf is a filter backed by an executable.
	Leaf Kind = iota
	// Chain is an ordered list of references to other entries.
	Chain
)

func (k Kind) String() string {
	if k == Chain {
		return "chain"
	}
	return "filter"
}

// Filter is one configured filter or chain. For a Leaf, Argv is the
// executable and its arguments; for a Chain it is the ordered list of
// referenced entry names.
type Filter struct {
	Name string
	Kind Kind
	Argv []string
}

// Config is a parsed configuration. Filters keep the order of the file,
// which is also the order they are distributed in.
type Config struct {
	Filters []*Filter
	Macros  map[string]string
}

// Lookup returns the entry with the given name, or nil.
func (c *Config) Lookup(name string) *Filter {
	for _, f := range c.Filters {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Count returns the number of entries of the given kind.
func (c *Config) Count(kind Kind) int {
	n := 0
	for _, f := range c.Filters {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// fileConfig mirrors the TOML layout. A single [[filter]] array keeps
// filters and chains in one ordered sequence.
type fileConfig struct {
	Macros map[string]string `toml:"macros"`
	Filter []filterEntry     `toml:"filter"`
}

type filterEntry struct {
	Name  string   `toml:"name"`
	Exec  []string `toml:"exec"`
	Chain []string `toml:"chain"`
}
