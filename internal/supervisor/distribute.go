package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/smtpfd/smtpfd/internal/config"
	"github.com/smtpfd/smtpfd/internal/imsg"
)

// ErrChainCycle is returned when a chain refers back to itself.
var ErrChainCycle = errors.New("chain refers to itself")

// distribute sends cfg to the engine: a begin marker, one filter process
// per leaf, a declaration per entry followed by a chain's flattened leaf
// members, and an end marker. The engine applies nothing before the end
// marker, so a failed distribution leaves it on the previous set.
func (s *Supervisor) distribute(cfg *config.Config) error {
	// Resolve before sending anything so a cycle costs no processes.
	members := make(map[string][]string)
	for _, f := range cfg.Filters {
		if f.Kind != config.Chain {
			continue
		}
		leaves, err := resolveChain(cfg, f)
		if err != nil {
			return err
		}
		members[f.Name] = leaves
	}

	if err := s.engine.Compose(imsg.ReconfConf, 0, 0, nil, nil); err != nil {
		return err
	}

	for _, f := range cfg.Filters {
		if f.Kind != config.Leaf {
			continue
		}
		if err := s.spawnFilter(f); err != nil {
			return err
		}
	}

	for _, f := range cfg.Filters {
		if err := s.engine.Compose(imsg.ReconfFilter, 0, 0, nil, []byte(f.Name)); err != nil {
			return err
		}
		for _, m := range members[f.Name] {
			if err := s.engine.Compose(imsg.ReconfFilterNode, 0, 0, nil, []byte(m)); err != nil {
				return err
			}
		}
	}

	return s.engine.Compose(imsg.ReconfEnd, 0, 0, nil, nil)
}

// resolveChain flattens a chain depth first into the names of its leaves.
// References to unknown names are skipped. A name may appear on several
// branches, but not twice on one path.
func resolveChain(cfg *config.Config, chain *config.Filter) ([]string, error) {
	var (
		leaves []string
		path   []string
		onPath = make(map[string]bool)
	)

	var walk func(f *config.Filter) error
	walk = func(f *config.Filter) error {
		path = append(path, f.Name)
		if onPath[f.Name] {
			return fmt.Errorf("%w: %s", ErrChainCycle, strings.Join(path, " -> "))
		}
		onPath[f.Name] = true
		defer func() {
			delete(onPath, f.Name)
			path = path[:len(path)-1]
		}()

		for _, name := range f.Argv {
			ref := cfg.Lookup(name)
			switch {
			case ref == nil:
				continue
			case ref.Kind == config.Chain:
				if err := walk(ref); err != nil {
					return err
				}
			default:
				leaves = append(leaves, ref.Name)
			}
		}
		return nil
	}

	if err := walk(chain); err != nil {
		return nil, err
	}
	return leaves, nil
}
