// ABOUTME: Target selectors: one agent, an explicit subset, or every live agent.
// ABOUTME: A selector is resolved once per dispatch into a deduplicated id list.

package dispatch

import (
	"fmt"
	"sort"
	"strings"
)

// SelectorKind discriminates Selector values.
type SelectorKind int

const (
	selectNone SelectorKind = iota
	SelectSingle
	SelectSubset
	SelectAll
)

func (k SelectorKind) String() string {
	switch k {
	case SelectSingle:
		return "single"
	case SelectSubset:
		return "subset"
	case SelectAll:
		return "all"
	default:
		return "none"
	}
}

// Selector picks the agents a command goes to. The zero value is invalid.
type Selector struct {
	kind SelectorKind
	ids  []string
}

// Single targets one agent.
func Single(id string) Selector {
	return Selector{kind: SelectSingle, ids: []string{id}}
}

// Subset targets the listed agents. Duplicates are removed at resolution.
func Subset(ids ...string) Selector {
	return Selector{kind: SelectSubset, ids: append([]string(nil), ids...)}
}

// All targets every agent that is live when the command is dispatched.
func All() Selector {
	return Selector{kind: SelectAll}
}

// Kind returns the selector's variant.
func (s Selector) Kind() SelectorKind { return s.kind }

// IDs returns the explicitly named ids, or nil for All.
func (s Selector) IDs() []string { return append([]string(nil), s.ids...) }

func (s Selector) String() string {
	if s.kind == SelectAll {
		return "all"
	}
	return strings.Join(s.ids, ",")
}

// Validate reports whether the selector is well formed.
func (s Selector) Validate() error {
	switch s.kind {
	case SelectAll:
		return nil
	case SelectSingle, SelectSubset:
		if len(s.ids) == 0 {
			return fmt.Errorf("%w: no targets", ErrInvalidSelector)
		}
		if s.kind == SelectSingle && len(s.ids) != 1 {
			return fmt.Errorf("%w: single selector with %d ids", ErrInvalidSelector, len(s.ids))
		}
		for _, id := range s.ids {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("%w: empty agent id", ErrInvalidSelector)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: empty selector", ErrInvalidSelector)
	}
}

// resolve turns the selector into a deduplicated id list. All resolves to the
// sorted ids of live; named ids are kept in first-seen order whether or not
// they are live.
func (s Selector) resolve(live []string) ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.kind == SelectAll {
		if len(live) == 0 {
			return nil, fmt.Errorf("%w: no agents connected", ErrInvalidSelector)
		}
		ids := append([]string(nil), live...)
		sort.Strings(ids)
		return ids, nil
	}

	seen := make(map[string]struct{}, len(s.ids))
	ids := make([]string, 0, len(s.ids))
	for _, id := range s.ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
