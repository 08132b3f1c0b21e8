package transition

import (
	"fmt"
	"strings"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// Table maps a current status to the statuses reachable in one step
type Table map[types.Status][]types.Status

// DefaultTable allows every status to reach every other status, except
// Offline which may only go to Available.
func DefaultTable() Table {
	t := make(Table, len(types.AllStatuses))
	for _, from := range types.AllStatuses {
		if from == types.StatusOffline {
			t[from] = []types.Status{types.StatusAvailable}
			continue
		}
		for _, to := range types.AllStatuses {
			if to != from {
				t[from] = append(t[from], to)
			}
		}
	}
	return t
}

// Allowed returns the reachable statuses from current in enum order.
func (t Table) Allowed(current types.Status) []types.Status {
	set := make(map[types.Status]bool, len(t[current]))
	for _, s := range t[current] {
		set[s] = true
	}
	out := make([]types.Status, 0, len(set))
	for _, s := range types.AllStatuses {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

// Permits reports whether current may move to target.
func (t Table) Permits(current, target types.Status) bool {
	for _, s := range t[current] {
		if s == target {
			return true
		}
	}
	return false
}

// ParseTable applies overrides in the form "From=To,To;From=To" on top
// of base. Each listed From replaces its whole allowed set; an empty
// right-hand side makes the status terminal.
func ParseTable(base Table, rules string) (Table, error) {
	t := make(Table, len(base))
	for k, v := range base {
		t[k] = append([]types.Status(nil), v...)
	}

	rules = strings.TrimSpace(rules)
	if rules == "" {
		return t, nil
	}

	for _, rule := range strings.Split(rules, ";") {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		from, targets, ok := strings.Cut(rule, "=")
		if !ok {
			return nil, fmt.Errorf("rule %q: missing '='", rule)
		}
		fromStatus := types.NormalizeStatus(from)
		if !fromStatus.Valid() {
			return nil, fmt.Errorf("rule %q: unknown status %q", rule, from)
		}

		allowed := []types.Status{}
		for _, raw := range strings.Split(targets, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			to := types.NormalizeStatus(raw)
			if !to.Valid() {
				return nil, fmt.Errorf("rule %q: unknown status %q", rule, raw)
			}
			if to == fromStatus {
				return nil, fmt.Errorf("rule %q: self transition for %s", rule, to)
			}
			allowed = append(allowed, to)
		}
		t[fromStatus] = allowed
	}
	return t, nil
}
