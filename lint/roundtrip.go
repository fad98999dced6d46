package lint

import (
	"reflect"

	"github.com/braidkit/braid/bundle"
)

// checkRoundTrip re-serializes the bundle and parses the result back,
// verifying the declaration survives the codec: every key and the
// order of includes, providers, tools and hooks must come out as they
// went in.
func (l *linter) checkRoundTrip(canon string, b *bundle.Bundle) {
	data, err := b.Marshal()
	if err != nil {
		l.report(bundle.SeverityError, canon, b.Name, RuleRoundTrip, "marshal: %v", err)
		return
	}
	again, err := bundle.Parse(data, b.BasePath)
	if err != nil {
		l.report(bundle.SeverityError, canon, b.Name, RuleRoundTrip, "reparse: %v", err)
		return
	}
	for _, field := range roundTripDiff(b, again) {
		l.report(bundle.SeverityError, canon, b.Name, RuleRoundTrip, "round-trip altered %s", field)
	}
}

// roundTripDiff compares the fields a round-trip must preserve and
// names those that changed. Empty and nil collections compare equal;
// omitempty drops them on the way out.
func roundTripDiff(a, b *bundle.Bundle) []string {
	var diff []string
	record := func(field string, same bool) {
		if !same {
			diff = append(diff, field)
		}
	}

	record("name", a.Name == b.Name)
	record("version", a.Version == b.Version)
	record("description", a.Description == b.Description)
	record("includes", equalStrings(a.Includes, b.Includes))
	record("session", equalMaps(a.Session, b.Session))
	record("providers", equalRefs(a.Providers, b.Providers))
	record("tools", equalRefs(a.Tools, b.Tools))
	record("hooks", equalRefs(a.Hooks, b.Hooks))
	record("agents", equalAgents(a.Agents, b.Agents))
	record("context", equalContext(a, b))
	record("instruction", a.Instruction == b.Instruction)
	return diff
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalMaps(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func equalRefs(a, b []bundle.ModuleRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Module != b[i].Module || a[i].Source != b[i].Source {
			return false
		}
		if !equalMaps(a[i].Config, b[i].Config) {
			return false
		}
	}
	return true
}

func equalAgents(a, b map[string]bundle.AgentSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for ref, av := range a {
		bv, ok := b[ref]
		if !ok {
			return false
		}
		if av.Name != bv.Name || av.Description != bv.Description {
			return false
		}
		if !equalStrings(av.Tools, bv.Tools) {
			return false
		}
		if !equalMaps(av.System, bv.System) || !equalMaps(av.Extra, bv.Extra) {
			return false
		}
	}
	return true
}

// equalContext compares registered references by key; the values derive
// from the base path and cannot drift when it is held fixed. Pending
// namespaced references compare as sorted lists.
func equalContext(a, b *bundle.Bundle) bool {
	if len(a.Context) != len(b.Context) {
		return false
	}
	for ref := range a.Context {
		if _, ok := b.Context[ref]; !ok {
			return false
		}
	}
	return equalStrings(a.PendingContext(), b.PendingContext())
}
