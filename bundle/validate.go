package bundle

import "fmt"

// Severity classifies a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Problem is a single validation finding against a bundle.
type Problem struct {
	Severity Severity `json:"severity"`
	Bundle   string   `json:"bundle"`
	Message  string   `json:"message"`
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s: %s", p.Severity, p.Bundle, p.Message)
}

// Validate checks the bundle for structural problems. It returns all
// findings rather than stopping at the first; callers decide whether
// warnings are acceptable.
func (b *Bundle) Validate() []Problem {
	var problems []Problem

	report := func(sev Severity, format string, args ...any) {
		problems = append(problems, Problem{
			Severity: sev,
			Bundle:   b.Name,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if b.Name == "" {
		report(SeverityError, "bundle has no name")
	}

	for _, inc := range b.Includes {
		if inc == b.Name {
			report(SeverityError, "bundle includes itself")
		}
	}

	checkRefs := func(kind string, refs []ModuleRef) {
		seen := make(map[string]bool, len(refs))
		for i, ref := range refs {
			if ref.Module == "" {
				report(SeverityError, "%s entry %d has no module name", kind, i)
				continue
			}
			if seen[ref.Module] {
				report(SeverityWarning, "%s module %q declared more than once", kind, ref.Module)
			}
			seen[ref.Module] = true
			if ref.Source == "" {
				report(SeverityWarning, "%s module %q has no source", kind, ref.Module)
			}
		}
	}
	checkRefs("providers", b.Providers)
	checkRefs("tools", b.Tools)
	checkRefs("hooks", b.Hooks)

	// Agents declared as bare references are fine; their definition
	// loads from agents/<name>.md at prepare time.
	for ref := range b.Agents {
		if ref == "" {
			report(SeverityError, "agent entry has empty reference")
		}
	}

	return problems
}

// HasErrors reports whether any finding in problems is an error.
func HasErrors(problems []Problem) bool {
	for _, p := range problems {
		if p.Severity == SeverityError {
			return true
		}
	}
	return false
}
