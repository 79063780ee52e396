package pipeline

import "fmt"

// RefineKind selects the fixed prompt used by AutoRefine.
type RefineKind int

const (
	RefineSyntax RefineKind = iota
	RefineLint
	RefineRuntime
)

func (k RefineKind) String() string {
	switch k {
	case RefineLint:
		return "lint"
	case RefineRuntime:
		return "runtime"
	default:
		return "syntax"
	}
}

// RefinePrompt builds the message sent to the model to repair code.
func RefinePrompt(kind RefineKind, details string) string {
	switch kind {
	case RefineLint:
		return fmt.Sprintf("The code has the following lint issues (from ruff). Please fix them:\n%s", details)
	case RefineRuntime:
		return fmt.Sprintf("The code crashed with this runtime error. Please fix it:\n%s", details)
	default:
		return fmt.Sprintf("The code has a syntax error. Please fix it:\n%s", details)
	}
}
