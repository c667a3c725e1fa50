package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/stocktake/internal/model"
)

// AssertionError is returned when an assertion fails.
// It includes the step trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Steps    []StepRecord // Full step trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Steps) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for _, s := range e.Steps {
			fmt.Fprintf(&buf, "  [%d] %s -> %s\n", s.Index, s.Step, s.Outcome)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the final state and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(r *Result, a Assertion) error {
	switch a.Type {
	case AssertStock:
		return assertStock(r, a)
	case AssertLine:
		return assertLine(r, a)
	case AssertGroupState:
		return assertGroupState(r, a)
	case AssertHistoryCount:
		return assertCount(r, a.Type, "audit entries", len(r.History), *a.Count)
	case AssertCallCount:
		n := 0
		for _, c := range r.Calls {
			if c.Op == a.Op {
				n++
			}
		}
		return assertCount(r, a.Type, a.Op+" calls", n, *a.Count)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertStock(r *Result, a Assertion) error {
	key := a.Location + "|" + a.Item
	if got := r.Stock[key]; got != *a.Qty {
		return &AssertionError{
			Type:     AssertStock,
			Expected: fmt.Sprintf("%s = %d", key, *a.Qty),
			Actual:   fmt.Sprintf("%s = %d", key, got),
			Steps:    r.Steps,
		}
	}
	return nil
}

func assertLine(r *Result, a Assertion) error {
	var line *model.Line
	for i := range r.Lines {
		if r.Lines[i].LineID == a.Line {
			line = &r.Lines[i]
			break
		}
	}
	if line == nil {
		return &AssertionError{
			Type:     AssertLine,
			Expected: "line " + a.Line,
			Actual:   "not found",
			Steps:    r.Steps,
		}
	}

	var diffs []string
	if a.Actual != nil && line.ActualQty != *a.Actual {
		diffs = append(diffs, fmt.Sprintf("actual %d, want %d", line.ActualQty, *a.Actual))
	}
	if a.Committed != nil && line.CommittedQty != *a.Committed {
		diffs = append(diffs, fmt.Sprintf("committed %d, want %d", line.CommittedQty, *a.Committed))
	}
	if a.ReadOnly != nil && line.ReadOnly != *a.ReadOnly {
		diffs = append(diffs, fmt.Sprintf("read-only %t, want %t", line.ReadOnly, *a.ReadOnly))
	}
	if len(diffs) > 0 {
		return &AssertionError{
			Type:     AssertLine,
			Expected: "line " + a.Line + " to match",
			Actual:   strings.Join(diffs, "; "),
			Steps:    r.Steps,
		}
	}
	return nil
}

func assertGroupState(r *Result, a Assertion) error {
	for _, g := range r.Groups {
		if g.GroupID != a.Group {
			continue
		}
		if string(g.State) != a.State {
			return &AssertionError{
				Type:     AssertGroupState,
				Expected: fmt.Sprintf("group %s %s", a.Group, a.State),
				Actual:   fmt.Sprintf("group %s %s", a.Group, g.State),
				Steps:    r.Steps,
			}
		}
		return nil
	}
	return &AssertionError{
		Type:     AssertGroupState,
		Expected: "group " + a.Group,
		Actual:   "not found",
		Steps:    r.Steps,
	}
}

func assertCount(r *Result, typ, what string, got, want int) error {
	if got == want {
		return nil
	}
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprintf("%d %s", want, what),
		Actual:   fmt.Sprintf("%d %s", got, what),
		Steps:    r.Steps,
	}
}
