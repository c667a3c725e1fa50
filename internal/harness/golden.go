package harness

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/stocktake/internal/model"
)

// Trace renders a result as the plain-text trace stored in golden files.
//
// The trace lists every step with its outcome, then the final stock, lines,
// groups and audit history. Generated identifiers and timestamps are left
// out so the text only changes when behaviour does.
func Trace(name string, r *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)

	b.WriteString("steps:\n")
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "  %02d %s -> %s\n", s.Index, s.Step, s.Outcome)
	}

	b.WriteString("stock:\n")
	keys := make([]string, 0, len(r.Stock))
	for k := range r.Stock {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s=%d\n", k, r.Stock[k])
	}

	b.WriteString("lines:\n")
	for _, l := range r.Lines {
		fmt.Fprintf(&b, "  %s %s planned=%d actual=%d committed=%d", orDash(l.GroupID), l.ItemID, l.PlannedQty, l.ActualQty, l.CommittedQty)
		if l.Unplanned {
			b.WriteString(" unplanned")
		}
		if l.ReadOnly {
			b.WriteString(" readonly")
		}
		b.WriteString("\n")
	}

	b.WriteString("groups:\n")
	for _, g := range r.Groups {
		fmt.Fprintf(&b, "  %s %s\n", g.GroupID, g.State)
	}

	b.WriteString("history:\n")
	for _, e := range r.History {
		kind := "partial"
		if e.Final {
			kind = "final"
		}
		fmt.Fprintf(&b, "  %s %s groups=%s over=%s extra=%s short=%s\n",
			e.OperationRef, kind, orDash(strings.Join(e.GroupRefs, ",")),
			auditItems(e.OverItems), auditItems(e.ExtraItems), auditItems(e.ShortItems))
	}
	return []byte(b.String())
}

func auditItems(items []model.AuditItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s:%d", it.ItemID, it.Qty))
	}
	return orDash(strings.Join(parts, ","))
}

// RunWithGolden executes a scenario and compares its trace against a golden
// file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass and Errors; goldie fails the
// test when the trace differs.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Trace(name, result))
}
