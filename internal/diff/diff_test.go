package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/stocktake/internal/model"
)

func line(id string, planned, actual int, unplanned bool) model.Line {
	return model.Line{
		LineID:       id,
		ItemIdentity: model.ItemIdentity{ItemID: id},
		PlannedQty:   planned,
		ActualQty:    actual,
		Unplanned:    unplanned,
	}
}

func TestCompute(t *testing.T) {
	r := Compute([]model.Line{
		line("A", 10, 12, false),
		line("B", 5, 5, false),
		line("C", 3, 0, false),
		line("X", 0, 2, true),
		line("Y", 0, 0, true),
	})

	assert.Equal(t, 2, r.OverQty)
	assert.Equal(t, 3, r.ShortQty)
	assert.Equal(t, 2, r.UnplannedQty)
	assert.Equal(t, 18, r.PlannedTotal)
	assert.Equal(t, 19, r.ActualTotal)

	assert.Len(t, r.Over, 1)
	assert.Equal(t, "A", r.Over[0].LineID)
	assert.Len(t, r.Short, 1)
	assert.Equal(t, "C", r.Short[0].LineID)
	assert.Len(t, r.Unplanned, 1)
	assert.Equal(t, "X", r.Unplanned[0].LineID)
	assert.True(t, r.HasWarning())
	assert.True(t, r.HasExtra())
}

func TestCompute_Disjoint(t *testing.T) {
	lines := []model.Line{
		line("A", 1, 4, false),
		line("B", 4, 1, false),
		line("C", 0, 3, true),
		line("D", 2, 2, false),
	}
	r := Compute(lines)
	seen := map[string]int{}
	for _, bucket := range [][]Entry{r.Over, r.Short, r.Unplanned} {
		for _, e := range bucket {
			seen[e.LineID]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "line %s in more than one bucket", id)
	}
	assert.NotContains(t, seen, "D")
}

func TestCompute_Empty(t *testing.T) {
	r := Compute(nil)
	assert.False(t, r.HasWarning())
	assert.NotNil(t, r.Over)
	assert.NotNil(t, r.Short)
	assert.NotNil(t, r.Unplanned)
}

func TestGate(t *testing.T) {
	warn := Compute([]model.Line{line("A", 1, 2, false)})
	clean := Compute([]model.Line{line("A", 1, 1, false)})

	tests := []struct {
		name       string
		gate       Gate
		canConfirm bool
		readyWarn  bool
		readyClean bool
	}{
		{"not loaded", Gate{}, false, false, false},
		{"loaded", Gate{Loaded: true}, true, false, true},
		{"acknowledged", Gate{Loaded: true, Acknowledged: true}, true, true, true},
		{"submitting", Gate{Loaded: true, Submitting: true, Acknowledged: true}, false, false, false},
		{"scan paused", Gate{Loaded: true, ScanPaused: true}, false, false, false},
		{"read only", Gate{Loaded: true, ReadOnly: true}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.canConfirm, tt.gate.CanConfirm())
			assert.Equal(t, tt.readyWarn, tt.gate.Ready(warn))
			assert.Equal(t, tt.readyClean, tt.gate.Ready(clean))
		})
	}
}
