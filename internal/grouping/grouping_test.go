package grouping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/testutil"
)

var specs = []model.GroupSpec{{GroupID: "S1", Label: "Shipment 1"}, {GroupID: "S2", Label: "Shipment 2"}}

func line(id, group string, planned, actual int) model.Line {
	return model.Line{
		LineID:       id,
		ItemIdentity: model.ItemIdentity{ItemID: id, Title: "Item " + id},
		GroupID:      group,
		PlannedQty:   planned,
		ActualQty:    actual,
	}
}

func newCoordinator(store kv.Store) *Coordinator {
	return New("T1", specs, WithStore(store), WithClock(testutil.NewFakeClock(time.Time{})))
}

func TestLifecycle(t *testing.T) {
	c := newCoordinator(nil)
	assert.Equal(t, model.StatePending, c.OperationState())

	changed, err := c.Touch("S1")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = c.Touch("S1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.StateInProgress, c.OperationState())

	lines := []model.Line{line("A", "S1", 2, 2), line("B", "S1", 1, 0)}
	require.NoError(t, c.Complete("S1", lines, map[string]Coverage{"A": {Delta: 2, Actual: 2}, "B": {Delta: 0, Actual: 0}}))

	g, ok := c.Group("S1")
	require.True(t, ok)
	assert.Equal(t, model.StateCompleted, g.State)
	require.Len(t, g.CommittedLines, 2)
	assert.Equal(t, 2, g.CommittedLines[0].Delta)
	assert.Equal(t, testutil.Epoch, *g.CommittedAt)
	assert.Equal(t, model.StateInProgress, c.OperationState(), "partial completion")

	_, err = c.Touch("nope")
	assert.ErrorIs(t, err, ErrUnknownGroup)

	require.NoError(t, c.Complete("S2", []model.Line{line("C", "S2", 1, 1)}, map[string]Coverage{"C": {Delta: 1, Actual: 1}}))
	assert.Equal(t, model.StateCompleted, c.OperationState())

	err = c.Complete("S2", []model.Line{line("C", "S2", 1, 1)}, map[string]Coverage{"C": {Delta: 1, Actual: 1}})
	assert.ErrorIs(t, err, ErrCompleted)
}

func TestComplete_NoCountedItems(t *testing.T) {
	c := newCoordinator(nil)
	err := c.Complete("S1", []model.Line{line("A", "S1", 3, 0)}, map[string]Coverage{"A": {Delta: 0, Actual: 0}})
	assert.ErrorIs(t, err, ErrNoCountedItems)

	g, _ := c.Group("S1")
	assert.Empty(t, g.CommittedLines)
	assert.NotEqual(t, model.StateCompleted, g.State)
}

func TestComplete_RequiresCoverage(t *testing.T) {
	c := newCoordinator(nil)
	lines := []model.Line{line("A", "S1", 2, 2), line("B", "S1", 1, 1)}
	err := c.Complete("S1", lines, map[string]Coverage{"A": {Delta: 2, Actual: 2}})
	assert.ErrorIs(t, err, ErrNotCovered)
}

func TestComplete_RejectsLinesChangedAfterSnapshot(t *testing.T) {
	c := newCoordinator(nil)
	lines := []model.Line{line("A", "S1", 5, 6), line("B", "S1", 3, 3)}
	covered := map[string]Coverage{"A": {Delta: 5, Actual: 5}, "B": {Delta: 3, Actual: 3}}

	err := c.Complete("S1", lines, covered)
	assert.ErrorIs(t, err, ErrNotCovered)
	assert.Contains(t, err.Error(), "changed from 5 to 6")

	g, _ := c.Group("S1")
	assert.NotEqual(t, model.StateCompleted, g.State)
	assert.Empty(t, g.CommittedLines)
}

func TestCompletedIffSnapshot(t *testing.T) {
	c := newCoordinator(nil)
	require.NoError(t, c.Complete("S1", []model.Line{line("A", "S1", 1, 1)}, map[string]Coverage{"A": {Delta: 1, Actual: 1}}))
	for _, g := range c.Groups() {
		assert.Equal(t, g.State == model.StateCompleted, len(g.CommittedLines) > 0, g.GroupID)
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	c := newCoordinator(store)
	_, err := c.Touch("S2")
	require.NoError(t, err)
	require.NoError(t, c.Complete("S1", []model.Line{line("A", "S1", 1, 1)}, map[string]Coverage{"A": {Delta: 1, Actual: 1}}))
	require.NoError(t, c.Save(ctx))

	reloaded := newCoordinator(store)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, c.Groups(), reloaded.Groups())
}

func TestLoad_Malformed(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, kv.GroupsKey("T1"), []byte("[{")))

	c := newCoordinator(store)
	require.NoError(t, c.Load(ctx))
	assert.Equal(t, model.StatePending, c.OperationState())
}

func TestReconstructFromLegacy(t *testing.T) {
	c := newCoordinator(nil)
	lines := []model.Line{
		line("A", "S1", 1, 1),
		line("B", "S1", 1, 1),
		line("C", "S2", 1, 1),
		line("D", "S2", 1, 0),
	}

	done := c.ReconstructFromLegacy([]string{"A", "B", "C"}, lines)
	assert.Equal(t, []string{"S1"}, done)

	g, _ := c.Group("S1")
	assert.Equal(t, model.StateCompleted, g.State)
	assert.Len(t, g.CommittedLines, 2)
	g, _ = c.Group("S2")
	assert.Equal(t, model.StatePending, g.State)

	assert.Nil(t, c.ReconstructFromLegacy(nil, lines))
}
