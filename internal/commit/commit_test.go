package commit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform"
	"github.com/roach88/stocktake/internal/platform/memplatform"
	"github.com/roach88/stocktake/internal/testutil"
)

var receiveRef = platform.OperationRef{Kind: model.KindReceive, ID: "T1"}

func line(item string, planned, applied, actual int) model.Line {
	return model.Line{
		LineID:       "S1/i:" + item,
		ItemIdentity: model.ItemIdentity{ItemID: item, Title: "Item " + item, SKU: "SKU-" + item},
		GroupID:      "S1",
		PlannedQty:   planned,
		CommittedQty: applied,
		AppliedQty:   applied,
		ActualQty:    actual,
	}
}

func unplanned(item string, actual int) model.Line {
	return model.Line{
		LineID:       "u-" + item,
		ItemIdentity: model.ItemIdentity{ItemID: item, Title: "Extra " + item},
		GroupID:      "S1",
		ActualQty:    actual,
		Unplanned:    true,
	}
}

func newPlatform(opts memplatform.Options, lines ...model.Line) *memplatform.Platform {
	p := memplatform.New(opts)
	items := make([]model.PlannedItem, 0, len(lines))
	for _, l := range lines {
		if l.Unplanned {
			continue
		}
		items = append(items, model.PlannedItem{
			LineID:       l.LineID,
			ItemIdentity: l.ItemIdentity,
			PlannedQty:   l.PlannedQty,
			CommittedQty: l.CommittedQty,
			AppliedQty:   l.AppliedQty,
		})
	}
	p.AddPlan(platform.Plan{
		Ref:              receiveRef,
		LocationID:       "DEST",
		OriginLocationID: "ORIGIN",
		Groups:           []platform.PlanGroup{{GroupSpec: model.GroupSpec{GroupID: "S1"}, Items: items}},
	})
	return p
}

func newCommitter(t *testing.T, p *memplatform.Platform, opts ...Option) *Committer {
	base := []Option{
		WithChangeLog(p),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(testutil.NewFakeClock(time.Time{})),
		WithIDGenerator(testutil.NewSequenceGenerator("chg")),
	}
	return New(p, append(base, opts...)...)
}

func request(lines ...model.Line) Request {
	return Request{
		Ref:              receiveRef,
		LocationID:       "DEST",
		OriginLocationID: "ORIGIN",
		GroupIDs:         []string{"S1"},
		Lines:            lines,
	}
}

func ops(p *memplatform.Platform) []string {
	var out []string
	for _, c := range p.Calls() {
		out = append(out, c.Op)
	}
	return out
}

func TestCommit_ReceiveWithOverAndUnplanned(t *testing.T) {
	ctx := context.Background()
	lines := []model.Line{line("A", 10, 0, 12), line("B", 5, 0, 5), unplanned("X", 1)}
	p := newPlatform(memplatform.Options{}, lines...)
	c := newCommitter(t, p)

	res, err := c.Commit(ctx, request(lines...))
	require.NoError(t, err)

	assert.Equal(t, []string{"note", "activate", "adjust", "changelog"}, ops(p))
	assert.True(t, res.NoteAppended)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "receive:T1#S1", res.Reference)

	for _, l := range lines {
		require.True(t, res.Covered(l.LineID), l.LineID)
		assert.Equal(t, l.ActualQty, res.Lines[l.LineID].Applied)
	}
	assert.Equal(t, 12, p.Stock("DEST", "A"))
	assert.Equal(t, 1, p.Stock("DEST", "X"))

	notes := p.Notes(receiveRef)
	require.Len(t, notes, 1)
	assert.True(t, strings.HasPrefix(notes[0], "receive T1: over 2, unplanned 1"))
	assert.Contains(t, notes[0], "- over Item A (SKU-A) +2")
	assert.Contains(t, notes[0], "- unplanned Extra X 1")

	require.Len(t, p.Changes(), 3)
	assert.Equal(t, model.ActivityInbound, p.Changes()[0].Activity)
	assert.Equal(t, "chg-0001", p.Changes()[0].ID)
}

func TestCommit_NoNoteWithoutExtra(t *testing.T) {
	lines := []model.Line{line("A", 10, 0, 10)}
	p := newPlatform(memplatform.Options{}, lines...)
	res, err := newCommitter(t, p).Commit(context.Background(), request(lines...))
	require.NoError(t, err)
	assert.False(t, res.NoteAppended)
	assert.NotContains(t, ops(p), "note")
}

func TestCommit_IdempotentPartial(t *testing.T) {
	ctx := context.Background()
	first := line("A", 10, 0, 4)
	p := newPlatform(memplatform.Options{}, first)
	c := newCommitter(t, p)

	res, err := c.Commit(ctx, request(first))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Lines[first.LineID].Delta)

	second := line("A", 10, res.Lines[first.LineID].Applied, 7)
	res, err = c.Commit(ctx, request(second))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Lines[second.LineID].Delta, "second confirm sends Q2 - Q1")
	assert.Equal(t, 7, p.Stock("DEST", "A"))

	// Nothing changed since: no remote mutation at all.
	third := line("A", 10, 7, 7)
	before := len(p.Calls())
	res, err = c.Commit(ctx, request(third))
	require.NoError(t, err)
	assert.True(t, res.Covered(third.LineID))
	assert.Len(t, p.Calls(), before)
}

func TestCommit_FallbackToAbsoluteSet(t *testing.T) {
	ctx := context.Background()
	lines := []model.Line{line("A", 10, 0, 3), line("B", 2, 0, 2)}
	p := newPlatform(memplatform.Options{PrimaryUnsupported: true}, lines...)
	p.SetStock("DEST", "A", 5)
	c := newCommitter(t, p, WithChunkSize(1))

	res, err := c.Commit(ctx, request(lines...))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, 8, p.Stock("DEST", "A"), "current + delta")
	assert.Equal(t, 2, p.Stock("DEST", "B"))

	// The primary mutation is only tried once per commit.
	adjusts := 0
	for _, op := range ops(p) {
		if op == "adjust" {
			adjusts++
		}
	}
	assert.Equal(t, 1, adjusts)
	assert.Contains(t, ops(p), "set")
}

func TestCommit_CompareMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	lines := []model.Line{line("A", 10, 0, 3)}
	p := newPlatform(memplatform.Options{PrimaryUnsupported: true}, lines...)
	inv := &racingInventory{Platform: p}
	c := New(inv)

	_, err := c.Commit(ctx, request(lines...))
	var pe *PartialError
	require.ErrorAs(t, err, &pe)
	assert.True(t, platform.IsCompareMismatch(err))
	assert.False(t, pe.Result.Covered("S1/i:A"))
}

// racingInventory changes stock between the fetch and the set.
type racingInventory struct {
	*memplatform.Platform
}

func (r *racingInventory) FetchCurrentQuantity(ctx context.Context, itemID, loc string) (int, bool, error) {
	qty, ok, err := r.Platform.FetchCurrentQuantity(ctx, itemID, loc)
	r.Platform.SetStock(loc, itemID, qty+1)
	return qty, ok, err
}

func TestCommit_OverflowCappedAndFolded(t *testing.T) {
	ctx := context.Background()
	lines := []model.Line{line("A", 10, 0, 13), line("B", 4, 0, 4)}
	p := newPlatform(memplatform.Options{EnforceBounds: true}, lines...)
	c := newCommitter(t, p)

	res, err := c.Commit(ctx, request(lines...))
	require.NoError(t, err)

	out := res.Lines["S1/i:A"]
	assert.Equal(t, 13, out.Delta)
	assert.Equal(t, 10, out.Capped)
	assert.Equal(t, 3, out.Folded)
	assert.Equal(t, out.Delta, out.Capped+out.Folded)
	require.Len(t, res.Folded, 1)
	assert.Equal(t, platform.Delta{ItemID: "A", GroupID: "S1", Qty: 3}, res.Folded[0])

	assert.Equal(t, 13, p.Stock("DEST", "A"), "nothing lost")
	assert.Equal(t, 4, p.Stock("DEST", "B"))

	plan, err := p.FetchPlan(ctx, receiveRef)
	require.NoError(t, err)
	assert.Equal(t, 10, plan.Groups[0].Items[0].AppliedQty, "shipment line accepts only the remaining amount")
}

func TestCommit_ActivationFailureSkipsChunk(t *testing.T) {
	ctx := context.Background()
	lines := []model.Line{line("A", 1, 0, 1), line("B", 1, 0, 1), line("C", 1, 0, 1)}
	p := newPlatform(memplatform.Options{FailActivation: []string{"B"}}, lines...)
	c := newCommitter(t, p, WithChunkSize(2))

	res, err := c.Commit(ctx, request(lines...))
	require.NoError(t, err)

	assert.False(t, res.Covered("S1/i:A"), "A shares the failed chunk")
	assert.False(t, res.Covered("S1/i:B"))
	assert.True(t, res.Covered("S1/i:C"))
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, StageActivate, res.Warnings[0].Stage)
	assert.Equal(t, "B", res.Warnings[0].ItemID)
	assert.Zero(t, p.Stock("DEST", "A"))
	assert.Equal(t, 1, p.Stock("DEST", "C"))
}

func TestCommit_FatalMidwayKeepsAppliedChunks(t *testing.T) {
	ctx := context.Background()
	lines := []model.Line{line("A", 1, 0, 1), line("B", 1, 0, 1), line("C", 1, 0, 1)}
	p := newPlatform(memplatform.Options{FailAdjustCall: 2}, lines...)
	c := newCommitter(t, p, WithChunkSize(1))

	res, err := c.Commit(ctx, request(lines...))
	require.Error(t, err)
	var pe *PartialError
	require.ErrorAs(t, err, &pe)
	assert.Same(t, res, pe.Result)
	assert.Equal(t, platform.KindTransient, platform.KindOf(err))

	assert.True(t, res.Covered("S1/i:A"))
	assert.False(t, res.Covered("S1/i:B"))
	assert.False(t, res.Covered("S1/i:C"))
	assert.Len(t, p.Changes(), 1, "applied chunks are still logged")
}

func TestCommit_FinalizeReturnsShortfall(t *testing.T) {
	ctx := context.Background()
	lines := []model.Line{line("A", 10, 0, 7), line("B", 3, 0, 3)}
	p := newPlatform(memplatform.Options{}, lines...)
	p.SetStock("ORIGIN", "A", 20)
	c := newCommitter(t, p)

	req := request(lines...)
	req.Finalize = true
	res, err := c.Commit(ctx, req)
	require.NoError(t, err)

	require.Len(t, res.Returned, 1)
	assert.Equal(t, -3, res.Returned[0].Qty)
	assert.Equal(t, 3, res.Lines["S1/i:A"].Rejected)
	assert.Equal(t, 3, res.Lines["S1/i:A"].Returned)
	assert.Equal(t, 17, p.Stock("ORIGIN", "A"))

	plan, err := p.FetchPlan(ctx, receiveRef)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Groups[0].Items[0].RejectedQty)

	var outbound int
	for _, ch := range res.Changes {
		if ch.Activity == model.ActivityOutbound {
			outbound++
			assert.Equal(t, "ORIGIN", ch.LocationID)
		}
	}
	assert.Equal(t, 1, outbound)
}

func TestCommit_PartialDoesNotReturnShortfall(t *testing.T) {
	lines := []model.Line{line("A", 10, 0, 7)}
	p := newPlatform(memplatform.Options{}, lines...)
	res, err := newCommitter(t, p).Commit(context.Background(), request(lines...))
	require.NoError(t, err)
	assert.Empty(t, res.Returned)
}

func TestCommit_Count(t *testing.T) {
	ctx := context.Background()
	ref := platform.OperationRef{Kind: model.KindCount, ID: "C1"}
	p := memplatform.New(memplatform.Options{})
	p.SetStock("STORE", "A", 8)

	// Count lines start with applied = system on-hand.
	l := model.Line{LineID: "G1/i:A", ItemIdentity: model.ItemIdentity{ItemID: "A"}, GroupID: "G1", PlannedQty: 8, AppliedQty: 8, ActualQty: 6}
	res, err := newCommitter(t, p).Commit(ctx, Request{Ref: ref, LocationID: "STORE", Lines: []model.Line{l}, Finalize: true})
	require.NoError(t, err)

	assert.Equal(t, -2, res.Lines[l.LineID].Delta)
	assert.Equal(t, 6, p.Stock("STORE", "A"))
	assert.Equal(t, model.ActivityCount, res.Changes[0].Activity)
	assert.Contains(t, p.Calls()[len(p.Calls())-2].Detail, "reason=correction")
}

func TestCommit_SideEffectFailuresAreWarnings(t *testing.T) {
	lines := []model.Line{line("A", 1, 0, 2)}
	p := newPlatform(memplatform.Options{FailNotes: true, FailChangeLog: true}, lines...)
	res, err := newCommitter(t, p).Commit(context.Background(), request(lines...))
	require.NoError(t, err)

	stages := make([]Stage, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		stages = append(stages, w.Stage)
	}
	assert.Equal(t, []Stage{StageNote, StageChangeLog}, stages)
	assert.False(t, res.NoteAppended)
	assert.True(t, res.Covered("S1/i:A"))
}

func TestCommit_ReadOnlyLinesIgnored(t *testing.T) {
	ro := line("A", 1, 0, 5)
	ro.ReadOnly = true
	p := newPlatform(memplatform.Options{}, ro)
	res, err := newCommitter(t, p).Commit(context.Background(), request(ro))
	require.NoError(t, err)
	assert.False(t, res.Covered(ro.LineID))
	assert.Empty(t, p.Calls())
}

func TestCommit_InvalidRequest(t *testing.T) {
	_, err := New(memplatform.New(memplatform.Options{})).Commit(context.Background(), Request{Ref: receiveRef})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCommit_RateLimited(t *testing.T) {
	lines := []model.Line{line("A", 1, 0, 1)}
	p := newPlatform(memplatform.Options{}, lines...)
	c := newCommitter(t, p, WithRateLimit(rate.Inf, 1))
	_, err := c.Commit(context.Background(), request(lines...))
	require.NoError(t, err)
}

func TestIdempotencyKey(t *testing.T) {
	a := []keyEntry{{ItemID: "A", Qty: 1}, {ItemID: "B", Qty: 2}}
	b := []keyEntry{{ItemID: "B", Qty: 2}, {ItemID: "A", Qty: 1}}

	ka, err := idempotencyKey(DomainAdjust, "ref", "L", "received", a)
	require.NoError(t, err)
	kb, err := idempotencyKey(DomainAdjust, "ref", "L", "received", b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.Len(t, ka, 64)

	kSet, err := idempotencyKey(DomainSet, "ref", "L", "received", a)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kSet, "domains separate keys")

	a[0].Base = 4
	kBase, err := idempotencyKey(DomainAdjust, "ref", "L", "received", a)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kBase)
}
