package memplatform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform"
)

var ref = platform.OperationRef{Kind: model.KindReceive, ID: "T1"}

func receivePlan() platform.Plan {
	return platform.Plan{
		Ref:              ref,
		LocationID:       "L-DEST",
		OriginLocationID: "L-ORIGIN",
		Groups: []platform.PlanGroup{{
			GroupSpec: model.GroupSpec{GroupID: "S1", Label: "Shipment 1"},
			Items: []model.PlannedItem{
				{ItemIdentity: model.ItemIdentity{ItemID: "A", Barcode: "400638"}, PlannedQty: 10},
			},
		}},
	}
}

func TestLookupByCode(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})
	p.AddItem(model.ItemIdentity{ItemID: "A", Barcode: "400638", SKU: "sku-a"})

	id, err := p.LookupByCode(ctx, " 400638\n")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "A", id.ItemID)

	id, err = p.LookupByCode(ctx, "sku-a")
	require.NoError(t, err)
	require.NotNil(t, id)

	id, err = p.LookupByCode(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestFetchPlan_TracksProgress(t *testing.T) {
	ctx := context.Background()
	p := New(Options{AutoActivate: true})
	p.AddPlan(receivePlan())

	plan, err := p.FetchPlan(ctx, ref)
	require.NoError(t, err)
	require.Len(t, plan.Groups, 1)
	assert.Equal(t, "S1/i:A", plan.Groups[0].Items[0].LineID)

	require.NoError(t, p.AdjustQuantities(ctx, platform.Adjustment{
		LocationID: "L-DEST",
		Reference:  ref.String() + "#S1",
		Reason:     platform.ReasonReceived,
		Deltas:     []platform.Delta{{ItemID: "A", LineID: "S1/i:A", Qty: 4}},
	}))

	plan, err = p.FetchPlan(ctx, ref)
	require.NoError(t, err)
	it := plan.Groups[0].Items[0]
	assert.Equal(t, 4, it.AppliedQty)
	assert.Equal(t, 4, it.CommittedQty)
	assert.Equal(t, 4, p.Stock("L-DEST", "A"))

	_, err = p.FetchPlan(ctx, platform.OperationRef{Kind: model.KindCount, ID: "X"})
	assert.Equal(t, platform.KindNotFound, platform.KindOf(err))
}

func TestAdjust_Bounds(t *testing.T) {
	ctx := context.Background()
	p := New(Options{AutoActivate: true, EnforceBounds: true})
	p.AddPlan(receivePlan())

	err := p.AdjustQuantities(ctx, platform.Adjustment{
		LocationID: "L-DEST",
		Reference:  ref.String(),
		Deltas:     []platform.Delta{{ItemID: "A", LineID: "S1/i:A", Qty: 11}},
	})
	require.True(t, platform.IsQuantityBounds(err))
	assert.Zero(t, p.Stock("L-DEST", "A"), "rejected calls apply nothing")

	require.NoError(t, p.AdjustQuantities(ctx, platform.Adjustment{
		LocationID: "L-DEST",
		Reference:  ref.String(),
		Deltas: []platform.Delta{
			{ItemID: "A", LineID: "S1/i:A", Qty: 10},
			{ItemID: "A", Qty: 1},
		},
	}))
	assert.Equal(t, 11, p.Stock("L-DEST", "A"))
}

func TestAdjust_PrimaryUnsupported(t *testing.T) {
	p := New(Options{PrimaryUnsupported: true})
	err := p.AdjustQuantities(context.Background(), platform.Adjustment{LocationID: "L"})
	assert.True(t, platform.IsCapabilityUnsupported(err))
}

func TestAdjust_RequiresActivation(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})
	adj := platform.Adjustment{LocationID: "L", Deltas: []platform.Delta{{ItemID: "A", Qty: 1}}}

	err := p.AdjustQuantities(ctx, adj)
	assert.Equal(t, platform.KindNotFound, platform.KindOf(err))

	res, err := p.ActivateAtLocation(ctx, "L", []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Activated)
	require.NoError(t, p.AdjustQuantities(ctx, adj))
}

func TestAdjust_Idempotent(t *testing.T) {
	ctx := context.Background()
	p := New(Options{AutoActivate: true})
	adj := platform.Adjustment{LocationID: "L", IdempotencyKey: "k1", Deltas: []platform.Delta{{ItemID: "A", Qty: 3}}}
	require.NoError(t, p.AdjustQuantities(ctx, adj))
	require.NoError(t, p.AdjustQuantities(ctx, adj))
	assert.Equal(t, 3, p.Stock("L", "A"))
}

func TestSetQuantities_CompareGuard(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})
	p.SetStock("L", "A", 5)

	err := p.SetQuantities(ctx, platform.SetRequest{
		LocationID: "L",
		Quantities: []platform.SetQuantity{{ItemID: "A", Quantity: 8, Compare: 4}},
	})
	assert.True(t, platform.IsCompareMismatch(err))
	assert.Equal(t, 5, p.Stock("L", "A"))

	require.NoError(t, p.SetQuantities(ctx, platform.SetRequest{
		LocationID: "L",
		Quantities: []platform.SetQuantity{{ItemID: "A", Quantity: 8, Compare: 5}},
	}))
	assert.Equal(t, 8, p.Stock("L", "A"))

	qty, ok, err := p.FetchCurrentQuantity(ctx, "A", "L")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 8, qty)

	_, ok, err = p.FetchCurrentQuantity(ctx, "B", "L")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActivation_Failures(t *testing.T) {
	p := New(Options{FailActivation: []string{"B"}})
	res, err := p.ActivateAtLocation(context.Background(), "L", []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Activated)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "B", res.Errors[0].ItemID)
}

func TestNotesAndChangeLog(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})
	ok, err := p.AppendNote(ctx, ref, "over by 2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"over by 2"}, p.Notes(ref))

	require.NoError(t, p.Record(ctx, []model.ChangeEntry{{ItemID: "A", Delta: 1}}))
	assert.Len(t, p.Changes(), 1)

	p.SetOptions(Options{FailNotes: true, FailChangeLog: true})
	_, err = p.AppendNote(ctx, ref, "x")
	assert.Equal(t, platform.KindTransient, platform.KindOf(err))
	assert.Error(t, p.Record(ctx, nil))

	calls := p.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, `note ref=receive:T1 text="over by 2"`, calls[0].String())
}
