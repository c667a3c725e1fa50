package audit

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/testutil"
)

func newLog(t *testing.T, store kv.Store, opts ...Option) *Log {
	base := []Option{
		WithClock(testutil.NewFakeClock(time.Time{})),
		WithIDGenerator(testutil.NewSequenceGenerator("audit")),
		WithLogger(zaptest.NewLogger(t)),
	}
	return New(store, kv.AuditKey("receive"), append(base, opts...)...)
}

func TestAppend_PrependsAndTruncates(t *testing.T) {
	ctx := context.Background()
	l := newLog(t, kv.NewMemory(), WithMax(3))

	for i := 1; i <= 5; i++ {
		_, err := l.Append(ctx, model.AuditEntry{OperationRef: fmt.Sprintf("op-%d", i)})
		require.NoError(t, err)
	}

	all, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "op-5", all[0].OperationRef)
	assert.Equal(t, "op-3", all[2].OperationRef)
	assert.Equal(t, "audit-0005", all[0].ID)
	assert.Equal(t, testutil.Epoch, all[0].At)
	assert.NotNil(t, all[0].OverItems)
}

func TestAppend_Validates(t *testing.T) {
	_, err := newLog(t, kv.NewMemory()).Append(context.Background(), model.AuditEntry{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OperationRef")
}

func TestHistory_Filters(t *testing.T) {
	ctx := context.Background()
	l := newLog(t, kv.NewMemory())

	_, err := l.Append(ctx, model.AuditEntry{OperationRef: "receive:T1", GroupRefs: []string{"S1"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, model.AuditEntry{OperationRef: "receive:T2"})
	require.NoError(t, err)
	_, err = l.Append(ctx, model.AuditEntry{OperationRef: "receive:T1", GroupRefs: []string{"S2"}})
	require.NoError(t, err)

	h, err := l.History(ctx, "receive:T1")
	require.NoError(t, err)
	assert.Len(t, h, 2)

	h, err = l.History(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, []string{"S1"}, h[0].GroupRefs)
}

func TestMalformedHistory(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	key := kv.AuditKey("receive")

	require.NoError(t, store.Set(ctx, key, []byte(`{"not":"an array"}`)))
	l := newLog(t, store)
	all, err := l.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, store.Set(ctx, key, []byte(`[{"operationRef":"ok"}, 42, {"operationRef":"also"}]`)))
	all, err = l.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "also", all[1].OperationRef)

	_, err = l.Append(ctx, model.AuditEntry{OperationRef: "new"})
	require.NoError(t, err)
	all, err = l.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestWriteXLSX(t *testing.T) {
	entries := []model.AuditEntry{{
		ID:           "a-1",
		At:           testutil.Epoch,
		Kind:         model.KindReceive,
		OperationRef: "receive:T1",
		GroupRefs:    []string{"S1", "S2"},
		LocationRef:  "DEST",
		Final:        true,
		OverItems:    []model.AuditItem{{ItemID: "A", Title: "Widget", Qty: 2}},
		ExtraItems:   []model.AuditItem{{ItemID: "X", Qty: 1}},
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, entries))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("History")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Entry ID", rows[0][0])
	assert.Equal(t, "a-1", rows[1][0])
	assert.Equal(t, "S1, S2", rows[1][5])
	assert.Equal(t, "Widget x2", rows[1][10])
	assert.Equal(t, "X x1", rows[1][11])
}
