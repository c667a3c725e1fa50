package store

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform"
)

var (
	_ kv.Store           = (*Store)(nil)
	_ platform.ChangeLog = (*Store)(nil)
)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenConfiguresConnection(t *testing.T) {
	s := createTestStore(t)

	for name, want := range map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
	} {
		got, err := s.pragma(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestOpenMigratesToLatest(t *testing.T) {
	s := createTestStore(t)

	got, err := s.pragma("user_version")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(len(migrations)), got)

	var n int
	require.NoError(t, s.db.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_change_log_reference'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpenIsReentrant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, kv.DraftKey("T1"), []byte(`{"version":1}`)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.Get(ctx, kv.DraftKey("T1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"version":1}`, string(got))
}

func TestKV(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, kv.GroupsKey("T1"), []byte("a")))
	require.NoError(t, s.Set(ctx, kv.GroupsKey("T1"), []byte("b")))
	require.NoError(t, s.Set(ctx, kv.DraftKey("T1"), []byte("d")))

	got, ok, err := s.Get(ctx, kv.GroupsKey("T1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", string(got))

	keys, err := s.Keys(ctx, "draft:")
	require.NoError(t, err)
	assert.Equal(t, []string{"draft:T1"}, keys)

	require.NoError(t, s.Delete(ctx, kv.GroupsKey("T1")))
	require.NoError(t, s.Delete(ctx, kv.GroupsKey("T1")))
	_, ok, err = s.Get(ctx, kv.GroupsKey("T1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVWithJSONHelpers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	type group struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, kv.SetJSON(ctx, s, kv.GroupsKey("T1"), []group{{ID: "g1", State: "completed"}}))

	var got []group
	ok, err := kv.GetJSON(ctx, s, kv.GroupsKey("T1"), &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []group{{ID: "g1", State: "completed"}}, got)
}

func TestRecordAndListChanges(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	entries := []model.ChangeEntry{
		{ID: "c-2", ItemID: "i1", LocationID: "L1", Delta: 5, Activity: model.ActivityInbound, Reference: "receive:T1#g1", At: at},
		{ID: "c-1", ItemID: "i2", LocationID: "L0", Delta: -2, Activity: model.ActivityOutbound, Reference: "receive:T1", At: at},
		{ID: "c-3", ItemID: "i1", LocationID: "L1", Delta: 1, Activity: model.ActivityCount, Reference: "count:C1", At: at},
	}
	require.NoError(t, s.Record(ctx, entries))

	all, err := s.ListChanges(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Insertion order, not ID order.
	assert.Equal(t, []string{"c-2", "c-1", "c-3"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, entries[0], all[0])

	scoped, err := s.ListChanges(ctx, "receive:T1")
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	assert.Equal(t, "receive:T1#g1", scoped[0].Reference)
	assert.Equal(t, "receive:T1", scoped[1].Reference)

	none, err := s.ListChanges(ctx, "receive:T")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordIgnoresDuplicateIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	e := model.ChangeEntry{ID: "c-1", ItemID: "i1", LocationID: "L1", Delta: 5, Activity: model.ActivityInbound, Reference: "receive:T1", At: time.Unix(0, 0)}

	require.NoError(t, s.Record(ctx, []model.ChangeEntry{e}))
	require.NoError(t, s.Record(ctx, []model.ChangeEntry{e}))

	all, err := s.ListChanges(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRecordRejectsBadEntries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Record(ctx, []model.ChangeEntry{{ItemID: "i1", Activity: model.ActivityCount}})
	assert.Error(t, err)

	err = s.Record(ctx, []model.ChangeEntry{
		{ID: "ok", ItemID: "i1", Activity: model.ActivityCount},
		{ID: "bad", ItemID: "i1", Activity: model.Activity("transfer")},
	})
	assert.Error(t, err)

	// The failed batch leaves nothing behind.
	all, err := s.ListChanges(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}
