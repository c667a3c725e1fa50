package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/testutil"
)

type recorder struct {
	mu    sync.Mutex
	codes []string
	fail  map[string]bool
}

func (r *recorder) HandleScan(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[code] {
		return errors.New("unknown code")
	}
	r.codes = append(r.codes, code)
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.codes...)
}

func newPipeline(t *testing.T, h Handler, c *testutil.FakeClock) *Pipeline {
	return NewPipeline(h, WithPipelineClock(c), WithPipelineLogger(zaptest.NewLogger(t)))
}

func TestPipeline_FIFO(t *testing.T) {
	c := testutil.NewFakeClock(time.Time{})
	rec := &recorder{}
	p := newPipeline(t, rec, c)

	assert.True(t, p.Submit("111111", SourceManual))
	assert.True(t, p.Submit("222222", SourceManual))
	assert.True(t, p.Submit("111111", SourceManual), "not consecutive")
	assert.Equal(t, 3, p.Len())

	assert.Equal(t, 3, p.Drain(context.Background()))
	assert.Equal(t, []string{"111111", "222222", "111111"}, rec.seen())
}

func TestPipeline_DuplicateWindow(t *testing.T) {
	c := testutil.NewFakeClock(time.Time{})
	rec := &recorder{}
	p := newPipeline(t, rec, c)

	assert.True(t, p.Submit("400638", SourceKeyboard))
	c.Advance(200 * time.Millisecond)
	assert.False(t, p.Submit(" 400638\r\n", SourceKeyboard), "same normalized code inside window")
	c.Advance(351 * time.Millisecond)
	assert.True(t, p.Submit("400638", SourceKeyboard))
	assert.False(t, p.Submit("   ", SourceKeyboard))

	p.Drain(context.Background())
	assert.Equal(t, []string{"400638", "400638"}, rec.seen())
}

func TestPipeline_FailurePausesUntilAcknowledged(t *testing.T) {
	c := testutil.NewFakeClock(time.Time{})
	rec := &recorder{fail: map[string]bool{"BAD000": true}}
	var notices []Notice
	p := NewPipeline(rec, WithPipelineClock(c), WithNoticeHook(func(n Notice) { notices = append(notices, n) }))

	p.Submit("AAA111", SourceManual)
	p.Submit("BAD000", SourceManual)
	p.Submit("CCC333", SourceManual)

	assert.Equal(t, 2, p.Drain(context.Background()))
	assert.True(t, p.Paused())
	n, ok := p.Notice()
	require.True(t, ok)
	assert.Equal(t, "BAD000", n.Code)
	require.Len(t, notices, 1)
	assert.Equal(t, []string{"AAA111"}, rec.seen())
	assert.Equal(t, 1, p.Len())

	p.Acknowledge()
	_, ok = p.Notice()
	assert.False(t, ok)
	assert.Equal(t, 1, p.Drain(context.Background()))
	assert.Equal(t, []string{"AAA111", "CCC333"}, rec.seen())
}

func TestPipeline_Run(t *testing.T) {
	rec := &recorder{}
	p := NewPipeline(rec, WithDuplicateWindow(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Pause()
	p.Submit("123456", SourceManual)
	p.Resume()
	p.Submit("654321", SourceManual)

	require.Eventually(t, func() bool { return len(rec.seen()) == 2 }, time.Second, 5*time.Millisecond)

	p.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.False(t, p.Submit("999999", SourceManual))
}

func TestPipeline_RunCancel(t *testing.T) {
	p := NewPipeline(&recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestKeyBuffer_QuietPeriod(t *testing.T) {
	c := testutil.NewFakeClock(time.Time{})
	var got []string
	b := NewKeyBuffer(func(code string) { got = append(got, code) }, c, 0, 0)

	b.Feed("4006")
	c.Advance(100 * time.Millisecond)
	b.Feed("38")
	c.Advance(179 * time.Millisecond)
	assert.Empty(t, got)

	c.Advance(time.Millisecond)
	assert.Equal(t, []string{"400638"}, got)
}

func TestKeyBuffer_ShortBurstDiscarded(t *testing.T) {
	c := testutil.NewFakeClock(time.Time{})
	var got []string
	b := NewKeyBuffer(func(code string) { got = append(got, code) }, c, 0, 0)

	b.Feed("12345")
	c.Advance(time.Second)
	assert.Empty(t, got)
}

func TestKeyBuffer_Terminator(t *testing.T) {
	c := testutil.NewFakeClock(time.Time{})
	var got []string
	b := NewKeyBuffer(func(code string) { got = append(got, code) }, c, 0, 0)

	b.Feed("ABC1234\nXYZ9876\r")
	assert.Equal(t, []string{"ABC1234", "XYZ9876"}, got)

	c.Advance(time.Second)
	assert.Len(t, got, 2, "stale timers must not re-deliver")
	assert.Zero(t, c.Pending())
}

func TestInbox_PushDrain(t *testing.T) {
	ctx := context.Background()
	c := testutil.NewFakeClock(time.Time{})
	in := NewInbox(kv.NewMemory(), c)

	require.NoError(t, in.Push(ctx, "111111"))
	require.NoError(t, in.Push(ctx, "222222"))

	entries, err := in.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "111111", entries[0].Code)
	assert.Equal(t, testutil.Epoch, entries[0].At)

	entries, err = in.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInbox_CorruptDiscarded(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, kv.InboxKey, []byte("garbage")))
	in := NewInbox(store, nil)

	require.NoError(t, in.Push(ctx, "111111"))
	entries, err := in.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPoller_PollOnce(t *testing.T) {
	ctx := context.Background()
	c := testutil.NewFakeClock(time.Time{})
	rec := &recorder{}
	p := newPipeline(t, rec, c)
	in := NewInbox(kv.NewMemory(), c)
	poller := NewPoller(in, p, c, 0, nil)

	require.NoError(t, in.Push(ctx, "555555"))
	require.NoError(t, in.Push(ctx, "555555"))
	n, err := poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "second push is a duplicate inside the window")

	p.Drain(ctx)
	assert.Equal(t, []string{"555555"}, rec.seen())
}
