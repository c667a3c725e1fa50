package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/clock"
	"github.com/roach88/stocktake/internal/kv"
)

// DefaultPollInterval is how often the inbox is drained.
const DefaultPollInterval = 100 * time.Millisecond

// InboxEntry is one scan pushed by another process.
type InboxEntry struct {
	Code string    `json:"code"`
	At   time.Time `json:"at"`
}

// Inbox is a scan queue shared through the key-value store, letting a
// separate scanner process feed the operator's session.
//
// Push and Drain are read-modify-write; a push racing a drain from another
// process can be lost.
type Inbox struct {
	mu    sync.Mutex
	store kv.Store
	key   string
	clock clock.Clock
}

// NewInbox creates an inbox stored under kv.InboxKey.
func NewInbox(store kv.Store, c clock.Clock) *Inbox {
	if c == nil {
		c = clock.New()
	}
	return &Inbox{store: store, key: kv.InboxKey, clock: c}
}

// Push appends a code.
func (in *Inbox) Push(ctx context.Context, code string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	entries, err := in.readLocked(ctx)
	if err != nil {
		return err
	}
	entries = append(entries, InboxEntry{Code: code, At: in.clock.Now().UTC()})
	return kv.SetJSON(ctx, in.store, in.key, entries)
}

// Drain returns all pending entries in push order and empties the inbox.
func (in *Inbox) Drain(ctx context.Context) ([]InboxEntry, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	entries, err := in.readLocked(ctx)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	if err := in.store.Delete(ctx, in.key); err != nil {
		return nil, fmt.Errorf("clear inbox: %w", err)
	}
	return entries, nil
}

func (in *Inbox) readLocked(ctx context.Context) ([]InboxEntry, error) {
	var entries []InboxEntry
	ok, err := kv.GetJSON(ctx, in.store, in.key, &entries)
	if err != nil && ok {
		// Corrupt inbox content is discarded.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	return entries, nil
}

// Poller moves inbox entries into a pipeline on an interval.
type Poller struct {
	inbox    *Inbox
	pipeline *Pipeline
	clock    clock.Clock
	interval time.Duration
	log      *zap.Logger
}

// NewPoller creates a poller. A non-positive interval selects DefaultPollInterval.
func NewPoller(inbox *Inbox, p *Pipeline, c clock.Clock, interval time.Duration, log *zap.Logger) *Poller {
	if c == nil {
		c = clock.New()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{inbox: inbox, pipeline: p, clock: c, interval: interval, log: log}
}

// PollOnce drains the inbox once and returns how many scans were accepted.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	entries, err := p.inbox.Drain(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if p.pipeline.Submit(e.Code, SourceInbox) {
			n++
		}
	}
	return n, nil
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	t := p.clock.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
			if _, err := p.PollOnce(ctx); err != nil {
				p.log.Warn("inbox poll failed", zap.Error(err))
			}
		}
	}
}
