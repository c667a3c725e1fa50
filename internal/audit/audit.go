// Package audit keeps the bounded history of confirmed commits.
//
// The whole history lives under one key as a JSON array, newest first. An
// append reads the array, prepends, truncates and writes it back in a single
// store write. Unreadable history is treated as empty.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/clock"
	"github.com/roach88/stocktake/internal/ident"
	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/model"
)

// DefaultMax is the number of entries kept.
const DefaultMax = 50

// Option configures a Log.
type Option func(*Log)

// WithMax overrides DefaultMax.
func WithMax(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.max = n
		}
	}
}

// WithClock sets the clock that stamps appended entries.
func WithClock(c clock.Clock) Option { return func(l *Log) { l.clock = c } }

// WithIDGenerator sets the source of entry IDs.
func WithIDGenerator(g ident.Generator) Option { return func(l *Log) { l.ids = g } }

// WithLogger sets the logger for append and decode events.
func WithLogger(z *zap.Logger) Option { return func(l *Log) { l.log = z } }

// Log is the audit history stored under one key.
type Log struct {
	mu    sync.Mutex
	store kv.Store
	key   string
	max   int
	clock clock.Clock
	ids   ident.Generator
	log   *zap.Logger
}

// New creates a log stored at key.
func New(store kv.Store, key string, opts ...Option) *Log {
	l := &Log{
		store: store,
		key:   key,
		max:   DefaultMax,
		clock: clock.New(),
		ids:   ident.UUIDv7Generator{},
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stamps e with an ID and time when missing and prepends it.
func (l *Log) Append(ctx context.Context, e model.AuditEntry) (model.AuditEntry, error) {
	if e.ID == "" {
		e.ID = l.ids.NewID()
	}
	if e.At.IsZero() {
		e.At = l.clock.Now().UTC()
	}
	if e.OverItems == nil {
		e.OverItems = []model.AuditItem{}
	}
	if e.ExtraItems == nil {
		e.ExtraItems = []model.AuditItem{}
	}
	if err := model.Validate(e); err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readLocked(ctx)
	if err != nil {
		return model.AuditEntry{}, err
	}
	entries = append([]model.AuditEntry{e}, entries...)
	if len(entries) > l.max {
		entries = entries[:l.max]
	}
	if err := kv.SetJSON(ctx, l.store, l.key, entries); err != nil {
		return model.AuditEntry{}, fmt.Errorf("write audit log: %w", err)
	}
	l.log.Info("audit entry appended",
		zap.String("id", e.ID),
		zap.String("operation", e.OperationRef),
		zap.Bool("final", e.Final))
	return e, nil
}

// List returns every entry, newest first.
func (l *Log) List(ctx context.Context) ([]model.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(ctx)
}

// History returns the entries that refer to ref as operation or group.
func (l *Log) History(ctx context.Context, ref string) ([]model.AuditEntry, error) {
	all, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.AuditEntry, 0, len(all))
	for _, e := range all {
		if e.Refers(ref) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *Log) readLocked(ctx context.Context) ([]model.AuditEntry, error) {
	raw, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	if !ok {
		return []model.AuditEntry{}, nil
	}
	return decode(raw, l.log), nil
}

// decode keeps every well-formed entry. A value that is not an array yields
// an empty history.
func decode(raw []byte, log *zap.Logger) []model.AuditEntry {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		log.Warn("audit log unreadable, treating as empty", zap.Error(err))
		return []model.AuditEntry{}
	}
	out := make([]model.AuditEntry, 0, len(items))
	for _, it := range items {
		var e model.AuditEntry
		if err := json.Unmarshal(it, &e); err != nil {
			log.Warn("skipping malformed audit entry", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out
}
