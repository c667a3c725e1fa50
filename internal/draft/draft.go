// Package draft persists the in-progress state of an operation so a session
// can be resumed after the terminal restarts.
//
// Saves are debounced: Schedule records a snapshot provider and the write
// happens once the debounce window passes without another Schedule. The
// provider is evaluated when the write happens, so the latest state wins.
package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/clock"
	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/model"
)

// DefaultDebounce is the quiet time before a scheduled save is written.
const DefaultDebounce = 300 * time.Millisecond

// Provider builds the snapshot to persist.
type Provider func() model.OperationDraft

// Option configures a Store.
type Option func(*Store)

func WithClock(c clock.Clock) Option      { return func(s *Store) { s.clock = c } }
func WithLogger(l *zap.Logger) Option     { return func(s *Store) { s.log = l } }
func WithDebounce(d time.Duration) Option { return func(s *Store) { s.debounce = d } }

// Store saves and restores the draft of one operation.
type Store struct {
	kv          kv.Store
	operationID string
	clock       clock.Clock
	log         *zap.Logger
	debounce    time.Duration

	mu         sync.Mutex
	timer      clock.Timer
	gen        uint64
	pending    Provider
	suppressed bool
	lastErr    error
}

// New creates a draft store for operationID.
func New(store kv.Store, operationID string, opts ...Option) *Store {
	s := &Store{
		kv:          store,
		operationID: operationID,
		clock:       clock.New(),
		log:         zap.NewNop(),
		debounce:    DefaultDebounce,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Suppress turns saving off or back on. While suppressed, Schedule is a
// no-op and any pending save is dropped.
func (s *Store) Suppress(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed = on
	if on {
		s.cancelLocked()
	}
}

// Suppressed reports whether saving is off.
func (s *Store) Suppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}

// Schedule arranges for p to be saved after the debounce window.
func (s *Store) Schedule(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressed {
		return
	}
	s.cancelLocked()
	s.pending = p
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.debounce, func() { s.fire(gen) })
}

func (s *Store) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.pending == nil {
		s.mu.Unlock()
		return
	}
	p := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if err := s.Save(context.Background(), p()); err != nil {
		s.log.Warn("draft autosave failed", zap.String("operation", s.operationID), zap.Error(err))
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
}

// Pending reports whether a scheduled save has not been written yet.
func (s *Store) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// LastError returns the error of the most recent failed autosave.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Flush writes a pending save immediately.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	p := s.pending
	s.cancelLocked()
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return s.Save(ctx, p())
}

func (s *Store) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.gen++
}

// Save writes d now, stamping version, operation and time.
func (s *Store) Save(ctx context.Context, d model.OperationDraft) error {
	d.Version = model.DraftVersion
	d.OperationID = s.operationID
	d.SavedAt = s.clock.Now().UTC()
	if err := kv.SetJSON(ctx, s.kv, kv.DraftKey(s.operationID), d); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	s.log.Debug("draft saved", zap.String("operation", s.operationID), zap.Int("lines", len(d.Lines)))
	return nil
}

// Clear drops any pending save and deletes the stored draft.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
	if err := s.kv.Delete(ctx, kv.DraftKey(s.operationID)); err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	s.log.Debug("draft cleared", zap.String("operation", s.operationID))
	return nil
}

// Load reads the stored draft, upgrading older shapes. Unreadable drafts are
// logged and reported as absent.
func (s *Store) Load(ctx context.Context) (model.OperationDraft, bool, error) {
	raw, ok, err := s.kv.Get(ctx, kv.DraftKey(s.operationID))
	if err != nil {
		return model.OperationDraft{}, false, fmt.Errorf("load draft: %w", err)
	}
	if !ok {
		return model.OperationDraft{}, false, nil
	}
	d, err := Decode(raw)
	if err != nil {
		s.log.Warn("ignoring unreadable draft", zap.String("operation", s.operationID), zap.Error(err))
		return model.OperationDraft{}, false, nil
	}
	return d, true, nil
}

// Decode parses a stored draft of any known version into the current shape.
func Decode(raw []byte) (model.OperationDraft, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.OperationDraft{}, fmt.Errorf("decode draft: %w", err)
	}
	_, hasVersion := fields["version"]
	_, hasCounts := fields["counts"]
	if !hasVersion && hasCounts {
		var legacy model.LegacyDraft
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return model.OperationDraft{}, fmt.Errorf("decode legacy draft: %w", err)
		}
		return Upgrade(legacy), nil
	}

	var d model.OperationDraft
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.OperationDraft{}, fmt.Errorf("decode draft: %w", err)
	}
	d.Version = model.DraftVersion
	return d, nil
}

// Upgrade converts a version-0 draft. Its counts carry no group, so the
// resulting lines match planned lines by item alone during Merge.
func Upgrade(legacy model.LegacyDraft) model.OperationDraft {
	d := model.OperationDraft{
		Version:                model.DraftVersion,
		OperationID:            legacy.OperationID,
		Note:                   legacy.Note,
		SavedAt:                legacy.SavedAt,
		LegacyCompletedItemIDs: legacy.CompletedItemIDs,
	}
	for _, itemID := range sortedKeys(legacy.Counts) {
		d.Lines = append(d.Lines, model.Line{
			ItemIdentity: model.ItemIdentity{ItemID: itemID},
			ActualQty:    legacy.Counts[itemID],
		})
	}
	return d
}
