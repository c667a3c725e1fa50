// Package registry holds the live table of planned and unplanned lines for
// one operation and is the only writer of line quantities.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/ident"
	"github.com/roach88/stocktake/internal/model"
)

var (
	// ErrNotFound is returned for an unknown line ID.
	ErrNotFound = errors.New("line not found")
	// ErrReadOnly is returned when a mutation targets a completed group.
	ErrReadOnly = errors.New("line belongs to a read-only group")
	// ErrBelowFloor is returned when a quantity would drop under the
	// line's committed quantity.
	ErrBelowFloor = errors.New("quantity below committed floor")
	// ErrCommitted is returned when removing a line that already has
	// committed quantity.
	ErrCommitted = errors.New("line has committed quantity")
)

// Resolution reports how AddUnplanned placed a quantity.
type Resolution string

const (
	ResolvedPlanned   Resolution = "planned"
	ResolvedUnplanned Resolution = "unplanned"
	CreatedUnplanned  Resolution = "created"
)

// ChangeKind names the mutation behind a Change.
type ChangeKind string

const (
	ChangeUpsert    ChangeKind = "upsert"
	ChangeQty       ChangeKind = "qty"
	ChangeUnplanned ChangeKind = "unplanned"
	ChangeRemove    ChangeKind = "remove"
	ChangeReplace   ChangeKind = "replace"
	ChangeApplied   ChangeKind = "applied"
)

// Change is delivered to subscribers after every successful mutation.
type Change struct {
	Kind    ChangeKind
	LineID  string
	GroupID string
}

// Edit reports whether the change came from an operator edit.
func (c Change) Edit() bool {
	switch c.Kind {
	case ChangeQty, ChangeUnplanned, ChangeRemove:
		return true
	}
	return false
}

// Filter selects lines for ListVisible.
type Filter struct {
	GroupID           string
	Query             string
	OnlyDiscrepancies bool
	IncludeReadOnly   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator sets the generator for unplanned line IDs.
func WithIDGenerator(g ident.Generator) Option {
	return func(r *Registry) { r.ids = g }
}

// WithMaxQty overrides the quantity ceiling.
func WithMaxQty(max int) Option {
	return func(r *Registry) {
		if max > 0 {
			r.maxQty = max
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithReadOnlyNotice registers fn to be told about a rejected edit in a
// read-only group. It fires at most once per read-only session of a group.
func WithReadOnlyNotice(fn func(groupID string)) Option {
	return func(r *Registry) { r.onReadOnly = fn }
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	lines    map[string]*model.Line
	order    []string
	readOnly map[string]bool
	notified map[string]bool

	subsMu  sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	ids        ident.Generator
	maxQty     int
	log        *zap.Logger
	onReadOnly func(groupID string)
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		lines:    make(map[string]*model.Line),
		readOnly: make(map[string]bool),
		notified: make(map[string]bool),
		subs:     make(map[int]func(Change)),
		ids:      ident.UUIDv7Generator{},
		maxQty:   ident.MaxQty,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for change notifications and returns a cancel func.
// Notifications are delivered synchronously after the registry lock is released.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Registry) emit(c Change) {
	r.subsMu.Lock()
	fns := make([]func(Change), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subsMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// UpsertPlanned inserts or refreshes planned lines for groupID.
//
// Existing planned lines keep their actual quantity, raised to the new floor
// if needed. An unplanned line for the same item in the group is folded into
// the planned line so the identity appears once.
func (r *Registry) UpsertPlanned(items []model.PlannedItem, groupID string) error {
	for i := range items {
		if err := model.Validate(items[i]); err != nil {
			return fmt.Errorf("planned item %d: %w", i, err)
		}
	}

	r.mu.Lock()
	for _, it := range items {
		key := it.Key()
		l := r.findLocked(groupID, key, false)
		if l == nil {
			id := it.LineID
			if id == "" {
				id = plannedLineID(groupID, key)
			}
			l = &model.Line{LineID: id, GroupID: groupID}
			r.insertLocked(l)
		}
		l.ItemIdentity = it.ItemIdentity
		l.PlannedQty = it.PlannedQty
		l.CommittedQty = it.CommittedQty
		l.AppliedQty = it.AppliedQty
		l.RejectedQty = it.RejectedQty
		l.ReadOnly = r.readOnly[groupID]
		if l.ActualQty < l.Floor() {
			l.ActualQty = l.Floor()
		}

		if u := r.findLocked(groupID, key, true); u != nil {
			l.ActualQty = ident.ClampQty(l.ActualQty+u.ActualQty, l.Floor(), r.maxQty)
			r.deleteLocked(u.LineID)
		}
	}
	r.mu.Unlock()

	r.emit(Change{Kind: ChangeUpsert, GroupID: groupID})
	return nil
}

func plannedLineID(groupID, key string) string {
	if groupID == "" {
		return key
	}
	return groupID + "/" + key
}

// SetQty sets the actual quantity of a line.
func (r *Registry) SetQty(lineID string, qty int) (model.Line, error) {
	return r.mutateQty(lineID, func(l *model.Line) int { return qty })
}

// Increment adds delta (possibly negative) to the actual quantity of a line.
func (r *Registry) Increment(lineID string, delta int) (model.Line, error) {
	return r.mutateQty(lineID, func(l *model.Line) int { return l.ActualQty + delta })
}

func (r *Registry) mutateQty(lineID string, next func(*model.Line) int) (model.Line, error) {
	r.mu.Lock()
	l, ok := r.lines[lineID]
	if !ok {
		r.mu.Unlock()
		return model.Line{}, fmt.Errorf("%w: %s", ErrNotFound, lineID)
	}
	if l.ReadOnly {
		group := l.GroupID
		r.mu.Unlock()
		r.rejectReadOnly(group)
		return model.Line{}, ErrReadOnly
	}
	q := next(l)
	if floor := l.Floor(); floor > 0 && q < floor {
		r.mu.Unlock()
		return model.Line{}, fmt.Errorf("%w: %d < %d", ErrBelowFloor, q, floor)
	}
	l.ActualQty = ident.ClampQty(q, l.Floor(), r.maxQty)
	out := *l
	r.mu.Unlock()

	r.emit(Change{Kind: ChangeQty, LineID: out.LineID, GroupID: out.GroupID})
	return out, nil
}

// AddUnplanned adds qty of an item to a group, resolving in order: the
// group's planned line for the item, then its unplanned line, then a new
// unplanned line.
func (r *Registry) AddUnplanned(id model.ItemIdentity, qty int, groupID string) (model.Line, Resolution, error) {
	if err := model.Validate(id); err != nil {
		return model.Line{}, "", err
	}
	if qty < 1 {
		return model.Line{}, "", fmt.Errorf("%w: %d", ident.ErrInvalidQty, qty)
	}

	r.mu.Lock()
	if r.readOnly[groupID] {
		r.mu.Unlock()
		r.rejectReadOnly(groupID)
		return model.Line{}, "", ErrReadOnly
	}

	key := id.Key()
	res := ResolvedPlanned
	l := r.findLocked(groupID, key, false)
	if l == nil {
		res = ResolvedUnplanned
		l = r.findLocked(groupID, key, true)
	}
	if l == nil {
		res = CreatedUnplanned
		l = &model.Line{
			LineID:       r.ids.NewID(),
			ItemIdentity: id,
			GroupID:      groupID,
			Unplanned:    true,
		}
		r.insertLocked(l)
	}
	l.ActualQty = ident.ClampQty(l.ActualQty+qty, l.Floor(), r.maxQty)
	out := *l
	r.mu.Unlock()

	r.log.Debug("quantity added",
		zap.String("line", out.LineID),
		zap.String("group", groupID),
		zap.String("resolution", string(res)),
		zap.Int("actual", out.ActualQty))
	r.emit(Change{Kind: ChangeUnplanned, LineID: out.LineID, GroupID: groupID})
	return out, res, nil
}

// Remove drops an unplanned line or zeroes a planned one. Lines with a
// committed floor cannot be removed.
func (r *Registry) Remove(lineID string) error {
	r.mu.Lock()
	l, ok := r.lines[lineID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, lineID)
	}
	if l.ReadOnly {
		group := l.GroupID
		r.mu.Unlock()
		r.rejectReadOnly(group)
		return ErrReadOnly
	}
	if l.Floor() > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCommitted, lineID)
	}
	group := l.GroupID
	if l.Unplanned {
		r.deleteLocked(lineID)
	} else {
		l.ActualQty = 0
	}
	r.mu.Unlock()

	r.emit(Change{Kind: ChangeRemove, LineID: lineID, GroupID: group})
	return nil
}

// SetGroupReadOnly marks every line of a group read-only or editable.
// Entering a new read-only session re-arms the one-time notice.
func (r *Registry) SetGroupReadOnly(groupID string, readOnly bool) {
	r.mu.Lock()
	if r.readOnly[groupID] != readOnly {
		delete(r.notified, groupID)
	}
	if readOnly {
		r.readOnly[groupID] = true
	} else {
		delete(r.readOnly, groupID)
	}
	for _, l := range r.lines {
		if l.GroupID == groupID {
			l.ReadOnly = readOnly
		}
	}
	r.mu.Unlock()
}

// GroupReadOnly reports whether groupID is read-only.
func (r *Registry) GroupReadOnly(groupID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readOnly[groupID]
}

// ResetNotices re-arms the read-only notice for every group.
func (r *Registry) ResetNotices() {
	r.mu.Lock()
	r.notified = make(map[string]bool)
	r.mu.Unlock()
}

func (r *Registry) rejectReadOnly(groupID string) {
	r.mu.Lock()
	first := !r.notified[groupID]
	r.notified[groupID] = true
	r.mu.Unlock()

	r.log.Debug("edit rejected", zap.String("group", groupID), zap.Bool("notice", first))
	if first && r.onReadOnly != nil {
		r.onReadOnly(groupID)
	}
}

// MarkApplied records that the remote now reflects applied for a line.
// The floor rises with it; rejected replaces the rejected quantity.
func (r *Registry) MarkApplied(lineID string, applied, rejected int) error {
	r.mu.Lock()
	l, ok := r.lines[lineID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, lineID)
	}
	l.AppliedQty = applied
	l.CommittedQty = applied
	l.RejectedQty = rejected
	if l.ActualQty < l.Floor() {
		l.ActualQty = l.Floor()
	}
	group := l.GroupID
	r.mu.Unlock()

	r.emit(Change{Kind: ChangeApplied, LineID: lineID, GroupID: group})
	return nil
}

// Replace swaps the whole table for lines, preserving their order.
func (r *Registry) Replace(lines []model.Line) {
	r.mu.Lock()
	r.lines = make(map[string]*model.Line, len(lines))
	r.order = r.order[:0]
	for i := range lines {
		l := lines[i]
		l.ReadOnly = l.ReadOnly || r.readOnly[l.GroupID]
		r.insertLocked(&l)
	}
	r.mu.Unlock()

	r.emit(Change{Kind: ChangeReplace})
}

// Get returns a copy of one line.
func (r *Registry) Get(lineID string) (model.Line, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lines[lineID]
	if !ok {
		return model.Line{}, false
	}
	return *l, true
}

// Lines returns copies of all lines in insertion order.
func (r *Registry) Lines() []model.Line {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Line, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.lines[id])
	}
	return out
}

// GroupLines returns copies of the lines of one group.
func (r *Registry) GroupLines(groupID string) []model.Line {
	return r.ListVisible(Filter{GroupID: groupID, IncludeReadOnly: true})
}

// ListVisible returns lines matching f in insertion order.
func (r *Registry) ListVisible(f Filter) []model.Line {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Line, 0)
	for _, id := range r.order {
		l := r.lines[id]
		if f.GroupID != "" && l.GroupID != f.GroupID {
			continue
		}
		if l.ReadOnly && !f.IncludeReadOnly {
			continue
		}
		if f.OnlyDiscrepancies && !l.Unplanned && l.ActualQty == l.PlannedQty {
			continue
		}
		if q != "" && !matches(l, q) {
			continue
		}
		out = append(out, *l)
	}
	return out
}

func matches(l *model.Line, q string) bool {
	for _, s := range []string{l.Title, l.SKU, l.Barcode, l.ItemID} {
		if strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func (r *Registry) findLocked(groupID, key string, unplanned bool) *model.Line {
	for _, id := range r.order {
		l := r.lines[id]
		if l.GroupID == groupID && l.Unplanned == unplanned && l.Key() == key {
			return l
		}
	}
	return nil
}

func (r *Registry) insertLocked(l *model.Line) {
	r.lines[l.LineID] = l
	r.order = append(r.order, l.LineID)
}

func (r *Registry) deleteLocked(lineID string) {
	delete(r.lines, lineID)
	for i, id := range r.order {
		if id == lineID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
