// Package grouping owns the lifecycle of the groups inside an operation:
// shipments of a transfer, or product groups of a count.
//
//	pending -> in_progress -> completed
//
// A group enters in_progress on its first edit or when the operator navigates
// into it. It completes only on a successful commit covering all of its
// editable lines, at which point those lines are frozen into CommittedLines.
// completed is terminal. The coordinator is the only writer of CommittedLines.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/clock"
	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/model"
)

var (
	// ErrUnknownGroup is returned for a group ID the operation does not have.
	ErrUnknownGroup = errors.New("unknown group")
	// ErrCompleted is returned when a completed group is committed again.
	ErrCompleted = errors.New("group already completed")
	// ErrNoCountedItems marks a group with no qualifying lines.
	ErrNoCountedItems = errors.New("no counted items")
	// ErrNotCovered is returned when a commit missed a line or a line
	// changed after the commit snapshot was taken.
	ErrNotCovered = errors.New("commit does not cover every editable line")
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used to stamp completion times.
func WithClock(c clock.Clock) Option { return func(g *Coordinator) { g.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(g *Coordinator) { g.log = l } }

// WithStore sets where group states persist. Without one, Load and Save do
// nothing.
func WithStore(s kv.Store) Option { return func(g *Coordinator) { g.store = s } }

// Coverage is what a commit did for one line.
type Coverage struct {
	// Delta is the change the commit applied.
	Delta int
	// Actual is the line's actual quantity in the snapshot the commit sent.
	Actual int
}

// Coordinator tracks group states for one operation. Safe for concurrent use.
type Coordinator struct {
	mu          sync.Mutex
	operationID string
	groups      map[string]*model.Group
	order       []string

	store kv.Store
	clock clock.Clock
	log   *zap.Logger
}

// New creates a coordinator with every group pending.
func New(operationID string, specs []model.GroupSpec, opts ...Option) *Coordinator {
	c := &Coordinator{
		operationID: operationID,
		groups:      make(map[string]*model.Group, len(specs)),
		clock:       clock.New(),
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, s := range specs {
		if _, dup := c.groups[s.GroupID]; dup {
			continue
		}
		c.groups[s.GroupID] = &model.Group{GroupID: s.GroupID, Label: s.Label, State: model.StatePending}
		c.order = append(c.order, s.GroupID)
	}
	return c
}

// Load restores persisted states for known groups. Malformed snapshots are
// logged and ignored.
func (c *Coordinator) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	var saved []model.Group
	ok, err := kv.GetJSON(ctx, c.store, kv.GroupsKey(c.operationID), &saved)
	if err != nil && !ok {
		return fmt.Errorf("load groups: %w", err)
	}
	if err != nil {
		c.log.Warn("ignoring malformed group snapshot",
			zap.String("operation", c.operationID), zap.Error(err))
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range saved {
		g, known := c.groups[s.GroupID]
		if !known {
			continue
		}
		switch {
		case len(s.CommittedLines) > 0:
			g.State = model.StateCompleted
			g.CommittedLines = s.CommittedLines
			g.CommittedAt = s.CommittedAt
		case s.State == model.StateInProgress:
			g.State = model.StateInProgress
		}
	}
	return nil
}

// Save persists every group in one write.
func (c *Coordinator) Save(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return kv.SetJSON(ctx, c.store, kv.GroupsKey(c.operationID), c.Groups())
}

// Touch moves a pending group to in_progress. It reports whether the state
// changed.
func (c *Coordinator) Touch(groupID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	if g.State != model.StatePending {
		return false, nil
	}
	g.State = model.StateInProgress
	c.log.Debug("group started", zap.String("operation", c.operationID), zap.String("group", groupID))
	return true, nil
}

// Check reports whether groupID may be committed with lines.
func (c *Coordinator) Check(groupID string, lines []model.Line) error {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	var state model.GroupState
	if ok {
		state = g.State
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	if state == model.StateCompleted {
		return fmt.Errorf("%w: %s", ErrCompleted, groupID)
	}
	if len(Qualifying(lines)) == 0 {
		return fmt.Errorf("%w: %s", ErrNoCountedItems, groupID)
	}
	return nil
}

// Qualifying returns the editable lines that carry a quantity.
func Qualifying(lines []model.Line) []model.Line {
	out := make([]model.Line, 0, len(lines))
	for _, l := range lines {
		if !l.ReadOnly && l.ActualQty > 0 {
			out = append(out, l)
		}
	}
	return out
}

// Complete freezes lines into the group's snapshot and marks it completed.
// Every editable line must be in covered with the actual quantity it has
// now; a line edited or added while the commit was in flight leaves the
// group in progress.
func (c *Coordinator) Complete(groupID string, lines []model.Line, covered map[string]Coverage) error {
	if err := c.Check(groupID, lines); err != nil {
		return err
	}
	for _, l := range lines {
		if l.ReadOnly {
			continue
		}
		cov, ok := covered[l.LineID]
		if !ok {
			return fmt.Errorf("%w: %s missing %s", ErrNotCovered, groupID, l.LineID)
		}
		if cov.Actual != l.ActualQty {
			return fmt.Errorf("%w: %s line %s changed from %d to %d during commit",
				ErrNotCovered, groupID, l.LineID, cov.Actual, l.ActualQty)
		}
	}

	snap := make([]model.CommittedLine, 0, len(lines))
	for _, l := range lines {
		if l.Unplanned && l.ActualQty == 0 {
			continue
		}
		snap = append(snap, model.Freeze(l, covered[l.LineID].Delta))
	}
	at := c.clock.Now().UTC()

	c.mu.Lock()
	g := c.groups[groupID]
	g.State = model.StateCompleted
	g.CommittedLines = snap
	g.CommittedAt = &at
	c.mu.Unlock()

	c.log.Info("group completed",
		zap.String("operation", c.operationID),
		zap.String("group", groupID),
		zap.Int("lines", len(snap)))
	return nil
}

// ReconstructFromLegacy rebuilds completion from a version-0 draft, which
// only recorded a flat list of completed item IDs. A group is completed when
// every planned item in it is in that list. It returns the completed groups.
func (c *Coordinator) ReconstructFromLegacy(completedItemIDs []string, lines []model.Line) []string {
	if len(completedItemIDs) == 0 {
		return nil
	}
	done := make(map[string]bool, len(completedItemIDs))
	for _, id := range completedItemIDs {
		done[id] = true
	}

	byGroup := make(map[string][]model.Line)
	for _, l := range lines {
		if !l.Unplanned {
			byGroup[l.GroupID] = append(byGroup[l.GroupID], l)
		}
	}

	at := c.clock.Now().UTC()
	var completed []string

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		g := c.groups[id]
		gl := byGroup[id]
		if g.State == model.StateCompleted || len(gl) == 0 {
			continue
		}
		all := true
		for _, l := range gl {
			if !done[l.ItemID] {
				all = false
				break
			}
		}
		if !all {
			continue
		}
		snap := make([]model.CommittedLine, 0, len(gl))
		for _, l := range gl {
			snap = append(snap, model.Freeze(l, 0))
		}
		g.State = model.StateCompleted
		g.CommittedLines = snap
		g.CommittedAt = &at
		completed = append(completed, id)
	}
	return completed
}

// Group returns a copy of one group.
func (c *Coordinator) Group(groupID string) (model.Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return model.Group{}, false
	}
	return copyGroup(g), true
}

// Groups returns copies of all groups in plan order.
func (c *Coordinator) Groups() []model.Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Group, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, copyGroup(c.groups[id]))
	}
	return out
}

// OperationState derives the operation state: completed once every group is,
// pending while no group has been touched, in_progress otherwise.
func (c *Coordinator) OperationState() model.GroupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return model.StatePending
	}
	completed, pending := 0, 0
	for _, id := range c.order {
		switch c.groups[id].State {
		case model.StateCompleted:
			completed++
		case model.StatePending:
			pending++
		}
	}
	switch {
	case completed == len(c.order):
		return model.StateCompleted
	case pending == len(c.order):
		return model.StatePending
	default:
		return model.StateInProgress
	}
}

func copyGroup(g *model.Group) model.Group {
	out := *g
	if g.CommittedLines != nil {
		out.CommittedLines = append([]model.CommittedLine(nil), g.CommittedLines...)
	}
	if g.CommittedAt != nil {
		at := *g.CommittedAt
		out.CommittedAt = &at
	}
	return out
}
