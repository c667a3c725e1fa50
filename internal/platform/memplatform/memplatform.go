// Package memplatform is an in-memory inventory platform used by tests, the
// scenario harness and the CLI demo. It models shipment line bounds, item
// activation per location, an optional missing primary mutation and compare
// guards, and records every call for trace assertions.
package memplatform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/stocktake/internal/ident"
	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform"
)

// Options toggles simulated remote behaviour.
type Options struct {
	// PrimaryUnsupported makes AdjustQuantities fail as if the remote schema
	// had no such mutation.
	PrimaryUnsupported bool `yaml:"primary_unsupported"`
	// EnforceBounds rejects shipment line deltas beyond the remaining receivable.
	EnforceBounds bool `yaml:"enforce_bounds"`
	// AutoActivate treats every item as stocked everywhere.
	AutoActivate bool `yaml:"auto_activate"`
	// FailActivation lists item IDs that cannot be activated.
	FailActivation []string `yaml:"fail_activation"`
	// FailNotes makes AppendNote return an error.
	FailNotes bool `yaml:"fail_notes"`
	// FailChangeLog makes Record return an error.
	FailChangeLog bool `yaml:"fail_change_log"`
	// FailAdjustCall fails the n-th AdjustQuantities call (1-based) with a
	// transient error. Zero disables it.
	FailAdjustCall int `yaml:"fail_adjust_call"`
}

// Call is one recorded collaborator call.
type Call struct {
	Op     string
	Detail string
}

func (c Call) String() string { return c.Op + " " + c.Detail }

type progress struct {
	applied   int
	committed int
	rejected  int
}

func (pr *progress) apply(qty int) {
	pr.applied += qty
	pr.committed = pr.applied
}

type planState struct {
	plan     platform.Plan
	progress map[string]*progress
}

// Platform implements platform.Lookup, Planner, Inventory and ChangeLog.
// Safe for concurrent use.
type Platform struct {
	mu      sync.Mutex
	opts    Options
	catalog map[string]model.ItemIdentity
	plans   map[string]*planState
	stock   map[string]int
	active  map[string]bool
	notes   map[string][]string
	changes []model.ChangeEntry
	calls   []Call
	keys    map[string]bool
	adjusts int
}

var (
	_ platform.Lookup    = (*Platform)(nil)
	_ platform.Planner   = (*Platform)(nil)
	_ platform.Inventory = (*Platform)(nil)
	_ platform.ChangeLog = (*Platform)(nil)
)

// New creates an empty platform.
func New(opts Options) *Platform {
	return &Platform{
		opts:    opts,
		catalog: make(map[string]model.ItemIdentity),
		plans:   make(map[string]*planState),
		stock:   make(map[string]int),
		active:  make(map[string]bool),
		notes:   make(map[string][]string),
		keys:    make(map[string]bool),
	}
}

// SetOptions replaces the simulated behaviour.
func (p *Platform) SetOptions(opts Options) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts = opts
}

// AddItem registers an item under its barcode and SKU.
func (p *Platform) AddItem(id model.ItemIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, code := range []string{id.Barcode, id.SKU} {
		if c := ident.NormalizeCode(code); c != "" {
			p.catalog[c] = id
		}
	}
}

// AddPlan registers a plan. Items without a line ID get one derived from
// their group and item.
func (p *Platform) AddPlan(plan platform.Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := &planState{progress: make(map[string]*progress)}
	plan.Groups = append([]platform.PlanGroup(nil), plan.Groups...)
	for gi := range plan.Groups {
		g := &plan.Groups[gi]
		g.Items = append([]model.PlannedItem(nil), g.Items...)
		for ii := range g.Items {
			it := &g.Items[ii]
			if it.LineID == "" {
				it.LineID = g.GroupID + "/" + it.Key()
			}
			st.progress[it.LineID] = &progress{applied: it.AppliedQty, committed: it.CommittedQty, rejected: it.RejectedQty}
		}
	}
	st.plan = plan
	p.plans[plan.Ref.String()] = st
}

// SetStock sets the on-hand quantity and marks the item active.
func (p *Platform) SetStock(locationID, itemID string, qty int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := stockKey(locationID, itemID)
	p.stock[k] = qty
	p.active[k] = true
}

// Stock returns the on-hand quantity.
func (p *Platform) Stock(locationID, itemID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stock[stockKey(locationID, itemID)]
}

// Calls returns the recorded calls in order.
func (p *Platform) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Notes returns the notes appended to ref.
func (p *Platform) Notes(ref platform.OperationRef) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.notes[ref.String()]...)
}

// Changes returns the recorded change-log entries.
func (p *Platform) Changes() []model.ChangeEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.ChangeEntry(nil), p.changes...)
}

func (p *Platform) record(op, format string, args ...any) {
	p.calls = append(p.calls, Call{Op: op, Detail: fmt.Sprintf(format, args...)})
}

func stockKey(locationID, itemID string) string { return locationID + "|" + itemID }

// LookupByCode implements platform.Lookup.
func (p *Platform) LookupByCode(_ context.Context, code string) (*model.ItemIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	code = ident.NormalizeCode(code)
	p.record("lookup", "code=%s", code)
	id, ok := p.catalog[code]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

// FetchPlan implements platform.Planner. Line progress reflects every
// adjustment applied so far.
func (p *Platform) FetchPlan(_ context.Context, ref platform.OperationRef) (*platform.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("fetch_plan", "ref=%s", ref)
	st, ok := p.plans[ref.String()]
	if !ok {
		return nil, platform.NewError(platform.KindNotFound, "fetch_plan", "operation "+ref.String()+" not found")
	}
	out := st.plan
	out.Groups = make([]platform.PlanGroup, len(st.plan.Groups))
	for gi, g := range st.plan.Groups {
		items := make([]model.PlannedItem, len(g.Items))
		for ii, it := range g.Items {
			pr := st.progress[it.LineID]
			it.AppliedQty = pr.applied
			it.CommittedQty = pr.committed
			it.RejectedQty = pr.rejected
			items[ii] = it
		}
		out.Groups[gi] = platform.PlanGroup{GroupSpec: g.GroupSpec, Items: items}
	}
	return &out, nil
}

// AdjustQuantities implements the primary mutation.
func (p *Platform) AdjustQuantities(_ context.Context, adj platform.Adjustment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("adjust", "loc=%s ref=%s reason=%s deltas=%s", adj.LocationID, adj.Reference, adj.Reason, formatDeltas(adj.Deltas))

	if p.opts.PrimaryUnsupported {
		return platform.Classify("adjust", errors.New("Field 'inventoryAdjustQuantities' doesn't exist on type 'Mutation'"))
	}
	p.adjusts++
	if p.opts.FailAdjustCall > 0 && p.adjusts == p.opts.FailAdjustCall {
		return platform.Classify("adjust", errors.New("request timed out"))
	}
	if adj.IdempotencyKey != "" && p.keys[adj.IdempotencyKey] {
		return nil
	}

	st := p.planForReference(adj.Reference)
	var bounds []platform.ItemError
	for _, d := range adj.Deltas {
		if !p.opts.AutoActivate && !p.active[stockKey(adj.LocationID, d.ItemID)] {
			return platform.NewError(platform.KindNotFound, "adjust", fmt.Sprintf("item %s not stocked at %s", d.ItemID, adj.LocationID))
		}
		if st == nil || d.LineID == "" || adj.Reason == platform.ReasonRejected || !p.opts.EnforceBounds {
			continue
		}
		if st.plan.Ref.Kind != model.KindReceive {
			continue
		}
		pr, ok := st.progress[d.LineID]
		if !ok {
			continue
		}
		if remaining := plannedQty(st.plan, d.LineID) - pr.rejected - pr.applied; d.Qty > remaining {
			bounds = append(bounds, platform.ItemError{
				ItemID:  d.ItemID,
				Message: fmt.Sprintf("quantity %d exceeds remaining %d", d.Qty, remaining),
			})
		}
	}
	if len(bounds) > 0 {
		return &platform.RemoteError{
			Kind:    platform.KindQuantityBounds,
			Op:      "adjust",
			Message: "quantity exceeds the remaining receivable amount",
			Items:   bounds,
		}
	}

	for _, d := range adj.Deltas {
		k := stockKey(adj.LocationID, d.ItemID)
		p.stock[k] += d.Qty
		p.active[k] = true
		if st == nil || d.LineID == "" {
			continue
		}
		pr, ok := st.progress[d.LineID]
		if !ok {
			continue
		}
		if adj.Reason == platform.ReasonRejected {
			pr.rejected -= d.Qty
		} else {
			pr.apply(d.Qty)
		}
	}
	if adj.IdempotencyKey != "" {
		p.keys[adj.IdempotencyKey] = true
	}
	return nil
}

// SetQuantities implements the secondary mutation.
func (p *Platform) SetQuantities(_ context.Context, req platform.SetRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := make([]string, 0, len(req.Quantities))
	for _, q := range req.Quantities {
		parts = append(parts, fmt.Sprintf("%s=%d(cmp %d)", q.ItemID, q.Quantity, q.Compare))
	}
	p.record("set", "loc=%s ref=%s reason=%s quantities=[%s]", req.LocationID, req.Reference, req.Reason, strings.Join(parts, " "))

	if req.IdempotencyKey != "" && p.keys[req.IdempotencyKey] {
		return nil
	}
	for _, q := range req.Quantities {
		if cur := p.stock[stockKey(req.LocationID, q.ItemID)]; cur != q.Compare {
			return &platform.RemoteError{
				Kind:    platform.KindCompareMismatch,
				Op:      "set",
				Message: fmt.Sprintf("compare quantity %d does not match current %d for %s", q.Compare, cur, q.ItemID),
				Items:   []platform.ItemError{{ItemID: q.ItemID, Message: "stale compare quantity"}},
			}
		}
	}
	st := p.planForReference(req.Reference)
	for _, q := range req.Quantities {
		k := stockKey(req.LocationID, q.ItemID)
		p.stock[k] = q.Quantity
		p.active[k] = true
		if st == nil || q.LineID == "" {
			continue
		}
		if pr, ok := st.progress[q.LineID]; ok {
			pr.apply(q.Quantity - q.Compare)
		}
	}
	if req.IdempotencyKey != "" {
		p.keys[req.IdempotencyKey] = true
	}
	return nil
}

// FetchCurrentQuantity implements platform.Inventory.
func (p *Platform) FetchCurrentQuantity(_ context.Context, itemID, locationID string) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("fetch_qty", "item=%s loc=%s", itemID, locationID)
	k := stockKey(locationID, itemID)
	if !p.active[k] && !p.opts.AutoActivate {
		return 0, false, nil
	}
	return p.stock[k], true, nil
}

// ActivateAtLocation implements platform.Inventory.
func (p *Platform) ActivateAtLocation(_ context.Context, locationID string, itemIDs []string) (platform.ActivationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("activate", "loc=%s items=[%s]", locationID, strings.Join(itemIDs, " "))

	var res platform.ActivationResult
	for _, id := range itemIDs {
		if contains(p.opts.FailActivation, id) {
			res.Errors = append(res.Errors, platform.ItemError{ItemID: id, Message: "item cannot be stocked at " + locationID})
			continue
		}
		p.active[stockKey(locationID, id)] = true
		res.Activated = append(res.Activated, id)
	}
	return res, nil
}

// AppendNote implements platform.Inventory.
func (p *Platform) AppendNote(_ context.Context, ref platform.OperationRef, text string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("note", "ref=%s text=%q", ref, text)
	if p.opts.FailNotes {
		return false, platform.Classify("note", errors.New("service temporarily unavailable"))
	}
	p.notes[ref.String()] = append(p.notes[ref.String()], text)
	return true, nil
}

// Record implements platform.ChangeLog.
func (p *Platform) Record(_ context.Context, entries []model.ChangeEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("changelog", "entries=%d", len(entries))
	if p.opts.FailChangeLog {
		return errors.New("change log unavailable")
	}
	p.changes = append(p.changes, entries...)
	return nil
}

func (p *Platform) planForReference(ref string) *planState {
	if st, ok := p.plans[ref]; ok {
		return st
	}
	// References may carry a group suffix: "receive:T1#S1".
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		return p.plans[ref[:i]]
	}
	return nil
}

func plannedQty(plan platform.Plan, lineID string) int {
	for _, g := range plan.Groups {
		for _, it := range g.Items {
			if it.LineID == lineID {
				return it.PlannedQty
			}
		}
	}
	return 0
}

func formatDeltas(ds []platform.Delta) string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		s := fmt.Sprintf("%s:%+d", d.ItemID, d.Qty)
		if d.LineID != "" {
			s += "@" + d.LineID
		}
		parts = append(parts, s)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}

// SortedStock returns "location|item=qty" lines for every non-zero stock
// entry, sorted. Used by trace output.
func (p *Platform) SortedStock() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.stock))
	for k, v := range p.stock {
		if v != 0 {
			out = append(out, fmt.Sprintf("%s=%d", k, v))
		}
	}
	sort.Strings(out)
	return out
}
