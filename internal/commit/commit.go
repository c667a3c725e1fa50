// Package commit pushes a reconciled operation to the remote inventory.
//
// A commit runs in this order:
//
//  1. If anything was over-received or unplanned, a generated note is
//     appended to the operation. Failure is a warning.
//  2. Lines with a non-zero delta (actual - applied) are split into chunks.
//     Each chunk's items are activated at the location, then adjusted. An
//     activation failure skips that chunk and is collected as a warning.
//  3. The primary mutation applies relative deltas. If the remote does not
//     support it, every remaining chunk uses the secondary mutation instead:
//     fetch current, set current + delta guarded by a compare quantity.
//  4. If the remote rejects a shipment line quantity as out of bounds, each
//     line delta is capped at its remaining receivable quantity and the
//     remainder is folded into a plain adjustment, then the call is retried
//     once.
//  5. Finalizing a receive returns each line's unreceived shortfall as a
//     negative adjustment at the origin location.
//  6. Applied deltas are written to the change log. Failure is a warning.
//
// Errors other than capability and bounds failures abort the commit. Chunks
// already applied stay applied and are reported through *PartialError.
package commit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roach88/stocktake/internal/clock"
	"github.com/roach88/stocktake/internal/diff"
	"github.com/roach88/stocktake/internal/ident"
	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform"
)

// DefaultChunkSize is the number of items activated and adjusted per call.
const DefaultChunkSize = 50

var ErrInvalidRequest = errors.New("invalid commit request")

// Request is one confirmation to push.
type Request struct {
	Ref              platform.OperationRef
	LocationID       string
	OriginLocationID string
	GroupIDs         []string
	// Lines are the confirmed lines. Read-only lines are ignored.
	Lines    []model.Line
	Finalize bool
	Reason   string
	Note     string
}

// Stage names the step a warning came from.
type Stage string

const (
	StageNote      Stage = "note"
	StageActivate  Stage = "activate"
	StageReturn    Stage = "return"
	StageChangeLog Stage = "change_log"
)

// Warning is a non-fatal side-effect failure.
type Warning struct {
	Stage   Stage  `json:"stage"`
	ItemID  string `json:"itemId,omitempty"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.ItemID != "" {
		return fmt.Sprintf("%s %s: %s", w.Stage, w.ItemID, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Stage, w.Message)
}

// LineOutcome is what a commit did to one covered line.
type LineOutcome struct {
	LineID string `json:"lineId"`
	// Delta is the requested change; Capped + Folded == Delta when the
	// bounds retry split it.
	Delta    int `json:"delta"`
	Capped   int `json:"capped,omitempty"`
	Folded   int `json:"folded,omitempty"`
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
	Returned int `json:"returned,omitempty"`
}

// Result describes a finished or partially finished commit.
type Result struct {
	Reference    string                 `json:"reference"`
	Lines        map[string]LineOutcome `json:"lines"`
	Folded       []platform.Delta       `json:"folded,omitempty"`
	Returned     []platform.Delta       `json:"returned,omitempty"`
	Warnings     []Warning              `json:"warnings,omitempty"`
	Changes      []model.ChangeEntry    `json:"changes,omitempty"`
	Fallback     bool                   `json:"fallback"`
	NoteAppended bool                   `json:"noteAppended"`
}

// Covered reports whether lineID is reflected remotely after the commit.
func (r *Result) Covered(lineID string) bool {
	_, ok := r.Lines[lineID]
	return ok
}

func (r *Result) warn(stage Stage, itemID, msg string) {
	r.Warnings = append(r.Warnings, Warning{Stage: stage, ItemID: itemID, Message: msg})
}

// PartialError is returned when a commit aborts after applying some chunks.
type PartialError struct {
	Result *Result
	Err    error
}

func (e *PartialError) Error() string { return "commit aborted: " + e.Err.Error() }
func (e *PartialError) Unwrap() error { return e.Err }

// Option configures a Committer.
type Option func(*Committer)

// WithChangeLog sets where applied deltas are recorded.
func WithChangeLog(cl platform.ChangeLog) Option { return func(c *Committer) { c.changes = cl } }

// WithRateLimit paces remote calls. A zero limit disables pacing.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Committer) {
		if limit > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(c *Committer) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithLogger sets the logger for chunk and activation events.
func WithLogger(l *zap.Logger) Option { return func(c *Committer) { c.log = l } }

// WithClock sets the clock that stamps change-log entries.
func WithClock(cl clock.Clock) Option { return func(c *Committer) { c.clock = cl } }

// WithIDGenerator sets the source of change-log entry IDs.
func WithIDGenerator(g ident.Generator) Option { return func(c *Committer) { c.ids = g } }

// Committer applies commits against a remote inventory.
type Committer struct {
	inv       platform.Inventory
	changes   platform.ChangeLog
	limiter   *rate.Limiter
	chunkSize int
	log       *zap.Logger
	clock     clock.Clock
	ids       ident.Generator
}

// New creates a committer.
func New(inv platform.Inventory, opts ...Option) *Committer {
	c := &Committer{
		inv:       inv,
		chunkSize: DefaultChunkSize,
		log:       zap.NewNop(),
		clock:     clock.New(),
		ids:       ident.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reference is the remote reference for a commit of groups within ref.
func Reference(ref platform.OperationRef, groupIDs []string) string {
	if len(groupIDs) == 0 {
		return ref.String()
	}
	return ref.String() + "#" + strings.Join(groupIDs, "+")
}

// run is the state of one Commit call.
type run struct {
	*Committer
	req      Request
	res      *Result
	fallback bool
}

// Commit pushes req. On a fatal failure the returned error is a
// *PartialError and the result lists what was applied before it.
func (c *Committer) Commit(ctx context.Context, req Request) (*Result, error) {
	if req.LocationID == "" || !req.Ref.Kind.Valid() || req.Ref.ID == "" {
		return nil, fmt.Errorf("%w: location and operation are required", ErrInvalidRequest)
	}
	r := &run{
		Committer: c,
		req:       req,
		res: &Result{
			Reference: Reference(req.Ref, req.GroupIDs),
			Lines:     make(map[string]LineOutcome),
		},
	}
	log := c.log.With(zap.String("operation", req.Ref.String()), zap.String("reference", r.res.Reference))

	d := diff.Compute(editable(req.Lines))
	if d.HasExtra() {
		r.appendNote(ctx, d)
	}

	var pending []model.Line
	for _, l := range editable(req.Lines) {
		if l.Delta() == 0 {
			r.res.Lines[l.LineID] = LineOutcome{LineID: l.LineID, Applied: l.AppliedQty, Rejected: l.RejectedQty}
			continue
		}
		pending = append(pending, l)
	}

	for start := 0; start < len(pending); start += c.chunkSize {
		end := min(start+c.chunkSize, len(pending))
		if err := r.commitChunk(ctx, pending[start:end]); err != nil {
			log.Error("commit aborted", zap.Int("chunk_start", start), zap.Error(err))
			r.recordChanges(ctx)
			return r.res, &PartialError{Result: r.res, Err: err}
		}
	}

	if req.Finalize && req.Ref.Kind == model.KindReceive {
		r.returnShortfall(ctx)
	}
	r.recordChanges(ctx)

	log.Info("commit applied",
		zap.Int("lines", len(r.res.Lines)),
		zap.Int("folded", len(r.res.Folded)),
		zap.Int("returned", len(r.res.Returned)),
		zap.Int("warnings", len(r.res.Warnings)),
		zap.Bool("fallback", r.res.Fallback))
	return r.res, nil
}

func editable(lines []model.Line) []model.Line {
	out := make([]model.Line, 0, len(lines))
	for _, l := range lines {
		if !l.ReadOnly {
			out = append(out, l)
		}
	}
	return out
}

func (r *run) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

func (r *run) appendNote(ctx context.Context, d diff.Result) {
	if err := r.wait(ctx); err != nil {
		r.res.warn(StageNote, "", err.Error())
		return
	}
	ok, err := r.inv.AppendNote(ctx, r.req.Ref, NoteText(r.req, d))
	switch {
	case err != nil:
		r.res.warn(StageNote, "", err.Error())
	case !ok:
		r.res.warn(StageNote, "", "note was not stored")
	default:
		r.res.NoteAppended = true
	}
}

// NoteText renders the note appended when a commit carries extra quantity.
func NoteText(req Request, d diff.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: over %d, unplanned %d", req.Ref.Kind, req.Ref.ID, d.OverQty, d.UnplannedQty)
	for _, e := range d.Over {
		fmt.Fprintf(&b, "\n- over %s +%d", label(e), e.Qty)
	}
	for _, e := range d.Unplanned {
		fmt.Fprintf(&b, "\n- unplanned %s %d", label(e), e.Qty)
	}
	if req.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", req.Reason)
	}
	if req.Note != "" {
		fmt.Fprintf(&b, "\nnote: %s", req.Note)
	}
	return b.String()
}

func label(e diff.Entry) string {
	name := e.Title
	if name == "" {
		name = e.ItemID
	}
	if e.SKU != "" {
		return fmt.Sprintf("%s (%s)", name, e.SKU)
	}
	return name
}

// activate stocks items at a location. It reports false, after collecting
// warnings, when any item failed.
func (r *run) activate(ctx context.Context, stage Stage, location string, lines []model.Line) bool {
	itemIDs := uniqueItems(lines)
	if err := r.wait(ctx); err != nil {
		r.res.warn(stage, "", err.Error())
		return false
	}
	res, err := r.inv.ActivateAtLocation(ctx, location, itemIDs)
	if err != nil {
		for _, id := range itemIDs {
			r.res.warn(stage, id, err.Error())
		}
		return false
	}
	for _, ie := range res.Errors {
		r.res.warn(stage, ie.ItemID, ie.Message)
	}
	return len(res.Errors) == 0
}

func uniqueItems(lines []model.Line) []string {
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if !seen[l.ItemID] {
			seen[l.ItemID] = true
			out = append(out, l.ItemID)
		}
	}
	return out
}

func (r *run) reason() string {
	if r.req.Ref.Kind == model.KindCount {
		return platform.ReasonCorrection
	}
	return platform.ReasonReceived
}

func (r *run) commitChunk(ctx context.Context, chunk []model.Line) error {
	if !r.activate(ctx, StageActivate, r.req.LocationID, chunk) {
		r.log.Warn("activation failed, chunk skipped",
			zap.String("location", r.req.LocationID), zap.Int("lines", len(chunk)))
		return nil
	}

	b := batch{location: r.req.LocationID, reason: r.reason(), lines: make(map[string]model.Line, len(chunk))}
	for _, l := range chunk {
		b.lines[l.LineID] = l
		b.deltas = append(b.deltas, platform.Delta{
			ItemID:  l.ItemID,
			LineID:  remoteLineID(l),
			GroupID: l.GroupID,
			Qty:     l.Delta(),
		})
		b.base = append(b.base, l.AppliedQty)
	}

	capped, err := r.push(ctx, &b, r.req.Ref.Kind == model.KindReceive)
	if err != nil {
		return err
	}

	for _, l := range chunk {
		out := LineOutcome{
			LineID:   l.LineID,
			Delta:    l.Delta(),
			Applied:  l.ActualQty,
			Rejected: l.RejectedQty,
		}
		if c, ok := capped[l.LineID]; ok {
			out.Capped = c
			out.Folded = out.Delta - c
		}
		r.res.Lines[l.LineID] = out
	}
	return nil
}

// remoteLineID ties planned lines to the remote plan. Unplanned lines are
// plain stock adjustments.
func remoteLineID(l model.Line) string {
	if l.Unplanned {
		return ""
	}
	return l.LineID
}

type batch struct {
	location string
	reason   string
	deltas   []platform.Delta
	// base[i] is the quantity the remote reflected before deltas[i].
	base  []int
	lines map[string]model.Line
}

func (b *batch) entries() []keyEntry {
	out := make([]keyEntry, len(b.deltas))
	for i, d := range b.deltas {
		out[i] = keyEntry{ItemID: d.ItemID, LineID: d.LineID, Base: b.base[i], Qty: d.Qty}
	}
	return out
}

// push applies b, falling back or capping as the remote demands. The
// returned map holds the capped quantity of every line the bounds retry split.
func (r *run) push(ctx context.Context, b *batch, allowCapping bool) (map[string]int, error) {
	if r.fallback {
		return nil, r.secondary(ctx, b)
	}

	err := r.primary(ctx, b)
	switch {
	case err == nil:
		return nil, nil
	case platform.IsCapabilityUnsupported(err):
		r.log.Warn("primary mutation unsupported, using absolute set", zap.Error(err))
		r.fallback = true
		r.res.Fallback = true
		return nil, r.secondary(ctx, b)
	case allowCapping && platform.IsQuantityBounds(err):
		capped := r.capBatch(b)
		if len(capped) == 0 {
			return nil, err
		}
		r.log.Warn("quantity out of bounds, retrying capped", zap.Int("lines", len(capped)))
		if err := r.primary(ctx, b); err != nil {
			return nil, fmt.Errorf("capped retry: %w", err)
		}
		return capped, nil
	default:
		return nil, err
	}
}

// capBatch rewrites b so no shipment line delta exceeds its remaining
// receivable quantity. Each excess becomes a separate delta without a line.
func (r *run) capBatch(b *batch) map[string]int {
	capped := make(map[string]int)
	var deltas []platform.Delta
	var base []int
	var folded []platform.Delta
	for i, d := range b.deltas {
		l, ok := b.lines[d.LineID]
		if !ok || d.LineID == "" || d.Qty <= 0 {
			deltas = append(deltas, d)
			base = append(base, b.base[i])
			continue
		}
		remaining := l.Remaining()
		if d.Qty <= remaining {
			deltas = append(deltas, d)
			base = append(base, b.base[i])
			continue
		}
		keep := remaining
		extra := d.Qty - keep
		capped[d.LineID] = keep
		if keep > 0 {
			c := d
			c.Qty = keep
			deltas = append(deltas, c)
			base = append(base, b.base[i])
		}
		f := platform.Delta{ItemID: d.ItemID, GroupID: d.GroupID, Qty: extra}
		folded = append(folded, f)
		deltas = append(deltas, f)
		base = append(base, b.base[i]+keep)
	}
	if len(capped) == 0 {
		return nil
	}
	b.deltas, b.base = deltas, base
	r.res.Folded = append(r.res.Folded, folded...)
	return capped
}

func (r *run) primary(ctx context.Context, b *batch) error {
	key, err := idempotencyKey(DomainAdjust, r.res.Reference, b.location, b.reason, b.entries())
	if err != nil {
		return err
	}
	if err := r.wait(ctx); err != nil {
		return err
	}
	err = r.inv.AdjustQuantities(ctx, platform.Adjustment{
		LocationID:     b.location,
		Reference:      r.res.Reference,
		Reason:         b.reason,
		IdempotencyKey: key,
		Deltas:         b.deltas,
	})
	if err != nil {
		return err
	}
	r.noteChanges(b)
	return nil
}

// secondary applies b through the absolute-set mutation, one entry per item.
func (r *run) secondary(ctx context.Context, b *batch) error {
	type agg struct {
		itemID string
		lineID string
		lines  int
		qty    int
	}
	var order []string
	sums := make(map[string]*agg)
	for _, d := range b.deltas {
		a, ok := sums[d.ItemID]
		if !ok {
			a = &agg{itemID: d.ItemID}
			sums[d.ItemID] = a
			order = append(order, d.ItemID)
		}
		a.qty += d.Qty
		if d.LineID != "" {
			a.lineID = d.LineID
			a.lines++
		}
	}

	sets := make([]platform.SetQuantity, 0, len(order))
	entries := make([]keyEntry, 0, len(order))
	for _, id := range order {
		a := sums[id]
		if err := r.wait(ctx); err != nil {
			return err
		}
		cur, _, err := r.inv.FetchCurrentQuantity(ctx, id, b.location)
		if err != nil {
			return fmt.Errorf("fetch current %s: %w", id, err)
		}
		sq := platform.SetQuantity{ItemID: id, Quantity: cur + a.qty, Compare: cur}
		if a.lines == 1 {
			sq.LineID = a.lineID
		}
		sets = append(sets, sq)
		entries = append(entries, keyEntry{ItemID: id, LineID: sq.LineID, Base: cur, Qty: a.qty})
	}

	key, err := idempotencyKey(DomainSet, r.res.Reference, b.location, b.reason, entries)
	if err != nil {
		return err
	}
	if err := r.wait(ctx); err != nil {
		return err
	}
	err = r.inv.SetQuantities(ctx, platform.SetRequest{
		LocationID:     b.location,
		Reference:      r.res.Reference,
		Reason:         b.reason,
		IdempotencyKey: key,
		Quantities:     sets,
	})
	if err != nil {
		return err
	}
	r.noteChanges(b)
	return nil
}

// returnShortfall pushes each covered line's unreceived quantity back as a
// negative adjustment at the origin.
func (r *run) returnShortfall(ctx context.Context) {
	var lines []model.Line
	var deltas []platform.Delta
	var base []int
	for _, l := range editable(r.req.Lines) {
		if l.Unplanned {
			continue
		}
		out, ok := r.res.Lines[l.LineID]
		if !ok {
			continue
		}
		short := l.PlannedQty - out.Rejected - out.Applied
		if short <= 0 {
			continue
		}
		lines = append(lines, l)
		deltas = append(deltas, platform.Delta{ItemID: l.ItemID, LineID: l.LineID, GroupID: l.GroupID, Qty: -short})
		base = append(base, out.Rejected)
	}
	if len(deltas) == 0 {
		return
	}
	if r.req.OriginLocationID == "" {
		r.res.warn(StageReturn, "", "no origin location for rejected quantities")
		return
	}

	for start := 0; start < len(deltas); start += r.chunkSize {
		end := min(start+r.chunkSize, len(deltas))
		if !r.activate(ctx, StageReturn, r.req.OriginLocationID, lines[start:end]) {
			continue
		}
		b := batch{
			location: r.req.OriginLocationID,
			reason:   platform.ReasonRejected,
			deltas:   deltas[start:end],
			base:     base[start:end],
		}
		if _, err := r.push(ctx, &b, false); err != nil {
			for _, d := range b.deltas {
				r.res.warn(StageReturn, d.ItemID, err.Error())
			}
			continue
		}
		for _, d := range b.deltas {
			out := r.res.Lines[d.LineID]
			out.Returned = -d.Qty
			out.Rejected += -d.Qty
			r.res.Lines[d.LineID] = out
		}
		r.res.Returned = append(r.res.Returned, b.deltas...)
	}
}

// noteChanges aggregates applied deltas into change-log entries per
// (item, location).
func (r *run) noteChanges(b *batch) {
	activity := model.ActivityInbound
	switch {
	case b.reason == platform.ReasonRejected:
		activity = model.ActivityOutbound
	case r.req.Ref.Kind == model.KindCount:
		activity = model.ActivityCount
	}
	now := r.clock.Now().UTC()
	for _, d := range b.deltas {
		merged := false
		for i := range r.res.Changes {
			e := &r.res.Changes[i]
			if e.ItemID == d.ItemID && e.LocationID == b.location && e.Activity == activity {
				e.Delta += d.Qty
				merged = true
				break
			}
		}
		if merged {
			continue
		}
		r.res.Changes = append(r.res.Changes, model.ChangeEntry{
			ID:         r.ids.NewID(),
			ItemID:     d.ItemID,
			LocationID: b.location,
			Delta:      d.Qty,
			Activity:   activity,
			Reference:  r.res.Reference,
			At:         now,
		})
	}
}

func (r *run) recordChanges(ctx context.Context) {
	if r.changes == nil || len(r.res.Changes) == 0 {
		return
	}
	if err := r.changes.Record(ctx, r.res.Changes); err != nil {
		r.log.Warn("change log write failed", zap.Error(err))
		r.res.warn(StageChangeLog, "", err.Error())
	}
}
