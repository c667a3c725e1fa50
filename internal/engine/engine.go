package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roach88/stocktake/internal/audit"
	"github.com/roach88/stocktake/internal/clock"
	"github.com/roach88/stocktake/internal/commit"
	"github.com/roach88/stocktake/internal/diff"
	"github.com/roach88/stocktake/internal/draft"
	"github.com/roach88/stocktake/internal/grouping"
	"github.com/roach88/stocktake/internal/ident"
	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/lock"
	"github.com/roach88/stocktake/internal/lookup"
	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform"
	"github.com/roach88/stocktake/internal/registry"
	"github.com/roach88/stocktake/internal/scan"
)

// DefaultAuditScope is the audit history shared by every operation on a terminal.
const DefaultAuditScope = "history"

// DefaultLockTTL bounds how long a crashed commit can block other terminals.
const DefaultLockTTL = 30 * time.Second

// Deps are the collaborators of an Engine. Planner, Inventory and Store are
// required; the rest are optional.
type Deps struct {
	Planner   platform.Planner
	Lookup    platform.Lookup
	Cache     lookup.Cache
	Inventory platform.Inventory
	ChangeLog platform.ChangeLog
	Store     kv.Store
	Locker    lock.Locker
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

func WithClock(c clock.Clock) Option           { return func(e *Engine) { e.clock = c } }
func WithLogger(l *zap.Logger) Option          { return func(e *Engine) { e.log = l } }
func WithIDGenerator(g ident.Generator) Option { return func(e *Engine) { e.ids = g } }
func WithActor(actor string) Option            { return func(e *Engine) { e.actor = actor } }

// WithMaxQty sets the quantity ceiling. Default: ident.MaxQty.
func WithMaxQty(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxQty = n
		}
	}
}

// WithMinCodeLength sets the shortest scan code that is looked up.
func WithMinCodeLength(n int) Option { return func(e *Engine) { e.minLen = n } }

// WithDraftDebounce sets the autosave delay. Default: draft.DefaultDebounce.
func WithDraftDebounce(d time.Duration) Option { return func(e *Engine) { e.draftDebounce = d } }

// WithDuplicateWindow sets the window in which a repeated scan is dropped.
func WithDuplicateWindow(d time.Duration) Option { return func(e *Engine) { e.window = d } }

// WithAuditMax bounds the audit history. Default: audit.DefaultMax.
func WithAuditMax(n int) Option { return func(e *Engine) { e.auditMax = n } }

// WithAuditScope names the audit history key. Default: DefaultAuditScope.
func WithAuditScope(scope string) Option { return func(e *Engine) { e.auditScope = scope } }

// WithChunkSize sets how many items are activated and adjusted per call.
func WithChunkSize(n int) Option { return func(e *Engine) { e.chunkSize = n } }

// WithRateLimit paces remote commit calls. A zero limit disables pacing.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Engine) { e.rateLimit, e.rateBurst = limit, burst }
}

// WithLockTTL sets the commit lock lifetime. Zero disables locking even
// when a Locker is configured.
func WithLockTTL(d time.Duration) Option { return func(e *Engine) { e.lockTTL = d } }

// Engine is the reconciliation session for one loaded operation.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - scan handling is serialized by the pipeline; taps may interleave
//   - at most one Confirm runs at a time; others fail with ErrSubmitting
type Engine struct {
	deps Deps

	clock         clock.Clock
	log           *zap.Logger
	ids           ident.Generator
	actor         string
	maxQty        int
	minLen        int
	draftDebounce time.Duration
	window        time.Duration
	auditMax      int
	auditScope    string
	chunkSize     int
	rateLimit     rate.Limit
	rateBurst     int
	lockTTL       time.Duration

	resolver  *lookup.Resolver
	committer *commit.Committer
	audit     *audit.Log
	pipeline  *scan.Pipeline

	mu           sync.Mutex
	sess         *session
	submitting   bool
	acknowledged bool
	notices      []string
}

// session is the state of one loaded operation. The registry, coordinator
// and draft store are safe on their own; active, note and reason are
// guarded by Engine.mu.
type session struct {
	ref    platform.OperationRef
	plan   *platform.Plan
	lines  *registry.Registry
	groups *grouping.Coordinator
	drafts *draft.Store
	unsub  func()

	active string
	note   string
	reason string
}

// New creates an Engine. Nothing is loaded until Load.
func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		deps:          deps,
		clock:         clock.New(),
		log:           zap.NewNop(),
		ids:           ident.UUIDv7Generator{},
		maxQty:        ident.MaxQty,
		minLen:        ident.DefaultMinCodeLength,
		draftDebounce: draft.DefaultDebounce,
		window:        scan.DefaultDuplicateWindow,
		auditMax:      audit.DefaultMax,
		auditScope:    DefaultAuditScope,
		chunkSize:     commit.DefaultChunkSize,
		lockTTL:       DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.deps.Store == nil {
		e.deps.Store = kv.NewMemory()
	}

	if deps.Lookup != nil {
		e.resolver = lookup.NewResolver(deps.Lookup, deps.Cache, e.minLen, e.log.Named("lookup"))
	}

	copts := []commit.Option{
		commit.WithChunkSize(e.chunkSize),
		commit.WithRateLimit(e.rateLimit, e.rateBurst),
		commit.WithLogger(e.log.Named("commit")),
		commit.WithClock(e.clock),
		commit.WithIDGenerator(e.ids),
	}
	if deps.ChangeLog != nil {
		copts = append(copts, commit.WithChangeLog(deps.ChangeLog))
	}
	e.committer = commit.New(deps.Inventory, copts...)

	e.audit = audit.New(e.deps.Store, kv.AuditKey(e.auditScope),
		audit.WithMax(e.auditMax),
		audit.WithClock(e.clock),
		audit.WithIDGenerator(e.ids),
		audit.WithLogger(e.log.Named("audit")))

	e.pipeline = scan.NewPipeline(e,
		scan.WithDuplicateWindow(e.window),
		scan.WithPipelineClock(e.clock),
		scan.WithPipelineLogger(e.log.Named("scan")))
	return e
}

// Load fetches ref's plan and makes it the current operation, restoring
// completed groups read-only and merging any saved draft onto the fresh
// floors. A previously loaded operation has its pending draft flushed.
func (e *Engine) Load(ctx context.Context, ref platform.OperationRef) error {
	e.mu.Lock()
	if e.submitting {
		e.mu.Unlock()
		return ErrSubmitting
	}
	prev := e.sess
	e.sess = nil
	e.acknowledged = false
	e.notices = nil
	e.mu.Unlock()
	if prev != nil {
		e.release(ctx, prev)
	}

	op := ref.String()
	log := e.log.With(zap.String("operation", op))

	drafts := draft.New(e.deps.Store, op,
		draft.WithClock(e.clock),
		draft.WithLogger(e.log.Named("draft")),
		draft.WithDebounce(e.draftDebounce))
	drafts.Suppress(true)

	plan, err := e.deps.Planner.FetchPlan(ctx, ref)
	if err != nil {
		return newError(ErrCodeFetchFailed, op, "fetch plan", err)
	}

	specs := make([]model.GroupSpec, 0, len(plan.Groups))
	for _, g := range plan.Groups {
		specs = append(specs, g.GroupSpec)
	}
	groups := grouping.New(op, specs,
		grouping.WithStore(e.deps.Store),
		grouping.WithClock(e.clock),
		grouping.WithLogger(e.log.Named("grouping")))
	if err := groups.Load(ctx); err != nil {
		return newError(ErrCodeFetchFailed, op, "load group state", err)
	}

	lines := registry.New(
		registry.WithIDGenerator(e.ids),
		registry.WithMaxQty(e.maxQty),
		registry.WithLogger(e.log.Named("registry")),
		registry.WithReadOnlyNotice(e.readOnlyNotice))
	for _, g := range groups.Groups() {
		if g.State == model.StateCompleted {
			lines.SetGroupReadOnly(g.GroupID, true)
		}
	}
	for _, g := range plan.Groups {
		if err := lines.UpsertPlanned(g.Items, g.GroupID); err != nil {
			return newError(ErrCodeFetchFailed, op, "invalid plan group "+g.GroupID, err)
		}
	}

	s := &session{ref: ref, plan: plan, lines: lines, groups: groups, drafts: drafts}

	d, found, err := drafts.Load(ctx)
	if err != nil {
		log.Warn("draft unavailable, starting fresh", zap.Error(err))
	}
	if found {
		if len(d.LegacyCompletedItemIDs) > 0 {
			done := groups.ReconstructFromLegacy(d.LegacyCompletedItemIDs, lines.Lines())
			for _, id := range done {
				lines.SetGroupReadOnly(id, true)
			}
			if len(done) > 0 {
				e.saveGroups(ctx, s)
			}
		}
		lines.Replace(draft.Merge(lines.Lines(), d, e.maxQty))
		s.note, s.reason, s.active = d.Note, d.ReasonCode, d.ActiveGroupID
	}
	if _, ok := groups.Group(s.active); !ok {
		s.active = firstOpenGroup(groups)
	}

	s.unsub = lines.Subscribe(func(c registry.Change) { e.onChange(s, c) })
	drafts.Suppress(false)

	e.mu.Lock()
	e.sess = s
	e.mu.Unlock()

	log.Info("operation loaded",
		zap.Int("groups", len(specs)),
		zap.Int("lines", len(lines.Lines())),
		zap.Bool("draft", found),
		zap.String("state", string(groups.OperationState())))
	return nil
}

func firstOpenGroup(groups *grouping.Coordinator) string {
	all := groups.Groups()
	for _, g := range all {
		if g.State != model.StateCompleted {
			return g.GroupID
		}
	}
	if len(all) > 0 {
		return all[0].GroupID
	}
	return ""
}

func (e *Engine) current() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNotLoaded
	}
	return e.sess, nil
}

// onChange reacts to registry edits: the group starts, any acknowledgement
// is void, and a draft save is scheduled.
func (e *Engine) onChange(s *session, c registry.Change) {
	if !c.Edit() {
		return
	}
	if c.GroupID != "" {
		started, err := s.groups.Touch(c.GroupID)
		if err != nil {
			e.log.Debug("edit outside known groups", zap.String("group", c.GroupID), zap.Error(err))
		} else if started {
			e.saveGroups(context.Background(), s)
		}
	}
	e.mu.Lock()
	e.acknowledged = false
	e.mu.Unlock()
	s.drafts.Schedule(func() model.OperationDraft { return e.snapshot(s) })
}

func (e *Engine) saveGroups(ctx context.Context, s *session) {
	if err := s.groups.Save(ctx); err != nil {
		e.log.Warn("saving group state failed", zap.String("operation", s.ref.String()), zap.Error(err))
	}
}

// snapshot is the draft of s. Read-only lines are left out; they are
// restored from the plan and group state.
func (e *Engine) snapshot(s *session) model.OperationDraft {
	var lines []model.Line
	for _, l := range s.lines.Lines() {
		if !l.ReadOnly {
			lines = append(lines, l)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.OperationDraft{
		Lines:         lines,
		Note:          s.note,
		ReasonCode:    s.reason,
		ActiveGroupID: s.active,
	}
}

func (e *Engine) readOnlyNotice(groupID string) {
	e.mu.Lock()
	e.notices = append(e.notices, groupID)
	e.mu.Unlock()
	e.log.Info("group is read-only", zap.String("group", groupID))
}

// Notices returns and clears the groups whose read-only notice fired.
func (e *Engine) Notices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.notices
	e.notices = nil
	return out
}

// Ref returns the loaded operation.
func (e *Engine) Ref() (platform.OperationRef, bool) {
	s, err := e.current()
	if err != nil {
		return platform.OperationRef{}, false
	}
	return s.ref, true
}

// ActiveGroup returns the group scans and unscoped taps go to.
func (e *Engine) ActiveGroup() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.active
}

// EnterGroup makes groupID active. Entering a pending group starts it;
// entering a completed one opens it read-only.
func (e *Engine) EnterGroup(ctx context.Context, groupID string) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	g, ok := s.groups.Group(groupID)
	if !ok {
		return fmt.Errorf("%w: %s", grouping.ErrUnknownGroup, groupID)
	}
	s.lines.ResetNotices()

	e.mu.Lock()
	s.active = groupID
	e.mu.Unlock()

	if g.State == model.StateCompleted {
		return nil
	}
	if started, _ := s.groups.Touch(groupID); started {
		e.saveGroups(ctx, s)
	}
	return nil
}

// SetQty sets a line's actual quantity.
func (e *Engine) SetQty(lineID string, qty int) (model.Line, error) {
	s, err := e.current()
	if err != nil {
		return model.Line{}, err
	}
	return s.lines.SetQty(lineID, qty)
}

// Increment adds delta to a line's actual quantity.
func (e *Engine) Increment(lineID string, delta int) (model.Line, error) {
	s, err := e.current()
	if err != nil {
		return model.Line{}, err
	}
	return s.lines.Increment(lineID, delta)
}

// Remove drops an unplanned line or zeroes a planned one.
func (e *Engine) Remove(lineID string) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	return s.lines.Remove(lineID)
}

// AddUnplanned adds qty of an item to groupID, or to the active group when
// groupID is empty.
func (e *Engine) AddUnplanned(id model.ItemIdentity, qty int, groupID string) (model.Line, registry.Resolution, error) {
	s, err := e.current()
	if err != nil {
		return model.Line{}, "", err
	}
	if groupID == "" {
		groupID = e.ActiveGroup()
	}
	return s.lines.AddUnplanned(id, qty, groupID)
}

// SetNote sets the note sent with the next confirmation.
func (e *Engine) SetNote(note string) error { return e.setMeta(func(s *session) { s.note = note }) }

// SetReason sets the reason code sent with the next confirmation.
func (e *Engine) SetReason(code string) error { return e.setMeta(func(s *session) { s.reason = code }) }

func (e *Engine) setMeta(fn func(*session)) error {
	e.mu.Lock()
	s := e.sess
	if s == nil {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	fn(s)
	e.mu.Unlock()
	s.drafts.Schedule(func() model.OperationDraft { return e.snapshot(s) })
	return nil
}

// HandleScan resolves code and adds one unit to the active group. It
// implements scan.Handler; an error pauses the pipeline. Scans into a
// read-only group are dropped without pausing.
func (e *Engine) HandleScan(ctx context.Context, code string) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	if e.resolver == nil {
		return fmt.Errorf("scan %s: no lookup configured", code)
	}
	id, err := e.resolver.Resolve(ctx, code)
	if err != nil {
		return err
	}

	group := e.ActiveGroup()
	l, res, err := s.lines.AddUnplanned(id, 1, group)
	if errors.Is(err, registry.ErrReadOnly) {
		// The registry already raised its once-per-session notice.
		e.log.Debug("scan ignored in read-only group", zap.String("code", code), zap.String("group", group))
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan %s: %w", code, err)
	}
	e.log.Debug("scan applied",
		zap.String("code", code),
		zap.String("line", l.LineID),
		zap.String("resolution", string(res)))
	return nil
}

// Submit queues a raw scan. See scan.Pipeline.Submit.
func (e *Engine) Submit(raw string, src scan.Source) bool { return e.pipeline.Submit(raw, src) }

// Pipeline exposes the scan pipeline for keyboard buffers and inbox pollers.
func (e *Engine) Pipeline() *scan.Pipeline { return e.pipeline }

// Run processes scans until ctx is done or the engine is closed.
func (e *Engine) Run(ctx context.Context) error { return e.pipeline.Run(ctx) }

// Line returns one line.
func (e *Engine) Line(lineID string) (model.Line, bool) {
	s, err := e.current()
	if err != nil {
		return model.Line{}, false
	}
	return s.lines.Get(lineID)
}

// Lines lists the lines matching f.
func (e *Engine) Lines(f registry.Filter) []model.Line {
	s, err := e.current()
	if err != nil {
		return nil
	}
	return s.lines.ListVisible(f)
}

// Groups returns every group of the loaded operation.
func (e *Engine) Groups() []model.Group {
	s, err := e.current()
	if err != nil {
		return nil
	}
	return s.groups.Groups()
}

// OperationState is completed only once every group is.
func (e *Engine) OperationState() model.GroupState {
	s, err := e.current()
	if err != nil {
		return model.StatePending
	}
	return s.groups.OperationState()
}

// scope resolves the groups a confirmation targets: groupIDs, or every
// group not yet completed. readOnly is true when every targeted group is
// completed.
func (e *Engine) scope(s *session, groupIDs []string) (ids []string, readOnly bool, err error) {
	if len(groupIDs) == 0 {
		for _, g := range s.groups.Groups() {
			if g.State != model.StateCompleted {
				ids = append(ids, g.GroupID)
			}
		}
		return ids, len(ids) == 0, nil
	}
	seen := make(map[string]bool, len(groupIDs))
	readOnly = true
	for _, id := range groupIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		g, ok := s.groups.Group(id)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s", grouping.ErrUnknownGroup, id)
		}
		if g.State != model.StateCompleted {
			readOnly = false
		}
		ids = append(ids, id)
	}
	return ids, readOnly, nil
}

func (e *Engine) scopeLines(s *session, ids []string) []model.Line {
	var out []model.Line
	for _, id := range ids {
		for _, l := range s.lines.GroupLines(id) {
			if !l.ReadOnly {
				out = append(out, l)
			}
		}
	}
	return out
}

// Diff computes the diff of the editable lines of groupIDs (default: every
// open group).
func (e *Engine) Diff(groupIDs ...string) diff.Result {
	s, err := e.current()
	if err != nil {
		return diff.Compute(nil)
	}
	ids, _, err := e.scope(s, groupIDs)
	if err != nil {
		return diff.Compute(nil)
	}
	return diff.Compute(e.scopeLines(s, ids))
}

// Gate reports the confirmation gate for groupIDs (default: every open group).
func (e *Engine) Gate(groupIDs ...string) diff.Gate {
	e.mu.Lock()
	s := e.sess
	g := diff.Gate{Loaded: s != nil, Submitting: e.submitting, Acknowledged: e.acknowledged}
	e.mu.Unlock()

	g.ScanPaused = e.pipeline.Paused()
	if s != nil {
		_, readOnly, err := e.scope(s, groupIDs)
		g.ReadOnly = readOnly || err != nil
	}
	return g
}

// Acknowledge accepts the current warnings. Any later edit voids it.
func (e *Engine) Acknowledge() {
	e.mu.Lock()
	e.acknowledged = true
	e.mu.Unlock()
}

// History returns audit entries for ref, or for the loaded operation when
// ref is empty, newest first.
func (e *Engine) History(ctx context.Context, ref string) ([]model.AuditEntry, error) {
	if ref == "" {
		if cur, ok := e.Ref(); ok {
			ref = cur.String()
		} else {
			return e.audit.List(ctx)
		}
	}
	return e.audit.History(ctx, ref)
}

// Close stops the scan pipeline and flushes any pending draft.
func (e *Engine) Close(ctx context.Context) error {
	e.pipeline.Close()
	e.mu.Lock()
	s := e.sess
	e.sess = nil
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return e.release(ctx, s)
}

func (e *Engine) release(ctx context.Context, s *session) error {
	if s.unsub != nil {
		s.unsub()
	}
	if err := s.drafts.Flush(ctx); err != nil {
		e.log.Warn("flushing draft failed", zap.String("operation", s.ref.String()), zap.Error(err))
		return err
	}
	return nil
}
