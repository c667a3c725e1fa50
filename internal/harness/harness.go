package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/engine"
	"github.com/roach88/stocktake/internal/grouping"
	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/lock"
	"github.com/roach88/stocktake/internal/lookup"
	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform"
	"github.com/roach88/stocktake/internal/platform/memplatform"
	"github.com/roach88/stocktake/internal/registry"
	"github.com/roach88/stocktake/internal/scan"
	"github.com/roach88/stocktake/internal/testutil"
)

// Actor is recorded on every audit entry written by a scenario.
const Actor = "harness"

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger handed to the engine.
func WithLogger(l *zap.Logger) Option { return func(h *Harness) { h.logger = l } }

// WithStore persists drafts, group state and audit history to st instead
// of a private in-memory store.
func WithStore(st kv.Store) Option { return func(h *Harness) { h.store = st } }

// WithLocker enables the commit lock.
func WithLocker(l lock.Locker) Option { return func(h *Harness) { h.locker = l } }

// WithChangeLog records applied deltas to cl instead of the simulated
// platform.
func WithChangeLog(cl platform.ChangeLog) Option { return func(h *Harness) { h.changeLog = cl } }

// WithEngineOptions appends engine options, applied after the harness
// defaults.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(h *Harness) { h.engineOpts = append(h.engineOpts, opts...) }
}

// Harness is the scenario execution environment.
// It runs scenarios with a deterministic clock and sequential IDs.
type Harness struct {
	platform   *memplatform.Platform
	store      kv.Store
	locker     lock.Locker
	changeLog  platform.ChangeLog
	clock      *testutil.FakeClock
	ids        *testutil.SequenceGenerator
	catalog    map[string]model.ItemIdentity
	logger     *zap.Logger
	engineOpts []engine.Option

	engine *engine.Engine
	ref    platform.OperationRef
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh simulated platform and in-memory
// store. An error is returned only when the scenario cannot be set up;
// unexpected step outcomes and failed assertions are reported in the
// result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		platform: memplatform.New(scenario.Platform.Options),
		store:    kv.NewMemory(),
		clock:    testutil.NewFakeClock(testutil.Epoch),
		ids:      testutil.NewSequenceGenerator(scenario.Name),
		catalog:  make(map[string]model.ItemIdentity),
		logger:   zap.NewNop(),
	}
	h.changeLog = h.platform
	for _, opt := range opts {
		opt(h)
	}
	if err := h.setup(scenario.Platform); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		outcome, err := h.execute(ctx, step)
		if err != nil {
			outcome = "error " + errorCode(err)
		}
		result.AddStep(describe(step), outcome)

		switch {
		case step.Error == "" && err != nil:
			result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", i+1, step.Do, err))
		case step.Error != "" && err == nil:
			result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %s", i+1, step.Do, step.Error, outcome))
		case step.Error != "" && errorCode(err) != step.Error:
			result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %v", i+1, step.Do, step.Error, err))
		}
	}

	if err := h.capture(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to capture final state: %w", err)
	}
	if h.engine != nil {
		if err := h.engine.Close(ctx); err != nil {
			result.AddError("close: " + err.Error())
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) setup(p PlatformSetup) error {
	for _, it := range p.Items {
		id := it.identity()
		h.catalog[it.ID] = id
		h.platform.AddItem(id)
	}
	for _, ps := range p.Plans {
		ref, err := platform.ParseRef(ps.Ref)
		if err != nil {
			return err
		}
		plan := platform.Plan{Ref: ref, LocationID: ps.Location, OriginLocationID: ps.Origin}
		for _, g := range ps.Groups {
			pg := platform.PlanGroup{GroupSpec: model.GroupSpec{GroupID: g.ID, Label: g.Label}}
			for _, it := range g.Items {
				id, ok := h.catalog[it.Item]
				if !ok {
					return fmt.Errorf("plan %s: unknown item %q", ps.Ref, it.Item)
				}
				pg.Items = append(pg.Items, model.PlannedItem{
					ItemIdentity: id,
					PlannedQty:   it.Planned,
					CommittedQty: it.Committed,
					AppliedQty:   it.Applied,
				})
			}
			plan.Groups = append(plan.Groups, pg)
		}
		h.platform.AddPlan(plan)
	}
	for _, st := range p.Stock {
		h.platform.SetStock(st.Location, st.Item, st.Qty)
	}
	return nil
}

func (h *Harness) newEngine() *engine.Engine {
	opts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithLogger(h.logger),
		engine.WithIDGenerator(h.ids),
		engine.WithActor(Actor),
	}
	return engine.New(engine.Deps{
		Planner:   h.platform,
		Lookup:    h.platform,
		Cache:     lookup.NewMemoryCache(),
		Inventory: h.platform,
		ChangeLog: h.changeLog,
		Store:     h.store,
		Locker:    h.locker,
	}, append(opts, h.engineOpts...)...)
}

// session returns the running engine, starting one on first use.
func (h *Harness) session() *engine.Engine {
	if h.engine == nil {
		h.engine = h.newEngine()
	}
	return h.engine
}

func (h *Harness) execute(ctx context.Context, step Step) (string, error) {
	e := h.session()
	switch step.Do {
	case StepLoad:
		ref, err := platform.ParseRef(step.Ref)
		if err != nil {
			return "", err
		}
		if err := e.Load(ctx, ref); err != nil {
			return "", err
		}
		h.ref = ref
		return "ok active=" + orDash(e.ActiveGroup()), nil

	case StepReload:
		if err := e.Close(ctx); err != nil {
			return "", err
		}
		h.engine = h.newEngine()
		if err := h.engine.Load(ctx, h.ref); err != nil {
			return "", err
		}
		return "ok active=" + orDash(h.engine.ActiveGroup()), nil

	case StepEnter:
		return "ok", e.EnterGroup(ctx, step.Group)

	case StepScan:
		if !e.Submit(step.Code, scan.SourceKeyboard) {
			return "ok dropped", nil
		}
		out := fmt.Sprintf("ok drained=%d", e.Pipeline().Drain(ctx))
		if n, ok := e.Pipeline().Notice(); ok {
			out += " notice=" + errorCode(n.Err)
		}
		return out, nil

	case StepSet:
		l, err := e.SetQty(step.Line, step.Qty)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ok actual=%d", l.ActualQty), nil

	case StepIncrement:
		l, err := e.Increment(step.Line, step.Qty)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ok actual=%d", l.ActualQty), nil

	case StepAdd:
		qty := step.Qty
		if qty == 0 {
			qty = 1
		}
		l, _, err := e.AddUnplanned(h.catalog[step.Item], qty, step.Group)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ok group=%s actual=%d", l.GroupID, l.ActualQty), nil

	case StepRemove:
		return "ok", e.Remove(step.Line)

	case StepNote:
		return "ok", e.SetNote(step.Text)

	case StepReason:
		return "ok", e.SetReason(step.Text)

	case StepAcknowledge:
		e.Acknowledge()
		return "ok", nil

	case StepDismiss:
		e.Pipeline().Acknowledge()
		return fmt.Sprintf("ok drained=%d", e.Pipeline().Drain(ctx)), nil

	case StepConfirm:
		res, err := e.Confirm(ctx, engine.ConfirmRequest{GroupIDs: step.Groups, Finalize: step.Finalize, Note: step.Text})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ok ref=%s completed=%s cleared=%t",
			res.Reference, orDash(strings.Join(res.Completed, ",")), res.DraftCleared), nil

	case StepAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return "", err
		}
		h.clock.Advance(d)
		return "ok", nil
	}
	return "", fmt.Errorf("unknown step %q", step.Do)
}

// capture snapshots the final state into result.
func (h *Harness) capture(ctx context.Context, result *Result) error {
	for _, entry := range h.platform.SortedStock() {
		key, qty, _ := strings.Cut(entry, "=")
		n, err := strconv.Atoi(qty)
		if err != nil {
			return fmt.Errorf("stock entry %q: %w", entry, err)
		}
		result.Stock[key] = n
	}
	result.Calls = h.platform.Calls()
	if h.engine == nil {
		return nil
	}

	lines := h.engine.Lines(registry.Filter{IncludeReadOnly: true})
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		if a.Key() != b.Key() {
			return a.Key() < b.Key()
		}
		return !a.Unplanned && b.Unplanned
	})
	result.Lines = lines
	result.Groups = h.engine.Groups()

	if _, ok := h.engine.Ref(); !ok {
		return nil
	}
	history, err := h.engine.History(ctx, "")
	if err != nil {
		return err
	}
	result.History = history
	return nil
}

// errorCode maps an error to the code scenarios expect.
func errorCode(err error) string {
	var ee *engine.Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ee):
		return string(ee.Code)
	case errors.Is(err, registry.ErrReadOnly):
		return "READ_ONLY"
	case errors.Is(err, registry.ErrBelowFloor):
		return "BELOW_FLOOR"
	case errors.Is(err, registry.ErrCommitted):
		return "COMMITTED"
	case errors.Is(err, registry.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, grouping.ErrUnknownGroup):
		return "UNKNOWN_GROUP"
	case errors.Is(err, lookup.ErrUnknownCode):
		return "UNKNOWN_CODE"
	case errors.Is(err, lookup.ErrInvalidCode):
		return "INVALID_CODE"
	}
	if k := platform.KindOf(err); k != "" {
		return strings.ToUpper(string(k))
	}
	return "ERROR"
}

// describe renders a step for the trace.
func describe(s Step) string {
	var b strings.Builder
	b.WriteString(s.Do)
	if s.Ref != "" {
		b.WriteString(" " + s.Ref)
	}
	if s.Group != "" {
		b.WriteString(" group=" + s.Group)
	}
	if len(s.Groups) > 0 {
		b.WriteString(" groups=" + strings.Join(s.Groups, ","))
	}
	if s.Line != "" {
		b.WriteString(" line=" + s.Line)
	}
	if s.Item != "" {
		b.WriteString(" item=" + s.Item)
	}
	if s.Code != "" {
		b.WriteString(" code=" + s.Code)
	}
	switch s.Do {
	case StepSet, StepIncrement, StepAdd:
		fmt.Fprintf(&b, " qty=%d", s.Qty)
	}
	if s.Finalize {
		b.WriteString(" finalize")
	}
	if s.Duration != "" {
		b.WriteString(" " + s.Duration)
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
