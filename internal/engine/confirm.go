package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/commit"
	"github.com/roach88/stocktake/internal/diff"
	"github.com/roach88/stocktake/internal/grouping"
	"github.com/roach88/stocktake/internal/lock"
	"github.com/roach88/stocktake/internal/model"
)

// ConfirmRequest selects what a confirmation commits.
type ConfirmRequest struct {
	// GroupIDs limits the commit to these groups. Empty means every group
	// not yet completed.
	GroupIDs []string
	// Finalize completes the committed groups and, for receives, returns
	// the unreceived shortfall to the origin. Without it the commit is
	// partial: floors rise and groups stay in progress.
	Finalize bool
	// Reason and Note override the session's values when set.
	Reason string
	Note   string
}

// ConfirmResult reports a confirmation.
type ConfirmResult struct {
	Reference string         `json:"reference"`
	Commit    *commit.Result `json:"commit,omitempty"`
	// Completed lists groups that reached completed.
	Completed []string `json:"completed,omitempty"`
	// Skipped lists targeted groups with no counted items.
	Skipped      []string          `json:"skipped,omitempty"`
	Audit        *model.AuditEntry `json:"audit,omitempty"`
	DraftCleared bool              `json:"draftCleared"`
	Warnings     []string          `json:"warnings,omitempty"`
}

// Confirm commits the targeted groups.
//
// The sequence is: gate checks, optional cross-process lock, remote commit,
// floors raised on every covered line, group completion (Finalize only),
// group state saved, audit entry appended, then the draft is saved or, once
// every group is completed, cleared. Side-effect failures after the remote
// commit are returned as warnings. A failed remote commit returns an error
// with code COMMIT_FAILED; floors still rise for chunks that were applied
// and the draft is kept.
func (e *Engine) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	e.mu.Lock()
	s := e.sess
	if s == nil {
		e.mu.Unlock()
		return nil, ErrNotLoaded
	}
	op := s.ref.String()
	if e.submitting {
		e.mu.Unlock()
		return nil, newError(ErrCodeSubmitting, op, ErrSubmitting.Message, nil)
	}
	acknowledged := e.acknowledged
	note := firstNonEmpty(req.Note, s.note)
	reason := firstNonEmpty(req.Reason, s.reason)
	e.submitting = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.submitting = false
		e.mu.Unlock()
	}()

	log := e.log.With(zap.String("operation", op))

	scope, readOnly, err := e.scope(s, req.GroupIDs)
	if err != nil {
		return nil, err
	}
	if readOnly {
		return nil, newError(ErrCodeGateClosed, op, "every targeted group is completed", nil)
	}
	if e.pipeline.Paused() {
		return nil, newError(ErrCodeGateClosed, op, "scan notice must be dismissed first", nil)
	}

	var targets, skipped []string
	var lines []model.Line
	for _, id := range scope {
		gl := s.lines.GroupLines(id)
		err := s.groups.Check(id, gl)
		switch {
		case errors.Is(err, grouping.ErrNoCountedItems):
			skipped = append(skipped, id)
			continue
		case errors.Is(err, grouping.ErrCompleted):
			continue
		case err != nil:
			return nil, err
		}
		targets = append(targets, id)
		for _, l := range gl {
			if !l.ReadOnly {
				lines = append(lines, l)
			}
		}
	}
	if len(targets) == 0 {
		return &ConfirmResult{Skipped: skipped}, newError(ErrCodeNothingToCommit, op, "no counted items", nil)
	}

	d := diff.Compute(lines)
	gate := diff.Gate{Loaded: true, Acknowledged: acknowledged}
	if !gate.WarningReady(d) {
		return nil, newError(ErrCodeUnacknowledged, op, ErrUnacknowledged.Message, nil)
	}

	var lockLost atomic.Bool
	if e.deps.Locker != nil && e.lockTTL > 0 {
		lease, err := e.deps.Locker.Obtain(ctx, lock.Key(op), e.lockTTL)
		if errors.Is(err, lock.ErrNotObtained) {
			return nil, newError(ErrCodeLocked, op, ErrLocked.Message, err)
		}
		if err != nil {
			return nil, newError(ErrCodeLocked, op, "obtain commit lock", err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("releasing commit lock failed", zap.Error(err))
			}
		}()
		stop := lock.KeepAlive(lease, e.lockTTL, e.clock, func(err error) {
			lockLost.Store(true)
			log.Warn("commit lock lost", zap.Error(err))
		})
		defer stop()
	}

	// The remote commit and everything after it run to completion even if
	// the caller goes away.
	cctx := context.WithoutCancel(ctx)

	var groupRefs []string
	if len(targets) < len(s.plan.Groups) {
		groupRefs = targets
	}
	res, err := e.committer.Commit(cctx, commit.Request{
		Ref:              s.ref,
		LocationID:       s.plan.LocationID,
		OriginLocationID: s.plan.OriginLocationID,
		GroupIDs:         groupRefs,
		Lines:            lines,
		Finalize:         req.Finalize,
		Reason:           reason,
		Note:             note,
	})

	out := &ConfirmResult{Skipped: skipped}
	if err != nil {
		var pe *commit.PartialError
		if errors.As(err, &pe) && pe.Result != nil {
			out.Commit = pe.Result
			out.Reference = pe.Result.Reference
			out.Warnings = warningStrings(pe.Result)
			e.applyOutcomes(s, pe.Result)
			if serr := s.drafts.Save(cctx, e.snapshot(s)); serr != nil {
				log.Warn("saving draft after failed commit", zap.Error(serr))
			}
		}
		log.Error("confirmation failed", zap.Error(err))
		return out, newError(ErrCodeCommitFailed, op, "remote adjustment failed", err)
	}

	out.Commit = res
	out.Reference = res.Reference
	out.Warnings = warningStrings(res)
	e.applyOutcomes(s, res)
	if lockLost.Load() {
		out.Warnings = append(out.Warnings, "commit lock lost before the commit finished")
	}

	if req.Finalize {
		sent := make(map[string]int, len(lines))
		for _, l := range lines {
			sent[l.LineID] = l.ActualQty
		}
		covered := make(map[string]grouping.Coverage, len(res.Lines))
		for id, o := range res.Lines {
			if actual, ok := sent[id]; ok {
				covered[id] = grouping.Coverage{Delta: o.Delta, Actual: actual}
			}
		}
		for _, id := range targets {
			if err := s.groups.Complete(id, s.lines.GroupLines(id), covered); err != nil {
				out.Warnings = append(out.Warnings, fmt.Sprintf("group %s not completed: %v", id, err))
				continue
			}
			s.lines.SetGroupReadOnly(id, true)
			out.Completed = append(out.Completed, id)
		}
	}
	if err := s.groups.Save(cctx); err != nil {
		out.Warnings = append(out.Warnings, "save group state: "+err.Error())
	}

	entry := e.auditEntry(s, targets, d, req.Finalize, note, reason, out.Warnings)
	if appended, err := e.audit.Append(cctx, entry); err != nil {
		out.Warnings = append(out.Warnings, "audit: "+err.Error())
	} else {
		out.Audit = &appended
	}

	e.mu.Lock()
	e.acknowledged = false
	e.mu.Unlock()

	if s.groups.OperationState() == model.StateCompleted {
		if err := s.drafts.Clear(cctx); err != nil {
			out.Warnings = append(out.Warnings, "clear draft: "+err.Error())
		} else {
			out.DraftCleared = true
		}
	} else if err := s.drafts.Save(cctx, e.snapshot(s)); err != nil {
		out.Warnings = append(out.Warnings, "save draft: "+err.Error())
	}

	log.Info("confirmation applied",
		zap.String("reference", out.Reference),
		zap.Strings("completed", out.Completed),
		zap.Bool("final", req.Finalize),
		zap.Int("warnings", len(out.Warnings)))
	return out, nil
}

// applyOutcomes raises the floor of every line the commit covered.
func (e *Engine) applyOutcomes(s *session, res *commit.Result) {
	for id, o := range res.Lines {
		if err := s.lines.MarkApplied(id, o.Applied, o.Rejected); err != nil {
			// The line was removed while the commit was in flight.
			e.log.Debug("covered line vanished", zap.String("line", id), zap.Error(err))
		}
	}
}

func (e *Engine) auditEntry(s *session, groups []string, d diff.Result, final bool, note, reason string, warnings []string) model.AuditEntry {
	return model.AuditEntry{
		Actor:        e.actor,
		Kind:         s.ref.Kind,
		OperationRef: s.ref.String(),
		GroupRefs:    groups,
		LocationRef:  s.plan.LocationID,
		Reason:       reason,
		Note:         note,
		Final:        final,
		OverItems:    auditItems(d.Over),
		ExtraItems:   auditItems(d.Unplanned),
		ShortItems:   auditItems(d.Short),
		Warnings:     warnings,
	}
}

func auditItems(entries []diff.Entry) []model.AuditItem {
	out := make([]model.AuditItem, 0, len(entries))
	for _, en := range entries {
		out = append(out, model.AuditItem{ItemID: en.ItemID, Title: en.Title, SKU: en.SKU, Qty: en.Qty})
	}
	return out
}

func warningStrings(res *commit.Result) []string {
	var out []string
	for _, w := range res.Warnings {
		out = append(out, w.String())
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
