package draft

import (
	"sort"

	"github.com/roach88/stocktake/internal/ident"
	"github.com/roach88/stocktake/internal/model"
)

// Merge overlays a draft onto freshly fetched planned lines.
//
// Floors and plan quantities always come from the fresh lines; the draft only
// contributes actual quantities, clamped to [floor, max], and its unplanned
// lines. Read-only lines ignore the draft. A draft line whose item left the
// plan is kept as an unplanned line of its group.
func Merge(planned []model.Line, d model.OperationDraft, maxQty int) []model.Line {
	out := make([]model.Line, len(planned))
	copy(out, planned)

	byID := make(map[string]int, len(out))
	byGroupKey := make(map[string]int, len(out))
	byKey := make(map[string]int, len(out))
	groups := make(map[string]bool)
	readOnly := make(map[string]bool)
	for i, l := range out {
		byID[l.LineID] = i
		byGroupKey[l.GroupID+"|"+l.Key()] = i
		if _, seen := byKey[l.Key()]; !seen && !l.ReadOnly {
			byKey[l.Key()] = i
		}
		groups[l.GroupID] = true
		if l.ReadOnly {
			readOnly[l.GroupID] = true
		}
	}

	for _, dl := range d.Lines {
		if readOnly[dl.GroupID] {
			continue
		}
		idx, found := -1, false
		if !dl.Unplanned {
			idx, found = byID[dl.LineID]
		}
		if !found {
			idx, found = byGroupKey[dl.GroupID+"|"+dl.Key()]
		}
		if !found && dl.GroupID == "" {
			idx, found = byKey[dl.Key()]
		}

		if found {
			l := &out[idx]
			if l.ReadOnly || l.Unplanned {
				continue
			}
			qty := dl.ActualQty
			if dl.Unplanned {
				qty += l.ActualQty
			} else {
				// A folded commit can leave the platform reporting less than
				// was recorded locally.
				l.AppliedQty = max(l.AppliedQty, dl.AppliedQty)
				l.CommittedQty = max(l.CommittedQty, dl.CommittedQty)
			}
			l.ActualQty = ident.ClampQty(qty, l.Floor(), maxQty)
			continue
		}

		if dl.GroupID != "" && !groups[dl.GroupID] {
			continue
		}
		if dl.LineID == "" || (dl.ActualQty <= 0 && dl.Floor() == 0) {
			continue
		}
		u := dl
		u.Unplanned = true
		u.PlannedQty = 0
		u.ReadOnly = false
		u.ActualQty = ident.ClampQty(u.ActualQty, u.Floor(), maxQty)
		byGroupKey[u.GroupID+"|"+u.Key()] = len(out)
		out = append(out, u)
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
