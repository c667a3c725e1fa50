// Package diff computes the over/short/unplanned taxonomy of a set of lines
// and the gate deciding whether a confirmation may be submitted.
//
// Compute is pure; callers invoke it on demand, typically from a registry
// change notification.
package diff

import "github.com/roach88/stocktake/internal/model"

// Entry is one line's contribution to a bucket.
type Entry struct {
	LineID  string `json:"lineId"`
	ItemID  string `json:"itemId"`
	Title   string `json:"title,omitempty"`
	SKU     string `json:"sku,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Planned int    `json:"planned"`
	Actual  int    `json:"actual"`
	Qty     int    `json:"qty"`
}

// Result is the diff of a set of lines.
//
// A line lands in at most one bucket: unplanned lines only in Unplanned,
// planned lines in Over or Short depending on sign.
type Result struct {
	Over      []Entry `json:"overLines"`
	Short     []Entry `json:"shortLines"`
	Unplanned []Entry `json:"unplannedLines"`

	OverQty      int `json:"overQtyTotal"`
	ShortQty     int `json:"shortQtyTotal"`
	UnplannedQty int `json:"unplannedQtyTotal"`
	PlannedTotal int `json:"plannedTotal"`
	ActualTotal  int `json:"actualTotal"`
}

// Compute classifies lines.
func Compute(lines []model.Line) Result {
	r := Result{
		Over:      []Entry{},
		Short:     []Entry{},
		Unplanned: []Entry{},
	}
	for _, l := range lines {
		r.PlannedTotal += l.PlannedQty
		r.ActualTotal += l.ActualQty
		if l.Unplanned {
			if l.ActualQty > 0 {
				r.Unplanned = append(r.Unplanned, entry(l, l.ActualQty))
				r.UnplannedQty += l.ActualQty
			}
			continue
		}
		if q := l.OverQty(); q > 0 {
			r.Over = append(r.Over, entry(l, q))
			r.OverQty += q
		}
		if q := l.ShortQty(); q > 0 {
			r.Short = append(r.Short, entry(l, q))
			r.ShortQty += q
		}
	}
	return r
}

func entry(l model.Line, qty int) Entry {
	return Entry{
		LineID:  l.LineID,
		ItemID:  l.ItemID,
		Title:   l.Title,
		SKU:     l.SKU,
		GroupID: l.GroupID,
		Planned: l.PlannedQty,
		Actual:  l.ActualQty,
		Qty:     qty,
	}
}

// HasWarning reports whether the result needs explicit acknowledgement.
func (r Result) HasWarning() bool {
	return len(r.Over) > 0 || len(r.Unplanned) > 0 || r.ShortQty > 0
}

// HasExtra reports whether anything beyond the plan was received or counted.
func (r Result) HasExtra() bool {
	return r.OverQty > 0 || r.UnplannedQty > 0
}

// Gate is the confirmation precondition state.
type Gate struct {
	Loaded       bool `json:"loaded"`
	Submitting   bool `json:"submitting"`
	ScanPaused   bool `json:"scanPaused"`
	ReadOnly     bool `json:"readOnly"`
	Acknowledged bool `json:"acknowledged"`
}

// CanConfirm reports whether a confirmation may be started at all.
func (g Gate) CanConfirm() bool {
	return g.Loaded && !g.Submitting && !g.ScanPaused && !g.ReadOnly
}

// WarningReady reports whether r's warnings, if any, have been acknowledged.
func (g Gate) WarningReady(r Result) bool {
	return !r.HasWarning() || g.Acknowledged
}

// Ready combines CanConfirm and WarningReady.
func (g Gate) Ready(r Result) bool {
	return g.CanConfirm() && g.WarningReady(r)
}
