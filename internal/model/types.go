// Package model defines the data shared across the reconciliation engine:
// lines, groups, drafts, audit entries and change-log entries.
//
// Every persisted shape is plain JSON. Decoding ignores unknown fields and
// tolerates missing ones so older terminals can read newer drafts and vice versa.
package model

import (
	"time"

	"github.com/roach88/stocktake/internal/ident"
)

// Kind distinguishes the two workflows sharing the engine.
type Kind string

const (
	// KindReceive receives a shipment against a transfer.
	KindReceive Kind = "receive"
	// KindCount counts stock against a planned product group.
	KindCount Kind = "count"
)

// Valid reports whether k is a known workflow.
func (k Kind) Valid() bool {
	return k == KindReceive || k == KindCount
}

// ItemIdentity is the external identity of an inventory item.
type ItemIdentity struct {
	ItemID    string `json:"itemId" validate:"required"`
	VariantID string `json:"variantId,omitempty"`
	SKU       string `json:"sku,omitempty"`
	Barcode   string `json:"barcode,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Key returns the matching key for the identity.
func (i ItemIdentity) Key() string {
	return ident.ItemKey(i.ItemID, i.VariantID)
}

// Line is one item under reconciliation.
//
// CommittedQty is the floor: quantity already irrevocably committed by an
// earlier confirmation. AppliedQty is what the remote inventory already
// reflects for this line; the next remote delta is ActualQty - AppliedQty.
// For receive lines AppliedQty equals the accepted quantity (and therefore the
// floor); for count lines it starts at the system on-hand quantity.
type Line struct {
	LineID string `json:"lineId"`
	ItemIdentity

	PlannedQty   int `json:"plannedQty"`
	ActualQty    int `json:"actualQty"`
	CommittedQty int `json:"committedQty,omitempty"`
	AppliedQty   int `json:"appliedQty,omitempty"`
	RejectedQty  int `json:"rejectedQty,omitempty"`

	GroupID   string `json:"groupId,omitempty"`
	Unplanned bool   `json:"isUnplanned"`
	ReadOnly  bool   `json:"readOnly"`
}

// Floor is the lowest quantity the operator may set.
func (l Line) Floor() int {
	if l.CommittedQty < 0 {
		return 0
	}
	return l.CommittedQty
}

// Delta is the quantity not yet reflected by the remote inventory.
func (l Line) Delta() int {
	return l.ActualQty - l.AppliedQty
}

// OverQty is max(0, actual - planned). Unplanned lines never count as over.
func (l Line) OverQty() int {
	if l.Unplanned || l.ActualQty <= l.PlannedQty {
		return 0
	}
	return l.ActualQty - l.PlannedQty
}

// ShortQty is max(0, planned - actual). Unplanned lines never count as short.
func (l Line) ShortQty() int {
	if l.Unplanned || l.PlannedQty <= l.ActualQty {
		return 0
	}
	return l.PlannedQty - l.ActualQty
}

// Remaining is the quantity a shipment can still accept for this line:
// planned - already rejected - already accepted.
func (l Line) Remaining() int {
	r := l.PlannedQty - l.RejectedQty - l.AppliedQty
	if r < 0 {
		return 0
	}
	return r
}

// PlannedItem is one expected item as delivered by the planning collaborator.
type PlannedItem struct {
	LineID string `json:"lineId,omitempty"`
	ItemIdentity

	PlannedQty   int `json:"plannedQty" validate:"gte=0,lte=999999"`
	CommittedQty int `json:"committedQty" validate:"gte=0,lte=999999"`
	AppliedQty   int `json:"appliedQty" validate:"gte=0,lte=999999"`
	RejectedQty  int `json:"rejectedQty" validate:"gte=0,lte=999999"`
}

// GroupState is the lifecycle state of a group.
type GroupState string

const (
	StatePending    GroupState = "pending"
	StateInProgress GroupState = "in_progress"
	StateCompleted  GroupState = "completed"
)

// GroupSpec describes a group as fetched from the planning collaborator.
type GroupSpec struct {
	GroupID string `json:"groupId" validate:"required"`
	Label   string `json:"label"`
}

// Group is one shipment or product group of an operation.
type Group struct {
	GroupID        string          `json:"groupId"`
	Label          string          `json:"label"`
	State          GroupState      `json:"state"`
	CommittedLines []CommittedLine `json:"committedLines,omitempty"`
	CommittedAt    *time.Time      `json:"committedAt,omitempty"`
}

// CommittedLine is the frozen copy of a line written when its group completed.
type CommittedLine struct {
	LineID     string `json:"lineId"`
	ItemID     string `json:"itemId"`
	VariantID  string `json:"variantId,omitempty"`
	Title      string `json:"title"`
	SKU        string `json:"sku,omitempty"`
	Barcode    string `json:"barcode,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
	PlannedQty int    `json:"plannedQty"`
	ActualQty  int    `json:"actualQty"`
	Delta      int    `json:"delta"`
	Unplanned  bool   `json:"isUnplanned,omitempty"`
}

// Freeze copies the display fields of l into a CommittedLine.
func Freeze(l Line, delta int) CommittedLine {
	return CommittedLine{
		LineID:     l.LineID,
		ItemID:     l.ItemID,
		VariantID:  l.VariantID,
		Title:      l.Title,
		SKU:        l.SKU,
		Barcode:    l.Barcode,
		ImageURL:   l.ImageURL,
		PlannedQty: l.PlannedQty,
		ActualQty:  l.ActualQty,
		Delta:      delta,
		Unplanned:  l.Unplanned,
	}
}

// Activity tags change-log entries for downstream reporting.
type Activity string

const (
	ActivityInbound  Activity = "inbound"
	ActivityOutbound Activity = "outbound"
	ActivityCount    Activity = "count"
)

// ChangeEntry is one delta applied to an (item, location) pair.
type ChangeEntry struct {
	ID         string    `json:"id"`
	ItemID     string    `json:"itemId"`
	LocationID string    `json:"locationId"`
	Delta      int       `json:"delta"`
	Activity   Activity  `json:"activity"`
	Reference  string    `json:"reference"`
	At         time.Time `json:"at"`
}
