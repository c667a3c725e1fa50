// Package platform declares the collaborators the engine talks to: the plan
// source, the item lookup, the remote inventory and the change log.
//
// Implementations translate transport failures into *RemoteError so callers
// can switch on Kind instead of matching message text.
package platform

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/stocktake/internal/model"
)

// OperationRef identifies one receive or count operation.
type OperationRef struct {
	Kind model.Kind `json:"kind" yaml:"kind"`
	ID   string     `json:"id" yaml:"id"`
}

func (r OperationRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// ParseRef parses the "<kind>:<id>" form produced by String.
func ParseRef(s string) (OperationRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	ref := OperationRef{Kind: model.Kind(kind), ID: id}
	if !ok || id == "" || !ref.Kind.Valid() {
		return OperationRef{}, fmt.Errorf("invalid operation reference %q", s)
	}
	return ref, nil
}

// Plan is everything fetched at operation entry.
type Plan struct {
	Ref        OperationRef
	LocationID string
	// OriginLocationID is where rejected shipment quantities return to.
	// Empty for counts.
	OriginLocationID string
	Groups           []PlanGroup
}

// PlanGroup is one group and its expected items.
type PlanGroup struct {
	model.GroupSpec
	Items []model.PlannedItem
}

// Adjustment reasons. Deltas sent with ReasonRejected at an origin location
// record quantities refused from a shipment rather than stock received.
const (
	ReasonReceived   = "received"
	ReasonRejected   = "rejected"
	ReasonCorrection = "correction"
)

// Delta is one quantity change for an item at a location. LineID ties the
// change to a plan line so the remote can track accepted quantities; deltas
// without a LineID are plain stock adjustments.
type Delta struct {
	ItemID  string `json:"itemId"`
	LineID  string `json:"lineId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Qty     int    `json:"qty"`
}

// Adjustment is one primary mutation call.
type Adjustment struct {
	LocationID     string
	Reference      string
	Reason         string
	IdempotencyKey string
	Deltas         []Delta
}

// SetQuantity is one entry of the secondary, absolute-set mutation. The
// remote rejects the call when the current quantity differs from Compare.
type SetQuantity struct {
	ItemID   string `json:"itemId"`
	LineID   string `json:"lineId,omitempty"`
	Quantity int    `json:"quantity"`
	Compare  int    `json:"compareQuantity"`
}

// SetRequest is one secondary mutation call.
type SetRequest struct {
	LocationID     string
	Reference      string
	Reason         string
	IdempotencyKey string
	Quantities     []SetQuantity
}

// ItemError is a per-item failure inside an otherwise successful call.
type ItemError struct {
	ItemID  string `json:"itemId"`
	Message string `json:"message"`
}

// ActivationResult reports which items are now stocked at a location.
type ActivationResult struct {
	Activated []string
	Errors    []ItemError
}

// Lookup resolves scanned codes.
type Lookup interface {
	// LookupByCode returns nil without error when nothing matches.
	LookupByCode(ctx context.Context, code string) (*model.ItemIdentity, error)
}

// Planner fetches the plan of an operation.
type Planner interface {
	FetchPlan(ctx context.Context, ref OperationRef) (*Plan, error)
}

// Inventory is the remote stock ledger.
type Inventory interface {
	// AdjustQuantities applies relative deltas. It is the primary mutation.
	AdjustQuantities(ctx context.Context, adj Adjustment) error
	// SetQuantities applies absolute quantities guarded by compare values.
	SetQuantities(ctx context.Context, req SetRequest) error
	// FetchCurrentQuantity returns false when the item is not stocked at the location.
	FetchCurrentQuantity(ctx context.Context, itemID, locationID string) (int, bool, error)
	// ActivateAtLocation is idempotent.
	ActivateAtLocation(ctx context.Context, locationID string, itemIDs []string) (ActivationResult, error)
	// AppendNote reports false when the remote accepted the call but did not store the note.
	AppendNote(ctx context.Context, ref OperationRef, text string) (bool, error)
}

// ChangeLog records applied deltas for downstream reporting.
type ChangeLog interface {
	Record(ctx context.Context, entries []model.ChangeEntry) error
}
