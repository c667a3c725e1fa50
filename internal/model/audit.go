package model

import "time"

// AuditItem is one item quantity named in an audit entry.
type AuditItem struct {
	ItemID string `json:"itemId"`
	Title  string `json:"title,omitempty"`
	SKU    string `json:"sku,omitempty"`
	Qty    int    `json:"qty"`
}

// AuditEntry is an append-only history row written after a successful commit.
type AuditEntry struct {
	ID           string      `json:"id"`
	At           time.Time   `json:"at" validate:"required"`
	Actor        string      `json:"actor,omitempty"`
	Kind         Kind        `json:"kind,omitempty"`
	OperationRef string      `json:"operationRef" validate:"required"`
	GroupRefs    []string    `json:"groupRefs,omitempty"`
	LocationRef  string      `json:"locationRef"`
	Reason       string      `json:"reason,omitempty"`
	Note         string      `json:"note,omitempty"`
	Final        bool        `json:"final"`
	OverItems    []AuditItem `json:"overItems"`
	ExtraItems   []AuditItem `json:"extraItems"`
	ShortItems   []AuditItem `json:"shortItems,omitempty"`
	Warnings     []string    `json:"warnings,omitempty"`
}

// Refers reports whether the entry belongs to ref, matching either the
// operation or one of its groups.
func (e AuditEntry) Refers(ref string) bool {
	if e.OperationRef == ref {
		return true
	}
	for _, g := range e.GroupRefs {
		if g == ref {
			return true
		}
	}
	return false
}
