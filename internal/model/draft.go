package model

import "time"

// DraftVersion is the current persisted draft shape.
const DraftVersion = 1

// OperationDraft is the resumable snapshot of an operation.
type OperationDraft struct {
	Version       int       `json:"version"`
	OperationID   string    `json:"operationId"`
	Lines         []Line    `json:"lines"`
	Note          string    `json:"note,omitempty"`
	ReasonCode    string    `json:"reasonCode,omitempty"`
	ActiveGroupID string    `json:"activeGroupId,omitempty"`
	SavedAt       time.Time `json:"savedAt"`

	// LegacyCompletedItemIDs is only set on drafts upgraded from version 0.
	// The grouping coordinator consumes it once to rebuild group completion.
	LegacyCompletedItemIDs []string `json:"legacyCompletedItemIds,omitempty"`
}

// LegacyDraft is the version-0 shape: one flat list of counts keyed by item
// and a flat list of completed items with no group information.
type LegacyDraft struct {
	OperationID      string         `json:"operationId"`
	Counts           map[string]int `json:"counts"`
	CompletedItemIDs []string       `json:"completedItemIds"`
	Note             string         `json:"note"`
	SavedAt          time.Time      `json:"savedAt"`
}
