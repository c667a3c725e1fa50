// Package kv is the key-value persistence contract used for drafts, audit
// history, group snapshots and the scan inbox.
//
// Values are opaque bytes; callers store JSON. A missing key is reported
// through the ok flag, never as an error.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is a minimal key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes the value at key into v. It returns false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key in a single write.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// Key helpers. Every persisted collection lives under one of these.

func DraftKey(operationID string) string  { return "draft:" + operationID }
func GroupsKey(operationID string) string { return "groups:" + operationID }
func AuditKey(scope string) string       { return "audit:" + scope }

// InboxKey is the cross-process scan queue.
const InboxKey = "scan:inbox"
