package commit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Domain prefixes for idempotency keys. The version suffix allows the key
// derivation to change without colliding with keys already sent.
const (
	DomainAdjust = "stocktake/adjust/v1"
	DomainSet    = "stocktake/set/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// keyEntry is one change as it enters the key. Base is the quantity the
// remote reflected before the change, so an identical delta sent by a later
// confirmation gets a different key.
type keyEntry struct {
	ItemID string `json:"item"`
	LineID string `json:"line,omitempty"`
	Base   int    `json:"base"`
	Qty    int    `json:"qty"`
}

type keyInput struct {
	Reference string     `json:"reference"`
	Location  string     `json:"location"`
	Reason    string     `json:"reason"`
	Entries   []keyEntry `json:"entries"`
}

// idempotencyKey derives a stable key for one remote mutation. Entry order
// does not affect the key.
func idempotencyKey(domain, reference, location, reason string, entries []keyEntry) (string, error) {
	sorted := append([]keyEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ItemID != sorted[j].ItemID {
			return sorted[i].ItemID < sorted[j].ItemID
		}
		if sorted[i].LineID != sorted[j].LineID {
			return sorted[i].LineID < sorted[j].LineID
		}
		return sorted[i].Qty < sorted[j].Qty
	})
	data, err := json.Marshal(keyInput{Reference: reference, Location: location, Reason: reason, Entries: sorted})
	if err != nil {
		return "", fmt.Errorf("idempotency key: %w", err)
	}
	return hashWithDomain(domain, data), nil
}
