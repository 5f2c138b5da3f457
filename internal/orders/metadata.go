package orders

import (
	"encoding/json"
	"time"
)

// Metadata is the free-form audit trail kept on a payment.
type Metadata map[string]any

// HistoryEntry records one applied (or refused) status change.
type HistoryEntry struct {
	At      time.Time       `json:"at"`
	Source  string          `json:"source"`
	From    PaymentStatus   `json:"from"`
	To      PaymentStatus   `json:"to"`
	Reason  string          `json:"reason,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const metaHistory = "history"

// Append adds an entry to the history list, keeping earlier entries intact
// whether they were decoded from JSON or appended in-process.
func (m Metadata) Append(e HistoryEntry) Metadata {
	if m == nil {
		m = Metadata{}
	}
	var list []any
	switch v := m[metaHistory].(type) {
	case []any:
		list = v
	case []HistoryEntry:
		for _, h := range v {
			list = append(list, h)
		}
	}
	m[metaHistory] = append(list, e)
	return m
}

// History returns the number of recorded entries.
func (m Metadata) History() int {
	switch v := m[metaHistory].(type) {
	case []any:
		return len(v)
	case []HistoryEntry:
		return len(v)
	}
	return 0
}

func (m Metadata) Set(key string, v any) Metadata {
	if m == nil {
		m = Metadata{}
	}
	m[key] = v
	return m
}

// Clone deep-copies through a JSON round trip.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out Metadata
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}
