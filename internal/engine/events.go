package engine

import (
	"encoding/json"
	"time"
)

// Event is the audit record pushed to the Redis event queue. One
// credit_used event is emitted per voucher consumed, one credits_used
// summary per successful redemption, and one admin_* event per mutating
// admin action.
type Event struct {
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	Actor       string `json:"actor,omitempty"`
	Consumer    string `json:"consumer,omitempty"`
	SigHash     string `json:"sig_hash,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Target      string `json:"target,omitempty"`
	Selector    string `json:"selector,omitempty"`
	Transferred string `json:"transferred,omitempty"`
	Credited    string `json:"credited,omitempty"`
	Uncredited  string `json:"uncredited,omitempty"`
	State       string `json:"state,omitempty"`
}

func (ev Event) marshal() []byte {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		// Event structs contain only strings and ints; Marshal cannot fail.
		return []byte(`{"type":"marshal_error"}`)
	}
	return raw
}
