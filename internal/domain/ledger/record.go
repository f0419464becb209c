// Package ledger defines the append-only, hash-chained execution record
// (spec §3, §4.5).
package ledger

import "time"

// Genesis is the prevHash of the first record in a chain: 64 zero bytes,
// hex-encoded (spec §3).
const Genesis = "00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// VectorClock maps nodeID to a strictly monotonic per-node counter.
type VectorClock map[string]uint64

// Clone returns a copy of vc.
func (vc VectorClock) Clone() VectorClock {
	cp := make(VectorClock, len(vc))
	for k, v := range vc {
		cp[k] = v
	}
	return cp
}

// Record is a single hash-chained, vector-clocked, signed entry in an
// execution's ledger (spec §3).
type Record struct {
	ExecID        string      `json:"execId"`
	StepID        string      `json:"stepId"`
	PayloadDigest string      `json:"payloadDigest"`
	Actor         string      `json:"actor"`
	NodeID        string      `json:"nodeId"`
	Timestamp     time.Time   `json:"timestamp"`
	PrevHash      string      `json:"prevHash"`
	RecordHash    string      `json:"recordHash"`
	Signature     string      `json:"signature"`
	VectorClock   VectorClock `json:"vectorClock"`
}

// Indexed pairs a record with its position in the chain (spec §4.5).
type Indexed struct {
	Index  int    `json:"index"`
	Record Record `json:"record"`
}

// ValidationReport is the result of validateLedger (spec §4.5).
type ValidationReport struct {
	IsValid            bool     `json:"isValid"`
	ChainIntegrity     bool     `json:"chainIntegrity"`
	SignatureValidity  bool     `json:"signatureValidity"`
	CausalConsistency  bool     `json:"causalConsistency"`
	Errors             []string `json:"errors,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
}

// Export is the portable structure returned by exportLedger (spec §4.5).
type Export struct {
	ExecID      string      `json:"execId"`
	Records     []Record    `json:"records"`
	VectorClock VectorClock `json:"vectorClock"`
	ExportedAt  time.Time   `json:"exportedAt"`
}
