package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	domledger "github.com/qflow-run/qflow/internal/domain/ledger"
	"github.com/qflow-run/qflow/internal/metrics"
	"github.com/qflow-run/qflow/internal/qerrors"
)

// hashPayload is the subset of a Record that is hashed into RecordHash: the
// signature field itself is excluded so the signature can be computed over
// the hash (spec §3, chain integrity is over "prevHash + payload digest +
// actor + node + timestamp", not over the signature).
type hashPayload struct {
	ExecID        string               `json:"execId"`
	StepID        string               `json:"stepId"`
	PayloadDigest string               `json:"payloadDigest"`
	Actor         string               `json:"actor"`
	NodeID        string               `json:"nodeId"`
	Timestamp     time.Time            `json:"timestamp"`
	PrevHash      string               `json:"prevHash"`
	VectorClock   domledger.VectorClock `json:"vectorClock"`
}

// replayCursor tracks an in-progress replay session (spec §4.5,
// startReplay/getNextReplayRecord/completeReplay).
type replayCursor struct {
	execID string
	pos    int
}

// Ledger is the Execution Ledger service: it appends hash-chained,
// vector-clocked, signed records, validates chain integrity, and drives
// deterministic replay (spec §3, §4.5).
type Ledger struct {
	store  Store
	signer cryptoutil.Signer
	bus    *bus.Bus
	nodeID string

	// appendMu serializes the read-compare-write sequence in AppendRecord and
	// AppendRecordIfPrevHash. Without it, two concurrent writers could both
	// read the same chain tail before either appends and both pass a
	// compare-and-set check meant to admit only one — exactly the race
	// distributed takeover (spec §4.2) depends on losing correctly.
	appendMu sync.Mutex

	mu      sync.Mutex
	replays map[string]*replayCursor
}

// New builds a Ledger backed by store, signing every record with signer and
// publishing to b under the given nodeID identity.
func New(store Store, signer cryptoutil.Signer, b *bus.Bus, nodeID string) *Ledger {
	return &Ledger{
		store:   store,
		signer:  signer,
		bus:     b,
		nodeID:  nodeID,
		replays: make(map[string]*replayCursor),
	}
}

// AppendRecord computes the next record's prevHash from the chain tail,
// advances this node's vector-clock component, signs the payload and
// persists it (spec §3: "every record's prevHash equals the RecordHash of
// the chain's current tail, or Genesis for the first record").
func (l *Ledger) AppendRecord(ctx context.Context, execID, stepID, payloadDigest, actor string) (domledger.Record, error) {
	start := time.Now()
	defer func() { metrics.ObserveLedgerAppend(time.Since(start)) }()

	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return l.appendRecordLocked(ctx, execID, stepID, payloadDigest, actor)
}

// appendRecordLocked is AppendRecord's body, callable only with appendMu
// already held so AppendRecordIfPrevHash can compare against the tail and
// append in one atomic critical section.
func (l *Ledger) appendRecordLocked(ctx context.Context, execID, stepID, payloadDigest, actor string) (domledger.Record, error) {
	prev, ok, err := l.store.LastRecord(ctx, execID)
	if err != nil {
		return domledger.Record{}, qerrors.Wrap(qerrors.KindLedgerIntegrity, "read chain tail", err)
	}

	prevHash := domledger.Genesis
	vc := domledger.VectorClock{}
	if ok {
		prevHash = prev.RecordHash
		vc = prev.VectorClock.Clone()
	}
	vc[l.nodeID]++

	rec := domledger.Record{
		ExecID:        execID,
		StepID:        stepID,
		PayloadDigest: payloadDigest,
		Actor:         actor,
		NodeID:        l.nodeID,
		Timestamp:     time.Now().UTC(),
		PrevHash:      prevHash,
		VectorClock:   vc,
	}

	digest, err := cryptoutil.DigestHex(hashPayload{
		ExecID:        rec.ExecID,
		StepID:        rec.StepID,
		PayloadDigest: rec.PayloadDigest,
		Actor:         rec.Actor,
		NodeID:        rec.NodeID,
		Timestamp:     rec.Timestamp,
		PrevHash:      rec.PrevHash,
		VectorClock:   rec.VectorClock,
	})
	if err != nil {
		return domledger.Record{}, qerrors.Wrap(qerrors.KindLedgerIntegrity, "digest record", err)
	}
	rec.RecordHash = digest

	sig, err := l.signer.Sign([]byte(rec.RecordHash))
	if err != nil {
		return domledger.Record{}, qerrors.Wrap(qerrors.KindLedgerIntegrity, "sign record", err)
	}
	rec.Signature = sig

	if err := l.store.AppendRecord(ctx, rec); err != nil {
		return domledger.Record{}, qerrors.Wrap(qerrors.KindLedgerIntegrity, "persist record", err)
	}

	// Step-completion is announced by the engine once it also knows the
	// outcome and node assignment (spec §6 TopicExecStepCompleted); the
	// ledger's own concern stops at persisting the chained record.
	return rec, nil
}

// AppendRecordIfPrevHash appends a record only if execID's current chain
// tail hash equals expectedPrevHash, giving callers compare-and-set
// semantics over the chain tail. It is the primitive distributed step
// takeover is built on (spec §4.2: a peer observing an orphaned assignment
// "wins a compare-and-set against the ledger's latest record for that step
// (prevHash match)"). A mismatch means another writer already advanced the
// chain; the caller should abandon its takeover attempt rather than retry
// blindly.
func (l *Ledger) AppendRecordIfPrevHash(ctx context.Context, execID, stepID, payloadDigest, actor, expectedPrevHash string) (domledger.Record, error) {
	start := time.Now()
	defer func() { metrics.ObserveLedgerAppend(time.Since(start)) }()

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	prev, ok, err := l.store.LastRecord(ctx, execID)
	if err != nil {
		return domledger.Record{}, qerrors.Wrap(qerrors.KindLedgerIntegrity, "read chain tail", err)
	}
	actualPrevHash := domledger.Genesis
	if ok {
		actualPrevHash = prev.RecordHash
	}
	if actualPrevHash != expectedPrevHash {
		return domledger.Record{}, qerrors.New(qerrors.KindInvalidTransition, "compare-and-set failed: chain tail advanced since snapshot")
	}
	return l.appendRecordLocked(ctx, execID, stepID, payloadDigest, actor)
}

// GetExecutionRecords returns execID's chain in append order.
func (l *Ledger) GetExecutionRecords(ctx context.Context, execID string) ([]domledger.Record, error) {
	recs, err := l.store.ListRecords(ctx, execID)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindLedgerIntegrity, "list records", err)
	}
	if len(recs) == 0 {
		return nil, qerrors.New(qerrors.KindExecutionNotFound, fmt.Sprintf("no ledger records for execution %s", execID))
	}
	return recs, nil
}

// recomputeHash recomputes a record's expected RecordHash from its fields,
// for integrity verification (the hash cannot be trusted to describe
// itself).
func recomputeHash(rec domledger.Record) (string, error) {
	return cryptoutil.DigestHex(hashPayload{
		ExecID:        rec.ExecID,
		StepID:        rec.StepID,
		PayloadDigest: rec.PayloadDigest,
		Actor:         rec.Actor,
		NodeID:        rec.NodeID,
		Timestamp:     rec.Timestamp,
		PrevHash:      rec.PrevHash,
		VectorClock:   rec.VectorClock,
	})
}

// ValidateLedger checks chain integrity (prevHash linkage and recomputed
// hashes), signature validity, and causal consistency (each record's vector
// clock must dominate its predecessor's) for execID's chain (spec §4.5,
// properties P1/P2).
func (l *Ledger) ValidateLedger(ctx context.Context, execID string) (domledger.ValidationReport, error) {
	recs, err := l.store.ListRecords(ctx, execID)
	if err != nil {
		return domledger.ValidationReport{}, qerrors.Wrap(qerrors.KindLedgerIntegrity, "list records", err)
	}

	report := domledger.ValidationReport{
		ChainIntegrity:    true,
		SignatureValidity: true,
		CausalConsistency: true,
	}

	prevHash := domledger.Genesis
	var prevVC domledger.VectorClock
	for i, rec := range recs {
		if rec.PrevHash != prevHash {
			report.ChainIntegrity = false
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: prevHash mismatch", i))
		}
		want, herr := recomputeHash(rec)
		if herr != nil || want != rec.RecordHash {
			report.ChainIntegrity = false
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: recordHash mismatch", i))
		}
		if !l.signer.Verify([]byte(rec.RecordHash), rec.Signature) {
			report.SignatureValidity = false
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: invalid signature", i))
		}
		if i > 0 && !dominates(rec.VectorClock, prevVC) {
			report.CausalConsistency = false
			report.Warnings = append(report.Warnings, fmt.Sprintf("record %d: vector clock does not dominate predecessor", i))
		}
		prevHash = rec.RecordHash
		prevVC = rec.VectorClock
	}

	report.IsValid = report.ChainIntegrity && report.SignatureValidity && report.CausalConsistency
	return report, nil
}

// dominates reports whether vc's components are all >= prev's (non-strict
// monotonicity per record, strict across the whole chain since each node
// increments its own component on every append).
func dominates(vc, prev domledger.VectorClock) bool {
	for node, count := range prev {
		if vc[node] < count {
			return false
		}
	}
	return true
}

// StartReplay begins a deterministic replay session over execID's chain,
// returning a replay token (spec §4.5, property P3: "replay of the same
// chain always yields the same sequence of step results").
func (l *Ledger) StartReplay(ctx context.Context, execID string) (string, error) {
	if _, err := l.GetExecutionRecords(ctx, execID); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	token := fmt.Sprintf("replay:%s:%d", execID, time.Now().UnixNano())
	l.replays[token] = &replayCursor{execID: execID}
	return token, nil
}

// GetNextReplayRecord advances the replay session token by one record, or
// reports done=true once the chain is exhausted.
func (l *Ledger) GetNextReplayRecord(ctx context.Context, token string) (rec domledger.Indexed, done bool, err error) {
	l.mu.Lock()
	cur, ok := l.replays[token]
	l.mu.Unlock()
	if !ok {
		return domledger.Indexed{}, false, qerrors.New(qerrors.KindInvalidTransition, "unknown replay token")
	}

	recs, err := l.store.ListRecords(ctx, cur.execID)
	if err != nil {
		return domledger.Indexed{}, false, qerrors.Wrap(qerrors.KindLedgerIntegrity, "list records", err)
	}
	if cur.pos >= len(recs) {
		return domledger.Indexed{}, true, nil
	}

	idx := domledger.Indexed{Index: cur.pos, Record: recs[cur.pos]}
	l.mu.Lock()
	cur.pos++
	l.mu.Unlock()
	return idx, false, nil
}

// CompleteReplay discards token's replay session.
func (l *Ledger) CompleteReplay(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.replays[token]; !ok {
		return qerrors.New(qerrors.KindInvalidTransition, "unknown replay token")
	}
	delete(l.replays, token)
	return nil
}

// ExportLedger returns execID's full chain as a portable snapshot.
func (l *Ledger) ExportLedger(ctx context.Context, execID string) (domledger.Export, error) {
	recs, err := l.GetExecutionRecords(ctx, execID)
	if err != nil {
		return domledger.Export{}, err
	}
	vc := domledger.VectorClock{}
	if n := len(recs); n > 0 {
		vc = recs[n-1].VectorClock.Clone()
	}
	return domledger.Export{
		ExecID:      execID,
		Records:     recs,
		VectorClock: vc,
		ExportedAt:  time.Now().UTC(),
	}, nil
}

// ImportLedger re-validates and persists a previously exported chain,
// refusing to import a chain that fails integrity checks.
func (l *Ledger) ImportLedger(ctx context.Context, exp domledger.Export) error {
	prevHash := domledger.Genesis
	for i, rec := range exp.Records {
		if rec.PrevHash != prevHash {
			return qerrors.New(qerrors.KindReplayMismatch, fmt.Sprintf("record %d: prevHash mismatch on import", i))
		}
		want, err := recomputeHash(rec)
		if err != nil || want != rec.RecordHash {
			return qerrors.New(qerrors.KindReplayMismatch, fmt.Sprintf("record %d: recordHash mismatch on import", i))
		}
		if !l.signer.Verify([]byte(rec.RecordHash), rec.Signature) {
			return qerrors.New(qerrors.KindReplayMismatch, fmt.Sprintf("record %d: invalid signature on import", i))
		}
		prevHash = rec.RecordHash
	}
	for _, rec := range exp.Records {
		if err := l.store.AppendRecord(ctx, rec); err != nil {
			return qerrors.Wrap(qerrors.KindLedgerIntegrity, "persist imported record", err)
		}
	}
	return nil
}
