package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	domledger "github.com/qflow-run/qflow/internal/domain/ledger"
	"github.com/qflow-run/qflow/internal/qerrors"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	signer, err := cryptoutil.NewHMACSigner([]byte("root-secret-for-tests"), "ledger")
	require.NoError(t, err)
	return New(NewMemoryStore(), signer, bus.New(), "node-a")
}

func TestLedger_AppendRecord_ChainsHashes(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	r1, err := l.AppendRecord(ctx, "exec-1", "step-1", "digest-1", "user-a")
	require.NoError(t, err)
	assert.Equal(t, domledger.Genesis, r1.PrevHash)
	assert.NotEmpty(t, r1.RecordHash)
	assert.Equal(t, uint64(1), r1.VectorClock["node-a"])

	r2, err := l.AppendRecord(ctx, "exec-1", "step-2", "digest-2", "user-a")
	require.NoError(t, err)
	assert.Equal(t, r1.RecordHash, r2.PrevHash)
	assert.Equal(t, uint64(2), r2.VectorClock["node-a"])
}

func TestLedger_ValidateLedger_DetectsTamper(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AppendRecord(ctx, "exec-1", "step-1", "digest-1", "user-a")
	require.NoError(t, err)
	_, err = l.AppendRecord(ctx, "exec-1", "step-2", "digest-2", "user-a")
	require.NoError(t, err)

	report, err := l.ValidateLedger(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, report.IsValid)

	recs, err := l.store.ListRecords(ctx, "exec-1")
	require.NoError(t, err)
	recs[0].PayloadDigest = "tampered"
	mem := l.store.(*MemoryStore)
	mem.records["exec-1"][0] = recs[0]

	report, err = l.ValidateLedger(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.False(t, report.ChainIntegrity)
	assert.NotEmpty(t, report.Errors)
}

func TestLedger_Replay_IsDeterministicAndExhausts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.AppendRecord(ctx, "exec-1", "step", "digest", "user-a")
		require.NoError(t, err)
	}

	token, err := l.StartReplay(ctx, "exec-1")
	require.NoError(t, err)

	var seen []string
	for {
		rec, done, err := l.GetNextReplayRecord(ctx, token)
		require.NoError(t, err)
		if done {
			break
		}
		seen = append(seen, rec.Record.RecordHash)
	}
	assert.Len(t, seen, 3)
	require.NoError(t, l.CompleteReplay(ctx, token))

	_, _, err = l.GetNextReplayRecord(ctx, token)
	assert.True(t, qerrors.IsKind(err, qerrors.KindInvalidTransition))
}

func TestLedger_ExportImport_RoundTrips(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.AppendRecord(ctx, "exec-1", "step", "digest", "user-a")
		require.NoError(t, err)
	}

	exp, err := l.ExportLedger(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, exp.Records, 2)

	otherSigner, err := cryptoutil.NewHMACSigner([]byte("another-node-root"), "ledger")
	require.NoError(t, err)
	l2 := New(NewMemoryStore(), otherSigner, bus.New(), "node-b")
	assert.Error(t, l2.ImportLedger(ctx, exp), "signer differs between nodes so import must fail signature verification")

	l3 := New(NewMemoryStore(), l.signer, bus.New(), "node-a")
	require.NoError(t, l3.ImportLedger(ctx, exp))
	recs, err := l3.GetExecutionRecords(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestLedger_GetExecutionRecords_NotFound(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.GetExecutionRecords(context.Background(), "missing")
	assert.True(t, qerrors.IsNotFound(err))
}
