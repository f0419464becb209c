package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
)

func newFileLedger(t *testing.T) (*Ledger, *FileStore, string) {
	t.Helper()
	root := t.TempDir()
	store, err := OpenFileStore(root)
	require.NoError(t, err)
	signer, err := cryptoutil.NewHMACSigner([]byte("root-secret-for-tests"), "ledger")
	require.NoError(t, err)
	return New(store, signer, bus.New(), "node-1"), store, root
}

func TestFileStore_ChainSurvivesReopenAndStaysValid(t *testing.T) {
	ctx := context.Background()
	l, _, root := newFileLedger(t)

	_, err := l.AppendRecord(ctx, "exec-1", "s1", "digest-1", "user-a")
	require.NoError(t, err)
	_, err = l.AppendRecord(ctx, "exec-1", "s2", "digest-2", "user-a")
	require.NoError(t, err)

	// A second store over the same directory must read the same chain and
	// the recomputed hashes must match what was persisted.
	reopened, err := OpenFileStore(root)
	require.NoError(t, err)
	signer, err := cryptoutil.NewHMACSigner([]byte("root-secret-for-tests"), "ledger")
	require.NoError(t, err)
	l2 := New(reopened, signer, bus.New(), "node-1")

	report, err := l2.ValidateLedger(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, report.IsValid, "a chain read back from ledger.jsonl must re-verify byte for byte")

	recs, err := l2.GetExecutionRecords(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, recs[0].RecordHash, recs[1].PrevHash)
}

func TestFileStore_LayoutMatchesPersistedStateContract(t *testing.T) {
	ctx := context.Background()
	l, store, root := newFileLedger(t)

	_, err := l.AppendRecord(ctx, "exec-1", "s1", "digest-1", "user-a")
	require.NoError(t, err)
	require.NoError(t, store.WriteManifest(ctx, "exec-1", map[string]any{"status": "running"}))
	require.NoError(t, store.WriteResultDigest(ctx, "exec-1", "s1", "digest-1"))

	for _, rel := range []string{
		filepath.Join("exec-1", "ledger.jsonl"),
		filepath.Join("exec-1", "manifest.json"),
		filepath.Join("exec-1", "results", "s1.cid"),
	} {
		_, statErr := os.Stat(filepath.Join(root, rel))
		assert.NoError(t, statErr, rel)
	}

	var manifest map[string]any
	require.NoError(t, store.ReadManifest(ctx, "exec-1", &manifest))
	assert.Equal(t, "running", manifest["status"])

	digest, ok, err := store.ReadResultDigest(ctx, "exec-1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "digest-1", digest)

	_, ok, err = store.ReadResultDigest(ctx, "exec-1", "s2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_RejectsPathTraversalIDs(t *testing.T) {
	_, store, _ := newFileLedger(t)
	ctx := context.Background()

	_, err := store.ListRecords(ctx, "../escape")
	assert.Error(t, err)
	assert.Error(t, store.WriteResultDigest(ctx, "exec-1", "../escape", "d"))
}

func TestBlobStores_ContentAddressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := map[string]BlobStore{
		"memory": NewMemoryBlobStore(),
	}
	fileStore, err := OpenFileBlobStore(t.TempDir())
	require.NoError(t, err)
	stores["file"] = fileStore

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			payload := []byte(`{"result":42}`)
			d1, err := store.Put(ctx, payload)
			require.NoError(t, err)
			d2, err := store.Put(ctx, payload)
			require.NoError(t, err)
			assert.Equal(t, d1, d2, "identical bytes must map to the same digest")

			got, err := store.Get(ctx, d1)
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			_, err = store.Get(ctx, "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
			assert.Error(t, err)
		})
	}
}
