package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	domledger "github.com/qflow-run/qflow/internal/domain/ledger"
)

// BoltStore is a durable Store backed by a single bbolt file, one bucket per
// execution, keyed by zero-padded append index so bucket iteration returns
// records in chain order (spec §6 persisted-state layout: "ledger.jsonl
// append-only records" becomes one durable file instead of per-execution
// files, but preserves the same append-only, ordered-read contract).
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the bbolt file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func bucketName(execID string) []byte {
	return []byte("exec:" + execID)
}

func indexKey(i int) []byte {
	return []byte(fmt.Sprintf("%016d", i))
}

// AppendRecord appends rec to execID's bucket under the next index key.
func (b *BoltStore) AppendRecord(_ context.Context, rec domledger.Record) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(rec.ExecID))
		if err != nil {
			return err
		}
		idx := bucket.Stats().KeyN
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put(indexKey(idx), data)
	})
}

// ListRecords returns execID's chain in append order.
func (b *BoltStore) ListRecords(_ context.Context, execID string) ([]domledger.Record, error) {
	var out []domledger.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(execID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var rec domledger.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// LastRecord returns the most recently appended record for execID.
func (b *BoltStore) LastRecord(ctx context.Context, execID string) (domledger.Record, bool, error) {
	records, err := b.ListRecords(ctx, execID)
	if err != nil || len(records) == 0 {
		return domledger.Record{}, false, err
	}
	return records[len(records)-1], true, nil
}
