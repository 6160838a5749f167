package rocks

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/jgraettinger/gorocksdb"
	"github.com/nsf/jsondiff"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/dbfollower/storage"
)

// tx buffers a transaction's mutations in a WriteBatch, applied atomically
// on CommitTx; this gives the follower the all-or-nothing semantics a
// remote transaction's BeginTx/CommitTx fence requires (spec.md §4.3).
type tx struct {
	engine *Engine
	batch  *gorocksdb.WriteBatch
	// pending tracks merge-by-key ops not yet resolvable against the
	// batch (RocksDB write batches can't read their own uncommitted
	// writes), resolved in order at commit time against a working cache
	// so same-key ops within this transaction compose.
	pending []pendingOp
}

type pendingOp struct {
	handle *gorocksdb.ColumnFamilyHandle
	key    []byte
	patch  []byte // nil signals a removal rather than a merge
}

// BeginTx implements storage.Engine.
func (e *Engine) BeginTx(ctx context.Context) (storage.Tx, error) {
	return &tx{engine: e, batch: gorocksdb.NewWriteBatch()}, nil
}

// mergeKeyRef names the (column family, document key) a pending op targets,
// for the working-value cache CommitTx resolves merges against.
type mergeKeyRef struct {
	handle *gorocksdb.ColumnFamilyHandle
	key    string
}

// mergeKeyState is a pending op's resolved value, not yet durable, so a
// later op in the same transaction against the same key merges against it
// instead of re-reading the pre-transaction committed value.
type mergeKeyState struct {
	value   []byte
	deleted bool
}

// CommitTx implements storage.Engine: pending merges are resolved in issue
// order against a working cache seeded lazily from the database's
// pre-transaction value, so multiple ops against the same key within one
// transaction compose instead of each merging against the same stale base.
func (e *Engine) CommitTx(ctx context.Context, t storage.Tx) error {
	var rt = t.(*tx)
	var working = make(map[mergeKeyRef]mergeKeyState, len(rt.pending))

	for _, op := range rt.pending {
		var ref = mergeKeyRef{handle: op.handle, key: string(op.key)}

		if op.patch == nil {
			rt.batch.DeleteCF(op.handle, op.key)
			working[ref] = mergeKeyState{deleted: true}
			continue
		}

		var before []byte
		if st, ok := working[ref]; ok {
			if !st.deleted {
				before = st.value
			}
		} else {
			existing, err := e.db.GetCF(e.ro, op.handle, op.key)
			if err != nil {
				return fmt.Errorf("reading document during commit: %w", err)
			}
			if existing.Size() > 0 {
				before = append([]byte(nil), existing.Data()...)
			}
			existing.Free()
		}

		var merged []byte
		var err error
		if len(before) == 0 {
			merged = op.patch
		} else {
			merged, err = jsonpatch.MergePatch(before, op.patch)
			if err != nil {
				return fmt.Errorf("merging document during commit: %w", err)
			}
			if e.verbose >= 2 {
				logMergeDiff(op.key, before, merged)
			}
		}
		working[ref] = mergeKeyState{value: merged}
		rt.batch.PutCF(op.handle, op.key, merged)
	}

	defer rt.batch.Destroy()
	if err := e.db.Write(e.wo, rt.batch); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AbortTx implements storage.Engine: the batch is simply discarded.
func (e *Engine) AbortTx(ctx context.Context, t storage.Tx) error {
	t.(*tx).batch.Destroy()
	return nil
}

// UpsertByKey implements storage.Tx.
func (t *tx) UpsertByKey(ctx context.Context, collection string, payload []byte) error {
	handle, err := t.engine.cf(collection)
	if err != nil {
		return err
	}
	var doc struct {
		Key string `json:"_key"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}
	if doc.Key == "" {
		return fmt.Errorf("document payload missing _key")
	}
	t.pending = append(t.pending, pendingOp{handle: handle, key: []byte(doc.Key), patch: payload})
	return nil
}

// Remove implements storage.Tx. The deletion is queued either way; a key
// absent from the committed data is reported as storage.ErrNotFound at call
// time, and the applier decides whether that fails the transaction. At
// commit, RocksDB DeleteCF is a no-op on a missing key.
func (t *tx) Remove(ctx context.Context, collection string, key string) error {
	handle, err := t.engine.cf(collection)
	if err != nil {
		return err
	}
	existing, gerr := t.engine.db.GetCF(t.engine.ro, handle, []byte(key))
	if gerr != nil {
		return fmt.Errorf("checking existing document: %w", gerr)
	}
	var missing = existing.Size() == 0
	existing.Free()
	t.pending = append(t.pending, pendingOp{handle: handle, key: []byte(key), patch: nil})
	if missing {
		return storage.ErrNotFound
	}
	return nil
}

func logMergeDiff(key []byte, before, after []byte) {
	var opts = jsondiff.DefaultConsoleOptions()
	diff, report := jsondiff.Compare(before, after, &opts)
	if diff == jsondiff.FullMatch {
		return
	}
	log.WithField("key", string(key)).Debugf("document merge diff: %s", report)
}
