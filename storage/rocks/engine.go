// Package rocks implements storage.Engine on top of RocksDB, column-family
// per collection, using merge-by-key document semantics (RFC 7396 JSON
// Merge Patch) for UpsertByKey.
package rocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/jgraettinger/gorocksdb"

	"github.com/estuary/dbfollower/storage"
)

// Engine is a storage.Engine backed by a single RocksDB database, with one
// column family per collection.
type Engine struct {
	mu  sync.Mutex
	db  *gorocksdb.DB
	cfs map[string]*gorocksdb.ColumnFamilyHandle
	ro  *gorocksdb.ReadOptions
	wo  *gorocksdb.WriteOptions

	// names maps an opaque collection id to its current name, for markers
	// that address a collection by id (the Collection Filter's Resolver).
	names map[string]string

	// verbose, at level >= 2, logs a jsondiff of every merge-by-key
	// commit (spec.md §9 supplemented feature #4).
	verbose int
}

// SetVerbose configures merge-diff logging verbosity.
func (e *Engine) SetVerbose(level int) { e.verbose = level }

// Open opens (or creates) a RocksDB database at dir, discovering any column
// families already present from a prior run.
func Open(dir string) (*Engine, error) {
	var opts = gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)

	var existing, lerr = gorocksdb.ListColumnFamilies(opts, dir)
	if lerr != nil {
		existing = []string{"default"}
	}
	var cfOpts = make([]*gorocksdb.Options, len(existing))
	for i := range existing {
		cfOpts[i] = opts
	}

	db, handles, err := gorocksdb.OpenDbColumnFamilies(opts, dir, existing, cfOpts)
	if err != nil {
		return nil, fmt.Errorf("opening rocksdb at %s: %w", dir, err)
	}

	var e = &Engine{
		db:    db,
		cfs:   make(map[string]*gorocksdb.ColumnFamilyHandle, len(existing)),
		ro:    gorocksdb.NewDefaultReadOptions(),
		wo:    gorocksdb.NewDefaultWriteOptions(),
		names: make(map[string]string),
	}
	for i, name := range existing {
		if name == "default" {
			continue
		}
		e.cfs[name] = handles[i]
	}
	return e, nil
}

func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.cfs {
		h.Destroy()
	}
	e.db.Close()
	e.ro.Destroy()
	e.wo.Destroy()
}

func (e *Engine) cf(name string) (*gorocksdb.ColumnFamilyHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.cfs[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return h, nil
}

// CreateCollection implements storage.Engine.
func (e *Engine) CreateCollection(ctx context.Context, payload []byte) error {
	var meta struct {
		Name string `json:"name"`
		Id   string `json:"id"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return fmt.Errorf("parsing collection payload: %w", err)
	}
	if meta.Name == "" {
		return fmt.Errorf("collection payload missing name")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cfs[meta.Name]; ok {
		return storage.ErrAlreadyExists
	}
	handle, err := e.db.CreateColumnFamily(gorocksdb.NewDefaultOptions(), meta.Name)
	if err != nil {
		return fmt.Errorf("creating column family %s: %w", meta.Name, err)
	}
	e.cfs[meta.Name] = handle
	if meta.Id != "" {
		e.names[meta.Id] = meta.Name
	}
	return nil
}

// DropCollection implements storage.Engine.
func (e *Engine) DropCollection(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle, ok := e.cfs[name]
	if !ok {
		return storage.ErrNotFound
	}
	if err := e.db.DropColumnFamily(handle); err != nil {
		return fmt.Errorf("dropping column family %s: %w", name, err)
	}
	handle.Destroy()
	delete(e.cfs, name)
	return nil
}

// RenameCollection implements storage.Engine. RocksDB column families
// cannot be renamed in place, so this creates the new family, copies every
// key, and drops the old one.
func (e *Engine) RenameCollection(ctx context.Context, oldName, newName string) error {
	e.mu.Lock()
	oldHandle, ok := e.cfs[oldName]
	e.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}

	e.mu.Lock()
	newHandle, err := e.db.CreateColumnFamily(gorocksdb.NewDefaultOptions(), newName)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("creating column family %s: %w", newName, err)
	}

	var it = e.db.NewIteratorCF(e.ro, oldHandle)
	defer it.Close()
	var batch = gorocksdb.NewWriteBatch()
	defer batch.Destroy()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		batch.PutCF(newHandle, it.Key().Data(), it.Value().Data())
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("iterating column family %s: %w", oldName, err)
	}
	if err := e.db.Write(e.wo, batch); err != nil {
		return fmt.Errorf("copying into column family %s: %w", newName, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.db.DropColumnFamily(oldHandle); err != nil {
		return fmt.Errorf("dropping column family %s: %w", oldName, err)
	}
	oldHandle.Destroy()
	delete(e.cfs, oldName)
	e.cfs[newName] = newHandle
	for id, name := range e.names {
		if name == oldName {
			e.names[id] = newName
		}
	}
	return nil
}

// ChangeCollectionProperties implements storage.Engine. Properties are
// stored under a reserved key within the collection's own column family,
// merged the same way document bodies are.
func (e *Engine) ChangeCollectionProperties(ctx context.Context, name string, payload []byte) error {
	handle, err := e.cf(name)
	if err != nil {
		return err
	}
	return e.mergeKey(handle, []byte("\x00properties"), payload)
}

// CollectionName implements storage.Engine / filter.Resolver.
func (e *Engine) CollectionName(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name, ok := e.names[id]
	return name, ok
}

func (e *Engine) mergeKey(handle *gorocksdb.ColumnFamilyHandle, key, patch []byte) error {
	existing, err := e.db.GetCF(e.ro, handle, key)
	if err != nil {
		return fmt.Errorf("reading existing document: %w", err)
	}
	defer existing.Free()

	var merged []byte
	if existing.Size() == 0 {
		merged = patch
	} else {
		merged, err = jsonpatch.MergePatch(existing.Data(), patch)
		if err != nil {
			return fmt.Errorf("merging document: %w", err)
		}
	}
	if err := e.db.PutCF(e.wo, handle, key, merged); err != nil {
		return fmt.Errorf("writing document: %w", err)
	}
	return nil
}
