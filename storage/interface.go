// Package storage declares the interface the follower core uses to apply
// mutations to the local storage engine. It is deliberately narrow: the
// local storage engine is an external collaborator (spec.md §1), and the
// core only ever calls through this interface.
package storage

import (
	"context"
	"errors"
)

// ErrAlreadyExists is returned by CreateCollection when the collection
// already exists locally; the applier treats this as a no-op.
var ErrAlreadyExists = errors.New("storage: collection already exists")

// ErrNotFound is returned by DropCollection, RenameCollection, and
// ChangeCollectionProperties when the named collection does not exist.
// DropCollection treats it as a no-op; rename/change treat it as fatal.
// Tx.Remove also returns it for a missing document key.
var ErrNotFound = errors.New("storage: collection not found")

// ErrTransient signals a recoverable storage failure (lock timeout, write
// throttle): the follower loop retries the single marker a bounded number
// of times before escalating to fatal.
var ErrTransient = errors.New("storage: transient failure")

// Tx is a single local transaction, scoped to one or more document
// mutations. It is exclusively owned by whichever RemoteTxId (or implicit
// single-statement transaction) the Transaction Tracker bound it to.
type Tx interface {
	// UpsertByKey inserts payload into collection, or merges it into the
	// existing document sharing its key (merge-by-key semantics apply to
	// both InsertDoc-as-upsert and UpdateDoc).
	UpsertByKey(ctx context.Context, collection string, payload []byte) error
	// Remove deletes the document with the given key from collection.
	// A missing key is reported as ErrNotFound; the applier tolerates it
	// (idempotent re-apply on restart) unless configured for strict removal.
	Remove(ctx context.Context, collection string, key string) error
}

// Engine is the local storage engine's contract with the follower core.
type Engine interface {
	BeginTx(ctx context.Context) (Tx, error)
	CommitTx(ctx context.Context, tx Tx) error
	AbortTx(ctx context.Context, tx Tx) error

	CreateCollection(ctx context.Context, payload []byte) error
	DropCollection(ctx context.Context, name string) error
	RenameCollection(ctx context.Context, oldName, newName string) error
	ChangeCollectionProperties(ctx context.Context, name string, payload []byte) error

	// CollectionName resolves an opaque collection id to its current name,
	// for markers that address a collection only by id. Used by the
	// Collection Filter.
	CollectionName(id string) (string, bool)
}
