// Package txtracker implements the Transaction Tracker (C3): reconstructing
// transactions from BEGIN/COMMIT/ABORT markers and per-operation markers,
// holding open transactions keyed by their remote id.
package txtracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/estuary/dbfollower/storage"
	"github.com/estuary/dbfollower/wire"
)

// ErrDuplicateBegin is returned by OnBegin when remoteId is already open.
var ErrDuplicateBegin = errors.New("txtracker: duplicate BeginTx for remote transaction")

// ErrUnknownTx is returned by OnCommit/OnAbort when remoteId has no open
// transaction.
var ErrUnknownTx = errors.New("txtracker: commit/abort of unknown remote transaction")

// ongoing is the OngoingTx record from the data model: the local handle
// bound to a remote transaction, and the tick at which it was first seen
// (the basis for safeResumeTick).
type ongoing struct {
	handle       storage.Tx
	firstSeenTick wire.Tick
}

// Tracker owns the mapping from RemoteTxId to OngoingTx. It is accessed only
// from the follower task; no internal locking is required (spec.md §5).
type Tracker struct {
	engine  storage.Engine
	open    map[wire.RemoteTxId]*ongoing
	implicit map[storage.Tx]bool // handles opened as implicit single-statement transactions
}

// New returns a Tracker bound to engine.
func New(engine storage.Engine) *Tracker {
	return &Tracker{
		engine:   engine,
		open:     make(map[wire.RemoteTxId]*ongoing),
		implicit: make(map[storage.Tx]bool),
	}
}

// OnBegin allocates a local transaction for a BeginTx marker.
func (t *Tracker) OnBegin(ctx context.Context, remoteId wire.RemoteTxId, tick wire.Tick) (storage.Tx, error) {
	if _, ok := t.open[remoteId]; ok {
		return nil, ErrDuplicateBegin
	}
	handle, err := t.engine.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning local transaction: %w", err)
	}
	t.open[remoteId] = &ongoing{handle: handle, firstSeenTick: tick}
	return handle, nil
}

// OnOperation returns the local transaction handle bound to remoteId, or —
// for a standalone operation marker with no enclosing Begin — opens an
// implicit single-statement transaction that the caller must commit
// immediately after applying the operation (see CommitImplicit).
func (t *Tracker) OnOperation(ctx context.Context, remoteId wire.RemoteTxId, hasTxId bool) (handle storage.Tx, implicit bool, err error) {
	if hasTxId {
		if og, ok := t.open[remoteId]; ok {
			return og.handle, false, nil
		}
		// The master referenced a transaction we never saw BeginTx for.
		// This only happens on resume at a tick inside a transaction whose
		// Begin fell before safeResumeTick's window; treat the same as an
		// implicit transaction scoped to just this operation.
	}
	handle, err = t.engine.BeginTx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning implicit transaction: %w", err)
	}
	t.implicit[handle] = true
	return handle, true, nil
}

// CommitImplicit commits a transaction handle returned by OnOperation with
// implicit=true.
func (t *Tracker) CommitImplicit(ctx context.Context, handle storage.Tx) error {
	delete(t.implicit, handle)
	return t.engine.CommitTx(ctx, handle)
}

// OnCommit commits the local transaction bound to remoteId and removes it
// from the open set.
func (t *Tracker) OnCommit(ctx context.Context, remoteId wire.RemoteTxId) error {
	og, ok := t.open[remoteId]
	if !ok {
		return ErrUnknownTx
	}
	delete(t.open, remoteId)
	if err := t.engine.CommitTx(ctx, og.handle); err != nil {
		return fmt.Errorf("committing remote tx %d: %w", remoteId, err)
	}
	return nil
}

// OnAbort aborts the local transaction bound to remoteId and removes it
// from the open set.
func (t *Tracker) OnAbort(ctx context.Context, remoteId wire.RemoteTxId) error {
	og, ok := t.open[remoteId]
	if !ok {
		return ErrUnknownTx
	}
	delete(t.open, remoteId)
	if err := t.engine.AbortTx(ctx, og.handle); err != nil {
		return fmt.Errorf("aborting remote tx %d: %w", remoteId, err)
	}
	return nil
}

// OpenIds returns the RemoteTxIds currently open.
func (t *Tracker) OpenIds() []wire.RemoteTxId {
	var ids = make([]wire.RemoteTxId, 0, len(t.open))
	for id := range t.open {
		ids = append(ids, id)
	}
	return ids
}

// OldestOpenTick returns the smallest firstSeenTick among open transactions,
// and false if none are open. This is the basis of safeResumeTick.
func (t *Tracker) OldestOpenTick() (wire.Tick, bool) {
	var found bool
	var oldest wire.Tick
	for _, og := range t.open {
		if !found || og.firstSeenTick < oldest {
			oldest, found = og.firstSeenTick, true
		}
	}
	return oldest, found
}

// AbortAll aborts every open transaction locally. Called by the follower
// loop on graceful stop: durability is only guaranteed for lastAppliedTick, so these
// transactions will be re-observed (their BeginTx re-seen) after refetching
// from safeResumeTick.
func (t *Tracker) AbortAll(ctx context.Context) {
	for id, og := range t.open {
		_ = t.engine.AbortTx(ctx, og.handle)
		delete(t.open, id)
	}
}
