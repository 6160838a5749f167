// Package applier implements the Event Applier (C4): dispatching a decoded
// Event to the local storage engine through the Transaction Tracker's
// transaction context.
package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/dbfollower/storage"
	"github.com/estuary/dbfollower/txtracker"
	"github.com/estuary/dbfollower/wire"
)

// Options configures applier behavior that doesn't change wire semantics.
type Options struct {
	// KeyField names the JSON field holding a document's local key.
	// Defaults to "_key".
	KeyField string
	// StrictRemove, when true, fails the enclosing transaction if a
	// RemoveDoc marker names a key that doesn't exist locally, instead of
	// the spec default of tolerating it (spec.md §9, first Open Question).
	StrictRemove bool
	// Verbose, at level >= 2, logs a debug line for every document upsert
	// (spec.md §9 supplemented feature).
	Verbose int
}

// Applier dispatches Events to storage via a Tracker.
type Applier struct {
	engine  storage.Engine
	tracker *txtracker.Tracker
	opts    Options
	log     *log.Entry
}

// New returns an Applier bound to engine and tracker.
func New(engine storage.Engine, tracker *txtracker.Tracker, opts Options, logger *log.Entry) *Applier {
	if opts.KeyField == "" {
		opts.KeyField = "_key"
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Applier{engine: engine, tracker: tracker, opts: opts, log: logger}
}

// Result tells the caller (the Follower Loop) what happened and whether
// lastAppliedTick should advance to the marker's tick.
type Result struct {
	// Committed is true when this marker's effects (or the effects of the
	// transaction it closed) are now durably visible, so lastAppliedTick
	// may advance to the marker's tick.
	Committed bool
}

// Apply dispatches ev per the Event Applier's table (spec.md §4.4).
func (a *Applier) Apply(ctx context.Context, ev wire.Event) (Result, error) {
	switch ev.Kind {
	case wire.BeginTx:
		if _, err := a.tracker.OnBegin(ctx, ev.TxId, ev.Tick); err != nil {
			return Result{}, fmt.Errorf("BeginTx(tick=%d, tx=%d): %w", ev.Tick, ev.TxId, err)
		}
		return Result{}, nil

	case wire.CommitTx:
		if err := a.tracker.OnCommit(ctx, ev.TxId); err != nil {
			return Result{}, fmt.Errorf("CommitTx(tick=%d, tx=%d): %w", ev.Tick, ev.TxId, err)
		}
		return Result{Committed: true}, nil

	case wire.AbortTx:
		if err := a.tracker.OnAbort(ctx, ev.TxId); err != nil {
			return Result{}, fmt.Errorf("AbortTx(tick=%d, tx=%d): %w", ev.Tick, ev.TxId, err)
		}
		// An abort closes out the transaction's range of ticks just as
		// surely as a commit would; lastAppliedTick may advance past it.
		return Result{Committed: true}, nil

	case wire.InsertDoc, wire.UpdateDoc:
		return a.applyUpsert(ctx, ev)

	case wire.RemoveDoc:
		return a.applyRemove(ctx, ev)

	case wire.CreateCollection:
		if err := a.engine.CreateCollection(ctx, ev.Payload); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return Result{}, fmt.Errorf("CreateCollection(tick=%d): %w", ev.Tick, err)
		}
		return Result{Committed: true}, nil

	case wire.DropCollection:
		if err := a.engine.DropCollection(ctx, ev.Collection.Name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("DropCollection(tick=%d): %w", ev.Tick, err)
		}
		return Result{Committed: true}, nil

	case wire.RenameCollection:
		var newName, err = renameTarget(ev.Payload)
		if err != nil {
			return Result{}, fmt.Errorf("RenameCollection(tick=%d): %w", ev.Tick, err)
		}
		if err := a.engine.RenameCollection(ctx, ev.Collection.Name, newName); err != nil {
			return Result{}, fmt.Errorf("RenameCollection(tick=%d): %w", ev.Tick, err)
		}
		return Result{Committed: true}, nil

	case wire.ChangeCollection:
		if err := a.engine.ChangeCollectionProperties(ctx, ev.Collection.Name, ev.Payload); err != nil {
			return Result{}, fmt.Errorf("ChangeCollection(tick=%d): %w", ev.Tick, err)
		}
		return Result{Committed: true}, nil

	default: // Other: no action.
		return Result{}, nil
	}
}

func (a *Applier) applyUpsert(ctx context.Context, ev wire.Event) (Result, error) {
	handle, implicit, err := a.tracker.OnOperation(ctx, ev.TxId, ev.HasTxId)
	if err != nil {
		return Result{}, fmt.Errorf("resolving transaction for tick=%d: %w", ev.Tick, err)
	}

	if a.opts.Verbose >= 2 {
		a.log.WithFields(log.Fields{
			"tick":       ev.Tick,
			"collection": ev.Collection.Name,
			"kind":       ev.Kind.String(),
		}).Debug("applying document upsert")
	}

	if err := handle.UpsertByKey(ctx, ev.Collection.Name, ev.Payload); err != nil {
		return Result{}, fmt.Errorf("upsert(tick=%d): %w", ev.Tick, err)
	}

	if implicit {
		if err := a.tracker.CommitImplicit(ctx, handle); err != nil {
			return Result{}, fmt.Errorf("committing implicit transaction for tick=%d: %w", ev.Tick, err)
		}
		return Result{Committed: true}, nil
	}
	return Result{}, nil
}

func (a *Applier) applyRemove(ctx context.Context, ev wire.Event) (Result, error) {
	handle, implicit, err := a.tracker.OnOperation(ctx, ev.TxId, ev.HasTxId)
	if err != nil {
		return Result{}, fmt.Errorf("resolving transaction for tick=%d: %w", ev.Tick, err)
	}

	key, err := documentKey(ev.Payload, a.opts.KeyField)
	if err != nil {
		return Result{}, fmt.Errorf("RemoveDoc(tick=%d): %w", ev.Tick, err)
	}

	if err := handle.Remove(ctx, ev.Collection.Name, key); err != nil {
		if a.opts.StrictRemove {
			return Result{}, fmt.Errorf("remove(tick=%d): %w", ev.Tick, err)
		}
		a.log.WithFields(log.Fields{"tick": ev.Tick, "key": key}).
			Debug("tolerating remove of missing key")
	}

	if implicit {
		if err := a.tracker.CommitImplicit(ctx, handle); err != nil {
			return Result{}, fmt.Errorf("committing implicit transaction for tick=%d: %w", ev.Tick, err)
		}
		return Result{Committed: true}, nil
	}
	return Result{}, nil
}

func documentKey(payload []byte, field string) (string, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}
	raw, ok := m[field]
	if !ok {
		return "", fmt.Errorf("payload missing key field %q", field)
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", fmt.Errorf("key field %q is not a string: %w", field, err)
	}
	return key, nil
}

func renameTarget(payload []byte) (string, error) {
	var m struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", fmt.Errorf("parsing rename payload: %w", err)
	}
	if m.Name == "" {
		return "", errors.New("rename payload missing new collection name")
	}
	return m.Name, nil
}
