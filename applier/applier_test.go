package applier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/dbfollower/storage"
	"github.com/estuary/dbfollower/txtracker"
	"github.com/estuary/dbfollower/wire"
)

// memEngine is a minimal in-memory storage.Engine for applier tests.
type memTx struct {
	eng     *memEngine
	mutations []string
	aborted bool
}

func (t *memTx) UpsertByKey(ctx context.Context, collection string, payload []byte) error {
	t.mutations = append(t.mutations, "upsert:"+collection+":"+string(payload))
	return nil
}

func (t *memTx) Remove(ctx context.Context, collection string, key string) error {
	if key == "missing" {
		return storage.ErrNotFound
	}
	t.mutations = append(t.mutations, "remove:"+collection+":"+key)
	return nil
}

type memEngine struct {
	committed [][]string
	aborted   int
	created   []string
	dropped   []string
	renamed   [][2]string
}

func (e *memEngine) BeginTx(ctx context.Context) (storage.Tx, error) { return &memTx{eng: e}, nil }

func (e *memEngine) CommitTx(ctx context.Context, tx storage.Tx) error {
	e.committed = append(e.committed, tx.(*memTx).mutations)
	return nil
}

func (e *memEngine) AbortTx(ctx context.Context, tx storage.Tx) error {
	tx.(*memTx).aborted = true
	e.aborted++
	return nil
}

func (e *memEngine) CreateCollection(ctx context.Context, payload []byte) error {
	for _, c := range e.created {
		if c == string(payload) {
			return storage.ErrAlreadyExists
		}
	}
	e.created = append(e.created, string(payload))
	return nil
}
func (e *memEngine) DropCollection(ctx context.Context, name string) error {
	e.dropped = append(e.dropped, name)
	return nil
}
func (e *memEngine) RenameCollection(ctx context.Context, old, new string) error {
	e.renamed = append(e.renamed, [2]string{old, new})
	return nil
}
func (e *memEngine) ChangeCollectionProperties(ctx context.Context, n string, p []byte) error {
	return nil
}
func (e *memEngine) CollectionName(id string) (string, bool) { return "", false }

func TestApplyStandaloneInsertCommitsImmediately(t *testing.T) {
	var eng = &memEngine{}
	var tr = txtracker.New(eng)
	var a = New(eng, tr, Options{}, nil)
	var ctx = context.Background()

	res, err := a.Apply(ctx, wire.Event{
		Tick: 10, Kind: wire.InsertDoc,
		Collection: wire.CollectionRef{Name: "c"},
		Payload:    []byte(`{"_key":"a","v":1}`),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)
	require.Len(t, eng.committed, 1)
}

func TestApplyTransactionNotVisibleUntilCommit(t *testing.T) {
	var eng = &memEngine{}
	var tr = txtracker.New(eng)
	var a = New(eng, tr, Options{}, nil)
	var ctx = context.Background()

	_, err := a.Apply(ctx, wire.Event{Tick: 20, Kind: wire.BeginTx, TxId: 7, HasTxId: true})
	require.NoError(t, err)

	res, err := a.Apply(ctx, wire.Event{
		Tick: 21, Kind: wire.InsertDoc, TxId: 7, HasTxId: true,
		Collection: wire.CollectionRef{Name: "c"}, Payload: []byte(`{"_key":"x"}`),
	})
	require.NoError(t, err)
	require.False(t, res.Committed)
	require.Empty(t, eng.committed)

	res, err = a.Apply(ctx, wire.Event{
		Tick: 22, Kind: wire.InsertDoc, TxId: 7, HasTxId: true,
		Collection: wire.CollectionRef{Name: "c"}, Payload: []byte(`{"_key":"y"}`),
	})
	require.NoError(t, err)
	require.False(t, res.Committed)
	require.Empty(t, eng.committed)

	res, err = a.Apply(ctx, wire.Event{Tick: 23, Kind: wire.CommitTx, TxId: 7, HasTxId: true})
	require.NoError(t, err)
	require.True(t, res.Committed)
	require.Len(t, eng.committed, 1)
	require.Len(t, eng.committed[0], 2)
}

func TestApplyAbortDiscardsOps(t *testing.T) {
	var eng = &memEngine{}
	var tr = txtracker.New(eng)
	var a = New(eng, tr, Options{}, nil)
	var ctx = context.Background()

	_, _ = a.Apply(ctx, wire.Event{Tick: 30, Kind: wire.BeginTx, TxId: 1, HasTxId: true})
	_, _ = a.Apply(ctx, wire.Event{
		Tick: 31, Kind: wire.InsertDoc, TxId: 1, HasTxId: true,
		Collection: wire.CollectionRef{Name: "c"}, Payload: []byte(`{"_key":"z"}`),
	})
	res, err := a.Apply(ctx, wire.Event{Tick: 32, Kind: wire.AbortTx, TxId: 1, HasTxId: true})
	require.NoError(t, err)
	require.True(t, res.Committed)
	require.Empty(t, eng.committed)
	require.Equal(t, 1, eng.aborted)
}

func TestApplyRemoveMissingKeyTolerated(t *testing.T) {
	var eng = &memEngine{}
	var tr = txtracker.New(eng)
	var a = New(eng, tr, Options{}, nil)
	var ctx = context.Background()

	res, err := a.Apply(ctx, wire.Event{
		Tick: 1, Kind: wire.RemoveDoc,
		Collection: wire.CollectionRef{Name: "c"}, Payload: []byte(`{"_key":"missing"}`),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)
}

func TestApplyRemoveMissingKeyStrict(t *testing.T) {
	var eng = &memEngine{}
	var tr = txtracker.New(eng)
	var a = New(eng, tr, Options{StrictRemove: true}, nil)
	var ctx = context.Background()

	_, err := a.Apply(ctx, wire.Event{
		Tick: 1, Kind: wire.RemoveDoc,
		Collection: wire.CollectionRef{Name: "c"}, Payload: []byte(`{"_key":"missing"}`),
	})
	require.Error(t, err)
}

func TestApplyCreateCollectionIgnoresAlreadyExists(t *testing.T) {
	var eng = &memEngine{}
	var tr = txtracker.New(eng)
	var a = New(eng, tr, Options{}, nil)

	var ev = wire.Event{Kind: wire.CreateCollection, Payload: []byte(`{"name":"c"}`)}
	res, err := a.Apply(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, res.Committed)

	// Re-applying the same marker hits ErrAlreadyExists, which is ignored.
	res, err = a.Apply(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, res.Committed)
	require.Len(t, eng.created, 1)
}

func TestApplyRenameRequiresName(t *testing.T) {
	var eng = &memEngine{}
	var tr = txtracker.New(eng)
	var a = New(eng, tr, Options{}, nil)

	_, err := a.Apply(context.Background(), wire.Event{
		Kind: wire.RenameCollection, Collection: wire.CollectionRef{Name: "old"}, Payload: []byte(`{}`),
	})
	require.Error(t, err)
}

func TestApplyOtherIsNoop(t *testing.T) {
	var eng = &memEngine{}
	var tr = txtracker.New(eng)
	var a = New(eng, tr, Options{}, nil)

	res, err := a.Apply(context.Background(), wire.Event{Kind: wire.Other})
	require.NoError(t, err)
	require.False(t, res.Committed)
}
