package txtracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/dbfollower/storage"
	"github.com/estuary/dbfollower/wire"
)

// fakeTx and fakeEngine give the tracker tests a minimal in-memory Storage.Engine.
type fakeTx struct{ id int }

func (f *fakeTx) UpsertByKey(ctx context.Context, collection string, payload []byte) error { return nil }
func (f *fakeTx) Remove(ctx context.Context, collection string, key string) error          { return nil }

type fakeEngine struct {
	next      int
	committed []int
	aborted   []int
}

func (e *fakeEngine) BeginTx(ctx context.Context) (storage.Tx, error) {
	e.next++
	return &fakeTx{id: e.next}, nil
}
func (e *fakeEngine) CommitTx(ctx context.Context, tx storage.Tx) error {
	e.committed = append(e.committed, tx.(*fakeTx).id)
	return nil
}
func (e *fakeEngine) AbortTx(ctx context.Context, tx storage.Tx) error {
	e.aborted = append(e.aborted, tx.(*fakeTx).id)
	return nil
}
func (e *fakeEngine) CreateCollection(ctx context.Context, payload []byte) error          { return nil }
func (e *fakeEngine) DropCollection(ctx context.Context, name string) error               { return nil }
func (e *fakeEngine) RenameCollection(ctx context.Context, old, new string) error         { return nil }
func (e *fakeEngine) ChangeCollectionProperties(ctx context.Context, n string, p []byte) error { return nil }
func (e *fakeEngine) CollectionName(id string) (string, bool)                            { return "", false }

func TestBeginCommit(t *testing.T) {
	var eng = &fakeEngine{}
	var tr = New(eng)
	var ctx = context.Background()

	_, err := tr.OnBegin(ctx, 7, 20)
	require.NoError(t, err)
	require.Len(t, tr.OpenIds(), 1)

	require.NoError(t, tr.OnCommit(ctx, 7))
	require.Empty(t, tr.OpenIds())
	require.Equal(t, []int{1}, eng.committed)
}

func TestDuplicateBeginFails(t *testing.T) {
	var tr = New(&fakeEngine{})
	var ctx = context.Background()
	_, err := tr.OnBegin(ctx, 1, 1)
	require.NoError(t, err)
	_, err = tr.OnBegin(ctx, 1, 2)
	require.ErrorIs(t, err, ErrDuplicateBegin)
}

func TestCommitUnknownFails(t *testing.T) {
	var tr = New(&fakeEngine{})
	require.ErrorIs(t, tr.OnCommit(context.Background(), 9), ErrUnknownTx)
}

func TestOldestOpenTick(t *testing.T) {
	var tr = New(&fakeEngine{})
	var ctx = context.Background()
	_, _ = tr.OnBegin(ctx, 1, 40)
	_, _ = tr.OnBegin(ctx, 2, 10)

	tick, ok := tr.OldestOpenTick()
	require.True(t, ok)
	require.Equal(t, wire.Tick(10), tick)
}

func TestAbortAll(t *testing.T) {
	var eng = &fakeEngine{}
	var tr = New(eng)
	var ctx = context.Background()
	_, _ = tr.OnBegin(ctx, 1, 1)
	_, _ = tr.OnBegin(ctx, 2, 2)

	tr.AbortAll(ctx)
	require.Empty(t, tr.OpenIds())
	require.Len(t, eng.aborted, 2)
}

func TestImplicitOperation(t *testing.T) {
	var eng = &fakeEngine{}
	var tr = New(eng)
	var ctx = context.Background()

	handle, implicit, err := tr.OnOperation(ctx, 0, false)
	require.NoError(t, err)
	require.True(t, implicit)
	require.NoError(t, tr.CommitImplicit(ctx, handle))
	require.Equal(t, []int{1}, eng.committed)
}
