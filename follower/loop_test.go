package follower

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/dbfollower/storage"
	"github.com/estuary/dbfollower/wire"
)

// --- fakes -----------------------------------------------------------

type fakeChunk struct {
	markers []string
	headers ChunkHeaders
	err     error
}

// fakeTransport replays a scripted sequence of chunks, one per FetchChunk
// call, then repeats the final chunk. Markers of a repeated chunk are at or
// below lastProcessedTick, so the loop skips them.
type fakeTransport struct {
	mu     sync.Mutex
	chunks []fakeChunk
	calls  int
	fromTicks []wire.Tick
}

func (f *fakeTransport) FetchChunk(ctx context.Context, fromTick wire.Tick, chunkSize uint64) (io.ReadCloser, ChunkHeaders, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fromTicks = append(f.fromTicks, fromTick)
	var idx = f.calls
	if idx >= len(f.chunks) {
		idx = len(f.chunks) - 1
	}
	f.calls++
	var c = f.chunks[idx]
	if c.err != nil {
		return nil, ChunkHeaders{}, c.err
	}
	var body = bytes.Join(toLines(c.markers), []byte("\n"))
	return io.NopCloser(bytes.NewReader(body)), c.headers, nil
}

func toLines(markers []string) [][]byte {
	var out = make([][]byte, len(markers))
	for i, m := range markers {
		out[i] = []byte(m)
	}
	return out
}

// fakeCheckpoints is an in-memory CheckpointStore.
type fakeCheckpoints struct {
	mu     sync.Mutex
	saved  []State
	loaded State
	hasLoaded bool
}

func (f *fakeCheckpoints) Load(ctx context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasLoaded {
		return State{}, storage.ErrNotFound
	}
	return f.loaded, nil
}

func (f *fakeCheckpoints) Save(ctx context.Context, s State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, s)
	return nil
}

func (f *fakeCheckpoints) last() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saved) == 0 {
		return State{}
	}
	return f.saved[len(f.saved)-1]
}

// memTx / memEngine mirror applier's in-memory test doubles.
type memTx struct{ upserts, removes []string }

func (t *memTx) UpsertByKey(ctx context.Context, collection string, payload []byte) error {
	t.upserts = append(t.upserts, collection+":"+string(payload))
	return nil
}
func (t *memTx) Remove(ctx context.Context, collection string, key string) error {
	t.removes = append(t.removes, collection+":"+key)
	return nil
}

type memEngine struct {
	mu       sync.Mutex
	applied  []string
	openAtEnd int
}

func (e *memEngine) BeginTx(ctx context.Context) (storage.Tx, error) { return &memTx{}, nil }
func (e *memEngine) CommitTx(ctx context.Context, tx storage.Tx) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, tx.(*memTx).upserts...)
	return nil
}
func (e *memEngine) AbortTx(ctx context.Context, tx storage.Tx) error { return nil }
func (e *memEngine) CreateCollection(ctx context.Context, payload []byte) error { return nil }
func (e *memEngine) DropCollection(ctx context.Context, name string) error      { return nil }
func (e *memEngine) RenameCollection(ctx context.Context, old, new string) error { return nil }
func (e *memEngine) ChangeCollectionProperties(ctx context.Context, n string, p []byte) error {
	return nil
}
func (e *memEngine) CollectionName(id string) (string, bool) { return "", false }

func marker(tick int, kind string, extra string) string {
	return fmt.Sprintf(`{"tick":%d,"kind":%q,"collection":"docs"%s}`, tick, kind, extra)
}

func testLoop(t *testing.T, transport *fakeTransport, cps *fakeCheckpoints, eng *memEngine) *Loop {
	t.Helper()
	var cfg = Config{
		Endpoint:  "http://master.invalid",
		ChunkSize: 1 << 20,
		IdlePoll:  time.Millisecond,
	}
	l, err := New(cfg, transport, eng, cps, nil, nil)
	require.NoError(t, err)
	return l
}

// --- S1: empty log -----------------------------------------------------

func TestRunEmptyLogStopsCleanlyOnRequest(t *testing.T) {
	var transport = &fakeTransport{chunks: []fakeChunk{
		{markers: nil, headers: ChunkHeaders{LastIncludedTick: 0, CheckMore: false, FromPresent: true}},
	}}
	var cps = &fakeCheckpoints{}
	var eng = &memEngine{}
	var l = testLoop(t, transport, cps, eng)

	var done = make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	l.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}

	var snap = l.Snapshot()
	require.Equal(t, Stopped, snap.Phase)
	require.Equal(t, wire.Tick(0), snap.LastAppliedTick)
	require.Equal(t, Stopped, cps.last().Phase)
}

// --- monotonic progress across several chunks ---------------------------

func TestRunAppliesInsertsAndAdvancesTicks(t *testing.T) {
	var transport = &fakeTransport{chunks: []fakeChunk{
		{markers: []string{marker(1, "insert", `,"payload":{"_key":"a"}`)},
			headers: ChunkHeaders{LastIncludedTick: 1, CheckMore: true, FromPresent: true}},
		{markers: []string{marker(2, "insert", `,"payload":{"_key":"b"}`)},
			headers: ChunkHeaders{LastIncludedTick: 2, CheckMore: false, FromPresent: true}},
	}}
	var cps = &fakeCheckpoints{}
	var eng = &memEngine{}
	var l = testLoop(t, transport, cps, eng)

	var done = make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return l.Snapshot().LastAppliedTick == 2
	}, 2*time.Second, 5*time.Millisecond)

	l.Stop()
	<-done

	require.Len(t, eng.applied, 2)
	require.Equal(t, []wire.Tick{0, 2}, transport.fromTicks[:2])
}

// --- S6: log gap is fatal -------------------------------------------------

func TestRunLogGapIsFatalWhenRequired(t *testing.T) {
	var transport = &fakeTransport{chunks: []fakeChunk{
		{markers: nil, headers: ChunkHeaders{FromPresent: false}},
	}}
	var cps = &fakeCheckpoints{}
	var eng = &memEngine{}
	var cfg = Config{Endpoint: "x", ChunkSize: 1024, RequireFromPresent: true, IdlePoll: time.Millisecond}
	l, err := New(cfg, transport, eng, cps, nil, nil)
	require.NoError(t, err)

	err = l.Run(context.Background())
	require.Error(t, err)
	var fe *Error
	require.True(t, errors.As(err, &fe))
	require.Equal(t, LogGap, fe.Kind)
	require.Equal(t, Failed, l.Snapshot().Phase)
	require.Equal(t, Failed, cps.last().Phase)
}

// --- tick regression within a chunk is a protocol violation -------------

func TestRunTickRegressionIsFatal(t *testing.T) {
	var transport = &fakeTransport{chunks: []fakeChunk{
		{markers: []string{
			marker(5, "insert", `,"payload":{"_key":"a"}`),
			marker(3, "insert", `,"payload":{"_key":"b"}`),
		}, headers: ChunkHeaders{LastIncludedTick: 5, FromPresent: true}},
	}}
	var cps = &fakeCheckpoints{}
	var eng = &memEngine{}
	var l = testLoop(t, transport, cps, eng)

	var err = l.Run(context.Background())
	require.Error(t, err)
	var fe *Error
	require.True(t, errors.As(err, &fe))
	require.Equal(t, ProtocolViolation, fe.Kind)
}

// --- S5: crash mid-transaction recomputes a conservative safeResumeTick --

func TestSafeResumeTickStaysAtOldestOpenTransaction(t *testing.T) {
	var transport = &fakeTransport{chunks: []fakeChunk{
		{markers: []string{
			`{"tick":1,"kind":"begin","txId":100}`,
			marker(2, "insert", `,"txId":100,"payload":{"_key":"a"}`),
		}, headers: ChunkHeaders{LastIncludedTick: 2, CheckMore: false, FromPresent: true}},
	}}
	var cps = &fakeCheckpoints{}
	var eng = &memEngine{}
	var l = testLoop(t, transport, cps, eng)

	var done = make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return l.Snapshot().LastProcessedTick == 2
	}, 2*time.Second, 5*time.Millisecond)

	var snap = l.Snapshot()
	// The BeginTx at tick 1 is still open (no CommitTx/AbortTx arrived), so
	// a crash now must resume no later than tick 1 to re-observe it.
	require.Equal(t, wire.Tick(1), snap.SafeResumeTick)
	require.Equal(t, wire.Tick(0), snap.LastAppliedTick)

	l.Stop()
	<-done
}

// --- restart resumes from the persisted safeResumeTick, not lastAppliedTick

func TestRunResumesFromPersistedSafeResumeTick(t *testing.T) {
	var transport = &fakeTransport{chunks: []fakeChunk{
		{markers: nil, headers: ChunkHeaders{FromPresent: true}},
	}}
	var cps = &fakeCheckpoints{hasLoaded: true, loaded: State{
		LastAppliedTick: 9, SafeResumeTick: 4,
	}}
	var eng = &memEngine{}
	var l = testLoop(t, transport, cps, eng)

	var done = make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(transport.fromTicks) > 0 }, time.Second, 2*time.Millisecond)
	require.Equal(t, wire.Tick(4), transport.fromTicks[0])

	l.Stop()
	<-done
}

// --- ConfigInvalid refuses to start --------------------------------------

func TestNewRejectsInvalidRestrictConfig(t *testing.T) {
	var cfg = Config{Endpoint: "x", ChunkSize: 1024, RestrictType: 1 /* Include */}
	_, err := New(cfg, &fakeTransport{}, &memEngine{}, &fakeCheckpoints{}, nil, nil)
	require.Error(t, err)
	var fe *Error
	require.True(t, errors.As(err, &fe))
	require.Equal(t, ConfigInvalid, fe.Kind)
}

// --- transient transport errors retry instead of failing -----------------

type flakyTransport struct {
	attempts int
	inner    *fakeTransport
}

func (f *flakyTransport) FetchChunk(ctx context.Context, fromTick wire.Tick, chunkSize uint64) (io.ReadCloser, ChunkHeaders, error) {
	f.attempts++
	if f.attempts == 1 {
		return nil, ChunkHeaders{}, errors.New("connection reset")
	}
	return f.inner.FetchChunk(ctx, fromTick, chunkSize)
}

func TestRunRetriesTransientTransportErrors(t *testing.T) {
	var inner = &fakeTransport{chunks: []fakeChunk{
		{markers: nil, headers: ChunkHeaders{FromPresent: true}},
	}}
	var transport = &flakyTransport{inner: inner}
	var cps = &fakeCheckpoints{}
	var eng = &memEngine{}
	var cfg = Config{Endpoint: "x", ChunkSize: 1024, IdlePoll: time.Millisecond, BackoffCeiling: 50 * time.Millisecond}
	l, err := New(cfg, transport, eng, cps, nil, nil)
	require.NoError(t, err)

	var done = make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, Running, l.Snapshot().Phase)
	require.GreaterOrEqual(t, transport.attempts, 2)

	l.Stop()
	<-done
}
