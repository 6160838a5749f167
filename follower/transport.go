package follower

import (
	"context"
	"io"

	"github.com/estuary/dbfollower/wire"
)

// ChunkHeaders mirrors the required response headers of the transport
// contract (spec.md §6).
type ChunkHeaders struct {
	LastIncludedTick wire.Tick
	LastTick         wire.Tick
	CheckMore        bool
	FromPresent      bool
	Active           bool
}

// Transport is the out-of-scope wire transport collaborator (spec.md §1):
// the core only ever calls FetchChunk.
type Transport interface {
	// FetchChunk requests markers starting at fromTick, bounded by
	// chunkSize bytes. The returned body streams newline-delimited JSON
	// markers and must be closed by the caller.
	FetchChunk(ctx context.Context, fromTick wire.Tick, chunkSize uint64) (body io.ReadCloser, headers ChunkHeaders, err error)
}

// CheckpointStore persists and restores the single ApplierState document
// (spec.md §6 "Persisted state layout"). Writes must be atomic.
type CheckpointStore interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}
