package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/highwayhash"
)

// checksumKey is the fixed 32-byte key Checksum hashes marker bytes with. It
// is not a secret; it only needs to be stable across processes so checksums
// computed by different parties agree on the same hash family.
var checksumKey = [highwayhash.Size]byte{
	'f', 'o', 'l', 'l', 'o', 'w', 'e', 'r', '-', 'm', 'a', 'r', 'k', 'e', 'r',
	'-', 'c', 'h', 'e', 'c', 'k', 's', 'u', 'm', 0, 0, 0, 0, 0, 0, 0, 0,
}

// rawMarker is the on-wire shape of one marker, as self-describing JSON.
type rawMarker struct {
	Tick       uint64          `json:"tick"`
	Kind       string          `json:"kind"`
	TxId       *uint64         `json:"txId,omitempty"`
	Collection string          `json:"collection,omitempty"`
	CID        string          `json:"cid,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

var kindNames = map[string]Kind{
	"begin":            BeginTx,
	"commit":           CommitTx,
	"abort":            AbortTx,
	"insert":           InsertDoc,
	"update":           UpdateDoc,
	"remove":           RemoveDoc,
	"createCollection": CreateCollection,
	"dropCollection":   DropCollection,
	"renameCollection": RenameCollection,
	"changeCollection": ChangeCollection,
}

// Checksum returns the highwayhash digest of raw marker bytes. Decode and
// the Decoder do not compute or verify it.
func Checksum(raw []byte) uint64 {
	return highwayhash.Sum64(raw, checksumKey[:])
}

// Decode parses one raw marker line into an Event.
func Decode(raw []byte) (Event, error) {
	var rm rawMarker
	if err := json.Unmarshal(raw, &rm); err != nil {
		return Event{}, &DecodeError{Kind: Malformed, Err: err}
	}

	if rm.Tick == 0 {
		return Event{}, missingField("tick")
	}
	kind, ok := kindNames[rm.Kind]
	if !ok {
		kind = Other
	}

	var ev = Event{
		Tick: Tick(rm.Tick),
		Kind: kind,
		Collection: CollectionRef{
			Name: rm.Collection,
			Id:   rm.CID,
		},
		Payload: []byte(rm.Payload),
	}

	if kind.txScoped() && (kind == BeginTx || kind == CommitTx || kind == AbortTx) {
		if rm.TxId == nil {
			return Event{}, missingField("txId")
		}
	}
	if rm.TxId != nil {
		ev.TxId = RemoteTxId(*rm.TxId)
		ev.HasTxId = true
	}

	if kind != Other && !kind.txScoped() && kind.ddl() {
		if rm.Collection == "" && rm.CID == "" {
			return Event{}, missingField("collection")
		}
	}
	if kind == InsertDoc || kind == UpdateDoc || kind == RemoveDoc {
		if rm.Collection == "" && rm.CID == "" {
			return Event{}, missingField("collection")
		}
		if len(rm.Payload) == 0 {
			return Event{}, missingField("payload")
		}
	}

	return ev, nil
}

// Decoder streams Events from a chunk body of newline-delimited JSON markers,
// enforcing that ticks strictly increase within the stream (spec.md §4.1).
type Decoder struct {
	scanner  *bufio.Scanner
	lastTick Tick
	seen     bool
}

// NewDecoder wraps r, the body of one fetched chunk.
func NewDecoder(r io.Reader) *Decoder {
	var sc = bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Decoder{scanner: sc}
}

// Next returns the next Event, or io.EOF when the chunk body is exhausted.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		var line = d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev, err = Decode(line)
		if err != nil {
			return Event{}, err
		}
		if d.seen && ev.Tick <= d.lastTick {
			return Event{}, &DecodeError{Kind: TickRegressed}
		}
		d.lastTick, d.seen = ev.Tick, true
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, &DecodeError{Kind: Malformed, Err: fmt.Errorf("reading chunk body: %w", err)}
	}
	return Event{}, io.EOF
}
