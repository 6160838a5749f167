package follower

import (
	"fmt"
	"time"

	"github.com/estuary/dbfollower/filter"
	"github.com/estuary/dbfollower/wire"
)

// Config recognizes every option of spec.md §6, plus the additions of
// SPEC_FULL.md §10.
type Config struct {
	Endpoint string
	ChunkSize uint64

	InitialTick wire.Tick
	UseTick     bool

	IncludeSystem       bool
	RestrictType        filter.Mode
	RestrictCollections []string
	RequireFromPresent  bool

	Verbose int

	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	MaxConnectRetries int

	// CheckpointInterval and CheckpointCommits implement the "whichever
	// comes first" durable-checkpoint cadence of spec.md §5.
	CheckpointInterval time.Duration
	CheckpointCommits  int

	// BackoffCeiling bounds the exponential retry back-off; zero uses the
	// spec default of 60s.
	BackoffCeiling time.Duration
	// IdlePoll is how long the loop sleeps between fetches when the master
	// reports no more log is immediately available.
	IdlePoll time.Duration

	// StorageRetryLimit bounds retries of a single marker against
	// StorageTransient before escalating to StorageFatal (spec.md §4.5).
	StorageRetryLimit int

	KeyField     string
	StrictRemove bool
}

// Validate refuses configuration that would make ConfigInvalid correctness
// unreachable (spec.md §7).
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunkSize must be > 0")
	}
	switch c.RestrictType {
	case filter.None, filter.Include, filter.Exclude:
	default:
		return fmt.Errorf("invalid restrictType %v", c.RestrictType)
	}
	if c.RestrictType != filter.None && len(c.RestrictCollections) == 0 {
		return fmt.Errorf("restrictType %v requires restrictCollections", c.RestrictType)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 10 * time.Second
	}
	if c.CheckpointCommits <= 0 {
		c.CheckpointCommits = 1000
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = time.Second
	}
	if c.StorageRetryLimit <= 0 {
		c.StorageRetryLimit = 3
	}
	if c.KeyField == "" {
		c.KeyField = "_key"
	}
	return c
}

func (c Config) restrictPolicy() filter.Policy {
	var set = make(map[string]bool, len(c.RestrictCollections))
	for _, name := range c.RestrictCollections {
		set[name] = true
	}
	return filter.Policy{
		Mode:          c.RestrictType,
		Collections:   set,
		IncludeSystem: c.IncludeSystem,
	}
}
