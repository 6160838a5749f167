// Package filter implements the Collection Filter (C2): deciding whether a
// decoded marker should be applied locally, based on include/exclude lists
// and the system-collection policy.
package filter

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/estuary/dbfollower/wire"
)

// Mode selects how RestrictPolicy.Collections is interpreted.
type Mode int

const (
	None Mode = iota
	Include
	Exclude
)

// alwaysIncluded names system collections that are replicated regardless of
// includeSystem, because the replica needs them to function as a read
// replica: the user-defined-function registry and the replication metadata
// collection itself.
var alwaysIncluded = map[string]bool{
	"_functions":          true,
	"_replication_applier": true,
}

// Policy is RestrictPolicy from the data model.
type Policy struct {
	Mode          Mode
	Collections   map[string]bool
	IncludeSystem bool
}

// Filter evaluates a Policy against events, with a small bounded cache of
// collection-id to collection-name resolutions so repeated markers for a
// hot collection addressed only by id don't force a storage lookup.
type Filter struct {
	policy Policy
	names  *lru.Cache[string, string] // collection id -> name
}

// Resolver looks up a collection's name given its opaque id, for markers
// that only carry an id. Implemented by the Storage engine.
type Resolver interface {
	CollectionName(id string) (string, bool)
}

// New builds a Filter. cacheSize bounds the id->name resolution cache;
// a size of 0 disables caching.
func New(policy Policy, cacheSize int) (*Filter, error) {
	var f = &Filter{policy: policy}
	if cacheSize > 0 {
		var c, err = lru.New[string, string](cacheSize)
		if err != nil {
			return nil, err
		}
		f.names = c
	}
	return f, nil
}

func isSystem(name string) bool {
	return strings.HasPrefix(name, "_")
}

// ShouldSkip reports whether ev should be dropped rather than applied.
// Events with no collection (tx fences, Other) are never skipped here;
// skipping only ever applies to collection-targeting operations.
func (f *Filter) ShouldSkip(ev wire.Event, resolver Resolver) bool {
	var name = ev.Collection.Name
	if name == "" {
		if ev.Collection.Id == "" {
			return false // not collection-targeting
		}
		if cached, ok := f.lookup(ev.Collection.Id); ok {
			name = cached
		} else if resolver != nil {
			if resolved, ok := resolver.CollectionName(ev.Collection.Id); ok {
				name = resolved
				f.store(ev.Collection.Id, resolved)
			}
		}
	}
	if name == "" {
		return false // can't classify; let the applier surface any error
	}

	if isSystem(name) && !f.policy.IncludeSystem && !alwaysIncluded[name] {
		return true
	}
	switch f.policy.Mode {
	case Include:
		return !f.policy.Collections[name]
	case Exclude:
		return f.policy.Collections[name]
	default:
		return false
	}
}

func (f *Filter) lookup(id string) (string, bool) {
	if f.names == nil {
		return "", false
	}
	return f.names.Get(id)
}

func (f *Filter) store(id, name string) {
	if f.names == nil {
		return
	}
	f.names.Add(id, name)
}
