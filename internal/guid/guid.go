// Package guid implements the runtime's globally unique identifier
// space: allocation, the kind taxonomy, and the per-policy-domain
// provider that caches a GUID's local metadata pointer (or, for a
// remote entity, a thin proxy) the way section 3 of the design
// describes a "fat GUID."
//
// Grounded on original_source/ocr/runtime/ocr-x86/src/guid/ptr/ptr-guid.c,
// which allocates GUIDs from a per-PD monotonic counter and stores the
// local metadata pointer alongside the GUID value itself; we keep the
// counter-plus-lookup-table shape but replace the raw pointer cache
// with a typed Go map guarded by sharded locks (section 5: "one per
// GUID-provider bucket").
package guid

import (
	"fmt"
	"sync"
)

// Location is the stable integer identifying a policy domain.
type Location uint64

// Kind tags what kind of runtime entity a GUID names.
type Kind uint8

const (
	KindNone Kind = iota
	KindEDT
	KindDB
	KindEvent
	KindTemplate
	KindAffinity
	KindWorker
	KindPD
	KindMemory
)

func (k Kind) String() string {
	switch k {
	case KindEDT:
		return "EDT"
	case KindDB:
		return "DB"
	case KindEvent:
		return "Event"
	case KindTemplate:
		return "Template"
	case KindAffinity:
		return "Affinity"
	case KindWorker:
		return "Worker"
	case KindPD:
		return "PD"
	case KindMemory:
		return "Memory"
	default:
		return "None"
	}
}

// GUID is a globally unique handle for any runtime-visible entity. It
// embeds the home policy domain and a kind tag so a receiver can route
// or validate a reference without a side lookup. The zero value is
// NullGUID.
type GUID struct {
	Kind Kind
	Home Location
	Seq  uint64
}

// NullGUID represents "no entity" (e.g. ocrEventSatisfy with NULL_GUID).
var NullGUID = GUID{}

// IsNull reports whether g is the null GUID.
func (g GUID) IsNull() bool {
	return g == NullGUID
}

func (g GUID) String() string {
	if g.IsNull() {
		return "GUID(null)"
	}
	return fmt.Sprintf("GUID(%s@%d#%d)", g.Kind, g.Home, g.Seq)
}

// FatGUID pairs a GUID with an optional local metadata pointer used as
// a cache, valid only on the home PD or on a PD holding a live clone.
type FatGUID struct {
	GUID     GUID
	MetaData any
}

const bucketCount = 32

type bucket struct {
	mu    sync.Mutex
	cache map[GUID]any
}

// Provider allocates GUIDs homed at one location and caches the local
// metadata pointer (or proxy) for GUIDs known at this PD.
type Provider struct {
	home    Location
	counter struct {
		mu  sync.Mutex
		seq uint64
	}
	buckets [bucketCount]bucket
}

// NewProvider creates a GUID provider for a policy domain at the given
// location.
func NewProvider(home Location) *Provider {
	p := &Provider{home: home}
	for i := range p.buckets {
		p.buckets[i].cache = make(map[GUID]any)
	}
	return p
}

// Next allocates a new, never-reused GUID of the given kind homed at
// this provider's location.
func (p *Provider) Next(kind Kind) GUID {
	p.counter.mu.Lock()
	p.counter.seq++
	seq := p.counter.seq
	p.counter.mu.Unlock()
	return GUID{Kind: kind, Home: p.home, Seq: seq}
}

// Reserve allocates count consecutive GUIDs of the given kind in one
// shot, for ocrGuidReserve-style bulk label reservations.
func (p *Provider) Reserve(kind Kind, count int) []GUID {
	if count <= 0 {
		return nil
	}
	out := make([]GUID, count)
	p.counter.mu.Lock()
	start := p.counter.seq + 1
	p.counter.seq += uint64(count)
	p.counter.mu.Unlock()
	for i := 0; i < count; i++ {
		out[i] = GUID{Kind: kind, Home: p.home, Seq: start + uint64(i)}
	}
	return out
}

func (p *Provider) bucketFor(g GUID) *bucket {
	return &p.buckets[g.Seq%bucketCount]
}

// Register associates a GUID with a local metadata pointer (or proxy).
func (p *Provider) Register(g GUID, meta any) {
	b := p.bucketFor(g)
	b.mu.Lock()
	b.cache[g] = meta
	b.mu.Unlock()
}

// Lookup returns the cached local metadata for a GUID, if any.
func (p *Provider) Lookup(g GUID) (any, bool) {
	b := p.bucketFor(g)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.cache[g]
	return v, ok
}

// Forget removes a GUID's cached metadata, e.g. on destroy.
func (p *Provider) Forget(g GUID) {
	b := p.bucketFor(g)
	b.mu.Lock()
	delete(b.cache, g)
	b.mu.Unlock()
}

// Home returns the location this provider allocates GUIDs for.
func (p *Provider) Home() Location {
	return p.home
}

// IsLocal reports whether a GUID's home location is this provider's PD.
func (p *Provider) IsLocal(g GUID) bool {
	return g.Home == p.home
}
