// Package filterunit implements FilterCacheItem (component C3): the
// per-segment prefix of independently-built Bloom filter units. Enabling u
// units means membership is tested against the first u filters and must
// pass all of them, giving a compound false-positive rate of rho^u where
// rho is a single unit's false-positive rate — the same quantity the
// greedy solver optimizes against.
package filterunit

import (
	"math"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/dase955/artcache/internal/segment"
)

// Unit is one membership test. The concrete implementation is a Bloom
// filter; the interface exists so tests can substitute a fake.
type Unit interface {
	Test(key []byte) bool
}

type bloomUnit struct {
	filter *bloom.BloomFilter
	salt   byte
}

func (u *bloomUnit) Test(key []byte) bool { return u.filter.Test(saltedKey(u.salt, key)) }

// saltedKey prefixes key with a per-unit salt byte, so units built over the
// same keys hash them to different bit positions.
func saltedKey(salt byte, key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, salt)
	return append(out, key...)
}

// HashCount returns the clamped hash function count p = floor(b*ln2) used by
// both unit construction and the greedy solver's benefit/cost formulas.
func HashCount(bitsPerKeyPerUnit int) int {
	p := int(math.Floor(float64(bitsPerKeyPerUnit) * math.Ln2))
	if p < 1 {
		p = 1
	}
	if p > 30 {
		p = 30
	}
	return p
}

// BuildUnits constructs maxUnits independent Bloom filters over keys, each
// sized bitsPerKeyPerUnit bits per key with HashCount(bitsPerKeyPerUnit) hash
// functions. Independence across units comes from a distinct salt byte per
// unit, prefixed to every key before it is added or tested.
func BuildUnits(keys [][]byte, maxUnits, bitsPerKeyPerUnit int) []Unit {
	p := uint(HashCount(bitsPerKeyPerUnit))
	m := uint(bitsPerKeyPerUnit * len(keys))
	if m == 0 {
		m = 1
	}

	units := make([]Unit, maxUnits)
	for i := range units {
		salt := byte(i)
		f := bloom.New(m, p)
		for _, k := range keys {
			f.Add(saltedKey(salt, k))
		}
		units[i] = &bloomUnit{filter: f, salt: salt}
	}
	return units
}

// Item is one segment's filter-cache entry (component C3).
type Item struct {
	SegmentID    segment.ID
	units        []Unit
	enabledUnits int
	bitsPerUnit  uint64
}

// NewItem wraps pre-built units for sid. bitsPerUnit is the approximate
// storage cost per enabled unit, used by FilterCacheMap's budget accounting.
func NewItem(sid segment.ID, units []Unit, bitsPerUnit uint64) *Item {
	return &Item{SegmentID: sid, units: units, bitsPerUnit: bitsPerUnit}
}

// EnabledUnits returns how many leading units currently participate in checks.
func (it *Item) EnabledUnits() int { return it.enabledUnits }

// MaxUnits returns the number of pre-built units available to enable.
func (it *Item) MaxUnits() int { return len(it.units) }

// BitsPerUnit returns the storage cost of a single enabled unit.
func (it *Item) BitsPerUnit() uint64 { return it.bitsPerUnit }

// ApproximateSize returns enabled_units * bits_per_unit.
func (it *Item) ApproximateSize() uint64 {
	return uint64(it.enabledUnits) * it.bitsPerUnit
}

// EnableUnits sets enabled_units to n, growing or shrinking the active
// prefix. n is clamped to [0, MaxUnits()].
func (it *Item) EnableUnits(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(it.units) {
		n = len(it.units)
	}
	it.enabledUnits = n
}

// CheckKey returns true iff every enabled unit's membership test returns
// true. With zero enabled units there is no filtering, so it returns true
// (conservative: segment must be read).
func (it *Item) CheckKey(key []byte) bool {
	for i := 0; i < it.enabledUnits; i++ {
		if !it.units[i].Test(key) {
			return false
		}
	}
	return true
}
