// Package bloom provides a probabilistic set of byte keys. The ledger uses
// it to answer most "already upgraded?" lookups without touching SQLite.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Filter is a bloom filter. It never reports a false negative: a key
// that was added always tests as present. It is safe for concurrent use.
type Filter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter sized for expected keys at the target false
// positive rate. Out-of-range arguments fall back to 1024 keys at 1%.
func New(expected int, fpr float64) *Filter {
	if expected <= 0 {
		expected = 1024
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	m, k := parameters(expected, fpr)
	words := (m + 63) / 64
	return &Filter{
		bits:      make([]uint64, words),
		numBits:   uint64(words * 64),
		numHashes: uint64(k),
	}
}

// parameters returns m = -n ln(p) / ln(2)^2 bits and k = (m/n) ln(2)
// hash functions, each at least 64 and 1.
func parameters(n int, p float64) (m, k int) {
	bits := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	m = max(int(math.Ceil(bits)), 64)
	k = max(int(math.Ceil(bits/float64(n)*math.Ln2)), 1)
	return m, k
}

// Add inserts key.
func (f *Filter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MayContain reports whether key might have been added. false is definite.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of Add calls.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// FalsePositiveRate estimates the current false positive rate as
// (1 - e^(-kn/m))^k.
func (f *Filter) FalsePositiveRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.count == 0 {
		return 0
	}
	k, n, m := float64(f.numHashes), float64(f.count), float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
