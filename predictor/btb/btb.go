// Package btb provides a set-associative branch target buffer using Akita
// cache components.
package btb

import (
	"errors"
	"fmt"
	"math/bits"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// ErrInvalidConfig reports a geometry the buffer cannot be built with.
var ErrInvalidConfig = errors.New("btb: invalid config")

// Config holds the geometry of the buffer.
type Config struct {
	// Sets is the number of sets. Must be a power of 2.
	Sets int `json:"sets"`
	// Ways is the associativity.
	Ways int `json:"ways"`
}

// DefaultConfig returns a 4K-entry, 4-way buffer.
func DefaultConfig() Config {
	return Config{
		Sets: 1024,
		Ways: 4,
	}
}

// Validate checks the geometry.
func (c Config) Validate() error {
	if c.Sets <= 0 || c.Sets&(c.Sets-1) != 0 {
		return fmt.Errorf("%w: %d sets is not a power of 2",
			ErrInvalidConfig, c.Sets)
	}

	if c.Ways <= 0 {
		return fmt.Errorf("%w: %d ways", ErrInvalidConfig, c.Ways)
	}

	return nil
}

// Entries returns the capacity of the buffer.
func (c Config) Entries() int {
	return c.Sets * c.Ways
}

// Stats holds buffer statistics.
type Stats struct {
	Lookups   uint64
	Hits      uint64
	Misses    uint64
	Updates   uint64
	Evictions uint64
}

// HitRate returns the fraction of lookups that found a target.
func (s Stats) HitRate() float64 {
	if s.Lookups == 0 {
		return 0
	}

	return float64(s.Hits) / float64(s.Lookups)
}

// BTB maps branch addresses to their last taken target.
type BTB struct {
	config Config

	// Akita cache directory for tag/LRU management. Blocks are one byte
	// wide so that every branch address has a block of its own.
	directory *akitacache.DirectoryImpl

	// Targets indexed by (setID * ways + wayID).
	targets []uint64

	stats Stats
}

// New creates an empty buffer.
func New(config Config) (*BTB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &BTB{
		config: config,
		directory: akitacache.NewDirectory(
			config.Sets,
			config.Ways,
			1,
			akitacache.NewLRUVictimFinder(),
		),
		targets: make([]uint64, config.Entries()),
	}, nil
}

// key maps an address to its directory tag. The rotation is a bijection
// that moves the alignment bits out of the set index.
func key(ip uint64) uint64 {
	return bits.RotateLeft64(ip, -2)
}

func (b *BTB) blockIndex(block *akitacache.Block) int {
	return block.SetID*b.config.Ways + block.WayID
}

func (b *BTB) lookup(ip uint64) *akitacache.Block {
	block := b.directory.Lookup(0, key(ip))
	if block == nil || !block.IsValid {
		return nil
	}

	return block
}

// Config returns the buffer geometry.
func (b *BTB) Config() Config {
	return b.config
}

// PredictTarget returns the last recorded target of ip, if still buffered.
func (b *BTB) PredictTarget(ip uint64) (uint64, bool) {
	b.stats.Lookups++

	block := b.lookup(ip)
	if block == nil {
		b.stats.Misses++
		return 0, false
	}

	b.stats.Hits++
	b.directory.Visit(block)

	return b.targets[b.blockIndex(block)], true
}

// UpdateTarget records target as the target of ip, evicting the least
// recently used entry of the set if needed.
func (b *BTB) UpdateTarget(ip, target uint64) {
	b.stats.Updates++

	block := b.lookup(ip)
	if block == nil {
		block = b.directory.FindVictim(key(ip))
		if block.IsValid {
			b.stats.Evictions++
		}

		block.Tag = key(ip)
		block.IsValid = true
		block.IsDirty = false
	}

	b.targets[b.blockIndex(block)] = target
	b.directory.Visit(block)
}

// Invalidate drops the entry of ip, if any.
func (b *BTB) Invalidate(ip uint64) {
	if block := b.lookup(ip); block != nil {
		block.IsValid = false
	}
}

// Occupancy returns the number of valid entries.
func (b *BTB) Occupancy() int {
	n := 0

	for _, set := range b.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				n++
			}
		}
	}

	return n
}

// Stats returns buffer statistics.
func (b *BTB) Stats() Stats {
	return b.stats
}

// ResetStats clears buffer statistics.
func (b *BTB) ResetStats() {
	b.stats = Stats{}
}

// Reset invalidates every entry and clears the statistics.
func (b *BTB) Reset() {
	b.directory.Reset()
	clear(b.targets)
	b.stats = Stats{}
}
