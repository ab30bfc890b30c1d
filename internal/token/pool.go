package token

import (
	"math/rand"
	"sort"
)

// bucket holds the token IDs at one quota level with O(1) insert, remove
// and random pick. Removal swaps the victim to the tail and truncates.
type bucket struct {
	ids []string
	pos map[string]int
}

func newBucket() *bucket {
	return &bucket{pos: make(map[string]int)}
}

func (b *bucket) add(id string) {
	if _, ok := b.pos[id]; ok {
		return
	}
	b.pos[id] = len(b.ids)
	b.ids = append(b.ids, id)
}

func (b *bucket) remove(id string) {
	i, ok := b.pos[id]
	if !ok {
		return
	}
	last := len(b.ids) - 1
	if i != last {
		moved := b.ids[last]
		b.ids[i] = moved
		b.pos[moved] = i
	}
	b.ids = b.ids[:last]
	delete(b.pos, id)
}

func (b *bucket) len() int { return len(b.ids) }

// pick returns a member not in exclude. It tries a handful of random
// probes first, then falls back to a linear scan.
func (b *bucket) pick(rng *rand.Rand, exclude map[string]bool) (string, bool) {
	n := len(b.ids)
	if n == 0 {
		return "", false
	}
	for try := 0; try < 5; try++ {
		id := b.ids[rng.Intn(n)]
		if !exclude[id] {
			return id, true
		}
	}
	for _, id := range b.ids {
		if !exclude[id] {
			return id, true
		}
	}
	return "", false
}

// poolIndex groups one pool's selectable tokens by quota level. Selection
// walks levels from highest quota down, with unlimited tokens last so
// metered credit is spent before the unmetered reserve.
type poolIndex struct {
	levels  []int
	buckets map[int]*bucket
}

func newPoolIndex() *poolIndex {
	return &poolIndex{buckets: make(map[int]*bucket)}
}

func (p *poolIndex) add(quota int, id string) {
	b, ok := p.buckets[quota]
	if !ok {
		b = newBucket()
		p.buckets[quota] = b
		p.levels = append(p.levels, quota)
		sort.Slice(p.levels, func(i, j int) bool {
			return levelRank(p.levels[i]) > levelRank(p.levels[j])
		})
	}
	b.add(id)
}

func (p *poolIndex) remove(quota int, id string) {
	b, ok := p.buckets[quota]
	if !ok {
		return
	}
	b.remove(id)
	if b.len() == 0 {
		delete(p.buckets, quota)
		for i, lvl := range p.levels {
			if lvl == quota {
				p.levels = append(p.levels[:i], p.levels[i+1:]...)
				break
			}
		}
	}
}

// pick walks quota levels in selection order and returns the first
// non-excluded token.
func (p *poolIndex) pick(rng *rand.Rand, exclude map[string]bool) (string, bool) {
	for _, lvl := range p.levels {
		if id, ok := p.buckets[lvl].pick(rng, exclude); ok {
			return id, true
		}
	}
	return "", false
}

func (p *poolIndex) size() int {
	n := 0
	for _, b := range p.buckets {
		n += b.len()
	}
	return n
}

func levelRank(quota int) int {
	if quota == UnlimitedQuota {
		return -1 << 30
	}
	return quota
}
