package ycrdt

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const maxSearchMarkers = 80

// searchMarker caches the index of an item in a list branch so positional
// lookups start close to their target.
type searchMarker struct {
	p     *Item
	index int
}

// markerCache keeps the most recently used markers. An evicted marker
// releases the marker flag of its item.
type markerCache struct {
	cache *lru.Cache[uint64, *searchMarker]
	seq   uint64
}

func newMarkerCache() *markerCache {
	cache, err := lru.NewWithEvict[uint64, *searchMarker](maxSearchMarkers, func(_ uint64, m *searchMarker) {
		m.p.setFlag(infoMarker, false)
	})
	if err != nil {
		panic(err)
	}
	return &markerCache{cache: cache}
}

func (mc *markerCache) mark(p *Item, index int) *searchMarker {
	mc.seq++
	m := &searchMarker{p: p, index: index}
	mc.cache.Add(mc.seq, m)
	p.setFlag(infoMarker, true)
	return m
}

func (mc *markerCache) overwrite(key uint64, m *searchMarker, p *Item, index int) {
	m.p.setFlag(infoMarker, false)
	m.p = p
	p.setFlag(infoMarker, true)
	m.index = index
	mc.cache.Get(key)
}

func (mc *markerCache) purge() {
	mc.cache.Purge()
}

func (mc *markerCache) Len() int {
	return mc.cache.Len()
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// findMarker returns a marker at or near index, creating or moving one.
func (b *Branch) findMarker(index int) *searchMarker {
	if b.start == nil || index == 0 || b.markers == nil {
		return nil
	}
	mc := b.markers
	var marker *searchMarker
	var markerKey uint64
	for _, key := range mc.cache.Keys() {
		m, ok := mc.cache.Peek(key)
		if !ok {
			continue
		}
		if marker == nil || absInt(index-m.index) < absInt(index-marker.index) {
			marker, markerKey = m, key
		}
	}
	p := b.start
	pindex := 0
	if marker != nil {
		p = marker.p
		pindex = marker.index
		mc.cache.Get(markerKey)
	}
	for p.right != nil && pindex < index {
		if !p.Deleted() && p.Countable() {
			if index < pindex+int(p.length) {
				break
			}
			pindex += int(p.length)
		}
		p = p.right
	}
	for p.left != nil && pindex > index {
		p = p.left
		if !p.Deleted() && p.Countable() {
			pindex -= int(p.length)
		}
	}
	// p must not be mergeable with its left neighbour
	for p.left != nil && p.left.id.Client == p.id.Client && p.left.id.Clock+p.left.length == p.id.Clock {
		p = p.left
		if !p.Deleted() && p.Countable() {
			pindex -= int(p.length)
		}
	}
	if marker != nil && float64(absInt(marker.index-pindex)) < float64(b.length)/maxSearchMarkers {
		mc.overwrite(markerKey, marker, p, pindex)
		return marker
	}
	return mc.mark(p, pindex)
}

// updateMarkerChanges shifts markers after length units were inserted
// (positive) or deleted (negative) at index.
func (b *Branch) updateMarkerChanges(index, length int) {
	if b.markers == nil {
		return
	}
	mc := b.markers
	keys := mc.cache.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		m, ok := mc.cache.Peek(keys[i])
		if !ok {
			continue
		}
		if length > 0 {
			p := m.p
			p.setFlag(infoMarker, false)
			for p != nil && (p.Deleted() || !p.Countable()) {
				p = p.left
				if p != nil && !p.Deleted() && p.Countable() {
					m.index -= int(p.length)
				}
			}
			if p == nil || p.marker() {
				mc.cache.Remove(keys[i])
				continue
			}
			m.p = p
			p.setFlag(infoMarker, true)
		}
		if index < m.index || (length > 0 && index == m.index) {
			m.index = max(index, m.index+length)
		}
	}
}

func (b *Branch) moveMarkers(from, to *Item) {
	if b.markers == nil {
		return
	}
	for _, key := range b.markers.cache.Keys() {
		m, ok := b.markers.cache.Peek(key)
		if !ok || m.p != from {
			continue
		}
		m.p = to
		to.setFlag(infoMarker, true)
		if !to.Deleted() && to.Countable() {
			m.index -= int(to.length)
		}
	}
}

func (b *Branch) disableMarkers() {
	if b.markers != nil {
		b.markers.purge()
		b.markers = nil
	}
}
