package state

// OpenIndex is an ordered set of instrument ids with O(1) append, membership
// and removal. Removal swaps the last element into the vacated slot, so order
// is insertion order only until the first removal.
type OpenIndex struct {
	items []uint64
	pos   map[uint64]int // id -> index+1; 0 means absent
}

func NewOpenIndex() *OpenIndex {
	return &OpenIndex{pos: make(map[uint64]int)}
}

// Contains reports whether id is in the index.
func (ix *OpenIndex) Contains(id uint64) bool {
	return ix.pos[id] != 0
}

// Add appends id; a no-op when already present.
func (ix *OpenIndex) Add(id uint64) {
	if ix.pos[id] != 0 {
		return
	}
	ix.items = append(ix.items, id)
	ix.pos[id] = len(ix.items)
}

// Remove deletes id by swapping the last element into its slot.
func (ix *OpenIndex) Remove(id uint64) {
	p := ix.pos[id]
	if p == 0 {
		return
	}
	last := len(ix.items) - 1
	moved := ix.items[last]
	ix.items[p-1] = moved
	ix.pos[moved] = p
	ix.items = ix.items[:last]
	delete(ix.pos, id)
}

// Len returns the number of ids in the index.
func (ix *OpenIndex) Len() int {
	return len(ix.items)
}

// Items returns a copy of the ids.
func (ix *OpenIndex) Items() []uint64 {
	out := make([]uint64, len(ix.items))
	copy(out, ix.items)
	return out
}

// Page returns up to limit ids starting at offset. Out-of-range offsets
// yield an empty page.
func (ix *OpenIndex) Page(offset, limit int) []uint64 {
	if offset < 0 || offset >= len(ix.items) || limit <= 0 {
		return []uint64{}
	}
	end := offset + limit
	if end > len(ix.items) || end < offset {
		end = len(ix.items)
	}
	out := make([]uint64, end-offset)
	copy(out, ix.items[offset:end])
	return out
}
