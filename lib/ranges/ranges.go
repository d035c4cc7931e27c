// Package ranges provides the Ranges type for keeping track of byte
// ranges which may or may not be present in an object.
package ranges

// Range describes a single byte range
type Range struct {
	Pos  int64
	Size int64
}

// End returns the end of the Range
func (r Range) End() int64 {
	return r.Pos + r.Size
}

// IsEmpty true if the range has no size
func (r Range) IsEmpty() bool {
	return r.Size <= 0
}

// Clip ensures r.End() <= offset by reducing the size of the range.
// if r.Pos > offset then a zero Range will be returned.
func (r *Range) Clip(offset int64) {
	if r.Pos > offset {
		r.Pos = 0
		r.Size = 0
		return
	}
	if r.Pos+r.Size > offset {
		r.Size = offset - r.Pos
	}
}

// Contains reports whether offset lies within the range.
func (r Range) Contains(offset int64) bool {
	return offset >= r.Pos && offset < r.End()
}

// Intersection returns the common Range for two Range~s
func (r Range) Intersection(b Range) (intersection Range) {
	if r.Pos >= b.End() || b.Pos >= r.End() {
		return Range{}
	}
	intersection.Pos = max(r.Pos, b.Pos)
	intersection.Size = min(r.End(), b.End()) - intersection.Pos
	return intersection
}

// Overlaps reports whether r and b have a non-empty intersection.
func (r Range) Overlaps(b Range) bool {
	return r.Pos < b.End() && b.Pos < r.End()
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// merge merges new into dst returning true if a merge took place.
//
// A merge takes place if new overlaps or is adjacent to dst.
func merge(new, dst *Range) bool {
	if new.End() < dst.Pos || dst.End() < new.Pos {
		return false
	}
	pos := min(new.Pos, dst.Pos)
	end := max(new.End(), dst.End())
	dst.Pos = pos
	dst.Size = end - pos
	return true
}

// Ranges describes a number of Range~s
//
// These should only ever be Size > 0 and should be kept sorted,
// non-overlapping and coalesced by the methods here.
type Ranges []Range

// coalesce ranges assuming the element at i has just changed
func (rs *Ranges) coalesce(i int) {
	ranges := *rs
	// Merge backwards - merge writes the union into the earlier element
	for i > 0 && merge(&ranges[i], &ranges[i-1]) {
		ranges = append(ranges[:i], ranges[i+1:]...)
		i--
	}
	// Merge forwards
	for i+1 < len(ranges) && merge(&ranges[i+1], &ranges[i]) {
		ranges = append(ranges[:i+1], ranges[i+2:]...)
	}
	*rs = ranges
}

// search finds the index of the first range with .Pos >= r.Pos
func (rs Ranges) search(r Range) int {
	i, j := 0, len(rs)
	for i < j {
		h := (i + j) / 2
		if rs[h].Pos < r.Pos {
			i = h + 1
		} else {
			j = h
		}
	}
	return i
}

// Insert the new Range into a sorted and coalesced slice of
// Ranges. The result will be sorted and coalesced.
func (rs *Ranges) Insert(r Range) {
	if r.IsEmpty() {
		return
	}
	ranges := *rs
	i := rs.search(r)
	if i > 0 && merge(&r, &ranges[i-1]) {
		rs.coalesce(i - 1)
		return
	}
	if i < len(ranges) && merge(&r, &ranges[i]) {
		rs.coalesce(i)
		return
	}
	ranges = append(ranges, Range{})
	copy(ranges[i+1:], ranges[i:])
	ranges[i] = r
	*rs = ranges
}

// Remove subtracts r from the ranges. Each existing range overlapping r is
// deleted, split in two, or shrunk from the left or right edge as
// appropriate. Touching at a boundary without overlap leaves the range
// untouched.
func (rs *Ranges) Remove(r Range) {
	if r.IsEmpty() {
		return
	}
	ranges := *rs
	// A split can emit one more range than it consumes, so build the
	// result in a fresh slice rather than reusing the old backing array.
	out := make(Ranges, 0, len(ranges)+1)
	for _, cur := range ranges {
		if !cur.Overlaps(r) {
			out = append(out, cur)
			continue
		}
		// Piece of cur to the left of r
		if cur.Pos < r.Pos {
			out = append(out, Range{Pos: cur.Pos, Size: r.Pos - cur.Pos})
		}
		// Piece of cur to the right of r
		if cur.End() > r.End() {
			out = append(out, Range{Pos: r.End(), Size: cur.End() - r.End()})
		}
	}
	*rs = out
}

// Find searches for r in rs and returns the next part of it found.
//
// It returns curr which is the length of r which is present and next
// which is the start of the next present or absent Range.
//
// If present is true then curr is in rs, otherwise it is not.
func (rs Ranges) Find(r Range) (curr, next Range, present bool) {
	if r.IsEmpty() {
		return r, Range{}, false
	}
	for _, cur := range rs {
		if cur.End() <= r.Pos {
			continue
		}
		if cur.Pos > r.Pos {
			// r starts in a gap - find the length of the gap
			curr = Range{Pos: r.Pos, Size: min(r.End(), cur.Pos) - r.Pos}
			if curr.End() >= r.End() {
				return curr, Range{}, false
			}
			return curr, Range{Pos: curr.End(), Size: r.End() - curr.End()}, false
		}
		// r starts in cur
		curr = Range{Pos: r.Pos, Size: min(r.End(), cur.End()) - r.Pos}
		if curr.End() >= r.End() {
			return curr, Range{Pos: curr.End(), Size: 0}, true
		}
		return curr, Range{Pos: curr.End(), Size: r.End() - curr.End()}, true
	}
	return r, Range{}, false
}

// FoundRange is returned from FindAll
type FoundRange struct {
	R       Range
	Present bool
}

// FindAll repeatedly calls Find searching for r in rs and returning
// present and absent parts of r.
func (rs Ranges) FindAll(r Range) (frs []FoundRange) {
	for !r.IsEmpty() {
		var fr FoundRange
		fr.R, r, fr.Present = rs.Find(r)
		frs = append(frs, fr)
	}
	return frs
}

// FindMissing finds the initial part of r that is not in rs.
//
// If r is entirely present in rs it returns an empty block.
func (rs Ranges) FindMissing(r Range) Range {
	if r.IsEmpty() {
		return r
	}
	curr, next, present := rs.Find(r)
	if !present {
		return r
	}
	if next.IsEmpty() {
		// All of r is present
		r.Pos = curr.End()
		r.Size = 0
	} else {
		r.Size = r.End() - next.Pos
		r.Pos = next.Pos
	}
	return r
}

// Present returns whether r can be satisfied by rs
func (rs Ranges) Present(r Range) bool {
	if r.IsEmpty() {
		return true
	}
	_, next, present := rs.Find(r)
	return present && next.IsEmpty()
}

// First returns the lowest range, or an empty range if there are none.
func (rs Ranges) First() Range {
	if len(rs) == 0 {
		return Range{}
	}
	return rs[0]
}

// Size returns the total size of all the segments
func (rs Ranges) Size() (size int64) {
	for _, r := range rs {
		size += r.Size
	}
	return size
}

// Equal returns true if rs == bs
func (rs Ranges) Equal(bs Ranges) bool {
	if len(rs) != len(bs) {
		return false
	}
	for i := range rs {
		if rs[i] != bs[i] {
			return false
		}
	}
	return true
}
