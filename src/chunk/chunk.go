// Package chunk implements the non-overlapping frame-range allocator
// that backs every physical frame and virtual page allocator in the
// tree. A Chunk is a bookkeeping token for an inclusive frame range;
// the invariant enforced here is that no two Chunks ever issued by the
// same Allocator describe overlapping ranges. This is the same
// invariant trusted_chunk.rs establishes with Prusti-verified pre/post
// conditions; here the list walk that checks for overlap on every
// insert is the runtime stand-in for that proof.
package chunk

import (
	"fmt"
	"sync"

	"addr"
	"defs"
)

// CreationError distinguishes why CreateChunk failed.
type CreationError int

const (
	// ErrOverlap means the requested range overlaps an existing chunk.
	ErrOverlap CreationError = iota
	// ErrInvalidRange means end < start.
	ErrInvalidRange
	// ErrNoSpace means the pre-heap static array is full; the caller
	// must call SwitchToHeapAllocated before issuing further chunks.
	ErrNoSpace
)

func (e CreationError) Error() string {
	switch e {
	case ErrOverlap:
		return "chunk range overlaps an existing chunk"
	case ErrInvalidRange:
		return "chunk range is empty or inverted"
	case ErrNoSpace:
		return "static pre-heap chunk array is full"
	default:
		return "unknown chunk creation error"
	}
}

// Chunk is a handle to an exclusively-owned, non-overlapping frame
// range. The zero value is not valid; obtain one from an Allocator.
type Chunk struct {
	frames addr.FrameRange
	valid  bool
}

// Empty returns an invalid, zero-sized chunk, mirroring
// TrustedChunk::empty's role as a sentinel returned by failed splits.
func Empty() Chunk { return Chunk{} }

// IsEmpty reports whether c carries no frames.
func (c Chunk) IsEmpty() bool { return !c.valid }

// Frames returns the inclusive frame range owned by c.
func (c Chunk) Frames() addr.FrameRange { return c.frames }

// Start returns the first frame owned by c.
func (c Chunk) Start() addr.Frame { return c.frames.Start }

// End returns the last frame owned by c.
func (c Chunk) End() addr.Frame { return c.frames.End }

func trustedNew(r addr.FrameRange) Chunk { return Chunk{frames: r, valid: true} }

// Split partitions c into up to three chunks: the portion before
// [startFrame, startFrame+numFrames), the requested middle chunk, and
// the portion after. The first and third chunks are Empty() when the
// split falls on a boundary of c. On failure c is returned unchanged.
func (c Chunk) Split(startFrame addr.Frame, numFrames uintptr) (before, middle, after Chunk, err error) {
	if numFrames == 0 || startFrame < c.Start() || uintptr(startFrame-c.Start())+numFrames-1 > uintptr(c.End()-c.Start()) {
		return c, Chunk{}, Chunk{}, fmt.Errorf("%w: split(%d,+%d) does not fit within [%d,%d]", defs.ErrInvariant, startFrame, numFrames, c.Start(), c.End())
	}

	lastOfMiddle := startFrame + addr.Frame(numFrames) - 1

	if startFrame == c.Start() {
		before = Chunk{}
	} else {
		before = trustedNew(addr.FrameRange{Start: c.Start(), End: startFrame - 1})
	}

	middle = trustedNew(addr.FrameRange{Start: startFrame, End: lastOfMiddle})

	if lastOfMiddle == c.End() {
		after = Chunk{}
	} else {
		after = trustedNew(addr.FrameRange{Start: lastOfMiddle + 1, End: c.End()})
	}

	return before, middle, after, nil
}

// SplitAt splits c into two chunks at atFrame: [start, atFrame-1] and
// [atFrame, end]. Either half is Empty() if atFrame falls on a
// boundary of c. On failure c is returned unchanged.
func (c Chunk) SplitAt(atFrame addr.Frame) (first, second Chunk, err error) {
	switch {
	case atFrame == c.Start():
		return Chunk{}, trustedNew(c.frames), nil
	case atFrame == c.End()+1:
		return trustedNew(c.frames), Chunk{}, nil
	case atFrame > c.Start() && atFrame-1 <= c.End() && atFrame <= c.End():
		return trustedNew(addr.FrameRange{Start: c.Start(), End: atFrame - 1}),
			trustedNew(addr.FrameRange{Start: atFrame, End: c.End()}), nil
	default:
		return c, Chunk{}, fmt.Errorf("%w: split point %d not within [%d,%d]", defs.ErrInvariant, atFrame, c.Start(), c.End())
	}
}

// Merge folds other into c. It succeeds only if other lies
// immediately before or immediately after c; on failure c is
// unchanged and other is returned.
func (c *Chunk) Merge(other Chunk) (Chunk, error) {
	if c.IsEmpty() || other.IsEmpty() {
		return other, fmt.Errorf("%w: cannot merge an empty chunk", defs.ErrInvariant)
	}
	switch {
	case c.Start() == other.End()+1:
		c.frames.Start = other.Start()
		return Chunk{}, nil
	case c.End()+1 == other.Start():
		c.frames.End = other.End()
		return Chunk{}, nil
	default:
		return other, fmt.Errorf("%w: chunks [%d,%d] and [%d,%d] are not contiguous", defs.ErrInvariant, c.Start(), c.End(), other.Start(), other.End())
	}
}

// staticArrayCapacity is the number of chunks the pre-heap phase can
// hold, mirroring StaticArray's fixed backing array (trusted_chunk.rs
// never needs a dynamic allocator to bootstrap itself). It is sized
// generously for the handful of early-boot allocations (the base
// image's own sections, the first few frame-allocator chunks) that
// must exist before a heap-allocated slice is safe to grow.
const staticArrayCapacity = 32

// Allocator hands out non-overlapping Chunks, rejecting any request
// whose range overlaps a chunk it has already issued. Every kernel
// component that owns frame ranges, the physical frame allocator, the
// slab page source, the virtual page allocator, goes through one of
// these so that double-ownership of a frame is structurally
// impossible rather than merely a convention.
//
// It runs in one of two phases, exactly as TrustedChunkAllocator does:
// before SwitchToHeapAllocated, issued ranges are bookkept in a fixed
// static array (so chunk creation never itself needs to allocate,
// safe to call before a heap exists), and the occupied prefix of that
// array is contiguous from index 0. SwitchToHeapAllocated is a
// one-way transition that copies the static array's entries into a
// heap-allocated, freely growable list and permanently switches
// CreateChunk/Release/Issued to operate on that list instead.
type Allocator struct {
	mu          sync.Mutex
	heapInit    bool
	staticArray [staticArrayCapacity]addr.FrameRange
	staticCount int
	list        []addr.FrameRange
}

// NewAllocator returns an Allocator with no chunks issued yet, in the
// pre-heap static-array phase.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// HeapAllocated reports whether SwitchToHeapAllocated has already run.
func (a *Allocator) HeapAllocated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heapInit
}

// SwitchToHeapAllocated shifts every range bookkept in the static
// array into the heap-allocated list and permanently switches a into
// its post-heap phase. It is a one-way transition: calling it twice
// fails. It relies on the static array's own contiguous-from-index-0
// invariant (upheld by CreateChunk and Release, which shift entries to
// keep the occupied prefix dense) to
// know exactly staticCount entries need copying.
func (a *Allocator) SwitchToHeapAllocated() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.heapInit {
		return fmt.Errorf("%w: heap-allocated phase already entered", defs.ErrInvariant)
	}
	a.list = append(a.list, a.staticArray[:a.staticCount]...)
	a.heapInit = true
	return nil
}

func overlaps(r addr.FrameRange, existing []addr.FrameRange) (addr.FrameRange, bool) {
	for _, e := range existing {
		if _, ok := r.Overlap(e); ok {
			return e, true
		}
	}
	return addr.FrameRange{}, false
}

// CreateChunk issues a new Chunk covering r, failing if r is empty, if
// r overlaps a chunk already issued by a, or (pre-heap only) if the
// static array is full.
func (a *Allocator) CreateChunk(r addr.FrameRange) (Chunk, error) {
	if r.End < r.Start {
		return Chunk{}, fmt.Errorf("%w: %v", ErrInvalidRange, r)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.heapInit {
		if existing, overlap := overlaps(r, a.staticArray[:a.staticCount]); overlap {
			return Chunk{}, fmt.Errorf("%w: %v overlaps already-issued range %v", ErrOverlap, r, existing)
		}
		if a.staticCount == staticArrayCapacity {
			return Chunk{}, fmt.Errorf("%w: %v", ErrNoSpace, r)
		}
		a.staticArray[a.staticCount] = r
		a.staticCount++
		return trustedNew(r), nil
	}

	if existing, overlap := overlaps(r, a.list); overlap {
		return Chunk{}, fmt.Errorf("%w: %v overlaps already-issued range %v", ErrOverlap, r, existing)
	}
	a.list = append(a.list, r)
	return trustedNew(r), nil
}

// Release removes c's range from the bookkeeping store, permitting a
// future CreateChunk to reuse those frames. Callers must not use c
// after calling Release. Pre-heap, removing an entry from the middle
// of the static array shifts the remaining entries down so the
// contiguous-from-index-0 invariant SwitchToHeapAllocated relies on is
// preserved.
func (a *Allocator) Release(c Chunk) {
	if c.IsEmpty() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.heapInit {
		for i := 0; i < a.staticCount; i++ {
			if a.staticArray[i] == c.frames {
				copy(a.staticArray[i:a.staticCount-1], a.staticArray[i+1:a.staticCount])
				a.staticCount--
				return
			}
		}
		return
	}

	for i, existing := range a.list {
		if existing == c.frames {
			a.list = append(a.list[:i], a.list[i+1:]...)
			return
		}
	}
}

// Issued returns a snapshot of every range currently issued by a,
// whichever phase it is in.
func (a *Allocator) Issued() []addr.FrameRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.heapInit {
		out := make([]addr.FrameRange, a.staticCount)
		copy(out, a.staticArray[:a.staticCount])
		return out
	}
	out := make([]addr.FrameRange, len(a.list))
	copy(out, a.list)
	return out
}
