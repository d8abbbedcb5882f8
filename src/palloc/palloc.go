// Package palloc is the physical frame and virtual page allocator.
// It issues chunk.Chunk-backed Frame and Page handles out of a fixed
// pool, tracks a reference count per unit the way mem.Physmem_t tracks
// Physpg_t.Refcnt, and reports a pprof-shaped snapshot of its state
// for diagnostics the way gopher-os's BitmapAllocator.printStats
// reports pool occupancy at boot.
package palloc

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/pprof/profile"

	"addr"
	"chunk"
	"defs"
)

// unit describes one allocatable frame or page: its reference count
// and whether it is presently free.
type unit struct {
	refcnt int32
	free   bool
}

// FrameAllocator hands out physical frames from a fixed pool, ref
// counting each one the way Physmem_t.Refup/Refdown do, and freeing a
// frame back to the pool only when its count drops to zero.
type FrameAllocator struct {
	mu       sync.Mutex
	chunks   *chunk.Allocator
	base     addr.Frame
	units    []unit
	freeList []uint32
	oomCh    chan OomRequest
}

// OomRequest is sent on an allocator's Notify channel when a request
// cannot be satisfied immediately; the sender blocks on Resume until a
// reclaim attempt completes.
type OomRequest struct {
	Need   int
	Resume chan bool
}

// ErrAddressNotFree is returned by AllocateAt when the requested
// [address, address+count) run is not entirely free.
var ErrAddressNotFree = fmt.Errorf("%w: requested address range is not entirely free", defs.ErrInvariant)

// NewFrameAllocator creates a FrameAllocator managing the frames in
// [base, base+count).
func NewFrameAllocator(base addr.Frame, count int) *FrameAllocator {
	units := make([]unit, count)
	free := make([]uint32, count)
	for i := range units {
		units[i].free = true
		free[i] = uint32(count - 1 - i)
	}
	return &FrameAllocator{
		chunks:   chunk.NewAllocator(),
		base:     base,
		units:    units,
		freeList: free,
		oomCh:    make(chan OomRequest),
	}
}

// Notify returns the channel on which out-of-memory requests are
// delivered, mirroring oommsg.OomCh's role as the system-wide
// reclaim-request mailbox.
func (a *FrameAllocator) Notify() <-chan OomRequest { return a.oomCh }

// Allocate reserves count contiguous, zero-refcounted frames and
// returns a Chunk owning them. If the pool has no such run it sends an
// OomRequest on Notify and retries once the sender signals Resume; if
// that also fails it returns an error wrapping defs.ErrExhausted.
func (a *FrameAllocator) Allocate(count int) (chunk.Chunk, error) {
	c, err := a.tryAllocate(count)
	if err == nil {
		return c, nil
	}

	resume := make(chan bool, 1)
	select {
	case a.oomCh <- OomRequest{Need: count, Resume: resume}:
		<-resume
	default:
	}

	return a.tryAllocate(count)
}

func (a *FrameAllocator) tryAllocate(count int) (chunk.Chunk, error) {
	if count <= 0 {
		return chunk.Chunk{}, fmt.Errorf("%w: allocate count must be positive", defs.ErrInvariant)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.freeList) < count {
		return chunk.Chunk{}, fmt.Errorf("%w: requested %d frames, %d free", defs.ErrExhausted, count, len(a.freeList))
	}

	idxs := make([]uint32, count)
	copy(idxs, a.freeList[len(a.freeList)-count:])
	start := idxs[0]
	for i, idx := range idxs {
		if idx != start+uint32(i) {
			// The free list is not contiguous for this run; fall back
			// to a linear scan for a contiguous span.
			return a.scanContiguous(count)
		}
	}

	r := addr.FrameRange{Start: a.base + addr.Frame(start), End: a.base + addr.Frame(start) + addr.Frame(count) - 1}
	c, err := a.chunks.CreateChunk(r)
	if err != nil {
		return chunk.Chunk{}, err
	}

	a.freeList = a.freeList[:len(a.freeList)-count]
	for _, idx := range idxs {
		a.units[idx].free = false
		a.units[idx].refcnt = 1
	}
	return c, nil
}

// AllocateAt reserves the count-frame run starting at address,
// succeeding only if every frame in that run is currently free, and
// failing with ErrAddressNotFree otherwise.
func (a *FrameAllocator) AllocateAt(address addr.Frame, count int) (chunk.Chunk, error) {
	if count <= 0 {
		return chunk.Chunk{}, fmt.Errorf("%w: allocate count must be positive", defs.ErrInvariant)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := int(address - a.base)
	if start < 0 || start+count > len(a.units) {
		return chunk.Chunk{}, fmt.Errorf("%w: [%v,+%d) falls outside the managed pool", ErrAddressNotFree, address, count)
	}
	for i := start; i < start+count; i++ {
		if !a.units[i].free {
			return chunk.Chunk{}, fmt.Errorf("%w: frame %v is already allocated", ErrAddressNotFree, a.base+addr.Frame(i))
		}
	}

	r := addr.FrameRange{Start: address, End: address + addr.Frame(count) - 1}
	c, err := a.chunks.CreateChunk(r)
	if err != nil {
		return chunk.Chunk{}, err
	}
	for i := start; i < start+count; i++ {
		a.units[i].free = false
		a.units[i].refcnt = 1
	}
	a.removeFromFreeList(start, start+count-1)
	return c, nil
}

func (a *FrameAllocator) scanContiguous(count int) (chunk.Chunk, error) {
	run := 0
	for i := 0; i < len(a.units); i++ {
		if a.units[i].free {
			run++
		} else {
			run = 0
		}
		if run == count {
			start := i - count + 1
			r := addr.FrameRange{Start: a.base + addr.Frame(start), End: a.base + addr.Frame(i)}
			c, err := a.chunks.CreateChunk(r)
			if err != nil {
				return chunk.Chunk{}, err
			}
			for j := start; j <= i; j++ {
				a.units[j].free = false
				a.units[j].refcnt = 1
			}
			a.removeFromFreeList(start, i)
			return c, nil
		}
	}
	return chunk.Chunk{}, fmt.Errorf("%w: no contiguous run of %d frames", defs.ErrExhausted, count)
}

func (a *FrameAllocator) removeFromFreeList(lo, hi int) {
	out := a.freeList[:0]
	for _, idx := range a.freeList {
		if int(idx) < lo || int(idx) > hi {
			out = append(out, idx)
		}
	}
	a.freeList = out
}

// Refup increments c's reference count, the same role
// Physmem_t.Refup plays for a page shared across mappings.
func (a *FrameAllocator) Refup(c chunk.Chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for f := c.Start(); f <= c.End(); f++ {
		idx := uint32(f - a.base)
		a.units[idx].refcnt++
	}
}

// Refdown decrements c's reference count and, once every frame in c
// reaches zero, releases c back to the free pool.
func (a *FrameAllocator) Refdown(c chunk.Chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()

	allZero := true
	for f := c.Start(); f <= c.End(); f++ {
		idx := uint32(f - a.base)
		a.units[idx].refcnt--
		if a.units[idx].refcnt > 0 {
			allZero = false
		}
	}
	if !allZero {
		return
	}
	for f := c.Start(); f <= c.End(); f++ {
		idx := uint32(f - a.base)
		a.units[idx].free = true
		a.freeList = append(a.freeList, idx)
	}
	a.chunks.Release(c)
}

// Stats summarizes pool occupancy.
type Stats struct {
	Total int
	Free  int
	Used  int
}

// Stats reports the current occupancy of the pool.
func (a *FrameAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := len(a.freeList)
	return Stats{Total: len(a.units), Free: free, Used: len(a.units) - free}
}

// Profile builds a pprof-shaped snapshot of allocator occupancy, one
// sample per unit, tagged with its refcount and free/used state, so
// the same pprof tooling used to inspect a Go heap can be pointed at
// the kernel frame pool.
func (a *FrameAllocator) Profile() *profile.Profile {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "frames", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "frame_pool", Unit: "count"},
		Period:     1,
	}
	fn := &profile.Function{ID: 1, Name: "palloc.FrameAllocator"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}
	p.Function = []*profile.Function{fn}
	p.Location = []*profile.Location{loc}

	for idx, u := range a.units {
		state := "used"
		if u.free {
			state = "free"
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
			Label:    map[string][]string{"state": {state}},
			NumLabel: map[string][]int64{
				"frame":   {int64(uint32(a.base) + uint32(idx))},
				"refcnt":  {int64(u.refcnt)},
			},
		})
	}
	return p
}

// WriteProfile serializes a's occupancy snapshot to w in pprof's
// gzip-compressed wire format.
func (a *FrameAllocator) WriteProfile(w io.Writer) error {
	return a.Profile().Write(w)
}
