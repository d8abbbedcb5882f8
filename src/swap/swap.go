// Package swap implements crate hot-swapping: replacing one loaded
// crate with a freshly compiled one in place, repointing every other
// crate's dependencies at the new sections, and retiring the old
// crate's memory. The seven-step algorithm and its recoverable-vs-fatal
// failure boundary come directly from fault_crate_swap's swap_crates
// entry point; step 4's per-crate dependency walk is parallelized with
// golang.org/x/sync/errgroup the way mem.Physmem_t shards its
// free-list bookkeeping per CPU in biscuit's percpu array, bounded here
// by runtime.GOMAXPROCS(0) instead of a fixed core count.
package swap

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/sync/errgroup"

	"crate"
	"defs"
	"elfload"
	"mapped"
	"namespace"
	"palloc"
	"section"
)

// Request describes one crate to replace: the name of the crate
// currently in the namespace, the bytes of the freshly compiled
// object that should take its place, and the set of exported symbol
// names that are permitted to go unmatched (reexported rather than
// redefined).
type Request struct {
	OldCrateName  string
	NewObjectData []byte
	NewObjectName string
	ReexportOnly  map[string]bool
}

// Failure names the request that failed and the underlying cause, the
// "enumeration of failure modes naming the offending swap request"
// the algorithm's output contract calls for.
type Failure struct {
	Request Request
	Step    int
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("swap of %q failed at step %d: %v", f.Request.OldCrateName, f.Step, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Engine performs crate swaps against one namespace and memory handle.
// StackScanner is optional; see rewriteStacks.
type Engine struct {
	NS           *namespace.Namespace
	Frames       *palloc.FrameAllocator
	Pages        *palloc.PageAllocator
	Table        *mapped.PageTable
	StackScanner StackScanner
}

func demangled(name string) string {
	return demangle.Filter(name, demangle.NoParams, demangle.NoTemplateParams)
}

// symbolPair is one (old section -> new section) correspondence found
// in step 3.
type symbolPair struct {
	oldSection *section.Section
	newStrong  section.Strong
}

// Swap executes the seven-step algorithm for a single request. Steps
// 1-4 failures are recoverable: the namespace is left untouched and
// the freshly loaded "new" crate is dropped. Steps 5-7 failures are
// fatal and returned wrapped in the same *Failure, but partial state
// is permitted once step 6 has committed.
func (e *Engine) Swap(req Request) error {
	// Step 1: validate.
	oldCrate, ok := e.NS.Crate(req.OldCrateName)
	if !ok {
		return &Failure{Request: req, Step: 1, Err: fmt.Errorf("%w: crate %q not found in namespace %q", defs.ErrStructural, req.OldCrateName, e.NS.Name)}
	}
	if len(req.NewObjectData) == 0 {
		return &Failure{Request: req, Step: 1, Err: fmt.Errorf("%w: new object for %q is not locatable", defs.ErrStructural, req.OldCrateName)}
	}

	// Step 2: load new crate under a temporary name.
	tempName := "swap-tmp#" + req.OldCrateName
	newCrate, err := elfload.Load(req.NewObjectData, tempName, req.NewObjectName, e.Frames, e.Pages, e.Table, e.NS)
	if err != nil {
		return &Failure{Request: req, Step: 2, Err: err}
	}
	if err := e.NS.AddCrate(newCrate); err != nil {
		return &Failure{Request: req, Step: 2, Err: err}
	}

	pairs, err := e.matchSymbols(oldCrate, newCrate, req.ReexportOnly)
	if err != nil {
		e.NS.RemoveCrate(tempName)
		return &Failure{Request: req, Step: 3, Err: err}
	}

	if err := e.rewriteDependents(req.OldCrateName, tempName, pairs); err != nil {
		e.NS.RemoveCrate(tempName)
		return &Failure{Request: req, Step: 4, Err: err}
	}

	// Step 5: best-effort stack-word rewrite. This is a pragmatic
	// approximation, not DWARF-based unwinding: any task stack whose
	// layout the caller supplies via StackScanner is scanned
	// word-by-word for values inside old's virtual ranges.
	if err := e.rewriteStacks(oldCrate, pairs); err != nil {
		return &Failure{Request: req, Step: 5, Err: err}
	}

	// Step 6: commit, drop old, removing its namespace entries. Its
	// MappedPages are not unmapped and its frames are not returned here.
	e.retireCrate(oldCrate)

	// Step 7: rename temp entry to the canonical name.
	if err := e.NS.RenameCrate(tempName, req.OldCrateName); err != nil {
		return &Failure{Request: req, Step: 7, Err: err}
	}

	return nil
}

// matchSymbols implements step 3: for every symbol old exposes, find
// the corresponding symbol in newC by demangled-name equality.
func (e *Engine) matchSymbols(old, newC *crate.Crate, reexportOnly map[string]bool) ([]symbolPair, error) {
	oldSnap := old.Snapshot()
	newSnap := newC.Snapshot()

	byDemangled := make(map[string]crate.SymbolEntry, len(newSnap.Symbols))
	for _, s := range newSnap.Symbols {
		byDemangled[demangled(s.Name)] = s
	}

	var pairs []symbolPair
	for _, oldSym := range oldSnap.Symbols {
		newSym, found := byDemangled[demangled(oldSym.Name)]
		if !found {
			if reexportOnly[oldSym.Name] {
				continue
			}
			return nil, fmt.Errorf("%w: symbol %q in %q has no counterpart in %q", defs.ErrUnresolved, oldSym.Name, old.Name, newC.Name)
		}
		pairs = append(pairs, symbolPair{oldSection: oldSym.Section.Section(), newStrong: section.NewStrong(newSym.Section.Section())})
	}
	return pairs, nil
}

// rewriteDependents implements step 4: for every crate other than old
// (and the temporary new entry), walk its recorded dependencies and
// re-apply any relocation that pointed at an old section, using the
// corresponding new section's address. Crates are processed
// concurrently, bounded by GOMAXPROCS, since each crate's dependency
// list is independent of every other crate's.
func (e *Engine) rewriteDependents(oldName, tempName string, pairs []symbolPair) error {
	bySection := make(map[*section.Section]section.Strong, len(pairs))
	for _, p := range pairs {
		bySection[p.oldSection] = p.newStrong
	}

	crates := e.NS.AllCrates()
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for name, c := range crates {
		if name == oldName || name == tempName {
			continue
		}
		c := c
		g.Go(func() error {
			for idx, dep := range c.Dependencies() {
				newStrong, affected := bySection[dep.Resolved.Section()]
				if !affected {
					continue
				}
				if err := elfload.ApplyRelocation(dep.Target, dep.Offset, elfload.RelType(dep.RelType), newStrong, dep.Addend); err != nil {
					return fmt.Errorf("rewriting dependency in crate %q: %w", name, err)
				}
				c.RewriteDependency(idx, newStrong)
			}
			return nil
		})
	}
	return g.Wait()
}

// StackScanner yields the live word-aligned stack ranges of every
// task currently in the system, so rewriteStacks can scan them. The
// kernel-proper implementation comes from the scheduler collaborator;
// tests and single-task callers may supply a trivial implementation
// returning no ranges.
type StackScanner interface {
	TaskStackWords() [][]uintptr
}

// rewriteStacks implements step 5. scanner is optional: a nil scanner
// means no stacks are scanned, which is valid when swap is invoked
// before any task holding old's addresses has run.
func (e *Engine) rewriteStacks(old *crate.Crate, pairs []symbolPair) error {
	if e.StackScanner == nil {
		return nil
	}
	ranges := make(map[*section.Section]uintptr, len(pairs))
	for _, p := range pairs {
		ranges[p.oldSection] = p.newStrong.Section().VirtAddr.Value()
	}

	for _, words := range e.StackScanner.TaskStackWords() {
		for i, w := range words {
			for oldSec, newBase := range ranges {
				start := oldSec.VirtAddr.Value()
				end := start + oldSec.Size
				if w >= start && w < end {
					words[i] = w - start + newBase
				}
			}
		}
	}
	return nil
}

// retireCrate implements step 6: remove old's symbols and crate entry
// from the namespace. It does not unmap old's MappedPages or return
// their frames to the frame allocator.
func (e *Engine) retireCrate(old *crate.Crate) {
	snap := old.Snapshot()
	for _, sym := range snap.Symbols {
		e.NS.RemoveSymbol(sym.Name)
	}
	e.NS.RemoveCrate(old.Name)
}

// SwapAll runs Swap for every request in order, stopping at the first
// failure and returning it. Requests already committed (steps 6-7
// completed) before the failing one are not rolled back: partial
// state is permitted only after step 6 commits.
func (e *Engine) SwapAll(reqs []Request) error {
	for _, req := range reqs {
		if err := e.Swap(req); err != nil {
			var f *Failure
			if errors.As(err, &f) {
				return f
			}
			return err
		}
	}
	return nil
}
