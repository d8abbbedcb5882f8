// Package namespace is the symbol-resolution layer: a mapping from
// symbol name to a weak section reference, plus a mapping from crate
// name to a strong crate reference, plus an optional parent namespace
// consulted on a local miss. Name resolution tolerates mangled Rust
// and C++ names surviving from the original object files by falling
// back to a demangled-name comparison via
// github.com/ianlancetaylor/demangle, the same library cmd/compile's
// own linker-adjacent tooling uses to make mangled symbols readable.
//
// Bucket locking follows hashtable.go's one-mutex-per-bucket
// discipline, sized down to a single map since a kernel namespace's
// symbol count is modest next to a general-purpose hash table's
// workload.
package namespace

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"addr"
	"crate"
	"defs"
	"section"
)

// Namespace resolves symbol names to sections and crate names to
// crates, falling back to Parent on a local miss.
type Namespace struct {
	Name string

	mu          sync.RWMutex
	symbols     map[string]section.Weak
	crates      map[string]*crate.Crate
	fuzzyLookup bool

	Parent *Namespace
}

// New creates an empty namespace. If allowFuzzy is true, Resolve also
// accepts a unique "starts-with" prefix match when no exact match
// exists.
func New(name string, allowFuzzy bool) *Namespace {
	return &Namespace{
		Name:        name,
		symbols:     make(map[string]section.Weak),
		crates:      make(map[string]*crate.Crate),
		fuzzyLookup: allowFuzzy,
	}
}

// AddSymbol records name as resolving to a weak reference to sec's
// section. It fails if name is already bound in this namespace.
func (ns *Namespace) AddSymbol(name string, sec section.Weak) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, exists := ns.symbols[name]; exists {
		return fmt.Errorf("%w: symbol %q already bound in namespace %q", defs.ErrInvariant, name, ns.Name)
	}
	ns.symbols[name] = sec
	return nil
}

// AddCrate records c under its own name. It fails if a crate of that
// name is already registered.
func (ns *Namespace) AddCrate(c *crate.Crate) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, exists := ns.crates[c.Name]; exists {
		return fmt.Errorf("%w: crate %q already registered in namespace %q", defs.ErrInvariant, c.Name, ns.Name)
	}
	ns.crates[c.Name] = c
	return nil
}

// RemoveCrate drops the crate registered under name from this
// namespace only (it does not search Parent), the commit step of a
// crate swap's step 6.
func (ns *Namespace) RemoveCrate(name string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.crates, name)
}

// RenameCrate moves the crate registered under oldName to newName. It
// fails if oldName is not registered locally or newName is already
// taken.
func (ns *Namespace) RenameCrate(oldName, newName string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	c, ok := ns.crates[oldName]
	if !ok {
		return fmt.Errorf("%w: crate %q not registered in namespace %q", defs.ErrStructural, oldName, ns.Name)
	}
	if _, exists := ns.crates[newName]; exists {
		return fmt.Errorf("%w: crate %q already registered in namespace %q", defs.ErrInvariant, newName, ns.Name)
	}
	delete(ns.crates, oldName)
	ns.crates[newName] = c
	return nil
}

// RemoveSymbol drops name from this namespace's local symbol table.
func (ns *Namespace) RemoveSymbol(name string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.symbols, name)
}

// AllCrates returns a snapshot of every crate registered locally in
// this namespace (not including Parent's), keyed by name.
func (ns *Namespace) AllCrates() map[string]*crate.Crate {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make(map[string]*crate.Crate, len(ns.crates))
	for k, v := range ns.crates {
		out[k] = v
	}
	return out
}

// LocateCrate reports the name of whichever crate registered locally
// in ns owns a section containing ip, the lookup a fault dispatcher
// needs to classify which crate a faulting instruction pointer belongs
// to before logging the fault. It does not search Parent: a crate
// swap only ever replaces a locally registered crate.
func LocateCrate(ns *Namespace, ip addr.VirtAddr) (string, bool) {
	for name, c := range ns.AllCrates() {
		snap := c.Snapshot()
		for _, sec := range snap.Sections {
			if sec == nil {
				continue
			}
			start := sec.VirtAddr.Value()
			if ip.Value() >= start && ip.Value() < start+sec.Size {
				return name, true
			}
		}
	}
	return "", false
}

// Crate returns the crate registered under name, searching Parent on
// a local miss.
func (ns *Namespace) Crate(name string) (*crate.Crate, bool) {
	ns.mu.RLock()
	c, ok := ns.crates[name]
	ns.mu.RUnlock()
	if ok {
		return c, true
	}
	if ns.Parent != nil {
		return ns.Parent.Crate(name)
	}
	return nil, false
}

// Resolve looks up name, trying an exact match against this namespace
// and then each ancestor in turn, before ever considering a fuzzy
// match: an exact symbol anywhere in the parent chain always outranks
// a fuzzy prefix match local to ns. Only once the whole exact chain
// has missed does Resolve fall back to a unique local "starts-with"
// prefix match, when ns allows fuzzy lookup. It fails with
// defs.ErrUnresolved if no match exists, or with defs.ErrInvariant if
// more than one local symbol shares the requested prefix.
func (ns *Namespace) Resolve(name string) (section.Weak, error) {
	if w, ok := ns.resolveExactChain(name); ok {
		return w, nil
	}

	ns.mu.RLock()
	var fuzzyMatch section.Weak
	fuzzyCount := 0
	if ns.fuzzyLookup {
		for candidate, w := range ns.symbols {
			if strings.HasPrefix(candidate, name) {
				fuzzyMatch = w
				fuzzyCount++
			}
		}
	}
	ns.mu.RUnlock()

	switch {
	case fuzzyCount == 1:
		return fuzzyMatch, nil
	case fuzzyCount > 1:
		return section.Weak{}, fmt.Errorf("%w: prefix %q matches %d symbols in namespace %q", defs.ErrInvariant, name, fuzzyCount, ns.Name)
	}

	return section.Weak{}, fmt.Errorf("%w: symbol %q not found in namespace %q", defs.ErrUnresolved, name, ns.Name)
}

// resolveExactChain checks ns's local symbol table for an exact match
// on name, then ns.Parent's, and so on up the chain. It never
// considers a fuzzy match at any level.
func (ns *Namespace) resolveExactChain(name string) (section.Weak, bool) {
	ns.mu.RLock()
	w, ok := ns.symbols[name]
	ns.mu.RUnlock()
	if ok {
		return w, true
	}
	if ns.Parent != nil {
		return ns.Parent.resolveExactChain(name)
	}
	return section.Weak{}, false
}

// ResolveDemangled looks up name after demangling both it and every
// candidate symbol, so that a relocation referencing a demangled
// human-readable name (as surfaces in a fault log or a crate-swap
// diagnostic) can still be matched against the namespace's raw,
// compiler-mangled symbol table. It otherwise behaves like Resolve.
func (ns *Namespace) ResolveDemangled(name string) (section.Weak, error) {
	if w, err := ns.Resolve(name); err == nil {
		return w, nil
	}

	target := demangle.Filter(name, demangle.NoParams, demangle.NoTemplateParams)

	ns.mu.RLock()
	defer ns.mu.RUnlock()
	var match section.Weak
	count := 0
	for candidate, w := range ns.symbols {
		if demangle.Filter(candidate, demangle.NoParams, demangle.NoTemplateParams) == target {
			match = w
			count++
		}
	}
	if count == 1 {
		return match, nil
	}
	if count > 1 {
		return section.Weak{}, fmt.Errorf("%w: demangled name %q matches %d symbols in namespace %q", defs.ErrInvariant, target, count, ns.Name)
	}
	if ns.Parent != nil {
		return ns.Parent.ResolveDemangled(name)
	}
	return section.Weak{}, fmt.Errorf("%w: demangled name %q not found in namespace %q", defs.ErrUnresolved, target, ns.Name)
}
