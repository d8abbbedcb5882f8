// Package defs holds the error taxonomy and persisted-state naming
// conventions shared by every kernel substrate package, mirroring the
// role biscuit's defs package plays for its own Err_t error codes.
package defs

import "errors"

// The core distinguishes a small, closed set of error kinds. Every
// public operation wraps one of these sentinels with %w so callers can
// dispatch on kind via errors.Is while still seeing a specific message.
var (
	// ErrStructural covers invalid ELF headers, misaligned MappedPages
	// accesses, and non-canonical addresses.
	ErrStructural = errors.New("structural error")

	// ErrExhausted covers no free frames, no free pages, no free slab
	// bits.
	ErrExhausted = errors.New("resource exhausted")

	// ErrInvariant covers chunk overlap, duplicate symbols, and
	// relocations that write out of range.
	ErrInvariant = errors.New("invariant breach")

	// ErrUnresolved covers an unresolved symbol during relocation or
	// crate swap.
	ErrUnresolved = errors.New("name resolution failed")

	// ErrHardwareFault marks a CPU exception delivered against a task.
	ErrHardwareFault = errors.New("hardware fault")

	// ErrBug marks an unreachable branch or a lock held in an
	// unreachable state. Unlike the other sentinels this is never
	// expected to be returned to an ordinary caller; see klog.Bug.
	ErrBug = errors.New("kernel bug")
)

// CratePrefix identifies how a crate object file's name should be
// interpreted, per the persisted object-naming convention:
// "<prefix><crate_name>-<hash>.o".
type CratePrefix string

const (
	// PrefixKernel marks a kernel-domain crate, loaded at boot.
	PrefixKernel CratePrefix = "k#"
	// PrefixApplication marks an application crate, loaded on demand.
	PrefixApplication CratePrefix = "a#"
	// PrefixThirdParty marks an untagged third-party library; multiple
	// hashed versions may coexist in the modules directory.
	PrefixThirdParty CratePrefix = ""
)
