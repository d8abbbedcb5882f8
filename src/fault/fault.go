// Package fault is the exception-and-recovery core: a process-wide IDT
// of Handler functions, a ring-buffered log of fault records (circbuf.go's
// head/tail idiom, generalized from bytes to Entry records), a stack
// dump borrowed line-for-line from caller.go's Callerdump, a per-task
// note generalizing tinfo.Tnote_t, and the three crate-swap recovery
// policies a kernel chooses between on a task kill: null, simple, and
// iterative.
package fault

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"addr"
	"defs"
	"klog"
)

// Vector numbers for the x86-64 exceptions this package treats
// specially; everything else is just a plain entry in the IDT.
const (
	ExcDE uint8 = 0  // divide error
	ExcUD uint8 = 6  // invalid opcode
	ExcGP uint8 = 13 // general protection
	ExcPF uint8 = 14 // page fault
	ExcDF uint8 = 8  // double fault
)

// SignalClass buckets exceptions the way a userspace signal handler
// would distinguish them, for note.SignalHandlers dispatch.
type SignalClass int

const (
	SignalNone SignalClass = iota
	SignalArithmetic
	SignalIllegalInstruction
	SignalInvalidAddress
	SignalBusError
)

func signalClassFor(vector uint8) SignalClass {
	switch vector {
	case ExcDE:
		return SignalArithmetic
	case ExcUD:
		return SignalIllegalInstruction
	case ExcGP, ExcPF:
		return SignalInvalidAddress
	case ExcDF:
		return SignalBusError
	default:
		return SignalNone
	}
}

// RecoveryAction records what a swap policy decided to do about a
// fault, mirroring fault_crate_swap's PotentialFixes enum.
type RecoveryAction int

const (
	ActionNone RecoveryAction = iota
	ActionTaskRestarted
	ActionFaultCrateReplaced
	ActionIterativelyCrateReplaced
	ActionMultipleFaultRecovery
)

func (a RecoveryAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionTaskRestarted:
		return "task-restarted"
	case ActionFaultCrateReplaced:
		return "fault-crate-replaced"
	case ActionIterativelyCrateReplaced:
		return "iteratively-crate-replaced"
	case ActionMultipleFaultRecovery:
		return "multiple-fault-recovery"
	default:
		return "unknown"
	}
}

// Entry is one fault log record.
type Entry struct {
	ExceptionNum    uint8
	InstructionPtr  addr.VirtAddr
	ErrorCode       uint64
	FaultAddr       addr.VirtAddr
	HasFaultAddr    bool
	StackOverflow   bool
	CrateName       string // crate_error_occured: the crate whose code was executing
	RunningAppCrate string // the application crate enclosing the fault, if known

	Handled        bool
	Action         RecoveryAction
	ReplacedCrates []string
}

// Err wraps defs.ErrHardwareFault with the exception number and
// faulting instruction pointer, the form a caller outside this package
// (e.g. a syscall return path) reports a delivered fault through.
func (e Entry) Err() error {
	return fmt.Errorf("%w: exception %#x at %v", defs.ErrHardwareFault, e.ExceptionNum, e.InstructionPtr)
}

// simpleCrateName strips a crate's trailing "-<hash>" disambiguator,
// the way fault_crate_swap compares crate_name.split("-").next().
func simpleCrateName(name string) string {
	if i := strings.IndexByte(name, '-'); i >= 0 {
		return name[:i]
	}
	return name
}

// Log is a fixed-capacity ring buffer of Entry records, the struct
// analogue of circbuf.Circbuf_t's byte ring: same head/tail-modulo
// bookkeeping, generalized to a typed slice instead of a raw []byte
// backed by one physical page.
type Log struct {
	mu   sync.Mutex
	buf  []Entry
	head int
	tail int
	size int
}

// NewLog returns an empty log holding at most capacity entries; once
// full, Append overwrites the oldest entry first.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{buf: make([]Entry, capacity)}
}

func (l *Log) appendLocked(e Entry) {
	l.buf[l.head] = e
	l.head = (l.head + 1) % len(l.buf)
	if l.size == len(l.buf) {
		l.tail = (l.tail + 1) % len(l.buf)
	} else {
		l.size++
	}
}

// Append records e, evicting the oldest entry if the log is full.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(e)
}

// Len reports how many entries are currently recorded.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// snapshotLocked returns every entry, oldest first.
func (l *Log) snapshotLocked() []Entry {
	out := make([]Entry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.tail+i)%len(l.buf)]
	}
	return out
}

// RemoveUnhandled pulls every entry with Handled == false out of the
// log (oldest first) and returns them, leaving already-handled entries
// in place. A policy calls this to claim the batch of faults it is
// about to act on, then Appends each one back in with Handled and
// Action filled in.
func (l *Log) RemoveUnhandled() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := l.snapshotLocked()
	var removed, kept []Entry
	for _, e := range all {
		if e.Handled {
			kept = append(kept, e)
		} else {
			removed = append(removed, e)
		}
	}
	l.head, l.tail, l.size = 0, 0, 0
	for _, e := range kept {
		l.appendLocked(e)
	}
	return removed
}

// MostRecentMatch scans the log newest-first for the most recent entry
// whose crate name (after stripping its "-<hash>" suffix) equals
// simpleName, the operation iterative_swap_policy uses to look up what
// it did the last time this same crate faulted.
func (l *Log) MostRecentMatch(simpleName string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := l.size - 1; i >= 0; i-- {
		e := l.buf[(l.tail+i)%len(l.buf)]
		if simpleCrateName(e.CrateName) == simpleName {
			return e, true
		}
	}
	return Entry{}, false
}

// Callerdump renders the call stack starting at depth start, one frame
// per line, and writes it through klog.Default, the same shape
// caller.Callerdump builds with runtime.Caller, routed through the
// structured logger instead of fmt.Printf directly to stdout.
func Callerdump(start int) string {
	i := start
	var b strings.Builder
	for {
		_, f, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if b.Len() == 0 {
			fmt.Fprintf(&b, "%s:%d\n", f, line)
		} else {
			fmt.Fprintf(&b, "\t<-%s:%d\n", f, line)
		}
	}
	s := b.String()
	klog.Default.Errorf("%s", s)
	return s
}

// KillNotice is the condition-variable bookkeeping a task's killer and
// waiters rendezvous on, the generalization of Tnote_t.Killnaps.
type KillNotice struct {
	Cond *sync.Cond
	Err  error
}

// TaskNote is per-task scheduler-visible state: whether it is alive,
// killed, or doomed, its stack guard range for overflow detection, and
// the callbacks a fault dispatch invokes. It generalizes tinfo.Tnote_t;
// unlike the original it carries an explicit StackGuard and handler
// callbacks since a hosted runtime has no per-goroutine thread-local
// slot to stash a pointer in the way runtime.Gptr/Setgptr did.
type TaskNote struct {
	mu sync.Mutex

	State    any
	Alive    bool
	Killed   bool
	Isdoomed bool

	StackGuard addr.PageRange

	KillNotice KillNotice

	KillHandler    func()
	SignalHandlers map[SignalClass]func()
	Unwinder       func(start int)
}

// NewTaskNote returns a live, undoomed task note with the given stack
// guard page range.
func NewTaskNote(guard addr.PageRange) *TaskNote {
	return &TaskNote{Alive: true, StackGuard: guard, SignalHandlers: make(map[SignalClass]func())}
}

// Doomed reports whether the task is marked doomed.
func (t *TaskNote) Doomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Isdoomed
}

// MarkKilled records that the task has been killed, the final step of
// HandleException when unwinding is disabled.
func (t *TaskNote) MarkKilled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Killed = true
	t.Alive = false
}

// Scheduler is the collaborator a dispatcher removes a faulted task's
// run-queue entry through and yields the CPU via, the counterpart of
// whatever scheduler owns a biscuit Tnote_t's thread.
type Scheduler interface {
	RemoveFromRunQueue(note *TaskNote)
	Yield()
}

// Handler is a per-vector IDT entry.
type Handler func(note *TaskNote, e Entry)

// stubHandler is installed in every vector nothing has registered a
// handler for: it logs the fault and returns, modeling "log and return
// without EOI" for vectors that can legitimately occur but carry no
// recovery policy.
func stubHandler(note *TaskNote, e Entry) {
	klog.Default.Warnf("unhandled exception %#x at %v (no registered handler)", e.ExceptionNum, e.InstructionPtr)
}

// IDT is the process-wide interrupt descriptor table: 256 vector slots,
// each holding at most one Handler, guarded by a single lock the way
// boot initialization fills undefined entries once and never mutates
// them under contention afterward.
type IDT struct {
	mu       sync.Mutex
	handlers [256]Handler
}

var (
	globalIDT     *IDT
	globalIDTOnce sync.Once
)

// GlobalIDT returns the process-wide IDT singleton, constructing it on
// first use.
func GlobalIDT() *IDT {
	globalIDTOnce.Do(func() { globalIDT = &IDT{} })
	return globalIDT
}

// Register installs h at vector, failing if something is already
// registered there.
func (d *IDT) Register(vector uint8, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[vector] != nil {
		return fmt.Errorf("%w: vector %#x already has a registered handler", defs.ErrInvariant, vector)
	}
	d.handlers[vector] = h
	return nil
}

// Unregister removes whatever handler is installed at vector.
func (d *IDT) Unregister(vector uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[vector] = nil
}

// handlerFor returns the registered handler for vector, or stubHandler
// if none was ever registered.
func (d *IDT) handlerFor(vector uint8) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h := d.handlers[vector]; h != nil {
		return h
	}
	return stubHandler
}

// Dispatcher runs the five-step per-exception handler against one log
// and scheduler.
type Dispatcher struct {
	IDT       *IDT
	Log       *Log
	Scheduler Scheduler
	// Unwind enables step 4's stack-unwinding attempt instead of an
	// immediate kill; left false runs the simpler immediate-kill path.
	Unwind bool
}

// NewDispatcher returns a Dispatcher over its own log of the given
// capacity and the global IDT.
func NewDispatcher(logCapacity int, sched Scheduler) *Dispatcher {
	return &Dispatcher{IDT: GlobalIDT(), Log: NewLog(logCapacity), Scheduler: sched}
}

// HandleException runs the per-exception handler: it logs one record
// (detecting a stack-guard-page overflow for #DF/#PF first), dumps a
// stack trace, invokes the task's kill handler and any matching signal
// handler, then either starts unwinding or marks the task killed
// outright, and finally removes the task from its run queue and
// yields.
func (d *Dispatcher) HandleException(note *TaskNote, vector uint8, ip addr.VirtAddr, errCode uint64, faultAddr addr.VirtAddr, hasFaultAddr bool, crateName, runningAppCrate string) {
	e := Entry{
		ExceptionNum:    vector,
		InstructionPtr:  ip,
		ErrorCode:       errCode,
		FaultAddr:       faultAddr,
		HasFaultAddr:    hasFaultAddr,
		CrateName:       crateName,
		RunningAppCrate: runningAppCrate,
	}

	if (vector == ExcDF || vector == ExcPF) && hasFaultAddr && note != nil && note.StackGuard.Contains(faultAddr) {
		e.StackOverflow = true
	}

	d.Log.Append(e)
	Callerdump(2)

	if note != nil {
		note.mu.Lock()
		kill := note.KillHandler
		sigHandlers := note.SignalHandlers
		unwinder := note.Unwinder
		note.mu.Unlock()

		if kill != nil {
			kill()
		}
		if sc := signalClassFor(vector); sc != SignalNone {
			if h := sigHandlers[sc]; h != nil {
				h()
			}
		}

		if d.Unwind && unwinder != nil {
			unwinder(2)
		} else {
			note.MarkKilled()
		}
	}

	h := d.IDT.handlerFor(vector)
	h(note, e)

	if d.Scheduler != nil {
		d.Scheduler.RemoveFromRunQueue(note)
		d.Scheduler.Yield()
	}
}

// CrateLocator maps an instruction pointer to the crate it falls
// within, the lookup a fault dispatch needs to fill in Entry.CrateName
// before recording a fault. Satisfied by a thin adapter over
// namespace.Namespace (see LocateCrate) so this package does not need
// to import namespace or crate itself for its core log/policy logic.
type CrateLocator interface {
	CrateContaining(ip addr.VirtAddr) (name string, ok bool)
}

// Policy decides, given a log's currently unhandled entries, which
// crate (if any) should be swapped out in response. It claims the
// unhandled batch via log.RemoveUnhandled, decides an action for each,
// and re-appends every entry with Handled set, so a repeated call
// against the same log only ever acts on faults it has not yet seen.
type Policy func(log *Log) (crateToSwap string, ok bool)

// NullPolicy marks every unhandled fault handled and recommends no
// swap, mirroring fault_crate_swap's null_swap_policy: the task dies,
// nothing is replaced.
func NullPolicy(log *Log) (string, bool) {
	unhandled := log.RemoveUnhandled()
	for i, e := range unhandled {
		if i == 0 {
			e.Action = ActionTaskRestarted
		} else {
			e.Action = ActionMultipleFaultRecovery
		}
		e.Handled = true
		log.Append(e)
	}
	return "", false
}

// SimplePolicy recommends swapping the crate the first unhandled fault
// occurred in, mirroring fault_crate_swap's simple_swap_policy: if the
// faulting crate is unknown, the task is just restarted instead.
func SimplePolicy(log *Log) (string, bool) {
	unhandled := log.RemoveUnhandled()
	if len(unhandled) == 0 {
		return "", false
	}

	var crateToSwap string
	var ok bool
	for i, e := range unhandled {
		if i == 0 {
			if e.CrateName == "" {
				e.Action = ActionTaskRestarted
			} else {
				e.Action = ActionFaultCrateReplaced
				e.ReplacedCrates = append(e.ReplacedCrates, e.CrateName)
				crateToSwap, ok = e.CrateName, true
			}
		} else {
			e.Action = ActionMultipleFaultRecovery
		}
		e.Handled = true
		log.Append(e)
	}
	return crateToSwap, ok
}

// IterativePolicy implements fault_crate_swap's escalation ladder: it
// looks up the most recent prior record for the same crate (by its
// "-<hash>"-stripped simple name) and escalates based on what that
// prior fault's action was:
//
//   - no prior record               -> restart the task
//   - prior action was none         -> restart the task
//   - prior action was a restart or
//     a multiple-fault record       -> replace the faulting crate
//   - prior action already replaced
//     the crate once                -> replace the application crate
//     enclosing this fault if known, else replace the same crate again
//   - anything else (already an
//     iterative replacement)        -> replace the faulting crate again
func IterativePolicy(log *Log) (string, bool) {
	unhandled := log.RemoveUnhandled()
	if len(unhandled) == 0 {
		return "", false
	}

	var crateToSwap string
	var ok bool
	for i, e := range unhandled {
		if i != 0 {
			e.Action = ActionMultipleFaultRecovery
			e.Handled = true
			log.Append(e)
			continue
		}

		if e.CrateName == "" {
			e.Action = ActionTaskRestarted
			e.Handled = true
			log.Append(e)
			continue
		}

		simple := simpleCrateName(e.CrateName)
		prior, found := log.MostRecentMatch(simple)
		switch {
		case !found, prior.Action == ActionNone:
			e.Action = ActionTaskRestarted
		case prior.Action == ActionTaskRestarted, prior.Action == ActionMultipleFaultRecovery:
			e.Action = ActionFaultCrateReplaced
			e.ReplacedCrates = append(e.ReplacedCrates, e.CrateName)
			crateToSwap, ok = e.CrateName, true
		case prior.Action == ActionFaultCrateReplaced:
			if e.RunningAppCrate != "" {
				e.Action = ActionIterativelyCrateReplaced
				e.ReplacedCrates = append(e.ReplacedCrates, e.RunningAppCrate)
				crateToSwap, ok = e.RunningAppCrate, true
			} else {
				e.Action = ActionFaultCrateReplaced
				e.ReplacedCrates = append(e.ReplacedCrates, e.CrateName)
				crateToSwap, ok = e.CrateName, true
			}
		default:
			e.Action = ActionFaultCrateReplaced
			e.ReplacedCrates = append(e.ReplacedCrates, e.CrateName)
			crateToSwap, ok = e.CrateName, true
		}
		e.Handled = true
		log.Append(e)
	}
	return crateToSwap, ok
}
