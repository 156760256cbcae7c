// Package connid defines the opaque connection handle shared by every
// subsystem that tracks IPC connections without holding a pointer to one —
// the registry, the managers, and the subscriber/waiter sets, per spec.md
// §9's "weak cross-object graphs" design note.
package connid

// ID identifies one IPC connection. The IPC server issues these as a
// monotonic counter; every other package treats it as an opaque handle.
type ID uint64
