package supervisor

import "syscall"

// Terminator abstracts how a server process is asked to die, keeping platform
// kill semantics out of the supervisor's state machine. Signal requests a
// graceful exit; Kill is the escalation when the grace period runs out.
type Terminator interface {
	Signal(pid int) error
	Kill(pid int) error
}

// GroupTerminator signals the entire process group (negative pid), so wrapper
// launch commands like npx take their descendants down with them. Requires
// the process to have been started with Setpgid. This is the default.
type GroupTerminator struct{}

// Signal sends SIGTERM to pid's process group.
func (GroupTerminator) Signal(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to pid's process group.
func (GroupTerminator) Kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// ProcessTerminator signals only the named process. Used for servers launched
// directly (no wrapper) where group semantics are unavailable.
type ProcessTerminator struct{}

// Signal sends SIGTERM to pid.
func (ProcessTerminator) Signal(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to pid.
func (ProcessTerminator) Kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
