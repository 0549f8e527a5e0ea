// Package hostexec abstracts where game-server children are spawned: in
// this process's namespaces, or in the host's namespaces via nsenter when
// the control plane itself runs inside a container.
package hostexec

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

type Spec struct {
	Argv []string
	Dir  string
	Env  []string
}

type Executor interface {
	Command(ctx context.Context, spec Spec) *exec.Cmd
}

// Direct runs children as ordinary descendants of this process.
type Direct struct{}

func (Direct) Command(ctx context.Context, spec Spec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	// Children get their own process group so a signal reaches the whole
	// tree (launch scripts fork the JVM as a grandchild).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return cmd
}

// Nsenter enters the mount, pid, and net namespaces of TargetPID before
// executing. Used when the supervisor is containerized but the servers
// must run on the host.
type Nsenter struct {
	TargetPID int
}

func (n Nsenter) Command(ctx context.Context, spec Spec) *exec.Cmd {
	argv := []string{
		"nsenter",
		"--target", strconv.Itoa(n.TargetPID),
		"--mount", "--pid", "--net",
		"--wd=" + spec.Dir,
		"--",
	}
	argv = append(argv, spec.Argv...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return cmd
}

// SignalGroup delivers sig to cmd's whole process group, falling back to
// the single process when no group was created.
func SignalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil && pgid == cmd.Process.Pid {
		return syscall.Kill(-pgid, sig)
	}

	return cmd.Process.Signal(sig)
}
