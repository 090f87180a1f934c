package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// MaxOutputBytes bounds the stdout and stderr kept per execution.
	MaxOutputBytes = 64 * 1024

	truncatedMarker = "\n...[output truncated]"

	// waitDelay bounds how long Wait keeps reading output after the shell
	// exits, in case a background child still holds the pipes.
	waitDelay = 2 * time.Second
)

// Command describes one job execution.
type Command struct {
	Line string
	Dir  string
	Env  map[string]string
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	Signal   syscall.Signal
	Stdout   string
	Stderr   string
	// Err is set when the process could not be waited for at all.
	Err error
}

// Process is a running job.
type Process interface {
	PID() int
	// Signal delivers sig to the whole process group.
	Signal(sig syscall.Signal) error
	// Wait blocks until the process exits. It must be called exactly once.
	Wait() Result
}

// Runner starts job processes.
type Runner interface {
	Start(cmd Command) (Process, error)
}

// ShellRunner runs each command with "<Shell> -c" in a new process group so
// signals reach every process the command spawns.
type ShellRunner struct {
	Shell string
}

func NewShellRunner() ShellRunner {
	return ShellRunner{Shell: "/bin/sh"}
}

func (r ShellRunner) Start(cmd Command) (Process, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	c := exec.Command(shell, "-c", cmd.Line)
	if cmd.Dir != "" {
		c.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		c.Env = mergeEnv(os.Environ(), cmd.Env)
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.WaitDelay = waitDelay

	p := &shellProcess{
		cmd:    c,
		stdout: &boundedBuffer{limit: MaxOutputBytes},
		stderr: &boundedBuffer{limit: MaxOutputBytes},
	}
	c.Stdout = p.stdout
	c.Stderr = p.stderr

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", shell, err)
	}
	return p, nil
}

type shellProcess struct {
	cmd    *exec.Cmd
	stdout *boundedBuffer
	stderr *boundedBuffer
}

func (p *shellProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *shellProcess) Signal(sig syscall.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *shellProcess) Wait() Result {
	err := p.cmd.Wait()
	res := Result{
		Stdout: p.stdout.String(),
		Stderr: p.stderr.String(),
	}

	state := p.cmd.ProcessState
	if state == nil {
		res.ExitCode = -1
		res.Err = err
		return res
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Signal = ws.Signal()
		res.ExitCode = 128 + int(ws.Signal())
		return res
	}
	res.ExitCode = state.ExitCode()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// e.g. exec.ErrWaitDelay: the shell exited but output kept flowing
		res.Err = err
	}
	return res
}

// boundedBuffer keeps the first limit bytes written and counts the rest.
type boundedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.dropped += len(p) - room
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.dropped == 0 {
		return b.buf.String()
	}
	return b.buf.String() + truncatedMarker
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; !ok {
			env = append(env, kv)
		}
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// ParseSignal accepts "TERM", "SIGTERM", "term" or a number. Empty means
// SIGTERM.
func ParseSignal(s string) (syscall.Signal, error) {
	if s == "" {
		return unix.SIGTERM, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n > 64 {
			return 0, fmt.Errorf("signal %d out of range", n)
		}
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", s)
	}
	return sig, nil
}

// processAlive reports whether pid names a live process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
