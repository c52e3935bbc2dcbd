// Package runner turns a matched event into an OS process: argument template
// substitution, spawn with log capture, signal control and retry backoff.
package runner

import (
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"gaffer/internal/domain"
)

// SpawnError marks a command that never started; it enters the retry machine
// like a non-zero exit.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

var tokenRE = regexp.MustCompile(`\{([a-z][a-z0-9_.]*)\}`)

// BuildVars collects the template values an event offers: event fields always,
// task and project fields when the subject task is known.
func BuildVars(event domain.Event, task *domain.Task) map[string]string {
	vars := map[string]string{
		"event.id":   strconv.FormatInt(event.ID, 10),
		"event.type": event.Type,
		"entity.id":  event.EntityID,
		"project.id": event.ProjectID,
	}
	if task != nil {
		vars["task.id"] = task.ID
		vars["task.title"] = task.Title
		vars["task.status"] = task.Status
		vars["output"] = task.Output
		vars["project.id"] = task.ProjectID
	}
	return vars
}

// Substitute replaces {token} references in each arg. Unresolvable tokens
// substitute empty; their names come back so the caller can log a warning.
func Substitute(args []string, vars map[string]string) ([]string, []string) {
	var missing []string
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = tokenRE.ReplaceAllStringFunc(arg, func(m string) string {
			name := m[1 : len(m)-1]
			v, ok := vars[name]
			if !ok {
				missing = append(missing, name)
				return ""
			}
			return v
		})
	}
	return out, missing
}

// Process is one spawned run attempt.
type Process struct {
	cmd *exec.Cmd
	log *os.File
}

// Spawn starts the command in dir with extraEnv appended to the daemon's
// environment. Stdout and stderr both stream to logPath. The child gets its
// own process group so signals reach everything it forks.
func Spawn(command string, args, extraEnv []string, dir, logPath string) (*Process, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	log, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdout = log
	cmd.Stderr = log
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		log.Close()
		return nil, &SpawnError{Command: command, Err: err}
	}
	return &Process{cmd: cmd, log: log}, nil
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports code -1.
func (p *Process) Wait() int {
	err := p.cmd.Wait()
	p.log.Close()
	if err == nil {
		return 0
	}
	if p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode()
	}
	return -1
}

// Signal helpers address the whole process group; pids come from the
// registry, so they work across daemon restarts.

func Terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func Kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func Pause(pid int) error {
	return syscall.Kill(-pid, syscall.SIGSTOP)
}

func Resume(pid int) error {
	return syscall.Kill(-pid, syscall.SIGCONT)
}

// Alive reports whether the pid still exists. EPERM counts as alive: the
// process is there, it just is not ours.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// Delay returns the wait before the next attempt:
// min(base*2^attempt + jitter, cap), with deterministic jitter in [0, d/4)
// derived from the run id so a run's schedule never moves between reads.
func Delay(runID string, attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	if attempt > 20 {
		return cap
	}
	d := base << uint(attempt)
	if d <= 0 || d > cap {
		return cap
	}
	h := fnv.New64a()
	h.Write([]byte(runID))
	frac := float64(h.Sum64()%1000) / 1000.0
	delay := d + time.Duration(frac*float64(d/4))
	if delay > cap {
		return cap
	}
	return delay
}
