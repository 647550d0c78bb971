// Package adapter implements the Firmware Adapter Set (C1): a uniform
// read/validate/apply/rollback/metrics contract over native firmware tools
// (nvram, iptables, dnsmasq, wireless controls, wireguard, system files).
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/meshguard/routerd/internal/agenterr"
)

// DefaultDeadline is the hard per-call deadline for subprocess invocations
// (spec §4.1).
const DefaultDeadline = 5 * time.Second

// grace is how long a subprocess is given to exit after SIGTERM before
// Runner escalates to SIGKILL (spec §5: "killed (SIGKILL after a SIGTERM
// grace)").
const grace = 500 * time.Millisecond

// Runner invokes native firmware binaries under a hard deadline, matching
// the teacher's SSHTunnel.ExecCommandContext cancel-then-kill pattern,
// generalized from a remote SSH session to a local subprocess and from
// SIGKILL-only to SIGTERM-then-SIGKILL.
type Runner struct {
	Deadline time.Duration
}

// NewRunner builds a Runner with the default 5s deadline.
func NewRunner() *Runner {
	return &Runner{Deadline: DefaultDeadline}
}

// Result is the captured output of a subprocess invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes name with args, bounded by the Runner's deadline. On
// deadline it sends SIGTERM, waits grace, then SIGKILL; the returned error
// wraps agenterr.ErrTimeout when the deadline was the cause.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	deadline := r.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{}, agenterr.NewUnavailableError(name, err.Error())
		}
		return Result{}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return r.result(cmd, stdout, stderr, err)
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-done
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, agenterr.ErrTimeout
	}
}

// RunStdin executes name with args, feeding input on stdin, bounded by the
// Runner's deadline. Used by adapters whose mutating tool reads its new
// configuration from stdin (iptables-restore, wg syncconf).
func (r *Runner) RunStdin(ctx context.Context, input []byte, name string, args ...string) (Result, error) {
	deadline := r.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.Command(name, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{}, agenterr.NewUnavailableError(name, err.Error())
		}
		return Result{}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		res, _ := r.result(cmd, stdout, stderr, err)
		if err != nil {
			return res, fmt.Errorf("%s: %w (stderr: %s)", name, err, stderr.String())
		}
		return res, nil
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-done
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, agenterr.ErrTimeout
	}
}

func (r *Runner) result(cmd *exec.Cmd, stdout, stderr bytes.Buffer, err error) (Result, error) {
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	return res, err
}
