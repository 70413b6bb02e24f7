package dockercli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Runner executes docker CLI invocations.
type Runner interface {
	// Output runs the command to completion and returns its stdout.
	Output(ctx context.Context, args ...string) ([]byte, error)
	// Stream starts a long-running command. Reading returns its stdout;
	// Close stops the process and reports how it exited.
	Stream(ctx context.Context, args ...string) (io.ReadCloser, error)
}

type execRunner struct {
	binary string
}

func (r execRunner) Output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", r.binary, args[0], err, msg)
		}
		return nil, fmt.Errorf("%s %s: %w", r.binary, args[0], err)
	}
	return out, nil
}

func (r execRunner) Stream(ctx context.Context, args ...string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s %s: %w", r.binary, args[0], err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s %s: %w", r.binary, args[0], err)
	}
	return &streamProcess{ReadCloser: stdout, cmd: cmd, cancel: cancel, stderr: &stderr}, nil
}

type streamProcess struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *bytes.Buffer
}

func (p *streamProcess) Close() error {
	p.cancel()
	err := p.cmd.Wait()
	if err != nil && p.stderr.Len() > 0 {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(p.stderr.String()))
	}
	return err
}
