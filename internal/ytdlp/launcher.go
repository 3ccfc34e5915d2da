package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"time"
)

// Candidate is one way of invoking yt-dlp: Name is the executable and Prefix
// the arguments placed before the yt-dlp arguments.
type Candidate struct {
	Name   string
	Prefix []string
}

func (c Candidate) String() string {
	if len(c.Prefix) == 0 {
		return c.Name
	}
	s := c.Name
	for _, p := range c.Prefix {
		s += " " + p
	}
	return s
}

// DefaultCandidates is tried in order until one starts.
var DefaultCandidates = []Candidate{
	{Name: "yt-dlp"},
	{Name: "python", Prefix: []string{"-m", "yt_dlp"}},
	{Name: "python3", Prefix: []string{"-m", "yt_dlp"}},
	{Name: "py", Prefix: []string{"-3", "-m", "yt_dlp"}},
}

// Process is a started child. Both streams must be drained before Wait.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
}

// Launcher starts child processes.
type Launcher interface {
	Start(ctx context.Context, name string, args []string) (Process, error)
}

// ExecLauncher starts real processes in their own process group so that
// cancellation also reaps ffmpeg children spawned by yt-dlp.
type ExecLauncher struct {
	// WaitDelay bounds how long Wait blocks on pipes after the process is killed.
	WaitDelay time.Duration
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }

func (l ExecLauncher) Start(ctx context.Context, name string, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrToolNotFound)
		}
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
