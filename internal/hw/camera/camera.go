// Package camera drives the still camera and the webcam through their
// command line utilities (gphoto2 and wget).
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/shlex"

	"github.com/cjeanneret/camzilla/internal/debug"
)

// Output is what a tool printed.
type Output struct {
	Stdout string
	Stderr string
}

// ExitError is returned when a tool exits non-zero.
type ExitError struct {
	Tool   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Tool, e.Code)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.Code, msg)
}

// Runner executes an argv in dir ("" for the current directory).
type Runner interface {
	Run(ctx context.Context, dir string, argv []string) (Output, error)
}

// ExecRunner runs tools with os/exec. A tool is never killed: when ctx
// ends first, Run returns ctx.Err() and the tool's output is dropped
// once it exits. Wait blocks until every started tool has exited.
// The zero value is usable; it must not be copied after first use.
type ExecRunner struct {
	wg sync.WaitGroup
}

func (r *ExecRunner) Run(ctx context.Context, dir string, argv []string) (Output, error) {
	if len(argv) == 0 {
		return Output{}, errors.New("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	r.wg.Add(1)
	if err := cmd.Start(); err != nil {
		r.wg.Done()
		return Output{}, fmt.Errorf("start %s: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() {
		defer r.wg.Done()
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		debug.Warn("camera: stop requested while %s is running, output will be discarded", argv[0])
		return Output{}, ctx.Err()
	case err := <-done:
		out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return out, &ExitError{Tool: argv[0], Code: ee.ExitCode(), Stderr: out.Stderr}
		}
		return out, err
	}
}

func (r *ExecRunner) Wait() { r.wg.Wait() }

// Tool is a configured command line, e.g. "/usr/bin/gphoto2 --port=usb:".
type Tool struct {
	base   []string
	runner Runner
}

// NewTool splits commandLine with shell quoting rules.
func NewTool(commandLine string, r Runner) (*Tool, error) {
	base, err := shlex.Split(commandLine)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", commandLine, err)
	}
	if len(base) == 0 {
		return nil, fmt.Errorf("empty command %q", commandLine)
	}
	if r == nil {
		r = &ExecRunner{}
	}
	return &Tool{base: base, runner: r}, nil
}

// Name is the executable.
func (t *Tool) Name() string { return t.base[0] }

// Wait blocks until the tool runs still in flight have exited. Runners
// without a Wait method return immediately.
func (t *Tool) Wait() {
	if w, ok := t.runner.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// Run appends args to the configured command line and runs it in dir.
func (t *Tool) Run(ctx context.Context, dir string, args ...string) (Output, error) {
	argv := append(append([]string(nil), t.base...), args...)
	debug.Verbose("exec: %s", strings.Join(argv, " "))
	out, err := t.runner.Run(ctx, dir, argv)
	if s := strings.TrimSpace(out.Stdout); s != "" {
		debug.Verbose("%s: %s", t.Name(), s)
	}
	if err == nil {
		if s := strings.TrimSpace(out.Stderr); s != "" {
			debug.Warn("%s: %s", t.Name(), s)
		}
	}
	return out, err
}

// Gphoto2 wraps the still camera utility.
type Gphoto2 struct {
	tool *Tool
}

func NewGphoto2(t *Tool) *Gphoto2 { return &Gphoto2{tool: t} }

func (g *Gphoto2) Wait() { g.tool.Wait() }

// SetConfig applies settings by index ("/main/imgsettings/imagesize=2").
func (g *Gphoto2) SetConfig(ctx context.Context, settings []string) error {
	args := []string{"--quiet"}
	for _, s := range settings {
		args = append(args, "--set-config-index", strings.TrimSpace(s))
	}
	_, err := g.tool.Run(ctx, "", args...)
	return err
}

// Focus primes the lens, then drives manual focus to setting.
func (g *Gphoto2) Focus(ctx context.Context, setting string) error {
	_, err := g.tool.Run(ctx, "",
		"--force-overwrite", "--quiet", "--capture-preview",
		"--set-config", "/main/actions/manualfocusdrive=32767",
		"--set-config", strings.TrimSpace(setting))
	return err
}

// Capture takes one picture into the camera memory card. autofocus, if
// not empty, is applied right before the shot.
func (g *Gphoto2) Capture(ctx context.Context, autofocus string) error {
	args := []string{"--force-overwrite", "--quiet", "--set-config-index", "/main/settings/capturetarget=1"}
	if autofocus != "" {
		args = append(args, "--set-config", autofocus)
	}
	args = append(args, "--capture-image")
	_, err := g.tool.Run(ctx, "", args...)
	return err
}

// GetFile fetches the first file of the card into dir under name and
// deletes it from the card. name may use gphoto2 patterns such as %C.
func (g *Gphoto2) GetFile(ctx context.Context, dir, name string) error {
	_, err := g.tool.Run(ctx, dir, "--quiet", "--get-file=1", "--filename="+name, "--recurse", "--delete-file=1")
	return err
}

// ListFiles returns the card listing.
func (g *Gphoto2) ListFiles(ctx context.Context) (string, error) {
	out, err := g.tool.Run(ctx, "", "--quiet", "--list-files")
	return out.Stdout, err
}

// Wget fetches webcam snapshots.
type Wget struct {
	tool *Tool
}

func NewWget(t *Tool) *Wget { return &Wget{tool: t} }

func (w *Wget) Wait() { w.tool.Wait() }

// Fetch downloads url into dest.
func (w *Wget) Fetch(ctx context.Context, dest, url string) error {
	_, err := w.tool.Run(ctx, "", "--output-document="+dest, url)
	return err
}
