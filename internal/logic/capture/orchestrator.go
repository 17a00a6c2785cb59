// Package capture configures and triggers the cameras and moves the
// pictures they produce into the picture folder.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/camzilla/internal/debug"
	"github.com/cjeanneret/camzilla/internal/errcode"
)

// Target selects the capture device.
type Target int

const (
	Camera Target = iota // still camera through gphoto2
	Webcam               // network webcam through wget
)

func (t Target) String() string {
	if t == Webcam {
		return "webcam"
	}
	return "camera"
}

// BracketShots is the number of exposures of one bracketed shot.
const BracketShots = 3

const (
	autofocusKey   = "/main/actions/autofocusdrive"
	manualFocusKey = "/main/actions/manualfocusdrive"
	bracketingOn   = "bracketing=0"
)

// DefaultSettings are applied unless the task sets the same key.
var DefaultSettings = []string{
	"/main/capturesettings/evstep=0",
	"/main/imgsettings/imagequality=0",
	"/main/imgsettings/imagesize=2",
	"/main/imgsettings/whitebalance=0",
	"/main/capturesettings/exposurecompensation=15",
	"/main/capturesettings/expprogram=1",
	"/main/imgsettings/autoiso=0",
	"/main/capturesettings/bracketing=1",
	"/main/capturesettings/burstinterval=0",
}

// StillCamera is the gphoto2 side. *camera.Gphoto2 implements it.
type StillCamera interface {
	SetConfig(ctx context.Context, settings []string) error
	Focus(ctx context.Context, setting string) error
	Capture(ctx context.Context, autofocus string) error
	GetFile(ctx context.Context, dir, name string) error
	ListFiles(ctx context.Context) (string, error)
}

// Fetcher is the webcam side. *camera.Wget implements it.
type Fetcher interface {
	Fetch(ctx context.Context, dest, url string) error
}

// PowerChecker tells a power loss apart from a tool failure.
type PowerChecker interface {
	IsPowered() bool
}

// Config holds folders and tunables.
type Config struct {
	PictureFolder string
	ScratchFolder string
	WebcamFolder  string
	WebcamURL     string
	Autofocus     bool   // allow /main/actions/autofocusdrive
	UnknownMarker string // card listing marker of a camera file, "DSC_"

	// Download pacing: wait size/Throughput after each file, or MinWait
	// when no file arrived. Throughput 0 disables the size wait.
	Throughput int64
	MinWait    time.Duration
}

// Settings is the outcome of Configure.
type Settings struct {
	Resolved   string // settings applied, comma separated
	Bracketing bool
}

// Orchestrator drives the capture tools. It is used from the engine
// goroutine only.
type Orchestrator struct {
	cfg      Config
	cam      StillCamera
	web      Fetcher
	power    PowerChecker
	consumer Consumer

	autofocus string
}

// NewOrchestrator wires the tools. web may be nil when no webcam is
// configured; consumer may be nil.
func NewOrchestrator(cfg Config, cam StillCamera, web Fetcher, power PowerChecker, consumer Consumer) *Orchestrator {
	if consumer == nil {
		consumer = NopConsumer{}
	}
	if cfg.UnknownMarker == "" {
		cfg.UnknownMarker = "DSC_"
	}
	return &Orchestrator{cfg: cfg, cam: cam, web: web, power: power, consumer: consumer}
}

// Wait blocks until the tools left running by a stop have exited. Tools
// that cannot be waited for are skipped.
func (o *Orchestrator) Wait() {
	for _, t := range []any{o.cam, o.web} {
		if w, ok := t.(interface{ Wait() }); ok {
			debug.Verbose("capture: waiting for running tools")
			w.Wait()
		}
	}
}

func settingKey(s string) string {
	k, _, _ := strings.Cut(s, "=")
	return strings.TrimSpace(k)
}

// MergeSettings returns the defaults not overridden by settings, followed
// by settings. Empty entries are dropped.
func MergeSettings(settings []string) []string {
	given := make(map[string]bool, len(settings))
	var user []string
	for _, s := range settings {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		given[settingKey(s)] = true
		user = append(user, s)
	}
	var merged []string
	for _, d := range DefaultSettings {
		if !given[settingKey(d)] {
			merged = append(merged, d)
		}
	}
	return append(merged, user...)
}

// Configure applies settings on top of the defaults. An autofocus setting
// is kept for the next captures if allowed, a manual focus setting
// triggers the focus sequence, everything else is set by index.
func (o *Orchestrator) Configure(ctx context.Context, settings []string) (Settings, error) {
	debug.Verbose("capture: configure camera")
	merged := MergeSettings(settings)
	o.autofocus = ""

	var byIndex []string
	for _, s := range merged {
		switch {
		case strings.Contains(s, autofocusKey):
			if o.cfg.Autofocus {
				o.autofocus = s
			} else {
				debug.Warn("capture: using autofocus is not allowed -> configure camera without")
			}
		case strings.Contains(s, manualFocusKey):
			if err := o.cam.Focus(ctx, s); err != nil {
				return Settings{}, o.toolError(ctx, "focus", err)
			}
		default:
			byIndex = append(byIndex, s)
		}
	}

	res := Settings{Resolved: strings.Join(merged, ", ")}
	res.Bracketing = strings.Contains(res.Resolved, bracketingOn)
	if err := o.cam.SetConfig(ctx, byIndex); err != nil {
		return res, o.toolError(ctx, "configure", err)
	}
	return res, nil
}

// Capture takes one shot. For the camera the picture stays on the card
// until Download; for the webcam it is written as name in the webcam folder.
func (o *Orchestrator) Capture(ctx context.Context, target Target, name string) error {
	switch target {
	case Camera:
		if err := o.cam.Capture(ctx, o.autofocus); err != nil {
			return o.toolError(ctx, "capture", err)
		}
	case Webcam:
		if o.web == nil || o.cfg.WebcamURL == "" {
			return errcode.New(errcode.Configuration, "capture", "no webcam configured")
		}
		dest := filepath.Join(o.cfg.WebcamFolder, name)
		if err := o.web.Fetch(ctx, dest, o.cfg.WebcamURL); err != nil {
			return o.toolError(ctx, "webcam", err)
		}
	default:
		return errcode.New(errcode.Configuration, "capture", fmt.Sprintf("camera type %d unknown", int(target)))
	}
	return nil
}

// Download fetches names from the card, one file each, into the picture
// folder. The folder consumer is paused for the duration.
func (o *Orchestrator) Download(ctx context.Context, names []string) (int, error) {
	debug.Info("capture: downloading %d pictures from photo camera", len(names))
	if err := o.consumer.Pause(ctx); err != nil {
		debug.Errorf("capture: pause consumer: %v", err)
	}
	defer func() {
		if err := o.consumer.Resume(context.WithoutCancel(ctx)); err != nil {
			debug.Errorf("capture: resume consumer: %v", err)
		}
	}()

	n, err := o.fetchAll(ctx, names)
	if n > 0 {
		debug.Info("capture: downloaded %d pictures from photo camera", n)
	}
	return n, err
}

// DownloadAllUnknown moves every picture still on the card into the
// picture folder. Those are left over from tasks that did not finish.
func (o *Orchestrator) DownloadAllUnknown(ctx context.Context) (int, error) {
	debug.Verbose("capture: downloading all unknown pictures from photo camera")
	listing, err := o.cam.ListFiles(ctx)
	if err != nil {
		return 0, o.toolError(ctx, "list files", err)
	}
	now := time.Now()
	var names []string
	for _, line := range strings.Split(listing, "\n") {
		if strings.Contains(line, o.cfg.UnknownMarker) {
			names = append(names, UnknownName(now, len(names)+1))
		}
	}
	n, err := o.fetchAll(ctx, names)
	if n > 0 {
		debug.Info("capture: downloaded %d unknown pictures from photo camera", n)
	}
	return n, err
}

func (o *Orchestrator) fetchAll(ctx context.Context, names []string) (int, error) {
	if err := o.sweepScratch(); err != nil {
		return 0, err
	}
	defer func() {
		if err := os.Remove(o.cfg.ScratchFolder); err != nil && !os.IsNotExist(err) {
			debug.Warn("capture: remove scratch folder: %v", err)
		}
	}()

	count := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return count, errcode.Wrap(errcode.Stopped, "download", err)
		}
		if err := o.cam.GetFile(ctx, o.cfg.ScratchFolder, name); err != nil {
			return count, o.toolError(ctx, "download", err)
		}
		size, found, err := o.collect()
		if err != nil {
			return count, err
		}
		debug.Live("capture: downloaded %s (%d bytes)", name, size)
		if err := sleep(ctx, o.pace(size, found)); err != nil {
			return count + 1, errcode.Wrap(errcode.Stopped, "download", err)
		}
		count++
	}
	return count, nil
}

// sweepScratch creates the scratch folder and moves anything left in it
// to the picture folder.
func (o *Orchestrator) sweepScratch() error {
	if err := os.MkdirAll(o.cfg.ScratchFolder, 0o755); err != nil {
		return errcode.Wrap(errcode.Configuration, "scratch folder", err)
	}
	entries, err := os.ReadDir(o.cfg.ScratchFolder)
	if err != nil {
		return errcode.Wrap(errcode.Error, "scratch folder", err)
	}
	if len(entries) > 0 {
		debug.Warn("capture: there are still files in the scratch folder -> move them to %s", o.cfg.PictureFolder)
	}
	for _, e := range entries {
		if err := moveFile(filepath.Join(o.cfg.ScratchFolder, e.Name()), o.cfg.PictureFolder); err != nil {
			return errcode.Wrap(errcode.Error, "scratch folder", err)
		}
	}
	return nil
}

// collect moves the scratch folder content to the picture folder and
// returns the size of the last file moved.
func (o *Orchestrator) collect() (size int64, found bool, err error) {
	entries, err := os.ReadDir(o.cfg.ScratchFolder)
	if err != nil {
		return 0, false, errcode.Wrap(errcode.Error, "download", err)
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return size, found, errcode.Wrap(errcode.Error, "download", err)
		}
		size, found = info.Size(), true
		if err := moveFile(filepath.Join(o.cfg.ScratchFolder, e.Name()), o.cfg.PictureFolder); err != nil {
			return size, found, errcode.Wrap(errcode.Error, "download", err)
		}
	}
	return size, found, nil
}

// pace is the wait after one transfer. The camera drops transfers when
// the next one starts before it has flushed the previous file.
func (o *Orchestrator) pace(size int64, found bool) time.Duration {
	if !found {
		return o.cfg.MinWait
	}
	if o.cfg.Throughput <= 0 {
		return 0
	}
	return time.Duration(size) * time.Second / time.Duration(o.cfg.Throughput)
}

// toolError classifies a failed tool run.
func (o *Orchestrator) toolError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return errcode.Wrap(errcode.Stopped, op, err)
	}
	if o.power != nil && !o.power.IsPowered() {
		return &errcode.E{C: errcode.NotPowered, Op: op, Msg: "camera has no more power -> gphoto2 could not execute command", Err: err}
	}
	return errcode.Wrap(errcode.ToolExecution, op, err)
}

func moveFile(src, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(dstDir, filepath.Base(src))
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// rename fails across file systems
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
