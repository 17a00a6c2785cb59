package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/camzilla/internal/config"
	"github.com/cjeanneret/camzilla/internal/debug"
	"github.com/cjeanneret/camzilla/internal/task"
	"github.com/cjeanneret/camzilla/internal/web"
)

// drainTimeout bounds a graceful stop before queued work is aborted.
const drainTimeout = 2 * time.Minute

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "camzilla",
		Short:         "Pan/tilt camera station",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", filepath.Join("configs", "default.yaml"), "path to config file")

	root.AddCommand(newServeCommand(&cfgPath), newTaskCommand(&cfgPath))
	return root
}

func newServeCommand(cfgPath *string) *cobra.Command {
	webPort := &webPortFlag{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the HTTP surface until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			port := webPort.port()
			if port == 0 {
				port = cfg.Defaults.WebPort
			}
			return serve(cmd.Context(), cfg, port)
		},
	}
	cmd.Flags().Var(webPort, "web", "HTTP port (default defaults.web_port)")
	return cmd
}

func newTaskCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "task <action>",
		Short: "Run one task action, e.g. \"picture(webcam())\", and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfg, args[0], cmd.OutOrStdout())
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", path)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// serve runs until SIGINT/SIGTERM. The first signal drains the queue;
// when that takes longer than drainTimeout the remaining tasks are aborted.
func serve(parent context.Context, cfg *config.Config, port int) error {
	logs := web.NewBroadcaster()
	results := web.NewBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(logs)))

	st, err := newStation(cfg, results)
	if err != nil {
		return err
	}
	defer st.Close()

	sigCtx, stop := signalContext(parent)
	defer stop()
	engCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	engErr := make(chan error, 1)
	go func() { engErr <- st.engine.Run(engCtx) }()

	srv := web.NewServer(fmt.Sprintf(":%d", port), web.NewHandlers(st.engine, logs, results))
	webErr := make(chan error, 1)
	go func() { webErr <- srv.Run(sigCtx) }()

	select {
	case <-sigCtx.Done():
	case err = <-webErr:
		if err != nil {
			debug.Errorf("web server: %v", err)
		}
	}

	debug.Section("Shutting down")
	if err := drain(st, cancelEngine); err != nil {
		debug.Warn("engine: %v", err)
	}
	if err := <-engErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runOnce submits one action, waits for the queue to drain and prints every
// result record as a JSON line.
func runOnce(parent context.Context, cfg *config.Config, action string, out io.Writer) error {
	enc := json.NewEncoder(out)
	sink := task.SinkFunc(func(r task.Result) {
		if err := enc.Encode(r); err != nil {
			debug.Verbose("encode result: %v", err)
		}
	})

	st, err := newStation(cfg, sink)
	if err != nil {
		return err
	}
	defer st.Close()

	sigCtx, stop := signalContext(parent)
	defer stop()
	engCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	if err := st.engine.Submit(task.Command{Kind: task.TaskCommand, Action: action}); err != nil {
		return err
	}
	engErr := make(chan error, 1)
	go func() { engErr <- st.engine.Run(engCtx) }()

	// a signal turns the drain into a hard stop
	go func() {
		select {
		case <-sigCtx.Done():
			cancelEngine()
		case <-st.engine.Done():
		}
	}()

	if err := drain(st, cancelEngine); err != nil {
		debug.Warn("engine: %v", err)
	}
	if err := <-engErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func drain(st *station, cancel context.CancelFunc) error {
	ctx, done := context.WithTimeout(context.Background(), drainTimeout)
	defer done()
	err := st.engine.Shutdown(ctx)
	if err != nil {
		cancel()
	}
	return err
}

// webPortFlag implements pflag.Value for --web: unset or "" = configured
// port, --web 8980 → 8980.
type webPortFlag struct {
	val int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) Type() string { return "port" }

func (w *webPortFlag) port() int { return w.val }
