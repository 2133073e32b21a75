// Command openpull is the CLI launcher: it spawns a child process under a
// pseudo-terminal, forwards its combined output through the connection and
// delivery engine, and propagates termination signals. It exits with status
// 1 when the child fails; the child's own exit code is not passed through.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/puzed/openpull-node/internal/manager"
	"github.com/puzed/openpull-node/internal/obslog"
	"github.com/puzed/openpull-node/internal/sessionconfig"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		urlFlag          string
		defaultFieldFlag []string
		logLevelFlag     string
	)

	cmd := &cobra.Command{
		Use:                "openpull [flags] -- <command> [args...]",
		Short:              "Forward a child process's logs over an authenticated peer connection",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: false,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := obslog.Init(logLevelFlag, ""); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			url := urlFlag
			if url == "" {
				url = os.Getenv("OPENPULL_URL")
			}
			if url == "" {
				return fmt.Errorf("no connection URL: pass --url or set OPENPULL_URL")
			}
			return run(cmd.Context(), url, parseDefaultFields(defaultFieldFlag), args)
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "", "openpull:// connection string (defaults to $OPENPULL_URL)")
	cmd.Flags().StringArrayVar(&defaultFieldFlag, "default-field", nil, "key=value pair sent as a session default field in the auth message (repeatable)")
	cmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "diagnostic log level: debug, info, warn, error")
	return cmd
}

func parseDefaultFields(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func run(parentCtx context.Context, url string, defaultFields map[string]string, childArgs []string) error {
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	instanceID := uuid.NewString()
	if defaultFields == nil {
		defaultFields = map[string]string{}
	}
	defaultFields["instanceId"] = instanceID

	cfg := sessionconfig.NewManager()
	defer cfg.Close()
	if userCfgDir, err := os.UserConfigDir(); err == nil {
		if cwd, err := os.Getwd(); err == nil {
			if err := cfg.Load(userCfgDir+"/openpull", cwd); err != nil {
				obslog.Warn("cli: session config load failed", "error", err)
			}
			for k, v := range cfg.DefaultFields() {
				if _, exists := defaultFields[k]; !exists {
					defaultFields[k] = v
				}
			}
			if err := cfg.Watch(cwd); err != nil {
				obslog.Warn("cli: session config watch failed", "error", err)
			}
		}
	}

	m := manager.New()
	obslog.Info("cli: connecting", "instanceId", instanceID)
	if err := m.Connect(ctx, url, defaultFields); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer m.Disconnect()

	childCmd := buildChildCommand(ctx, childArgs)

	size := &pty.Winsize{Cols: 80, Rows: 24}
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		size.Cols, size.Rows = uint16(w), uint16(h)
	}

	ptmx, err := pty.StartWithSize(childCmd, size)
	if err != nil {
		return fmt.Errorf("start child under pty: %w", err)
	}
	defer ptmx.Close()

	// The pty combines the child's stdout and stderr into one stream; feed
	// it to ForwardStreams as stdout (default severity info) — there is no
	// separate stderr reader once the child is behind a pty.
	pr, pw := io.Pipe()
	mirror := io.Discard
	if term.IsTerminal(int(os.Stdout.Fd())) {
		mirror = os.Stdout
	}
	go func() {
		defer pw.Close()
		io.Copy(io.MultiWriter(mirror, pw), ptmx)
	}()
	m.ForwardStreams(pr, nil)

	go io.Copy(ptmx, os.Stdin)

	waitErr := childCmd.Wait()

	exitDelay := cfg.ExitDelay()
	flushTimeout := cfg.FlushTimeout()
	if ms := os.Getenv("OPENPULL_EXIT_DELAY_MS"); ms != "" {
		if d, ok := parseMillis(ms); ok {
			exitDelay = d
		}
	}
	if ms := os.Getenv("OPENPULL_FLUSH_TIMEOUT_MS"); ms != "" {
		if d, ok := parseMillis(ms); ok {
			flushTimeout = d
		}
	}

	// Give any just-opened reader channel a moment to finish its replay
	// before tearing the session down.
	time.Sleep(exitDelay)
	drainDeadline := time.NewTimer(flushTimeout)
	defer drainDeadline.Stop()
	<-drainDeadline.C

	if waitErr != nil {
		return fmt.Errorf("child process: %w", waitErr)
	}
	return nil
}

func parseMillis(s string) (time.Duration, bool) {
	var ms int
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
