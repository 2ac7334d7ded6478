//go:build !windows

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nctiggy/nwha/internal/config"
	"github.com/nctiggy/nwha/internal/terminal"
)

const shellKey = "local-shell"

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open the configured session shell in this terminal",
	Long: `Open the shell that sessions run in, attached to the current terminal.
Useful for checking that the engine commands resolve inside the session
environment before starting the server.`,
	RunE: runShell,
}

var shellDir string

func init() {
	rootCmd.AddCommand(shellCmd)
	shellCmd.Flags().StringVar(&shellDir, "dir", "", "working directory (default: current directory)")
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return fmt.Errorf("stdin is not a terminal")
	}
	cols, rows := uint16(cfg.Terminal.Cols), uint16(cfg.Terminal.Rows)
	if w, h, err := term.GetSize(stdin); err == nil {
		cols, rows = uint16(w), uint16(h)
	}

	exits := terminal.NewExitChannel(logger)
	defer exits.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	notices, err := terminal.SubscribeExits(ctx, exits, logger)
	if err != nil {
		return err
	}

	registry := terminal.NewRegistry(terminal.PTYSpawner{}, exits,
		terminal.WithGracePeriod(cfg.Terminal.StopGrace()),
		terminal.WithLogger(logger),
	)
	defer registry.DestroyAll()

	h, err := registry.Create(shellKey, terminal.Options{
		Dir:   shellDir,
		Shell: cfg.Terminal.ResolveShell(),
		Cols:  cols,
		Rows:  rows,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	unsubscribe, _ := registry.Subscribe(shellKey, func(data []byte) {
		_, _ = out.Write(data)
	})
	defer unsubscribe()

	state, err := term.MakeRaw(stdin)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer term.Restore(stdin, state)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(stdin); err == nil {
				_ = registry.Resize(shellKey, uint16(w), uint16(h))
			}
		}
	}()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := registry.Write(shellKey, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	done := h.Done()
	for {
		select {
		case n, ok := <-notices:
			if !ok {
				return nil
			}
			if n.SessionKey != shellKey {
				continue
			}
			term.Restore(stdin, state)
			fmt.Fprintf(cmd.ErrOrStderr(), "\r\nshell exited (pid %d, code %d)\n", n.PID, n.ExitCode)
			return nil
		case <-done:
			// The exit notice follows.
			done = nil
		case <-ctx.Done():
			return nil
		}
	}
}
