package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/peterje/conductor/internal/events"
	"github.com/peterje/conductor/internal/pty"
)

var (
	termMode  string
	termModel string
	termDir   string
)

var termCmd = &cobra.Command{
	Use:   "term [prompt...]",
	Short: "Run one terminal session attached to this terminal",
	Long: `Run the configured CLI in a managed pseudo-terminal and attach it to the
current terminal. Arguments are joined into the initial prompt.

Useful for checking terminal settings without the UI.`,
	RunE: runTerm,
}

func init() {
	termCmd.Flags().StringVar(&termMode, "mode", "", "interactive or prompt (default from config)")
	termCmd.Flags().StringVar(&termModel, "model", "", "Model passed to the CLI")
	termCmd.Flags().StringVarP(&termDir, "dir", "C", ".", "Working directory")
	rootCmd.AddCommand(termCmd)
}

// attachedOutput writes one session's output to w and signals when the
// session closes. It receives events synchronously from the pump so no
// output is dropped.
type attachedOutput struct {
	w io.Writer

	mu     sync.Mutex
	id     string
	closed chan struct{}
	once   sync.Once
}

func newAttachedOutput(w io.Writer) *attachedOutput {
	return &attachedOutput{w: w, closed: make(chan struct{})}
}

func (a *attachedOutput) Emit(name string, payload any) {
	switch {
	case strings.HasPrefix(name, "terminal-output-"):
		if s, ok := payload.(string); ok {
			a.mu.Lock()
			io.WriteString(a.w, s)
			a.mu.Unlock()
		}
	case strings.HasPrefix(name, "terminal-closed-"):
		a.once.Do(func() { close(a.closed) })
	}
}

var _ events.Emitter = (*attachedOutput)(nil)

func runTerm(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mode := pty.Mode(cfg.Terminal.Mode)
	if termMode != "" {
		mode = pty.Mode(termMode)
	}
	if mode != pty.ModeInteractive && mode != pty.ModePrompt {
		return fmt.Errorf("invalid --mode %q", termMode)
	}
	model := cfg.Terminal.Model
	if termModel != "" {
		model = termModel
	}

	rows, cols := cfg.Terminal.Rows, cfg.Terminal.Cols
	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)
	if interactive {
		if w, h, err := term.GetSize(fd); err == nil {
			rows, cols = clampSize(h), clampSize(w)
		}
	}

	out := newAttachedOutput(cmd.OutOrStdout())
	mgr := pty.NewManager(log, out, pty.Options{
		Command:     cfg.Terminal.Command,
		Rows:        rows,
		Cols:        cols,
		PromptDelay: cfg.Terminal.PromptDelay,
	})
	defer mgr.CloseAll()

	id, err := mgr.CreateSession(pty.CreateOptions{
		WorkDir:         termDir,
		Prompt:          strings.Join(args, " "),
		Model:           model,
		Mode:            mode,
		SkipPermissions: cfg.Terminal.SkipPermissions,
	})
	if err != nil {
		return err
	}

	if interactive {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				if w, h, err := term.GetSize(fd); err == nil {
					mgr.Resize(id, clampSize(h), clampSize(w))
				}
			}
		}()
	}

	// Stdin is forwarded until the session ends; the copier goroutine is
	// abandoned blocked on Read when we return.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := mgr.Write(id, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-out.closed:
	case <-cmd.Context().Done():
	}

	if info, ok := mgr.Session(id); ok && info.Status == pty.StatusFailed {
		return fmt.Errorf("session %s failed", id)
	}
	return nil
}

func clampSize(n int) uint16 {
	return uint16(min(max(n, pty.MinSize), pty.MaxSize))
}
