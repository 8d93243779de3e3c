package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/peterje/conductor/internal/api"
	"github.com/peterje/conductor/internal/config"
	"github.com/peterje/conductor/internal/events"
	"github.com/peterje/conductor/internal/preflight"
	"github.com/peterje/conductor/internal/pty"
	"github.com/peterje/conductor/internal/server"
	"github.com/peterje/conductor/internal/sidecar"
	"github.com/peterje/conductor/internal/speech"
	"github.com/peterje/conductor/internal/store"
	"github.com/peterje/conductor/internal/tunnel"
)

var (
	serveAddr      string
	serveNoSidecar bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session bridge",
	Long: `Start the HTTP and websocket bridge.

The sidecar is started eagerly unless --no-sidecar is given; it can be
started later through POST /api/sdk/start. Terminal and speech sessions
are created on demand.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveNoSidecar, "no-sidecar", false, "Do not start the sidecar at boot")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Conductor - agent, terminal and speech sessions")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Running preflight checks...")
	tools, _ := preflight.CheckAll(out, cfg.Sidecar.Runtime, cfg.Terminal.Command)
	fmt.Fprintln(out)

	db, err := store.Open(log, cfg.DBPath())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()

	// Usage records bypass the bus: a stalled UI subscriber must not cost
	// ledger entries.
	usage := store.NewUsageRecorder(log, db)
	side := sidecar.New(log, events.Multi{bus, usage}, sidecarOptions(cfg))
	if !serveNoSidecar {
		if err := side.Start(); err != nil {
			// Not fatal: terminal and speech sessions still work.
			log.Warn("Sidecar unavailable", "error", err)
		}
	}

	terminals := pty.NewManager(log, bus, pty.Options{
		Command:     cfg.Terminal.Command,
		Rows:        cfg.Terminal.Rows,
		Cols:        cfg.Terminal.Cols,
		PromptDelay: cfg.Terminal.PromptDelay,
	})
	recognizer := speech.NewManager(log, bus, speech.Options{})

	srv := server.New(server.Deps{
		Log:      log,
		Bus:      bus,
		Sidecar:  side,
		Terminal: terminals,
		Speech:   recognizer,
		Store:    db,
		Tools:    tools,
		TerminalDefaults: api.TerminalDefaults{
			Mode:            pty.Mode(cfg.Terminal.Mode),
			Model:           cfg.Terminal.Model,
			SkipPermissions: cfg.Terminal.SkipPermissions,
		},
		SpeechSettings: api.SpeechSettings{
			Enabled:    cfg.Vosk.Enabled,
			Endpoint:   cfg.Vosk.Endpoint,
			SampleRate: cfg.Vosk.SampleRate,
		},
		MaxSessions: cfg.Persistence.MaxSessions,
	})

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(out, "Server running at http://%s\n", ln.Addr())
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error { return usage.Run(gctx) })

	if cfg.Tunnel.URL != "" {
		client := tunnel.NewClient(log, cfg.Tunnel.URL, cfg.Tunnel.Secret, ln.Addr().String())
		g.Go(func() error { return client.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		shutdownSessions(log, recognizer, terminals, side)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Server stopped.")
	return nil
}

// shutdownSessions drops speech sessions, kills terminals, then stops the
// sidecar.
func shutdownSessions(log *slog.Logger, recognizer *speech.Manager, terminals *pty.Manager, side *sidecar.Manager) {
	recognizer.CloseAll()
	terminals.CloseAll()
	side.Shutdown()
	log.Info("Sessions closed")
}

func sidecarOptions(cfg *config.Config) sidecar.Options {
	candidates := sidecar.DefaultCandidates(cfg.Sidecar.ResourceDir)
	if cfg.Sidecar.Script != "" {
		candidates = []string{cfg.Sidecar.Script}
	}
	return sidecar.Options{
		Runtime:    cfg.Sidecar.Runtime,
		Candidates: candidates,
	}
}
