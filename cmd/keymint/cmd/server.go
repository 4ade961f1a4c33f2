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

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/keymint/admin"
	"github.com/jmcleod/keymint/config"
	"github.com/jmcleod/keymint/journal"
	bboltjournal "github.com/jmcleod/keymint/journal/bbolt"
	"github.com/jmcleod/keymint/journal/memory"
	"github.com/jmcleod/keymint/pki"
	"github.com/jmcleod/keymint/server"
	"github.com/jmcleod/keymint/stats"
)

var (
	configFile string
	serverOpts = config.Default()
	listenPort int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the key issuing server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServerConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err := newLogger(cfg, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		defer memguard.Purge()

		issuer, err := newIssuer(cfg)
		if err != nil {
			return err
		}

		j, err := openJournal(cfg)
		if err != nil {
			return err
		}
		defer j.Close()

		collector := stats.New()
		srv := server.New(issuer, server.Config{
			Workers:         cfg.GenWorkers,
			QueueLimit:      cfg.QueueLimit,
			StoreShards:     cfg.StoreShards,
			MaxNameBytes:    cfg.MaxNameBytes,
			WriteChunkBytes: cfg.WriteChunkBytes,
			DrainTimeout:    cfg.DrainTimeout,
			Journal:         j,
			Stats:           collector,
			Logger:          logger,
		})

		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printBanner()
		logger.Info("starting key server",
			"listen", ln.Addr().String(),
			"issuer", issuer.Subject(),
			"workers", cfg.GenWorkers,
			"key_bits", cfg.KeyBits,
			"journal", journalDescription(cfg),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Serve(gctx, ln)
		})
		if cfg.AdminListen != "" {
			api := admin.New(srv,
				admin.WithJournal(j),
				admin.WithStats(collector),
				admin.WithLogger(logger.With("component", "admin")),
			)
			runAdmin(gctx, g, cfg.AdminListen, api, logger)
		}
		return g.Wait()
	},
}

func runAdmin(ctx context.Context, g *errgroup.Group, addr string, api *admin.API, logger *slog.Logger) {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.Go(func() error {
		logger.Info("admin endpoint listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin server shutdown failed: %w", err)
		}
		return nil
	})
}

// loadServerConfig layers defaults, the optional config file and any flags
// set explicitly on the command line.
func loadServerConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("listen", func() { cfg.Listen = serverOpts.Listen })
	set("port", func() { cfg.Listen = fmt.Sprintf(":%d", listenPort) })
	set("issuer-key", func() { cfg.IssuerKey = serverOpts.IssuerKey })
	set("issuer-name", func() { cfg.IssuerName = serverOpts.IssuerName })
	set("gen-threads", func() { cfg.GenWorkers = serverOpts.GenWorkers })
	set("key-bits", func() { cfg.KeyBits = serverOpts.KeyBits })
	set("validity", func() { cfg.Validity = serverOpts.Validity })
	set("queue-limit", func() { cfg.QueueLimit = serverOpts.QueueLimit })
	set("max-name-bytes", func() { cfg.MaxNameBytes = serverOpts.MaxNameBytes })
	set("drain-timeout", func() { cfg.DrainTimeout = serverOpts.DrainTimeout })
	set("admin-listen", func() { cfg.AdminListen = serverOpts.AdminListen })
	set("data-dir", func() { cfg.DataDir = serverOpts.DataDir })
	set("log-level", func() { cfg.LogLevel = serverOpts.LogLevel })
	set("log-format", func() { cfg.LogFormat = serverOpts.LogFormat })
	return cfg, nil
}

func newIssuer(cfg config.Config) (*pki.Issuer, error) {
	signer, err := pki.LoadSignerFile(cfg.IssuerKey)
	if err != nil {
		return nil, fmt.Errorf("loading issuer key: %w", err)
	}
	subject, err := pki.ParseDistinguishedName(cfg.IssuerName)
	if err != nil {
		return nil, fmt.Errorf("parsing issuer name: %w", err)
	}
	return pki.NewIssuer(signer, subject,
		pki.WithKeyBits(cfg.KeyBits),
		pki.WithValidity(cfg.Validity),
	)
}

func openJournal(cfg config.Config) (journal.Journal, error) {
	path := cfg.JournalPath()
	if path == "" {
		return memory.NewJournal(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	j, err := bboltjournal.NewJournalFromFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open issuance journal: %w", err)
	}
	return j, nil
}

func journalDescription(cfg config.Config) string {
	if path := cfg.JournalPath(); path != "" {
		return path
	}
	return "memory"
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "Path to a YAML configuration file")
	f.StringVar(&serverOpts.Listen, "listen", serverOpts.Listen, "Address to accept key requests on")
	f.IntVarP(&listenPort, "port", "p", 9000, "Port to listen on (shorthand for --listen :PORT)")
	f.StringVar(&serverOpts.IssuerKey, "issuer-key", "", "Path to the PEM issuer private key")
	f.StringVar(&serverOpts.IssuerName, "issuer-name", serverOpts.IssuerName, "Issuer distinguished name")
	f.IntVar(&serverOpts.GenWorkers, "gen-threads", serverOpts.GenWorkers, "Number of key generation workers")
	f.IntVar(&serverOpts.KeyBits, "key-bits", serverOpts.KeyBits, "RSA modulus size of issued keys")
	f.DurationVar(&serverOpts.Validity, "validity", serverOpts.Validity, "Validity period of issued certificates")
	f.IntVar(&serverOpts.QueueLimit, "queue-limit", 0, "Maximum queued generations (0 = unbounded)")
	f.IntVar(&serverOpts.MaxNameBytes, "max-name-bytes", serverOpts.MaxNameBytes, "Longest accepted name")
	f.DurationVar(&serverOpts.DrainTimeout, "drain-timeout", serverOpts.DrainTimeout, "Time allowed for pending responses at shutdown")
	f.StringVar(&serverOpts.AdminListen, "admin-listen", "", "Address for the admin HTTP endpoint (disabled if empty)")
	f.StringVar(&serverOpts.DataDir, "data-dir", "", "Directory for the issuance journal (in memory if empty)")
	f.StringVar(&serverOpts.LogLevel, "log-level", serverOpts.LogLevel, "Log level: debug, info, warn or error")
	f.StringVar(&serverOpts.LogFormat, "log-format", serverOpts.LogFormat, "Log format: text or json")
	serverCmd.MarkFlagsMutuallyExclusive("listen", "port")
}
