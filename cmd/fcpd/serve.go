package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/socialgouv/fcpd-server/pkg/bridge"
	"github.com/socialgouv/fcpd-server/pkg/config"
	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/grpc"
	"github.com/socialgouv/fcpd-server/pkg/http"
	"github.com/socialgouv/fcpd-server/pkg/include"
	"github.com/socialgouv/fcpd-server/pkg/lifecycle"
	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/process"
	"github.com/socialgouv/fcpd-server/pkg/puredata"
)

const (
	shutdownTimeout = 5 * time.Second
	sqliteFilename  = "includes.db"
)

func newServeCommand() *cobra.Command {
	// Environment first, flags override it
	cfg, loadErr := config.LoadConfig()
	if loadErr != nil {
		cfg = config.DefaultConfig()
	}
	var launch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge with its control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return pkgerrors.WrapWithCode(loadErr, pkgerrors.ErrorCodeInvalidInput, "failed to load configuration")
			}
			return serve(cmd.Context(), cfg, launch)
		},
	}

	bindServeFlags(cmd.Flags(), cfg)
	cmd.Flags().BoolVar(&launch, "launch", false, "Launch Pure-Data on startup")

	return cmd
}

func bindServeFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.ListenAddress, "listen-addr", cfg.ListenAddress, "Address the bridge server listens on for Pure-Data")
	fs.StringVar(&cfg.ControlAddress, "control-addr", cfg.ControlAddress, "HTTP control API address")
	fs.StringVar(&cfg.GRPCAddress, "grpc-addr", cfg.GRPCAddress, "gRPC health service address, empty to disable")
	fs.StringVar(&cfg.PdPath, "pd", cfg.PdPath, "Pure-Data executable")
	fs.StringVar(&cfg.PdLibDir, "pd-lib-dir", cfg.PdLibDir, "Directory holding the bridge's Pure-Data abstractions")
	fs.IntVar(&cfg.PdDefaultPort, "pd-port", cfg.PdDefaultPort, "Port the Pure-Data client listens on")
	fs.BoolVar(&cfg.AllowRaw, "allow-raw", cfg.AllowRaw, "Add the raw-message abstractions to the search path")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Liveness poll interval of the Pure-Data process")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Time Pure-Data gets to exit before it is killed")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Document store driver (yaml, sqlite)")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "Directory of the document store")
	fs.StringVar(&cfg.Document, "document", cfg.Document, "Name of the host document")
	fs.StringVar(&cfg.EditDir, "edit-dir", cfg.EditDir, "Directory for include edit sessions")
	fs.BoolVar(&cfg.TLSEnabled, "tls-enabled", cfg.TLSEnabled, "Enable TLS on the gRPC health service")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Path to TLS certificate file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Path to TLS key file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (auto, text, json). Auto uses text for TTY, JSON otherwise")
}

func openPersister(ctx context.Context, cfg *config.Config) (include.Persister, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		if err := os.MkdirAll(cfg.StorePath, 0o755); err != nil {
			return nil, pkgerrors.WrapWithField(err, "path", cfg.StorePath, "failed to create store directory")
		}
		return include.NewSQLite(ctx, filepath.Join(cfg.StorePath, sqliteFilename))
	default:
		return include.NewYAMLFile(cfg.StorePath)
	}
}

func serve(ctx context.Context, cfg *config.Config, launch bool) error {
	log := logger.NewLogrusLogger(cfg.LogLevel, cfg.LogFormat)
	log = logger.WithComponent(log, "main")

	log.Info("Configuration loaded from environment variables and command line flags")

	if err := cfg.Validate(); err != nil {
		err = pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInvalidInput, "configuration validation failed")
		log.WithFields(pkgerrors.GetFields(err)).Error("Invalid configuration")
		return err
	}

	persister, err := openPersister(ctx, cfg)
	if err != nil {
		err = pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInternalError, "failed to open document store")
		log.WithFields(pkgerrors.GetFields(err)).Error("Failed to open document store")
		return err
	}
	defer persister.Close()

	store, err := include.Load(ctx, persister, cfg.Document)
	if err != nil {
		log.WithFields(pkgerrors.GetFields(err)).Error("Failed to load document")
		return err
	}
	log.WithFields(map[string]interface{}{
		"document": store.Name(),
		"includes": len(store.List()),
	}).Info("Document loaded")

	supervisor := process.NewSupervisor(log,
		process.WithPollInterval(cfg.PollInterval),
		process.WithGracePeriod(cfg.GracePeriod),
		// client.pd is rendered there before every spawn
		process.WithDir(cfg.EditDir),
	)

	launcher := puredata.NewLauncher(puredata.Options{
		Executable: cfg.PdPath,
		LibDir:     cfg.PdLibDir,
		AllowRaw:   cfg.AllowRaw,
		PdPort:     cfg.PdDefaultPort,
		Document:   cfg.Document,
		WorkDir:    cfg.EditDir,
	}, log)

	bridgeServer := bridge.NewServer(cfg.ListenAddress, log)

	facade, err := lifecycle.New(bridgeServer, supervisor, launcher, store, log,
		lifecycle.WithPersister(persister),
		lifecycle.WithEditDir(cfg.EditDir),
	)
	if err != nil {
		err = pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInternalError, "failed to create bridge")
		log.WithFields(pkgerrors.GetFields(err)).Error("Failed to create bridge")
		return err
	}

	serveErr := make(chan error, 2)

	httpServer := http.NewServer(facade, log)
	go func() {
		log.WithField("address", cfg.ControlAddress).Info("Starting HTTP control server")
		if err := httpServer.Start(cfg.ControlAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInternalError, "failed to start HTTP server")
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddress != "" {
		grpcServer = grpc.NewServer(facade, log)
		go func() {
			log.WithFields(map[string]interface{}{
				"address":     cfg.GRPCAddress,
				"tls_enabled": cfg.TLSEnabled,
			}).Info("Starting gRPC health server")
			if err := grpcServer.Start(cfg.GRPCAddress, cfg.TLSEnabled, cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
				serveErr <- pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInternalError, "failed to start gRPC server")
			}
		}()
	}

	if launch {
		if err := facade.Launch(ctx); err != nil {
			log.WithFields(pkgerrors.GetFields(err)).Error("Failed to launch Pure-Data")
		}
	}

	// Wait for termination signal or a server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Received termination signal")
	case runErr = <-serveErr:
		log.WithFields(pkgerrors.GetFields(runErr)).Error("Server failed")
	}

	log.Info("Shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := facade.SaveDocument(shutdownCtx); err != nil {
		log.WithFields(pkgerrors.GetFields(err)).Error("Failed to save document")
	}

	if err := httpServer.Stop(shutdownCtx); err != nil {
		err = pkgerrors.Wrap(err, "error stopping HTTP server")
		log.WithFields(pkgerrors.GetFields(err)).Error("Failed to stop HTTP server")
	} else {
		log.Info("HTTP server stopped successfully")
	}

	if grpcServer != nil {
		grpcServer.Stop()
		log.Info("gRPC server stopped successfully")
	}

	// Stops the bridge, Pure-Data and the supervisor's poller
	if err := facade.Close(shutdownCtx); err != nil {
		log.WithFields(pkgerrors.GetFields(err)).Error("Failed to stop bridge")
	}

	log.Info("Shutdown complete")
	return runErr
}
