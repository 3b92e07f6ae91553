package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/rajeshkarthik/EncryCore/app/services/node/handlers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/genesis"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/node"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/worker"
	"github.com/rajeshkarthik/EncryCore/foundation/events"
	"github.com/rajeshkarthik/EncryCore/foundation/logger"
)

// build is the git version of this program. It is set using build flags
// in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
		}
		Node struct {
			DataPath     string `conf:"default:zblock/data"`
			MinerKeyPath string `conf:"default:zblock/miner.ecdsa"`
			SettingsPath string `conf:"default:"`
		}
		Chain struct {
			StateMode              string        `conf:"default:utxo"`
			VerifyTransactions     bool          `conf:"default:true"`
			BlocksToKeep           int           `conf:"default:-1"`
			KeepVersions           int           `conf:"default:200"`
			UtxMaxAge              time.Duration `conf:"default:16h40m"`
			MempoolCleanupInterval time.Duration `conf:"default:3h"`
			MempoolMaxCapacity     int           `conf:"default:10000"`
			Mining                 bool          `conf:"default:false"`
			OfflineGeneration      bool          `conf:"default:false"`
			MiningDelay            time.Duration `conf:"default:10s"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Chain Settings

	settings := genesis.Default()
	if cfg.Node.SettingsPath != "" {
		settings, err = genesis.Load(cfg.Node.SettingsPath)
		if err != nil {
			return fmt.Errorf("loading chain settings: %w", err)
		}
	}

	settings.StateMode = cfg.Chain.StateMode
	settings.VerifyTransactions = cfg.Chain.VerifyTransactions
	settings.BlocksToKeep = cfg.Chain.BlocksToKeep
	settings.KeepVersions = cfg.Chain.KeepVersions
	settings.UtxMaxAge = cfg.Chain.UtxMaxAge
	settings.MempoolCleanupInterval = cfg.Chain.MempoolCleanupInterval
	settings.MempoolMaxCapacity = cfg.Chain.MempoolMaxCapacity
	settings.Mining = cfg.Chain.Mining
	settings.OfflineGeneration = cfg.Chain.OfflineGeneration
	settings.MiningDelay = cfg.Chain.MiningDelay

	// =========================================================================
	// Blockchain Support

	// Need to load the private key file for the configured miner so the
	// node can sign headers and collect rewards.
	minerKey, err := crypto.LoadECDSA(cfg.Node.MinerKeyPath)
	if err != nil {
		return fmt.Errorf("unable to load private key for node: %w", err)
	}

	// The chain indexes and the authenticated state keep separate
	// version histories, so they get separate store partitions.
	chainStore, err := store.New(filepath.Join(cfg.Node.DataPath, "chain"))
	if err != nil {
		return fmt.Errorf("opening chain store: %w", err)
	}

	stateStore, err := store.New(filepath.Join(cfg.Node.DataPath, "state"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}

	// The blockchain packages accept a function of this signature to
	// allow the application to log. These raw messages are also sent to
	// any websocket client connected through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Send(s)
	}

	nd, err := node.New(node.Config{
		ChainStore: chainStore,
		StateStore: stateStore,
		Settings:   settings,
		MinerKey:   minerKey,
		EvHandler:  ev,
	})
	if err != nil {
		return err
	}
	defer nd.Shutdown()

	// The worker package implements the mining workflow and the pool
	// maintenance timers. The worker will register itself with the node.
	worker.Run(nd, ev)

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug router started", "host", cfg.Web.DebugHost)

	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, handlers.DebugMux(build, log)); err != nil {
			log.Errorw("shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		Node:     nd,
		Evts:     evts,
	})

	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Private Service

	log.Infow("startup", "status", "initializing V1 private API support")

	privateMux := handlers.PrivateMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		Node:     nd,
	})

	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      privateMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		ctx, cancelPri := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPri()

		log.Infow("shutdown", "status", "shutdown private API started")
		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}

		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}
	}

	return nil
}
