package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	fedmesh "github.com/absmach/fedmesh"
	"github.com/absmach/fedmesh/api"
	"github.com/absmach/fedmesh/bootstrap"
	"github.com/absmach/fedmesh/client"
	"github.com/absmach/fedmesh/pkg/ledger"
	"github.com/absmach/fedmesh/pkg/metrics"
	"github.com/absmach/fedmesh/pkg/objstore"
	"github.com/absmach/fedmesh/pkg/overlay"
	"github.com/absmach/fedmesh/trainer"
)

const (
	defBootstrapP2PPort = 4001
	defTrainerHTTPPort  = 9002

	bootstrapDialTimeout = 30 * time.Second
	httpShutdownTimeout  = 10 * time.Second
)

func newBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Run the rendezvous node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(cmd, "bootstrap", "")
		},
	}
}

func newClientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Run a data-owner client node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(cmd, "client", "")
		},
	}
}

func newTrainerCmd() *cobra.Command {
	var interpreter string
	cmd := &cobra.Command{
		Use:   "trainer",
		Short: "Run a trainer node contributing compute",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(cmd, "trainer", interpreter)
		},
	}
	cmd.Flags().StringVar(&interpreter, "interpreter", "python3", "Interpreter used to execute model artifacts")

	return cmd
}

func configureLogger(level string) *slog.Logger {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("Invalid log level: %s. Defaulting to info.\n", level)
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

// bootstrapAdminAddr derives the bootstrap node's admin HTTP address from
// its overlay multi-address.
func bootstrapAdminAddr(addr string) string {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return ""
	}
	ip, err := maddr.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		return ""
	}

	return fmt.Sprintf("%s:%d", ip, fedmesh.DefBootstrapHTTPPort)
}

func runNode(cmd *cobra.Command, role, interpreter string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := fedmesh.LoadConfig()
	if err != nil {
		return exitErr(ExitConfig, err)
	}
	if err := cfg.ValidateForRole(role); err != nil {
		return exitErr(ExitConfig, err)
	}

	logger := configureLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	identity, err := fedmesh.LoadIdentity(cfg.ConfigDir)
	if err != nil {
		return exitErr(ExitConfig, err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	p2pPort := cfg.P2PPort
	if role == "bootstrap" && p2pPort == 0 {
		p2pPort = defBootstrapP2PPort
	}

	ovl, err := overlay.New(ctx, identity, cfg.NodeIP, p2pPort, logger)
	if err != nil {
		return exitErr(ExitConfig, err)
	}
	defer ovl.Close()

	if role != "bootstrap" {
		dialCtx, cancel := context.WithTimeout(ctx, bootstrapDialTimeout)
		err := ovl.ConnectOnce(dialCtx, cfg.BootstrapAddr)
		cancel()
		if err != nil {
			return exitErr(ExitBootstrapUnreachable, fmt.Errorf("bootstrap unreachable: %w", err))
		}
		logger.Info("connected to bootstrap", slog.String("addr", cfg.BootstrapAddr))
	}

	var svc api.Service
	var runSvc func(context.Context) error
	httpPort := cfg.HTTPPort

	switch role {
	case "bootstrap":
		if httpPort == 0 {
			httpPort = fedmesh.DefBootstrapHTTPPort
		}
		boot := bootstrap.NewService(ovl, m, logger)
		svc, runSvc = boot, boot.Run

	case "client", "trainer":
		ledgerClient, err := ledger.New(cfg.OperatorID, cfg.OperatorKey, cfg.ContractID, cfg.TopicID, logger)
		if err != nil {
			return exitErr(ExitConfig, err)
		}
		defer ledgerClient.Close()

		if err := ledgerClient.Ping(ctx); err != nil {
			return exitErr(ExitLedgerUnreachable, fmt.Errorf("ledger unreachable: %w", err))
		}

		poller, err := ledger.NewEventPoller(cfg.MirrorURL, cfg.ContractID, logger)
		if err != nil {
			return exitErr(ExitConfig, err)
		}

		store, err := objstore.New(ctx, cfg.ObjectStoreEndpoint, cfg.ObjectStoreBucket,
			cfg.ObjectStoreAccessKey, cfg.ObjectStoreSecretKey, logger)
		if err != nil {
			return exitErr(ExitConfig, err)
		}

		if role == "client" {
			if httpPort == 0 {
				httpPort = fedmesh.DefClientHTTPPort
			}
			cl := client.NewService(ovl, ledgerClient, poller, store, m,
				bootstrapAdminAddr(cfg.BootstrapAddr), cfg.RoundDeadline, logger)
			svc, runSvc = cl, cl.Run
		} else {
			if httpPort == 0 {
				httpPort = defTrainerHTTPPort
			}
			tr := trainer.NewService(ovl, ledgerClient, store,
				trainer.NewHostRuntime(interpreter, logger), m, os.TempDir(), logger)
			svc, runSvc = tr, tr.Run
		}
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", httpPort),
		Handler: api.MakeHandler(svc, registry),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("control surface listening",
			slog.String("role", role),
			slog.Int("port", httpPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return runSvc(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return exitErr(ExitConfig, err)
	}

	return nil
}
