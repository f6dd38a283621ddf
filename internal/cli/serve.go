package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/dispatch"
	"github.com/keymux/keymux/internal/gatekeeper"
	"github.com/keymux/keymux/internal/httpx"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/logging"
	"github.com/keymux/keymux/internal/providers"
	"github.com/keymux/keymux/internal/proxy"
	"github.com/keymux/keymux/internal/queue"
	"github.com/keymux/keymux/internal/server"
)

func newServeCommand() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "load environment variables from a file before reading config")
	return cmd
}

func runServe(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("env file: %w", err)
		}
	} else {
		// A .env beside the binary is a convenience, not a requirement.
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.SetGlobalLevel(cfg.LogLevel)
	log := logging.NewDefaultLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := keypool.New(cfg, log)
	if cfg.CheckKeys {
		checker := keypool.NewChecker(pool, log)
		disabled := checker.Run(ctx)
		if disabled > 0 {
			log.Warn().Int("disabled", disabled).Msg("startup key check retired keys")
		}
	}

	store, err := newGatekeeperStore(ctx, cfg)
	if err != nil {
		return err
	}
	gate := gatekeeper.New(cfg, store, log)

	q := queue.New(log)
	pipe := proxy.NewPipeline(cfg)
	registry := providers.NewRegistry()
	exec := proxy.NewExecutor(cfg, q, pool, registry, httpx.NewUpstreamClient(), log)
	srv := server.New(cfg, log, q, pool, gate, pipe, exec)

	go dispatch.New(q, pool, log).Run(ctx)
	go q.StartSweeper(ctx.Done())
	go gate.StartQuotaRefresher(ctx)
	go srv.StartPruner(ctx)

	return srv.ListenAndServe(ctx)
}

// newGatekeeperStore picks the user-token backing store. Redis only when
// user_token mode actually needs it.
func newGatekeeperStore(ctx context.Context, cfg *config.Config) (gatekeeper.Store, error) {
	if cfg.Gatekeeper != "user_token" {
		return gatekeeper.NewMemoryStore(), nil
	}
	if cfg.GatekeeperStore == "redis" {
		return gatekeeper.NewRedisStore(ctx, cfg.RedisURL)
	}
	return gatekeeper.NewMemoryStore(), nil
}
