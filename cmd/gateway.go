package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/spf13/cobra"

	"clawgate/pkg/auth"
	"clawgate/pkg/bus"
	"clawgate/pkg/channel/discord"
	"clawgate/pkg/channel/telegram"
	"clawgate/pkg/config"
	"clawgate/pkg/gateway"
	"clawgate/pkg/logger"
	"clawgate/pkg/metrics"
	"clawgate/pkg/plugin"
	"clawgate/pkg/storage"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run channel gateway mode",
	Long:  "Runs every configured channel plugin with health, readiness, status, and metrics endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := registerBuiltins(plugin.Default()); err != nil {
			log.Error("Failed to register plugins", "error", err)
			return
		}

		log.Info("Gateway starting", "channels", configuredChannelNames(cfg))
		if err := runGateway(runCtx, cfg, plugin.Default(), appLogger); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// registerBuiltins adds the bundled channel plugins to reg.
func registerBuiltins(reg *plugin.Registry) error {
	for _, p := range []plugin.Plugin{telegram.New(), discord.New()} {
		if err := reg.Register(p); err != nil {
			return err
		}
	}

	return nil
}

// runGateway wires storage, credentials, the plugin manager, and the status service,
// then blocks until ctx ends.
func runGateway(ctx context.Context, cfg *config.Config, reg *plugin.Registry, log *slog.Logger) error {
	m := metrics.New()
	checks := make(map[string]healthcheck.Check)

	var usage auth.UsageSink
	if path := strings.TrimSpace(cfg.Storage.UsageDB); path != "" {
		store, err := storage.Open(ctx, path, log)
		if err != nil {
			return err
		}
		defer store.Close()

		usage = store
		checks["usage_db"] = healthcheck.DatabasePingCheck(store.DB(), time.Second)
	}

	authManager, err := newAuthManager(ctx, cfg, usage, m, log)
	if err != nil {
		return err
	}

	messageBus := bus.NewMessageBus()
	manager, err := plugin.NewManager(plugin.Options{
		Registry:    reg,
		Config:      cfg,
		Credentials: authManager,
		Bus:         messageBus,
		Metrics:     m,
		Log:         log,
	})
	if err != nil {
		return err
	}

	svc, err := gateway.NewService(gateway.Options{
		Config:          cfg,
		Plugins:         manager,
		Credentials:     authManager,
		Metrics:         m,
		Bus:             messageBus,
		ReadinessChecks: checks,
		Log:             log,
	})
	if err != nil {
		return err
	}

	go logInbound(ctx, messageBus, log)

	return svc.Run(ctx)
}

func newAuthManager(ctx context.Context, cfg *config.Config, usage auth.UsageSink, m *metrics.Metrics, log *slog.Logger) (*auth.Manager, error) {
	store, oauthRefresher, err := auth.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("load credential profiles: %w", err)
	}

	var refresher auth.Refresher
	if oauthRefresher.Len() > 0 {
		refresher = oauthRefresher
	}

	return auth.New(ctx, auth.Options{
		Store:       store,
		Refresher:   refresher,
		Usage:       usage,
		RefreshSkew: cfg.Auth.RefreshSkew(),
		Log:         log,
		Metrics:     m,
	})
}

// logInbound is the inbound consumer when no agent runtime is attached: messages are
// logged and dropped so gateways never block on a full bus.
func logInbound(ctx context.Context, messageBus *bus.MessageBus, log *slog.Logger) {
	log = log.With("component", "cmd.inbound")
	for {
		msg, ok := messageBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		log.Info("Inbound message", "session_key", msg.SessionKey(), "sender_id", msg.SenderID, "chat_type", msg.ChatType, "mentioned", msg.Mentioned)
	}
}

func configuredChannelNames(cfg *config.Config) string {
	ids := cfg.ChannelIDs()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, string(id))
	}

	return strings.Join(names, ",")
}
