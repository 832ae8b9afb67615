package dvpd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"dvpsettle/observability"
	"dvpsettle/observability/logging"
	telemetry "dvpsettle/observability/otel"
	"dvpsettle/services/dvpd/ledger"
)

// Main loads configuration, wires the settlement service and serves the
// admin API until SIGINT or SIGTERM. passphrase unlocks keystore identities.
func Main(passphrase ledger.PassphraseFunc) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/dvpd/config.yaml", "path to dvpd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("DVP_ENV"))
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service:    cfg.Service,
		Env:        env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	tc := cfg.Telemetry
	if tc.Endpoint == "" {
		tc.Endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	if len(tc.Headers) == 0 {
		tc.Headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Service,
		Environment: env,
		Endpoint:    tc.Endpoint,
		Insecure:    tc.Insecure,
		Headers:     tc.Headers,
		Metrics:     tc.Metrics,
		Traces:      tc.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := NewService(ctx, cfg, Deps{
		Logger:     logger,
		Passphrase: passphrase,
		Emitter:    observability.NewEventLog(logger),
	})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	secret := ""
	if env := cfg.Admin.Auth.HMACSecretEnv; env != "" {
		secret = os.Getenv(env)
	}
	auth, err := NewAuthenticator(AuthConfig{
		Enabled:    cfg.Admin.Auth.Enabled,
		HMACSecret: secret,
		Issuer:     cfg.Admin.Auth.Issuer,
		Audience:   cfg.Admin.Auth.Audience,
	}, logger)
	if err != nil {
		return err
	}
	if !cfg.Admin.Auth.Enabled {
		logger.Warn("admin api authentication disabled", slog.String("listen", cfg.Admin.Listen))
	}

	server := NewServer(ctx, svc, auth, logger)
	logger.Info("dvpd starting",
		slog.Int("ledgers", len(cfg.Ledgers)),
		slog.Int("participants", len(cfg.Participants)),
		slog.String("execute", cfg.Settlement.Execute),
		slog.String("commitment", cfg.Settlement.Commitment),
		slog.Bool("journal", svc.Journal() != nil))
	return server.Serve(ctx, cfg.Admin.Listen, cfg.Admin.MaxConns)
}
