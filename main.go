package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gluk-w/claworc/ftpbroker/internal/audit"
	"github.com/gluk-w/claworc/ftpbroker/internal/config"
	"github.com/gluk-w/claworc/ftpbroker/internal/connpool"
	"github.com/gluk-w/claworc/ftpbroker/internal/crypto"
	"github.com/gluk-w/claworc/ftpbroker/internal/database"
	"github.com/gluk-w/claworc/ftpbroker/internal/handlers"
	"github.com/gluk-w/claworc/ftpbroker/internal/logging"
	"github.com/gluk-w/claworc/ftpbroker/internal/protocol"
	"github.com/gluk-w/claworc/ftpbroker/internal/retry"
	"github.com/gluk-w/claworc/ftpbroker/internal/store"
)

// auditPurgeSchedule runs the retention purge once a day at 03:15.
const auditPurgeSchedule = "15 3 * * *"

var rootCmd = &cobra.Command{
	Use:   "ftpbroker",
	Short: "Pooled FTP, FTPS and SFTP sessions behind an HTTP API",
	Long: `ftpbroker keeps authenticated FTP, FTPS and SFTP sessions open on behalf
of many owners and exposes file operations on them over HTTP.

Configuration is read from FTPBROKER_* environment variables.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new credential encryption key",
	Long: `Print a new random key suitable for FTPBROKER_CIPHER_KEY.

To rotate keys, move the current key to FTPBROKER_CIPHER_PREVIOUS_KEYS and
set the new one as FTPBROKER_CIPHER_KEY. Cached connections sealed under the
previous key keep working until they expire.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Cfg

	if err := logging.Init(); err != nil {
		log.Warn().Err(err).Msg("file logging disabled")
	}
	defer logging.Close()

	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	auditor, err := audit.NewAuditor(database.DB, cfg.AuditRetentionDays)
	if err != nil {
		return fmt.Errorf("audit init: %w", err)
	}

	cipher, err := crypto.NewCipherFromStrings(cfg.CipherKey, cfg.CipherPreviousKeys)
	if err != nil {
		return fmt.Errorf("cipher init: %w", err)
	}

	if cfg.PresetsFile != "" {
		if err := protocol.LoadPresets(cfg.PresetsFile); err != nil {
			return fmt.Errorf("load presets: %w", err)
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	targets, err := protocol.NewTargetPolicy(cfg.TargetAllow, cfg.TargetDeny)
	if err != nil {
		return err
	}
	dialer := protocol.NewDialer()
	dialer.Targets = targets

	pool := connpool.New(cipher, st, dialer, poolOptions(cfg, prometheus.DefaultRegisterer))
	handlers.Pool = pool
	handlers.Auditor = auditor
	stopAudit := auditor.Attach(pool)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(auditPurgeSchedule, func() { purgeAuditLogs(auditor) }); err != nil {
		return fmt.Errorf("schedule audit purge: %w", err)
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	<-scheduler.Stop().Done()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pool shutdown")
	}
	stopAudit()
	log.Info().Msg("server stopped")
	return nil
}

// openStore connects the distributed store, or falls back to process memory
// when no URL is configured.
func openStore(cfg config.Settings) (store.Store, error) {
	if cfg.StoreURL == "" {
		log.Warn().Msg("FTPBROKER_STORE_URL not set, connections are not shared across instances")
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewRedisStore(cfg.StoreURL, cfg.StoreTimeout)
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}
	return st, nil
}

func poolOptions(cfg config.Settings, reg prometheus.Registerer) connpool.Options {
	healthInterval := cfg.HealthCheckInterval
	if healthInterval <= 0 {
		healthInterval = -1
	}
	return connpool.Options{
		MaxConnections:      cfg.MaxConnections,
		IdleTimeout:         cfg.IdleTimeout,
		ReapInterval:        cfg.ReapInterval,
		HealthCheckInterval: healthInterval,
		DialTimeout:         cfg.DialTimeout,
		StoreTimeout:        cfg.StoreTimeout,
		DialPolicy:          cfg.DialPolicy(),
		RehydratePolicy:     retry.RehydratePolicy,
		OperationPolicy:     retry.OperationPolicy,
		Metrics:             connpool.NewMetrics(reg),
		RateLimit: &connpool.RateLimitConfig{
			AttemptsPerMinute: cfg.CreateAttemptsPerMinute,
			MaxConsecFailures: cfg.CreateMaxFailures,
			BlockDuration:     cfg.CreateBlockDuration,
		},
	}
}

func newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", handlers.APIRoutes)
	return r
}

// requestLogger writes one access log line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("http request")
	})
}

// purgeAuditLogs applies the audit retention period.
func purgeAuditLogs(a *audit.Auditor) int64 {
	n, err := a.PurgeOlderThan(0)
	if err != nil {
		log.Warn().Err(err).Str("schedule", auditPurgeSchedule).Msg("scheduled audit purge failed, retrying on next run")
		return 0
	}
	return n
}
