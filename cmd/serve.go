package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coal/recaptchaedge/internal/audit"
	"github.com/coal/recaptchaedge/internal/config"
	"github.com/coal/recaptchaedge/internal/dashboard"
	"github.com/coal/recaptchaedge/internal/metrics"
	"github.com/coal/recaptchaedge/internal/pipeline"
	"github.com/coal/recaptchaedge/internal/policy"
	"github.com/coal/recaptchaedge/internal/proxy"
	"github.com/coal/recaptchaedge/internal/recaptcha"
	"github.com/coal/recaptchaedge/internal/store"
	"github.com/coal/recaptchaedge/internal/telemetry"
)

var (
	listenAddr  string
	originURL   string
	policyFile  string
	auditFile   string
	metricsAddr string
	noDashboard bool
	debugMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the edge reverse proxy",
	Long:  "Start the HTTP reverse proxy that applies reCAPTCHA firewall policies to every request before it reaches the origin.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (overrides listen_addr)")
	serveCmd.Flags().StringVar(&originURL, "origin", "", "Origin URL (overrides origin_url)")
	serveCmd.Flags().StringVar(&policyFile, "policy-file", "", "Serve policies from a YAML file instead of the API")
	serveCmd.Flags().StringVar(&auditFile, "audit-log", "", "Path to audit log file (default: stderr)")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Admin listener for metrics and dashboard (overrides metrics_addr)")
	serveCmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "Disable the real-time dashboard")
	serveCmd.Flags().BoolVar(&debugMode, "debug", false, "Add the X-RECAPTCHA-DEBUG header to responses")
}

func serveOverrides(c *config.Config) {
	if listenAddr != "" {
		c.ListenAddr = listenAddr
	}
	if originURL != "" {
		c.OriginURL = originURL
	}
	if policyFile != "" {
		c.PolicyFile = policyFile
	}
	if auditFile != "" {
		c.AuditLog = auditFile
	}
	if metricsAddr != "" {
		c.MetricsAddr = metricsAddr
	}
	if debugMode {
		c.Debug = true
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, serveOverrides)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "recaptchaedge", logger)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	auditLogger, err := audit.Open(cfg.AuditLog, audit.OnlyDispositions(cfg.AuditDispositions...))
	if err != nil {
		return fmt.Errorf("creating audit logger: %w", err)
	}
	defer auditLogger.Close()
	if cfg.AuditLog != "" {
		logger.Info().Str("path", cfg.AuditLog).Strs("dispositions", cfg.AuditDispositions).Msg("audit log enabled")
	}

	var (
		lister   policy.Lister
		assessor proxy.Assessor
	)
	if cfg.HasAssessmentClient() {
		cc := cfg.ClientConfig()
		cc.ListRetries = 2
		cc.RetryDelay = 200 * time.Millisecond
		cc.HTTPClient = telemetry.InstrumentClient(&http.Client{})
		client, err := recaptcha.NewClient(cc, logger)
		if err != nil {
			return err
		}
		assessor = client

		backing, backend := store.NewCache(ctx, cfg.RedisURL)
		lister = recaptcha.NewPolicyCache(client, backing, cfg.PolicyCacheTTL, cfg.PolicyErrorTTL, logger)
		logger.Info().
			Uint64("project", cfg.ProjectNumber).
			Str("cache", backend).
			Dur("ttl", cfg.PolicyCacheTTL).
			Msg("firewall policies from reCAPTCHA API")
	}
	if cfg.PolicyFile != "" {
		f, err := policy.LoadFromFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("loading policy file: %w", err)
		}
		lister = f
		logger.Info().
			Str("file", cfg.PolicyFile).
			Int("policies", len(f.Policies)).
			Msg("firewall policies from file")
	}

	m := metrics.New()
	ep, err := proxy.New(proxy.Config{
		OriginURL:        cfg.OriginURL,
		ChallengePageURL: cfg.ChallengePageURL,
		SiteKeys:         cfg.SiteKeys(),
		TrustForwarded:   cfg.TrustForwarded,
	}, lister, assessor,
		telemetry.InstrumentClient(&http.Client{Timeout: cfg.Timeout}),
		cfg.EngineConfig(), logger,
		pipeline.WithMetrics(m), pipeline.WithAudit(auditLogger),
	)
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}

	admin := chi.NewRouter()
	admin.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	admin.Handle("/metrics", m.Handler())
	if !noDashboard {
		hub := dashboard.NewHub(lister, logger)
		ep.Engine().AddObserver(hub.OnDecision)
		dashboard.Run(ctx, hub)
		dashboard.Routes(admin, hub)
	}

	edgeSrv := &http.Server{Addr: cfg.ListenAddr, Handler: ep.Handler(), ReadHeaderTimeout: 10 * time.Second}
	adminSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: admin, ReadHeaderTimeout: 10 * time.Second}

	printBanner(cfg, !noDashboard)

	errCh := make(chan error, 2)
	go serveHTTP(edgeSrv, errCh)
	go serveHTTP(adminSrv, errCh)
	logger.Info().
		Str("listen", cfg.ListenAddr).
		Str("origin", cfg.OriginURL).
		Str("admin", cfg.MetricsAddr).
		Msg("starting recaptcha edge")

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error().Err(err).Msg("listener failed")
	}
	return shutdown(logger, err, edgeSrv, adminSrv)
}

func serveHTTP(srv *http.Server, errCh chan<- error) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
	}
}

func shutdown(logger zerolog.Logger, cause error, servers ...*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", srv.Addr).Msg("shutdown")
		}
	}
	return cause
}

func printBanner(cfg *config.Config, dash bool) {
	fmt.Fprintf(os.Stderr, "\n  reCAPTCHA edge v%s\n", Version)
	fmt.Fprintf(os.Stderr, "  Listen:  %s\n", cfg.ListenAddr)
	fmt.Fprintf(os.Stderr, "  Origin:  %s\n", cfg.OriginURL)
	if cfg.PolicyFile != "" {
		fmt.Fprintf(os.Stderr, "  Policies: %s\n", cfg.PolicyFile)
	} else {
		fmt.Fprintf(os.Stderr, "  Project: %d\n", cfg.ProjectNumber)
	}
	if dash {
		addr := cfg.MetricsAddr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		fmt.Fprintf(os.Stderr, "  Dashboard: http://%s%s/\n", addr, dashboard.Prefix)
	}
	fmt.Fprintln(os.Stderr)
}
