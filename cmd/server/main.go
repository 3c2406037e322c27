package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"tidings/internal/api"
	"tidings/internal/catalog"
	"tidings/internal/config"
	"tidings/internal/downloads"
	"tidings/internal/files"
	"tidings/internal/logging"
	"tidings/internal/payments"
	"tidings/internal/retry"
	"tidings/internal/store"
)

func serveIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, "web/index.html")
}

func formatMinor(amount int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", amount/100, amount%100, strings.ToUpper(currency))
}

// checkoutConfig builds the Initiator settings; checkout creation owns the
// only retry budget, so the Stripe backend itself does not retry.
func checkoutConfig(cfg *config.Config, cat *catalog.Catalog, guard payments.AttemptGuard) payments.InitiatorConfig {
	policy := retry.Default()
	return payments.InitiatorConfig{
		Limits: payments.Limits{
			MinMinor: cfg.MinDonationMinor,
			MaxMinor: cfg.MaxDonationMinor,
			Currency: cfg.Currency,
		},
		BaseURL: cfg.PublicBaseURL,
		Catalog: cat,
		Guard:   guard,
		Retry:   &policy,
		Timeout: payments.DefaultAttemptTimeout,
	}
}

func printStats(st store.Store) {
	ctx := context.Background()
	stats, err := st.GetStats(ctx, time.Now())
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║            Tidings Statistics            ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Donations:       %-22d║\n", stats.TotalDonations)
	currencies := make([]string, 0, len(stats.AmountByCurrency))
	for c := range stats.AmountByCurrency {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	for _, c := range currencies {
		fmt.Printf("║  ├─ Received:     %-22s║\n", formatMinor(stats.AmountByCurrency[c], c))
	}
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Download Tokens: %-22d║\n", stats.TotalTokens)
	fmt.Printf("║  ├─ Active:       %-22d║\n", stats.ActiveTokens)
	fmt.Printf("║  ├─ Exhausted:    %-22d║\n", stats.ExhaustedTokens)
	fmt.Printf("║  ├─ Expired:      %-22d║\n", stats.ExpiredTokens)
	fmt.Printf("║  └─ Revoked:      %-22d║\n", stats.RevokedTokens)
	fmt.Printf("║  Downloads:       %-22d║\n", stats.TotalDownloads)
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestDonation.IsZero() {
		fmt.Printf("║  First Donation:  %-22s║\n", stats.OldestDonation.Format("2006-01-02 15:04"))
		fmt.Printf("║  Last Donation:   %-22s║\n", stats.NewestDonation.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No donations in database                ║")
	}
	if len(stats.DailyStats) > 0 {
		fmt.Println("╠══════════════════════════════════════════╣")
		fmt.Println("║  Donations (last 14 days)                ║")
		fmt.Println("║  ──────────────────────────────────────  ║")
		for _, ds := range stats.DailyStats {
			fmt.Printf("║  %s:    %3d gifts  %12d  ║\n", ds.Date, ds.Donations, ds.AmountMinor)
		}
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func openStore(databaseURL, dbPath string) (store.Store, error) {
	if databaseURL != "" {
		logging.Internal.Println("using PostgreSQL store")
		return store.NewPostgresStore(databaseURL)
	}
	logging.Internal.Printf("using SQLite store (%s)", dbPath)
	return store.NewSQLiteStore(dbPath)
}

func openStorage(cfg config.S3, storagePath string) (files.Storage, error) {
	if cfg.Bucket != "" {
		s3, err := files.NewS3Storage(files.S3Config{
			Endpoint:  cfg.Endpoint,
			KeyID:     cfg.KeyID,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			Insecure:  cfg.Insecure,
		})
		if err != nil {
			return nil, err
		}
		logging.Internal.Printf("using S3 storage (bucket: %s)", cfg.Bucket)
		return s3, nil
	}
	fsStorage, err := files.NewFSStorage(storagePath)
	if err != nil {
		return nil, err
	}
	logging.Internal.Printf("using local filesystem storage (%s)", storagePath)
	return fsStorage, nil
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "tidings.db", "SQLite database path (ignored when DATABASE_URL is set)")
	storagePath := flag.String("storage", "./audio", "Audio storage directory (ignored when S3_BUCKET is set)")
	catalogPath := flag.String("catalog", "catalog.yaml", "Content catalog file")
	showStats := flag.Bool("stats", false, "Show database statistics and exit")
	adminToken := flag.String("admin-token", "", "Print a 24h admin API token for the given role (admin or editor) and exit")
	devMode := flag.Bool("dev", false, "Development mode: disables CORS restrictions and rate limiting")
	corsOrigins := flag.String("cors-origins", "", "Comma-separated list of allowed CORS origins (default: PUBLIC_BASE_URL)")
	flag.Parse()

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		logging.Internal.Fatalf("configuration: %v", err)
	}
	logging.Internal.Printf("starting with %s", cfg.Mode())

	if *adminToken != "" {
		auth := api.NewAdminAuth(cfg.AdminJWTSecret)
		if auth == nil {
			logging.Internal.Fatalf("ADMIN_JWT_SECRET is not set")
		}
		tok, err := auth.Mint(*adminToken, 24*time.Hour)
		if err != nil {
			logging.Internal.Fatalf("failed to mint admin token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	st, err := openStore(cfg.DatabaseURL, *dbPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	if *showStats {
		printStats(st)
		return
	}

	// Slots held by streams that died with the previous process
	if n, err := st.ResetReservations(context.Background()); err != nil {
		logging.Internal.Fatalf("failed to reset download reservations: %v", err)
	} else if n > 0 {
		logging.Internal.Printf("released %d stale download reservations", n)
	}

	cat, err := catalog.Load(*catalogPath)
	if err != nil {
		logging.Internal.Fatalf("failed to load catalog: %v", err)
	}
	logging.Internal.Printf("loaded %d catalog items from %s", cat.Len(), *catalogPath)

	storage, err := openStorage(cfg.S3, *storagePath)
	if err != nil {
		logging.Internal.Fatalf("failed to initialize storage: %v", err)
	}
	filesSvc := files.NewService(storage, cat)

	// Use Stripe if configured, otherwise the mock checkout backend
	var backend payments.CheckoutBackend
	var stripeClient *payments.StripeClient
	if cfg.Stripe.SecretKey != "" {
		stripeClient, err = payments.NewStripeClient(payments.StripeConfig{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
		})
		if err != nil {
			logging.Internal.Fatalf("failed to configure Stripe: %v", err)
		}
		backend = stripeClient
		logging.Internal.Println("using Stripe Checkout")
	} else {
		mock := payments.NewMockCheckoutClient()
		mock.CheckoutURL = cfg.PublicBaseURL + "/mock-checkout/"
		backend = mock
		logging.Internal.Println("using mock checkout backend (set STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET for real payments)")
	}
	defer backend.Close()

	paymentsSvc := payments.NewService(backend, st)
	checkoutLimiter := api.NewCheckoutLimiter(api.DefaultCheckoutDebounce)
	initiator := payments.NewInitiator(backend, checkoutConfig(cfg, cat, checkoutLimiter))

	var notifier downloads.Notifier
	if cfg.SMTP.Host != "" {
		smtpNotifier, err := downloads.NewSMTPNotifier(downloads.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			BaseURL:  cfg.PublicBaseURL,
		})
		if err != nil {
			logging.Internal.Fatalf("failed to configure mail: %v", err)
		}
		notifier = smtpNotifier
		logging.Internal.Printf("sending backup links through %s", cfg.SMTP.Host)
	} else {
		notifier = &downloads.LogNotifier{BaseURL: cfg.PublicBaseURL}
		logging.Internal.Println("mail not configured: backup links are logged only")
	}

	issuer := downloads.NewIssuer(st, paymentsSvc, cat, notifier)
	authorizer := downloads.NewAuthorizer(st, filesSvc)

	// Issue download tokens as soon as the provider reports a paid purchase
	paymentsSvc.SetPaymentCallback(func(ctx context.Context, sess *payments.Session, d *store.Donation, created bool) {
		if sess.Type() != payments.TypeDownload {
			return
		}
		if _, err := issuer.Fulfill(ctx, sess); err != nil {
			logging.Internal.Printf("failed to issue token for session %s: %v", sess.ID, err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := paymentsSvc.StartPaymentWatcher(ctx); err != nil {
		logging.Internal.Fatalf("failed to start payment watcher: %v", err)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := checkoutLimiter.CleanupExpired(time.Hour); n > 0 {
					logging.Internal.Printf("cleaned up %d checkout limiter entries", n)
				}
			}
		}
	}()

	handler := api.NewHandler(api.Services{
		Catalog:    cat,
		Files:      filesSvc,
		Payments:   paymentsSvc,
		Initiator:  initiator,
		Issuer:     issuer,
		Authorizer: authorizer,
		Store:      st,
		Admin:      api.NewAdminAuth(cfg.AdminJWTSecret),
	}, cfg.APIKey, cfg.Stripe.PublishableKey)

	if stripeClient != nil {
		handler.SetWebhookHandler(stripeClient)
	}

	// Serve static files for the frontend
	fs := http.FileServer(http.Dir("web"))

	mux := http.NewServeMux()
	mux.Handle("/api/", handler)

	// SPA routes - serve index.html for client-side routing
	for _, route := range []string{"/donate", "/success", "/download", "/download/success", "/listen/", "/admin/"} {
		mux.HandleFunc(route, serveIndex)
	}

	mux.Handle("/", fs)

	var corsConfig api.CORSConfig
	if *devMode {
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else {
		origins := []string{cfg.PublicBaseURL}
		if *corsOrigins != "" {
			origins = strings.Split(*corsOrigins, ",")
			for i, o := range origins {
				origins[i] = strings.TrimSpace(o)
			}
		}
		corsConfig.AllowedOrigins = origins
		logging.Internal.Printf("CORS restricted to origins: %v", origins)
	}

	// Apply middleware (order: Logger -> RateLimit -> CORS -> handler)
	var finalHandler http.Handler = mux
	finalHandler = api.CORS(corsConfig)(finalHandler)
	var rateLimiter *api.RateLimiterMiddleware
	if !*devMode {
		rateLimiter = api.NewRateLimiter(api.DefaultRateLimitConfig())
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:              *addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		if rateLimiter != nil {
			rateLimiter.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", *addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
}
