// Package main implements gloved, the human-in-the-loop authorization
// daemon. Agents propose actions; policy decides allow/deny/require_pin;
// humans confirm high-risk actions with a PIN; every transition lands in a
// hash-chained audit log.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"glove/internal/extension"
	"glove/internal/notify"
	"glove/internal/policy"
	"glove/internal/secrets"
	"glove/internal/store"
)

type config struct {
	host              string
	port              int
	dbPath            string
	policyPath        string
	requestTTLSeconds int
	maxPINAttempts    int
	inboundToken      string
	publicURL         string

	extensionsDir     string
	trustStorePath    string
	requireSignatures bool

	agentKey string
	adminKey string
}

func main() {
	var cfg config
	var ncfg notify.Config

	flag.StringVar(&cfg.host, "host", envOrDefault("GLOVE_HOST", "127.0.0.1"), "HTTP listen host")
	flag.IntVar(&cfg.port, "port", envOrDefaultInt("GLOVE_PORT", 8088), "HTTP listen port")
	flag.StringVar(&cfg.dbPath, "db", envOrDefault("GLOVE_DB_PATH", "./glove.db"), "SQLite file path or postgres:// DSN")
	flag.StringVar(&cfg.policyPath, "policy", envOrDefault("GLOVE_POLICY_PATH", "./policy.json"), "Policy document (JSON or YAML)")
	flag.IntVar(&cfg.requestTTLSeconds, "request-ttl", envOrDefaultInt("GLOVE_REQUEST_TTL_SECONDS", 300), "Approval request TTL in seconds")
	flag.IntVar(&cfg.maxPINAttempts, "max-pin-attempts", envOrDefaultInt("GLOVE_MAX_PIN_ATTEMPTS", 5), "PIN attempts before lock-out")
	flag.StringVar(&cfg.inboundToken, "inbound-token", envOrDefault("GLOVE_INBOUND_TOKEN", ""), "Token for the inbound reply webhook")
	flag.StringVar(&cfg.publicURL, "public-url", envOrDefault("GLOVE_PUBLIC_URL", "http://127.0.0.1:8088"), "Base URL for approval deep-links")

	flag.StringVar(&cfg.extensionsDir, "extensions-dir", envOrDefault("GLOVE_CLAWHUB_EXTENSIONS_DIR", "./extensions"), "Extension install root")
	flag.StringVar(&cfg.trustStorePath, "trust-store", envOrDefault("GLOVE_CLAWHUB_TRUST_STORE_PATH", "./trusted_publishers.json"), "Publisher trust store path")
	flag.BoolVar(&cfg.requireSignatures, "require-extension-signatures", envOrDefaultBool("GLOVE_REQUIRE_EXTENSION_SIGNATURES", true), "Require signed extension bundles")

	flag.StringVar(&ncfg.Provider, "notifier", envOrDefault("GLOVE_NOTIFIER_PROVIDER", "console"), "Notification provider")
	flag.StringVar(&ncfg.Providers, "notifiers", envOrDefault("GLOVE_NOTIFIER_PROVIDERS", ""), "Comma-separated provider list (overrides -notifier)")
	flag.StringVar(&ncfg.WebhookURL, "webhook-url", envOrDefault("GLOVE_WEBHOOK_URL", ""), "Webhook URL for notifications")
	flag.StringVar(&ncfg.SMTPHost, "smtp-host", envOrDefault("GLOVE_SMTP_HOST", ""), "SMTP server host")
	flag.IntVar(&ncfg.SMTPPort, "smtp-port", envOrDefaultInt("GLOVE_SMTP_PORT", 587), "SMTP server port")
	flag.StringVar(&ncfg.SMTPUsername, "smtp-username", envOrDefault("GLOVE_SMTP_USERNAME", ""), "SMTP username")
	flag.BoolVar(&ncfg.SMTPUseTLS, "smtp-use-tls", envOrDefaultBool("GLOVE_SMTP_USE_TLS", true), "Use STARTTLS for SMTP")
	flag.StringVar(&ncfg.SMTPFrom, "smtp-from", envOrDefault("GLOVE_SMTP_FROM", ""), "Email sender address")
	flag.StringVar(&ncfg.NotifyTo, "notify-to", envOrDefault("GLOVE_NOTIFY_TO", ""), "Email recipient address")
	flag.StringVar(&ncfg.TwilioFrom, "twilio-from", envOrDefault("GLOVE_TWILIO_FROM", ""), "Twilio sender number")
	flag.StringVar(&ncfg.TwilioTo, "twilio-to", envOrDefault("GLOVE_TWILIO_TO", ""), "Twilio recipient number")
	flag.StringVar(&ncfg.Extensions, "clawhub-extensions", envOrDefault("GLOVE_CLAWHUB_EXTENSIONS", ""), "Default enabled extension ids")
	flag.IntVar(&ncfg.TimeoutSeconds, "clawhub-timeout", envOrDefaultInt("GLOVE_CLAWHUB_TIMEOUT_SECONDS", 10), "Extension subprocess timeout in seconds")

	// initLogging must run before flag.Parse so it can strip --log-level
	// before the flag package sees it.
	remaining := initLogging(os.Args[1:])
	flag.CommandLine.Parse(remaining) //nolint:errcheck

	// Secrets come from environment only, never flags.
	ncfg.SMTPPassword = os.Getenv("GLOVE_SMTP_PASSWORD")
	ncfg.TwilioAccountSID = os.Getenv("GLOVE_TWILIO_ACCOUNT_SID")
	ncfg.TwilioAuthToken = os.Getenv("GLOVE_TWILIO_AUTH_TOKEN")
	ncfg.ExtensionsDir = cfg.extensionsDir
	cfg.agentKey = strings.TrimSpace(os.Getenv("GLOVE_AGENT_KEY"))
	cfg.adminKey = strings.TrimSpace(os.Getenv("GLOVE_ADMIN_KEY"))

	st, err := store.Open(store.Config{DSN: cfg.dbPath})
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentKey, err := readOrCreateKey(ctx, st, "agent_key", cfg.agentKey)
	if err != nil {
		slog.Error("failed to bootstrap agent key", "err", err)
		os.Exit(1)
	}
	adminKey, err := readOrCreateKey(ctx, st, "admin_key", cfg.adminKey)
	if err != nil {
		slog.Error("failed to bootstrap admin key", "err", err)
		os.Exit(1)
	}

	doc, err := policy.LoadFile(cfg.policyPath)
	if err != nil {
		slog.Warn("policy file not loaded, using default policy", "path", cfg.policyPath, "err", err)
		doc = policy.Default()
	}

	srv := &server{
		cfg:       cfg,
		store:     st,
		engine:    policy.NewEngine(doc),
		notifier:  notify.New(ncfg),
		installer: extension.NewInstaller(cfg.extensionsDir, cfg.trustStorePath, cfg.requireSignatures),
		agentKey:  agentKey,
		adminKey:  adminKey,
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.host, cfg.port),
		Handler:      traceMiddleware(srv.routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go srv.startExpirationWorker(ctx)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down...")
		cancel()
		httpServer.Shutdown(context.Background())
	}()

	pinConfigured, err := srv.hasPIN(ctx)
	if err != nil {
		slog.Error("failed to read PIN settings", "err", err)
		os.Exit(1)
	}

	// One machine-readable startup line on stdout so wrappers can scrape the
	// key tails without parsing logs.
	startup, _ := json.Marshal(map[string]any{
		"event":          "glove_startup",
		"admin_key_tail": keyTail(adminKey),
		"agent_key_tail": keyTail(agentKey),
		"pin_configured": pinConfigured,
	})
	fmt.Println(string(startup))

	slog.Info("gloved starting",
		"addr", httpServer.Addr,
		"db", cfg.dbPath,
		"policy", cfg.policyPath,
		"notifier", srv.notifier.Describe())

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("gloved stopped")
}

// readOrCreateKey resolves a bearer key: a non-empty environment override
// wins, then the persisted setting, then a freshly minted key saved for
// future restarts.
func readOrCreateKey(ctx context.Context, st *store.Store, name, envValue string) (string, error) {
	if envValue != "" {
		return envValue, nil
	}
	value, err := st.GetSetting(ctx, name)
	if err != nil {
		return "", err
	}
	if value != "" {
		return value, nil
	}
	value = secrets.NewBearerKey()
	if err := st.SetSetting(ctx, name, value); err != nil {
		return "", err
	}
	return value, nil
}

// keyTail returns the last 8 characters of a secret for display.
func keyTail(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[len(key)-8:]
}

// startExpirationWorker sweeps overdue pending requests once a minute. Lazy
// expiry on read remains authoritative; the sweeper just keeps listings fresh.
func (s *server) startExpirationWorker(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ExpireOverdue(ctx)
			if err != nil {
				slog.Error("expiration sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("expired overdue requests", "count", n)
			}
		}
	}
}

// envOrDefault returns the value of the environment variable named by key,
// or def if the variable is not set or empty.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
