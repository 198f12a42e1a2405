package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/botcraft/botcraft/internal/auth"
	"github.com/botcraft/botcraft/internal/botstore"
	"github.com/botcraft/botcraft/internal/codegen"
	"github.com/botcraft/botcraft/internal/controlplane/server"
	"github.com/botcraft/botcraft/internal/events"
	"github.com/botcraft/botcraft/internal/lifecycle"
	"github.com/botcraft/botcraft/internal/metrics"
	"github.com/botcraft/botcraft/internal/supervisor"
	"github.com/botcraft/botcraft/internal/tokencheck"
	"github.com/botcraft/botcraft/internal/webappstore"
	"github.com/botcraft/botcraft/internal/workspace"
	"github.com/botcraft/botcraft/pkg/config"
	"github.com/botcraft/botcraft/pkg/kvstore"
	"github.com/botcraft/botcraft/pkg/logger"
	"github.com/botcraft/botcraft/pkg/shutdown"
	"github.com/botcraft/botcraft/pkg/syncgroup"
)

func main() {
	// .env 不存在时直接使用真实环境变量
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML config file")
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
		dbPath     = flag.String("db", "", "SQLite db file path (overrides config)")
		dataDir    = flag.String("data-dir", "", "base data directory (overrides config)")
		logsDir    = flag.String("logs-dir", "", "base logs directory (overrides config)")
		issueFor   = flag.String("issue-token", "", "print an access token for this owner id and exit")
		tokenTTL   = flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of tokens printed by -issue-token")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	override(&cfg.Listen, *listenAddr)
	override(&cfg.DBPath, *dbPath)
	override(&cfg.DataDir, *dataDir)
	override(&cfg.LogsDir, *logsDir)

	authn := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if *issueFor != "" {
		tok, err := authn.IssueToken(*issueFor, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, authn); err != nil {
		logger.Errorf("controlplane exited: %v", err)
		os.Exit(1)
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func run(cfg *config.ServerConfig, authn *auth.Authenticator) error {
	log := logger.Component("main")

	credKey, err := kvstore.ParseKey(cfg.CredentialKey)
	if err != nil {
		return fmt.Errorf("credential_key: %w", err)
	}
	if credKey == nil {
		log.Warn("credential_key not set: bot tokens are stored unencrypted")
	}
	webKey, err := kvstore.ParseKey(cfg.WebApp.EncryptionKey)
	if err != nil {
		return fmt.Errorf("webapp.encryption_key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	store, err := botstore.Open(botstore.Options{Path: cfg.DBPath, CredentialKey: credKey})
	if err != nil {
		return fmt.Errorf("open bot store: %w", err)
	}
	kv, err := kvstore.Open(kvstore.OpenOptions{Path: cfg.WebApp.StorePath, EncryptionKey: webKey})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open webapp store: %w", err)
	}
	actions := webappstore.New(kv, webappstore.Options{})

	ws, err := workspace.New(filepath.Join(cfg.DataDir, "workspaces"))
	if err != nil {
		return err
	}
	tokens := tokencheck.New(tokencheck.Options{
		BaseURL:    cfg.Platform.APIBaseURL,
		Timeout:    cfg.Platform.Timeout(),
		RetryCount: cfg.Platform.RetryCount,
		CacheTTL:   cfg.Platform.CacheTTL(),
	})
	sup := supervisor.New(supervisor.Options{
		LogMaxSizeMB:  cfg.Runtime.LogMaxSizeMB,
		LogMaxBackups: cfg.Runtime.LogMaxBackups,
	})
	bots, err := lifecycle.New(lifecycle.Deps{
		Store:      store,
		Tokens:     tokens,
		Generator:  codegen.New(codegen.Options{APIBaseURL: cfg.WebApp.PublicBaseURL}),
		Workspaces: ws,
		Supervisor: sup,
		Events:     events.NewHub(),
		Actions:    actions,
	}, lifecycle.Options{
		Runtime: lifecycle.RuntimeOptions{
			Executable: cfg.Runtime.Interpreter,
			Args:       cfg.Runtime.Args,
			Entrypoint: cfg.Runtime.Entrypoint,
			Env:        cfg.Runtime.Env,
			Grace:      cfg.Runtime.Grace(),
			KillGrace:  cfg.Runtime.KillGrace(),
		},
		LogsDir:             cfg.LogsDir,
		MaxBotsPerOwner:     cfg.Limits.MaxBotsPerOwner,
		RecoveryConcurrency: cfg.Recovery.Concurrency,
	})
	if err != nil {
		return err
	}

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 5*time.Minute)
	report, err := bots.Recover(recoverCtx)
	cancelRecover()
	if err != nil {
		return fmt.Errorf("recover bots: %w", err)
	}
	log.Infof("recovery done: %d running, %d failed", len(report.Recovered), len(report.Failed))

	srv, err := server.New(server.Config{
		WebAppBurst:     cfg.Limits.WebAppBurst,
		WebAppPerSecond: float64(cfg.Limits.WebAppPerSecond),
	}, bots, authn, actions)
	if err != nil {
		return err
	}

	janitor, err := lifecycle.NewJanitor(cfg.Janitor.Schedule, 0)
	if err != nil {
		return err
	}
	_ = janitor.Add("workspaces", func(ctx context.Context) error {
		_, err := bots.CollectGarbage(ctx)
		return err
	})
	_ = janitor.Add("identity-cache", func(ctx context.Context) error {
		tokens.SweepCache()
		return nil
	})
	_ = janitor.Add("webapp-limiter", func(ctx context.Context) error {
		srv.Limiter().Prune(time.Hour)
		return nil
	})
	janitor.Start()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	debugCtx, stopDebug := context.WithCancel(context.Background())
	bg := syncgroup.NewSyncGroup()
	bg.Add("http", func() {
		log.Infof("controlplane listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server error")
		}
	})
	if cfg.DebugListen != "" {
		bg.Add("debug", func() {
			if err := metrics.Serve(debugCtx, cfg.DebugListen); err != nil {
				log.WithError(err).Warn("debug server error")
			}
		})
	}
	bg.Run()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-stopCh
	log.Infof("received %s, shutting down; bot processes keep running", sig)

	sm := shutdown.NewManager()
	sm.OnShutdown("http", httpSrv.Shutdown)
	sm.Alongside("debug", func(ctx context.Context) error {
		stopDebug()
		return nil
	})
	sm.OnShutdown("janitor", janitor.Stop)
	sm.OnShutdown("webapp-store", func(ctx context.Context) error { return kv.Close() })
	sm.Alongside("bot-store", func(ctx context.Context) error { return store.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sm.Shutdown(ctx)
	bg.Wait()
	log.Info("server stopped")
	return nil
}
