package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"claimsync.ai/internal/config"
	"claimsync.ai/internal/engine"
	"claimsync.ai/internal/persistence/auditlog"
	"claimsync.ai/internal/store"
	"claimsync.ai/internal/store/memstore"
	"claimsync.ai/internal/store/sqlstore"
	"claimsync.ai/internal/syncer"
	"claimsync.ai/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configPath  = flag.String("config", "", "path to claimsync.yaml (optional)")
		dbDriver    = flag.String("db_driver", "", "override database.driver: sqlite, postgres or memory")
		dbPath      = flag.String("db", "", "override database.path (sqlite file or postgres dsn)")
		auditDir    = flag.String("audit_dir", "", "override audit.dir")
		enableAdmin = flag.Bool("enable_admin_http", defaultEnableAdminHTTP(), "enable loopback-only /admin/v1/* endpoints")
		enablePprof = flag.Bool("enable_pprof_http", envBool("CLAIMSYNC_ENABLE_PPROF_HTTP", false), "enable /debug/pprof/* endpoints")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if v := strings.TrimSpace(*dbDriver); v != "" {
		cfg.Database.Driver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(*dbPath); v != "" {
		cfg.Database.Path = v
	}
	if v := strings.TrimSpace(*auditDir); v != "" {
		cfg.Audit.Dir = v
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(cfg.Database)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}

	mirror, err := buildMirrorRuntime(ctx, cfg.Mirror(), cfg.Audit.Dir, log.New(os.Stdout, "[mirror] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("audit mirror: %v", err)
	}
	audit := auditlog.New(cfg.Audit.Dir, auditPrefix)
	audit.OnClose = mirror.Enqueue
	mirror.EnqueueExisting(cfg.Audit.Dir, auditPrefix)

	hub := ws.NewServer(cfg.Sync.BatchSize, log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds))
	sched := syncer.New(st, hub, cfg.Sync, log.New(os.Stdout, "[sync] ", log.LstdFlags|log.Lmicroseconds))
	svc, err := engine.New(ctx, engine.Options{
		Config: cfg,
		Store:  st,
		Syncer: sched,
		Audit:  audit,
		Logger: log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	hub.Bind(svc, sched)
	sched.Start(ctx)

	mux := buildMux(serverDeps{sync: sched, hub: hub, engine: svc, mirror: mirror}, hub.Handler(), logger, *enableAdmin, *enablePprof)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// ListenAndServe returns as soon as Shutdown starts; stopped closes once
	// every websocket handler has left the engine.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sched.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.CloseAll(shutdownCtx); err != nil {
			logger.Printf("ws handlers still running at shutdown: %v", err)
		}
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s (db=%s audit=%s mirror=%v)", *addr, cfg.Database.Driver, cfg.Audit.Dir, mirror.enabled)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen: %v", err)
	}
	<-stopped

	// Audit segments close after the last mutation so the mirror sees them.
	if err := audit.Close(); err != nil {
		logger.Printf("close audit log: %v", err)
	}
	mirror.Close()
	if err := st.Close(); err != nil {
		logger.Printf("close store: %v", err)
	}
}

const auditPrefix = "audit"

func openStore(db config.DatabaseConfig) (store.Store, error) {
	if db.Driver == "memory" {
		return memstore.New(), nil
	}
	return sqlstore.Open(db.Driver, db.Path)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
