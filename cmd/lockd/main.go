package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	prometheus "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	zap "go.uber.org/zap"
	zapcore "go.uber.org/zap/zapcore"
	errgroup "golang.org/x/sync/errgroup"

	concurrency "github.com/brown-csci1270/lockmgr/pkg/concurrency"
	config "github.com/brown-csci1270/lockmgr/pkg/config"
	monitor "github.com/brown-csci1270/lockmgr/pkg/monitor"
	repl "github.com/brown-csci1270/lockmgr/pkg/repl"

	uuid "github.com/google/uuid"
)

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Start listening for connections; each one gets its own transaction.
func serve(ctx context.Context, log *zap.Logger, r *repl.REPL, sm *concurrency.SessionManager, prompt string, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	log.Info("server started", zap.String("name", config.ServerName), zap.Stringer("addr", listener.Addr()))
	handleConn := func(c net.Conn) {
		clientId := uuid.New()
		defer c.Close()
		if _, err := sm.Begin(clientId); err != nil {
			log.Error("begin failed", zap.Error(err))
			return
		}
		defer func() {
			// The client may already have committed.
			sm.Commit(clientId)
		}()
		log.Debug("client connected", zap.Stringer("client", clientId), zap.Stringer("remote", c.RemoteAddr()))
		r.Run(c, clientId, prompt)
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("accept failed", zap.Error(err))
			continue
		}
		go handleConn(conn)
	}
}

func serveMetrics(ctx context.Context, log *zap.Logger, reg *prometheus.Registry, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Start the lock server.
func main() {
	var configFlag = flag.String("config", "", "config file path")
	var addrFlag = flag.String("addr", "", "listen address (overrides config)")
	var timeoutFlag = flag.Duration("timeout", -1, "lock acquisition timeout (overrides config; 0 waits forever)")
	var managerFlag = flag.String("manager", "striped", fmt.Sprintf("lock manager implementation %v", concurrency.ManagerNames()))
	var promptFlag = flag.Bool("c", true, "use prompt?")
	var localFlag = flag.Bool("local", false, "run one session on stdin instead of serving")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addrFlag != "" {
		cfg.ListenAddr = *addrFlag
	}
	if *timeoutFlag >= 0 {
		cfg.LockAcquisitionTimeout = config.NewDuration(*timeoutFlag)
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	lm, err := concurrency.NewManagerByName(*managerFlag,
		concurrency.WithTimeout(cfg.LockAcquisitionTimeout.Duration),
		concurrency.WithStripes(cfg.RegistryStripes),
		concurrency.WithLogger(log.Named("locks")))
	if err != nil {
		log.Fatal("lock manager", zap.Error(err))
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(monitor.NewCollector(lm))
	tracer, err := monitor.NewWaitTracer(reg)
	if err != nil {
		log.Fatal("wait tracer", zap.Error(err))
	}
	sm := concurrency.NewSessionManager(lm, tracer)
	r, err := concurrency.LockREPL(sm)
	if err != nil {
		log.Fatal("lock repl", zap.Error(err))
	}
	prompt := config.GetPrompt(*promptFlag)

	if *localFlag {
		clientId := uuid.New()
		if _, err := sm.Begin(clientId); err != nil {
			log.Fatal("begin", zap.Error(err))
		}
		r.Run(nil, clientId, prompt)
		sm.Commit(clientId)
		return
	}

	// Listens for SIGINT or SIGTERM, terminating every transaction.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		sm.StopAll()
	}()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(gctx, log, r, sm, prompt, cfg.ListenAddr)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, log, reg, cfg.MetricsAddr)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server stopped")
}
