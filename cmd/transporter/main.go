package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/SakuraServer/Transporter/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/transporter.yaml", "server config path")
		envFile    = flag.String("env", ".env", "optional dotenv file loaded before TRP_* overrides (empty to skip)")
		addr       = flag.String("addr", "", "http listen address (overrides config listen)")
	)
	flag.Parse()

	logs := newLoggers(os.Stdout)
	logger := logs.main

	if p := strings.TrimSpace(*envFile); p != "" {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Fatalf("load %s: %v", p, err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if a := strings.TrimSpace(*addr); a != "" {
		cfg.Listen = a
	}

	rt, err := newRuntime(cfg, logs)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer rt.Close()
	rt.Start()

	ctx, cancel := signalContext()
	defer cancel()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           rt.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("server '%s' listening on %s (%d peers, %d local gates)", cfg.Server, cfg.Listen, len(cfg.Peers), len(rt.gates.Locals()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
