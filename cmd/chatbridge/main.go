package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Chiesa14/erc-system-sub000/internal/api"
	"github.com/Chiesa14/erc-system-sub000/internal/config"
	"github.com/Chiesa14/erc-system-sub000/internal/session"
	"github.com/Chiesa14/erc-system-sub000/internal/stats"
)

func main() {
	logger := log.New(os.Stderr, "[erc-chat] ", log.LstdFlags)

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Fatal("dotenv:", err)
	}

	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if err != nil {
		logger.Fatal("config:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chat, err := session.New(cfg, statsUpdater, logger)
	if err != nil {
		logger.Fatal("new session:", err)
	}

	bridge := api.NewBridge(mux, logger, chat, api.Options{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pushCh := make(chan error, 1)
	go func() {
		pushCh <- chat.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- bridge.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Println("server:", err)
		}
	case err := <-pushCh:
		logger.Println("push channel:", err)
	}

	shutDownCtx, shutDownCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer shutDownCancel()

	if err := bridge.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("logging out...")
	chat.Logout()
	cancel()

	logger.Println("shutdown complete")
}
