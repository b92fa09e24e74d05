package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callkit/internal/config"
	"github.com/meshtalk/callkit/internal/logging"
	"github.com/meshtalk/callkit/internal/relay"
)

func main() {
	config.LoadEnv()
	logging.Init()

	cfg, err := config.New[relay.Config]()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	addr := cfg.Port
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}

	server, err := relay.NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start relay")
	}
	defer server.Close()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("relay listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("relay serve error")
	}
}
