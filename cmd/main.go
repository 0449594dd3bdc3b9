// Package main is the entry point for the dev gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/agentchat/dev-gateway/internal/config"
	"github.com/agentchat/dev-gateway/internal/gateway"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// loadEnvFiles loads .env files the way web dev servers do: .env.local wins
// over .env, and missing files are fine.
func loadEnvFiles() {
	_ = godotenv.Overload(".env")
	_ = godotenv.Overload(".env.local")
}

// setupLogging configures zerolog: pretty console output on a terminal,
// JSON lines otherwise (piped logs, process supervisors).
func setupLogging(debug bool) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func main() {
	fs := flag.NewFlagSet("dev-gateway", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file (optional)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	showVersion := fs.Bool("version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println("dev-gateway", Version)
		return
	}

	loadEnvFiles()
	setupLogging(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Fail before binding anything: a gateway with no backend URL can
		// only serve confusing 502s.
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Str("version", Version).
		Int("port", cfg.Server.Port).
		Str("backend", cfg.Upstreams.Backend).
		Str("dev_server", cfg.Upstreams.DevServer).
		Str("api_prefix", cfg.Proxy.APIPrefix).
		Msg("dev gateway starting")

	gw, err := gateway.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway")
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	if err := gw.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway error")
	}

	log.Info().Msg("dev gateway stopped")
}
